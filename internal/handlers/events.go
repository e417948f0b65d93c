package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/huangang/echoboard/internal/middleware"
	"github.com/huangang/echoboard/internal/services"
	"github.com/huangang/echoboard/internal/utils"
	"github.com/huangang/echoboard/pkg/logger"
	"github.com/huangang/echoboard/pkg/response"
)

// EventsHandler streams membership activity over Server-Sent Events.
type EventsHandler struct {
	hub      *services.MembershipHub
	projects *ProjectHandler
}

func NewEventsHandler(hub *services.MembershipHub, directory *services.DirectoryService) *EventsHandler {
	return &EventsHandler{hub: hub, projects: NewProjectHandler(directory)}
}

// StreamProjectEvents accepts the token as a query parameter because
// EventSource cannot set headers.
func (h *EventsHandler) StreamProjectEvents(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		authHeader := c.GetHeader("Authorization")
		if strings.HasPrefix(authHeader, "Bearer ") {
			token = strings.TrimPrefix(authHeader, "Bearer ")
		}
	}
	if token == "" {
		response.Unauthorized(c, "Unauthorized")
		return
	}
	claims, err := utils.ParseToken(token)
	if err != nil {
		response.Unauthorized(c, "Invalid token")
		return
	}
	c.Set(middleware.ContextUserID, claims.UserID)

	projectID, ok := paramID(c, "id")
	if !ok {
		return
	}
	if _, ok := h.projects.visibleProject(c, projectID); !ok {
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	clientID := uuid.New().String()
	events := h.hub.Subscribe(clientID, projectID)
	defer h.hub.Unsubscribe(clientID)

	logger.Info().Str("client_id", clientID).Uint("project_id", projectID).Int("total", h.hub.ClientCount()).Msg("SSE client connected")

	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-events:
			if !ok {
				return false
			}
			data, err := json.Marshal(event)
			if err != nil {
				logger.Error().Err(err).Msg("SSE marshal error")
				return true
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			c.Writer.Flush()
			return true
		case <-c.Request.Context().Done():
			logger.Info().Str("client_id", clientID).Msg("SSE client disconnected")
			return false
		}
	})
}
