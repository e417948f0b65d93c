package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/huangang/echoboard/internal/models"
	"github.com/huangang/echoboard/internal/services"
	"gorm.io/gorm"
)

// HealthHandler reports the state of the directory's backing services.
type HealthHandler struct {
	db     *gorm.DB
	events services.EventQueue
}

func NewHealthHandler(db *gorm.DB, events services.EventQueue) *HealthHandler {
	return &HealthHandler{db: db, events: events}
}

// CheckHealth returns the health status of all subsystems.
func (h *HealthHandler) CheckHealth(c *gin.Context) {
	overall := "healthy"
	status := http.StatusOK

	dbStatus := "ok"
	sqlDB, err := h.db.DB()
	if err != nil {
		dbStatus = "error: " + err.Error()
		overall = "unhealthy"
	} else if err := sqlDB.PingContext(c.Request.Context()); err != nil {
		dbStatus = "error: " + err.Error()
		overall = "unhealthy"
	}
	if overall != "healthy" {
		status = http.StatusServiceUnavailable
	}

	queueMode := "sync"
	if h.events != nil && h.events.IsAsync() {
		queueMode = "async (Redis)"
	}

	var activeProjects int64
	h.db.WithContext(c.Request.Context()).Model(&models.Project{}).
		Where("status = ?", models.ProjectActive).
		Count(&activeProjects)

	c.JSON(status, gin.H{
		"status":  overall,
		"service": "echoboard",
		"components": gin.H{
			"database":        dbStatus,
			"queue_mode":      queueMode,
			"active_projects": activeProjects,
			"sse_clients":     services.GetMembershipHub().ClientCount(),
		},
	})
}
