package middleware

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/huangang/echoboard/internal/services"
	"github.com/huangang/echoboard/pkg/logger"
	"github.com/huangang/echoboard/pkg/response"
)

// PermissionChecker answers project permission queries.
type PermissionChecker interface {
	CheckPermission(ctx context.Context, projectID, userID uint, action, resourceType string) (*services.PermissionDecision, error)
}

// ProjectPermission requires the caller to hold an ACTIVE membership in the
// project named by the :id path parameter that allows action on
// resourceType.
func ProjectPermission(checker PermissionChecker, action, resourceType string) gin.HandlerFunc {
	return func(c *gin.Context) {
		projectID, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil || projectID == 0 {
			response.Abort(c, response.NewBadRequest("invalid project id"))
			return
		}

		decision, err := checker.CheckPermission(c.Request.Context(), uint(projectID), GetUserID(c), action, resourceType)
		if err != nil {
			logger.Error().Err(err).Uint64("project_id", projectID).Msg("permission check failed")
			response.Abort(c, response.NewServerError("permission check failed"))
			return
		}
		if !decision.Allowed {
			response.Abort(c, response.NewForbidden("not allowed to "+action+" "+resourceType+" in this project"))
			return
		}
		c.Next()
	}
}
