package handlers

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/huangang/echoboard/internal/middleware"
	"github.com/huangang/echoboard/internal/models"
	"github.com/huangang/echoboard/pkg/response"
)

// toAppError maps a directory error to its transport representation.
func toAppError(err error) *response.AppError {
	var ve *models.ValidationError
	if errors.As(err, &ve) {
		return response.NewBadRequest(ve.Message).WithDetails(gin.H{
			"field":      ve.Field,
			"constraint": ve.Constraint,
		})
	}

	var me *models.MembershipError
	if errors.As(err, &me) {
		details := gin.H{"project_id": me.ProjectID, "user_id": me.UserID}
		switch {
		case errors.Is(err, models.ErrDuplicateMembership), errors.Is(err, models.ErrCapacityExceeded):
			return response.NewConflict(err.Error()).WithDetails(details)
		case errors.Is(err, models.ErrInvalidStateTransition):
			return response.NewUnprocessable(err.Error()).WithDetails(details)
		}
	}

	switch {
	case errors.Is(err, models.ErrNotFound):
		return response.NewNotFound(err.Error())
	case errors.Is(err, models.ErrDuplicateMembership), errors.Is(err, models.ErrCapacityExceeded):
		return response.NewConflict(err.Error())
	case errors.Is(err, models.ErrInvalidStateTransition):
		return response.NewUnprocessable(err.Error())
	}
	return nil
}

// fail writes err using the directory error mapping, or a 500.
func fail(c *gin.Context, err error) {
	if appErr := toAppError(err); appErr != nil {
		response.Error(c, appErr)
		return
	}
	response.Error(c, err)
}

// paramID parses a positive uint path parameter, writing a 400 when it is not one.
func paramID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil || id == 0 {
		response.BadRequest(c, "invalid "+name)
		return 0, false
	}
	return uint(id), true
}

func parseRole(c *gin.Context, name string) (models.Role, bool) {
	role, err := models.ParseRole(name)
	if err != nil {
		fail(c, err)
		return "", false
	}
	return role, true
}

func bindError(c *gin.Context, err error) {
	response.Error(c, response.NewBadRequest(err.Error()))
}

func callerID(c *gin.Context) uint {
	return middleware.GetUserID(c)
}
