package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/huangang/echoboard/internal/services"
	"github.com/huangang/echoboard/pkg/response"
	"gorm.io/gorm"
)

type SettingsHandler struct {
	configService     *services.SystemConfigService
	defaultMaxMembers int
}

// NewSettingsHandler reports defaultMaxMembers when no stored value exists.
func NewSettingsHandler(db *gorm.DB, defaultMaxMembers int) *SettingsHandler {
	return &SettingsHandler{
		configService:     services.NewSystemConfigService(db),
		defaultMaxMembers: defaultMaxMembers,
	}
}

func (h *SettingsHandler) Get(c *gin.Context) {
	response.Success(c, h.configService.GetDirectorySettings(h.defaultMaxMembers))
}

func (h *SettingsHandler) Update(c *gin.Context) {
	var req services.UpdateDirectorySettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	if err := h.configService.UpdateDirectorySettings(&req); err != nil {
		fail(c, err)
		return
	}
	response.Success(c, h.configService.GetDirectorySettings(h.defaultMaxMembers))
}
