package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/huangang/echoboard/internal/models"
	"github.com/huangang/echoboard/internal/services"
	"github.com/huangang/echoboard/internal/utils"
	"github.com/huangang/echoboard/pkg/response"
)

type UserHandler struct {
	directory   *services.DirectoryService
	tokenExpire int
}

func NewUserHandler(directory *services.DirectoryService, tokenExpireHours int) *UserHandler {
	return &UserHandler{directory: directory, tokenExpire: tokenExpireHours}
}

// AuthResponse is returned by the account creation endpoints.
type AuthResponse struct {
	User  *models.User `json:"user"`
	Token string       `json:"token"`
}

func (h *UserHandler) issue(c *gin.Context, user *models.User, created bool) {
	token, err := utils.GenerateToken(user.ID, user.Email, string(user.Role), h.tokenExpire)
	if err != nil {
		response.Error(c, err)
		return
	}
	resp := &AuthResponse{User: user, Token: token}
	if created {
		response.Created(c, resp)
		return
	}
	response.Success(c, resp)
}

func (h *UserHandler) Register(c *gin.Context) {
	var req services.RegisterUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	user, err := h.directory.RegisterUser(c.Request.Context(), &req)
	if err != nil {
		fail(c, err)
		return
	}
	h.issue(c, user, true)
}

// ProvisionOAuth is called by the OAuth callback service once it has
// verified the identity. A repeated call for the same identity returns the
// existing account with 200.
func (h *UserHandler) ProvisionOAuth(c *gin.Context) {
	var req services.ProvisionOAuthUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	user, created, err := h.directory.ProvisionOAuthUser(c.Request.Context(), &req)
	if err != nil {
		fail(c, err)
		return
	}
	h.issue(c, user, created)
}

type LinkOAuthRequest struct {
	Provider string `json:"provider" binding:"required"`
	OAuthID  string `json:"oauth_id" binding:"required"`
	Username string `json:"username"`
}

// LinkOAuth attaches a verified provider identity to the caller's own
// account.
func (h *UserHandler) LinkOAuth(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if id != callerID(c) {
		response.Forbidden(c, "can only link your own account")
		return
	}
	var req LinkOAuthRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	user, err := h.directory.LinkOAuthIdentity(c.Request.Context(), id, req.Provider, req.OAuthID, req.Username)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, user)
}

func (h *UserHandler) List(c *gin.Context) {
	var req services.UserListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		bindError(c, err)
		return
	}

	resp, err := h.directory.ListUsers(c.Request.Context(), &req)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, resp)
}

func (h *UserHandler) Get(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}

	user, err := h.directory.GetUser(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, user)
}

func (h *UserHandler) Me(c *gin.Context) {
	user, err := h.directory.GetUser(c.Request.Context(), callerID(c))
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, user)
}

func (h *UserHandler) GetByEmail(c *gin.Context) {
	user, err := h.directory.FindUserByEmail(c.Request.Context(), c.Param("email"))
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, user)
}

func (h *UserHandler) Deactivate(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}

	user, err := h.directory.DeactivateUser(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, user)
}

func (h *UserHandler) Reactivate(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}

	user, err := h.directory.ReactivateUser(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, user)
}

func (h *UserHandler) ChangeRole(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req services.ChangeRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	role, ok := parseRole(c, req.Role)
	if !ok {
		return
	}

	user, err := h.directory.ChangeUserRole(c.Request.Context(), id, role)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, user)
}

func (h *UserHandler) ActiveProjects(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if _, err := h.directory.GetUser(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}

	projects, err := h.directory.ActiveProjectsForUser(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, gin.H{"items": projects, "total": len(projects)})
}

func (h *UserHandler) Memberships(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if _, err := h.directory.GetUser(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}

	members, err := h.directory.ListUserMemberships(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, gin.H{"items": members, "total": len(members)})
}
