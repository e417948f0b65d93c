package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/huangang/echoboard/internal/models"
	"github.com/huangang/echoboard/internal/services"
	"github.com/huangang/echoboard/pkg/response"
)

type ProjectMemberHandler struct {
	directory *services.DirectoryService
	projects  *ProjectHandler
}

func NewProjectMemberHandler(directory *services.DirectoryService) *ProjectMemberHandler {
	return &ProjectMemberHandler{directory: directory, projects: NewProjectHandler(directory)}
}

func memberParams(c *gin.Context) (projectID, userID uint, ok bool) {
	if projectID, ok = paramID(c, "id"); !ok {
		return 0, 0, false
	}
	if userID, ok = paramID(c, "userID"); !ok {
		return 0, 0, false
	}
	return projectID, userID, true
}

func (h *ProjectMemberHandler) List(c *gin.Context) {
	projectID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req services.MemberListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		bindError(c, err)
		return
	}
	if _, ok := h.projects.visibleProject(c, projectID); !ok {
		return
	}

	members, err := h.directory.ListMembers(c.Request.Context(), projectID, &req)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, gin.H{"items": members, "total": len(members)})
}

func (h *ProjectMemberHandler) Add(c *gin.Context) {
	projectID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req services.AddMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	role, ok := parseRole(c, req.Role)
	if !ok {
		return
	}

	member, err := h.directory.AddMember(c.Request.Context(), projectID, req.UserID, role, callerID(c))
	if err != nil {
		fail(c, err)
		return
	}
	response.Created(c, member)
}

// Invite records the caller as inviter; the directory rejects callers who
// are not active members of the project.
func (h *ProjectMemberHandler) Invite(c *gin.Context) {
	projectID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req services.AddMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	role, ok := parseRole(c, req.Role)
	if !ok {
		return
	}

	member, err := h.directory.InviteMember(c.Request.Context(), projectID, req.UserID, role, callerID(c))
	if err != nil {
		fail(c, err)
		return
	}
	response.Created(c, member)
}

// Sync attaches an OAuth-provisioned user to the project.
func (h *ProjectMemberHandler) Sync(c *gin.Context) {
	projectID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req services.AddMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	role, ok := parseRole(c, req.Role)
	if !ok {
		return
	}

	member, err := h.directory.SyncOAuthMember(c.Request.Context(), projectID, req.UserID, role)
	if err != nil {
		fail(c, err)
		return
	}
	response.Created(c, member)
}

func (h *ProjectMemberHandler) Get(c *gin.Context) {
	projectID, userID, ok := memberParams(c)
	if !ok {
		return
	}

	member, err := h.directory.GetMembership(c.Request.Context(), projectID, userID)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, member)
}

// Leave lets members leave on their own; removing someone else needs edit
// permission on the project.
func (h *ProjectMemberHandler) Leave(c *gin.Context) {
	projectID, userID, ok := memberParams(c)
	if !ok {
		return
	}

	actor := callerID(c)
	if actor != userID {
		decision, err := h.directory.CheckPermission(c.Request.Context(), projectID, actor, models.ActionEdit, "member")
		if err != nil {
			fail(c, err)
			return
		}
		if !decision.Allowed {
			response.Forbidden(c, "permission denied")
			return
		}
	}

	member, err := h.directory.LeaveProject(c.Request.Context(), projectID, userID, actor)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, member)
}

func (h *ProjectMemberHandler) Suspend(c *gin.Context) {
	projectID, userID, ok := memberParams(c)
	if !ok {
		return
	}

	member, err := h.directory.SuspendMember(c.Request.Context(), projectID, userID, callerID(c))
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, member)
}

func (h *ProjectMemberHandler) Reactivate(c *gin.Context) {
	projectID, userID, ok := memberParams(c)
	if !ok {
		return
	}

	member, err := h.directory.RejoinMember(c.Request.Context(), projectID, userID, callerID(c))
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, member)
}

func (h *ProjectMemberHandler) ChangeRole(c *gin.Context) {
	projectID, userID, ok := memberParams(c)
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

	member, err := h.directory.ChangeMemberRole(c.Request.Context(), projectID, userID, role, callerID(c))
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, member)
}

type permissionQuery struct {
	Action   string `form:"action"`
	Resource string `form:"resource"`
}

func (h *ProjectMemberHandler) CheckPermission(c *gin.Context) {
	projectID, userID, ok := memberParams(c)
	if !ok {
		return
	}
	var q permissionQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		bindError(c, err)
		return
	}
	if q.Action == "" {
		q.Action = models.ActionView
	}
	if q.Resource == "" {
		q.Resource = "project"
	}

	decision, err := h.directory.CheckPermission(c.Request.Context(), projectID, userID, q.Action, q.Resource)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, decision)
}
