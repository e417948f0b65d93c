package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/huangang/echoboard/internal/models"
	"github.com/huangang/echoboard/internal/services"
	"github.com/huangang/echoboard/pkg/response"
)

type ProjectHandler struct {
	directory *services.DirectoryService
}

func NewProjectHandler(directory *services.DirectoryService) *ProjectHandler {
	return &ProjectHandler{directory: directory}
}

// visibleProject loads the project and checks the caller may see it.
// Public projects are visible to every authenticated user.
func (h *ProjectHandler) visibleProject(c *gin.Context, id uint) (*models.Project, bool) {
	project, err := h.directory.GetProject(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return nil, false
	}
	if project.IsPublic {
		return project, true
	}

	decision, err := h.directory.CheckPermission(c.Request.Context(), id, callerID(c), models.ActionView, "project")
	if err != nil {
		fail(c, err)
		return nil, false
	}
	if !decision.Allowed {
		response.Forbidden(c, "project is private")
		return nil, false
	}
	return project, true
}

func (h *ProjectHandler) Create(c *gin.Context) {
	var req services.CreateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	project, err := h.directory.CreateProject(c.Request.Context(), callerID(c), &req)
	if err != nil {
		fail(c, err)
		return
	}
	response.Created(c, project)
}

func (h *ProjectHandler) List(c *gin.Context) {
	var req services.ProjectListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		bindError(c, err)
		return
	}

	resp, err := h.directory.ListProjects(c.Request.Context(), &req)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, resp)
}

func (h *ProjectHandler) Get(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}

	project, ok := h.visibleProject(c, id)
	if !ok {
		return
	}
	response.Success(c, project)
}

func (h *ProjectHandler) Update(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}

	var req services.UpdateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	project, err := h.directory.UpdateProjectSettings(c.Request.Context(), id, &req)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, project)
}

func (h *ProjectHandler) Archive(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}

	project, err := h.directory.ArchiveProject(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, project)
}

func (h *ProjectHandler) Restore(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}

	project, err := h.directory.RestoreProject(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, project)
}

func (h *ProjectHandler) Delete(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}

	if err := h.directory.DeleteProject(c.Request.Context(), id, callerID(c)); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Response{Code: 0, Message: "deleted"})
}
