package httpapi

import (
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"github.com/kandev/missionctl/internal/apperr"
	"github.com/kandev/missionctl/internal/model"
)

type createProjectRequest struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// validateProjectDir checks the path exists, is a directory, and carries a
// recognizable VCS marker (a ".git" entry, covering both a checkout and a
// worktree's gitdir pointer file).
func validateProjectDir(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return apperr.ValidationMsg("path does not exist: " + path)
	}
	if !info.IsDir() {
		return apperr.ValidationMsg("path is not a directory: " + path)
	}
	if _, err := os.Stat(filepath.Join(path, ".git")); err != nil {
		return apperr.ValidationMsg("path is not a git repository: " + path)
	}
	return nil
}

func (h *handlers) createProject(c *gin.Context) {
	var req createProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	if req.Name == "" || req.Path == "" {
		badRequest(c, "name and path are required")
		return
	}
	if err := validateProjectDir(req.Path); err != nil {
		respondError(c, err)
		return
	}

	p := &model.Project{Name: req.Name, Path: req.Path, IsActive: true}
	if err := h.d.Store.CreateProject(c.Request.Context(), p); err != nil {
		respondError(c, err)
		return
	}
	respondJSON(c, http.StatusCreated, p)
}

func (h *handlers) listProjects(c *gin.Context) {
	projects, err := h.d.Store.ListProjects(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	respondJSON(c, http.StatusOK, gin.H{"projects": projects, "total": len(projects)})
}

func (h *handlers) getProject(c *gin.Context) {
	p, err := h.d.Store.FindProjectByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondJSON(c, http.StatusOK, p)
}

type updateProjectRequest struct {
	Name     *string `json:"name"`
	IsActive *bool   `json:"isActive"`
}

func (h *handlers) updateProject(c *gin.Context) {
	p, err := h.d.Store.FindProjectByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	var req updateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	if req.Name != nil {
		p.Name = *req.Name
	}
	if req.IsActive != nil {
		p.IsActive = *req.IsActive
	}
	if err := h.d.Store.UpdateProject(c.Request.Context(), p); err != nil {
		respondError(c, err)
		return
	}
	respondJSON(c, http.StatusOK, p)
}

func (h *handlers) deleteProject(c *gin.Context) {
	id := c.Param("id")
	missions, err := h.d.Store.FindMissionsByProject(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	for _, m := range missions {
		if !m.State.IsTerminal() {
			respondError(c, apperr.Precondition("project has active missions"))
			return
		}
	}
	if err := h.d.Store.DeleteProject(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
