package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kandev/missionctl/internal/apperr"
	"github.com/kandev/missionctl/internal/model"
)

type createMissionRequest struct {
	ProjectID   string  `json:"projectId"`
	FeatureName string  `json:"featureName"`
	Description *string `json:"description"`
}

func (h *handlers) createMission(c *gin.Context) {
	var req createMissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	if req.ProjectID == "" || req.FeatureName == "" {
		badRequest(c, "projectId and featureName are required")
		return
	}

	proj, err := h.d.Store.FindProjectByID(c.Request.Context(), req.ProjectID)
	if err != nil {
		respondError(c, err)
		return
	}

	m := &model.Mission{
		ProjectID:   proj.ID,
		FeatureName: req.FeatureName,
		Description: req.Description,
		State:       model.MissionDraft,
	}
	if err := h.d.Store.CreateMission(c.Request.Context(), m); err != nil {
		respondError(c, err)
		return
	}
	respondJSON(c, http.StatusCreated, m)
}

// listMissions requires ?projectId= since missions are scoped to a project.
func (h *handlers) listMissions(c *gin.Context) {
	projectID := c.Query("projectId")
	if projectID == "" {
		badRequest(c, "projectId query parameter is required")
		return
	}
	missions, err := h.d.Store.FindMissionsByProject(c.Request.Context(), projectID)
	if err != nil {
		respondError(c, err)
		return
	}
	respondJSON(c, http.StatusOK, gin.H{"missions": missions, "total": len(missions)})
}

func (h *handlers) getMission(c *gin.Context) {
	m, err := h.d.Store.FindMissionByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondJSON(c, http.StatusOK, m)
}

func (h *handlers) listTasks(c *gin.Context) {
	missionID := c.Param("id")
	if _, err := h.d.Store.FindMissionByID(c.Request.Context(), missionID); err != nil {
		respondError(c, err)
		return
	}
	tasks, err := h.d.Store.FindTasksByMission(c.Request.Context(), missionID)
	if err != nil {
		respondError(c, err)
		return
	}
	respondJSON(c, http.StatusOK, gin.H{"tasks": tasks, "total": len(tasks)})
}

func (h *handlers) startMission(c *gin.Context) {
	missionID := c.Param("id")
	proj, err := h.projectForMission(c, missionID)
	if err != nil {
		respondError(c, err)
		return
	}
	m, err := h.d.Driver.Start(c.Request.Context(), missionID, proj.Path)
	if err != nil {
		respondError(c, err)
		return
	}
	respondJSON(c, http.StatusOK, m)
}

type reasonBody struct {
	Notes string `json:"notes"`
}

func (h *handlers) approvePRD(c *gin.Context) {
	m, err := h.d.Driver.ApprovePRD(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondJSON(c, http.StatusOK, m)
}

func (h *handlers) rejectPRD(c *gin.Context) {
	var body reasonBody
	_ = c.ShouldBindJSON(&body)
	m, err := h.d.Driver.RejectPRD(c.Request.Context(), c.Param("id"), body.Notes)
	if err != nil {
		respondError(c, err)
		return
	}
	respondJSON(c, http.StatusOK, m)
}

func (h *handlers) approveTasks(c *gin.Context) {
	m, err := h.d.Driver.ApproveTasks(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondJSON(c, http.StatusOK, m)
}

func (h *handlers) rejectTasks(c *gin.Context) {
	var body reasonBody
	_ = c.ShouldBindJSON(&body)
	m, err := h.d.Driver.RejectTasks(c.Request.Context(), c.Param("id"), body.Notes)
	if err != nil {
		respondError(c, err)
		return
	}
	respondJSON(c, http.StatusOK, m)
}

func (h *handlers) cancelMission(c *gin.Context) {
	m, err := h.d.Driver.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondJSON(c, http.StatusOK, m)
}

func (h *handlers) projectForMission(c *gin.Context, missionID string) (*model.Project, error) {
	m, err := h.d.Store.FindMissionByID(c.Request.Context(), missionID)
	if err != nil {
		return nil, err
	}
	proj, err := h.d.Store.FindProjectByID(c.Request.Context(), m.ProjectID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return proj, nil
}
