package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kandev/missionctl/internal/apperr"
	"github.com/kandev/missionctl/internal/execsvc"
)

type debugHandlers struct {
	d       Deps
	timeout time.Duration
}

type debugExecRequest struct {
	MissionID string   `json:"missionId"`
	Command   string   `json:"command"`
	Args      []string `json:"args"`
}

// exec runs an operator-supplied command inside the mission's worktree.
// This router is only ever mounted on a loopback listener; it does not
// itself enforce auth.
func (h *debugHandlers) exec(c *gin.Context) {
	var req debugExecRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	if req.MissionID == "" || req.Command == "" {
		badRequest(c, "missionId and command are required")
		return
	}

	m, err := h.d.Store.FindMissionByID(c.Request.Context(), req.MissionID)
	if err != nil {
		respondError(c, err)
		return
	}
	if m.WorktreePath == nil {
		respondError(c, apperr.Precondition("mission has no worktree yet"))
		return
	}

	svc := execsvc.New(h.timeout, h.d.Log)
	result, _ := svc.Run(c.Request.Context(), *m.WorktreePath, req.Command, req.Args)
	respondJSON(c, http.StatusOK, result)
}
