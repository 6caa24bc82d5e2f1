package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type subsystemDiag struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// health reports liveness including a store round-trip and, when a sandbox
// is configured, a Docker daemon ping. Any subsystem failure degrades the
// overall status to 503 without panicking the handler.
func (h *handlers) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	diags := gin.H{}
	healthy := true

	if _, err := h.d.Store.ListAudit(ctx, 1); err != nil {
		diags["store"] = subsystemDiag{Status: "unhealthy", Error: err.Error()}
		healthy = false
	} else {
		diags["store"] = subsystemDiag{Status: "healthy"}
	}

	if h.d.Sandbox != nil {
		if err := h.d.Sandbox.Ping(ctx); err != nil {
			diags["sandbox"] = subsystemDiag{Status: "unhealthy", Error: err.Error()}
			healthy = false
		} else {
			diags["sandbox"] = subsystemDiag{Status: "healthy"}
		}
	} else {
		diags["sandbox"] = subsystemDiag{Status: "disabled"}
	}

	status := http.StatusOK
	overall := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "unhealthy"
	}
	c.JSON(status, gin.H{"status": overall, "subsystems": diags})
}
