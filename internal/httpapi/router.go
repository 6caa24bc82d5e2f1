// Package httpapi is the Gin adapter over the orchestrator's internal
// components: projects/missions/tasks/processes CRUD, mission lifecycle
// actions, and live log streaming over SSE and WebSocket.
package httpapi

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kandev/missionctl/internal/broadcaster"
	"github.com/kandev/missionctl/internal/logger"
	"github.com/kandev/missionctl/internal/logjournal"
	"github.com/kandev/missionctl/internal/mission"
	"github.com/kandev/missionctl/internal/sandbox"
	"github.com/kandev/missionctl/internal/store"
)

// Deps bundles every component the HTTP surface dispatches into.
type Deps struct {
	Store       store.Store
	Sandbox     *sandbox.Manager
	Journal     *logjournal.Journal
	Broadcaster *broadcaster.Broadcaster
	Driver      *mission.Driver
	Log         *logger.Logger
	APIToken    string
	Env         string
}

// NewRouter builds the public gin.Engine serving /health and /api/*.
func NewRouter(d Deps) *gin.Engine {
	if d.Log == nil {
		d.Log = logger.Default()
	}
	if d.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(corsMiddleware())
	r.Use(requestLogger(d.Log, "missionctl"))
	r.Use(authMiddleware(d.APIToken))

	h := &handlers{d: d}

	r.GET("/health", h.health)

	api := r.Group("/api")
	{
		projects := api.Group("/projects")
		projects.POST("", h.createProject)
		projects.GET("", h.listProjects)
		projects.GET("/:id", h.getProject)
		projects.PATCH("/:id", h.updateProject)
		projects.DELETE("/:id", h.deleteProject)

		missions := api.Group("/missions")
		missions.POST("", h.createMission)
		missions.GET("", h.listMissions)
		missions.GET("/:id", h.getMission)
		missions.GET("/:id/tasks", h.listTasks)
		missions.POST("/:id/start", h.startMission)
		missions.POST("/:id/approve-prd", h.approvePRD)
		missions.POST("/:id/reject-prd", h.rejectPRD)
		missions.POST("/:id/approve-tasks", h.approveTasks)
		missions.POST("/:id/reject-tasks", h.rejectTasks)
		missions.POST("/:id/cancel", h.cancelMission)

		processes := api.Group("/processes")
		processes.GET("/:id", h.getProcess)
		processes.GET("/:id/logs", h.getProcessLogs)
		processes.GET("/:id/logs/stream", h.streamProcessLogsSSE)
		processes.GET("/:id/logs/ws", h.streamProcessLogsWS)
		processes.POST("/:id/signal", h.signalProcess)
	}

	return r
}

// NewDebugRouter builds the loopback-only operator router of the debug
// command endpoint. It is mounted on its own listener, never on the public
// one, and performs no auth of its own beyond the bind address.
func NewDebugRouter(d Deps, execTimeout time.Duration) *gin.Engine {
	if d.Log == nil {
		d.Log = logger.Default()
	}
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(d.Log, "missionctl-debug"))

	h := &debugHandlers{d: d, timeout: execTimeout}
	r.POST("/debug/exec", h.exec)
	return r
}

type handlers struct {
	d Deps
}
