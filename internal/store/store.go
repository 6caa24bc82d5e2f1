package store

import (
	"context"

	"github.com/kandev/missionctl/internal/model"
)

// Store is the durable persistence boundary for the orchestrator. All
// mutating methods are safe for concurrent use; multi-row invariants are
// enforced inside a single transaction.
type Store interface {
	CreateProject(ctx context.Context, p *model.Project) error
	FindProjectByID(ctx context.Context, id string) (*model.Project, error)
	FindProjectByPath(ctx context.Context, path string) (*model.Project, error)
	ListProjects(ctx context.Context) ([]model.ProjectWithCount, error)
	UpdateProject(ctx context.Context, p *model.Project) error
	DeleteProject(ctx context.Context, id string) error

	CreateMission(ctx context.Context, m *model.Mission) error
	FindMissionByID(ctx context.Context, id string) (*model.Mission, error)
	FindMissionsByProject(ctx context.Context, projectID string) ([]model.Mission, error)
	FindMissionsByStates(ctx context.Context, states []model.MissionState) ([]model.Mission, error)
	UpdateMission(ctx context.Context, m *model.Mission) error
	UpdateMissionState(ctx context.Context, id string, from, to model.MissionState) (*model.Mission, error)
	ForceMissionState(ctx context.Context, id string, to model.MissionState) (*model.Mission, error)
	DeleteMission(ctx context.Context, id string) error

	CreateTasks(ctx context.Context, missionID string, tasks []model.Task) ([]model.Task, error)
	FindTasksByMission(ctx context.Context, missionID string) ([]model.Task, error)
	FindTaskByID(ctx context.Context, id string) (*model.Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status model.TaskStatus) (*model.Task, error)
	DeleteTasksByMission(ctx context.Context, missionID string) error

	CreateProcess(ctx context.Context, p *model.Process) error
	FindProcessByID(ctx context.Context, id string) (*model.Process, error)
	FindProcessesByMission(ctx context.Context, missionID string) ([]model.Process, error)
	FindProcessByContainerID(ctx context.Context, containerID string) (*model.Process, error)
	FindProcessesByStatus(ctx context.Context, status model.ProcessStatus) ([]model.Process, error)
	UpdateProcessStatus(ctx context.Context, id string, status model.ProcessStatus, exitCode *int) (*model.Process, error)
	UpdateProcessPID(ctx context.Context, id string, pid, pgid int) error
	UpdateProcessContainerID(ctx context.Context, id string, containerID string) error
	UpdateProcessHeartbeat(ctx context.Context, id string) error
	DeleteProcess(ctx context.Context, id string) error

	LogAudit(ctx context.Context, event string, entityType, entityID *string, details map[string]any) error
	ListAudit(ctx context.Context, limit int) ([]model.AuditEntry, error)

	Close() error
}
