// Package model defines the persisted entities of the mission orchestrator.
package model

import "time"

// MissionState is the mission's lifecycle state.
type MissionState string

const (
	MissionDraft            MissionState = "DRAFT"
	MissionGeneratingPRD    MissionState = "GENERATING_PRD"
	MissionPRDReview        MissionState = "PRD_REVIEW"
	MissionPreparingTasks   MissionState = "PREPARING_TASKS"
	MissionTasksReview      MissionState = "TASKS_REVIEW"
	MissionInProgress       MissionState = "IN_PROGRESS"
	MissionCompletedSuccess MissionState = "COMPLETED_SUCCESS"
	MissionCompletedFailed  MissionState = "COMPLETED_FAILED"
)

// missionTransitions is the allowed state-transition table; anything absent
// fails with InvalidStateTransition. Recovery's forced-failure bypass is not
// represented here since it is exercised through a distinct code path.
var missionTransitions = map[MissionState]map[MissionState]bool{
	MissionDraft: {
		MissionGeneratingPRD: true,
	},
	MissionGeneratingPRD: {
		MissionPRDReview:       true,
		MissionCompletedFailed: true,
	},
	MissionPRDReview: {
		MissionPreparingTasks:  true,
		MissionGeneratingPRD:   true,
		MissionCompletedFailed: true,
	},
	MissionPreparingTasks: {
		MissionTasksReview:     true,
		MissionCompletedFailed: true,
	},
	MissionTasksReview: {
		MissionInProgress:      true,
		MissionPreparingTasks:  true,
		MissionCompletedFailed: true,
	},
	MissionInProgress: {
		MissionCompletedSuccess: true,
		MissionCompletedFailed:  true,
	},
}

// IsTerminal reports whether s is a terminal mission state.
func (s MissionState) IsTerminal() bool {
	return s == MissionCompletedSuccess || s == MissionCompletedFailed
}

// CanTransition reports whether the ordered pair (from, to) is in the
// allowed transition table.
func CanTransition(from, to MissionState) bool {
	return missionTransitions[from][to]
}

// TaskStatus is a task's lifecycle status.
type TaskStatus string

const (
	TaskPending    TaskStatus = "PENDING"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskFailed     TaskStatus = "FAILED"
	TaskSkipped    TaskStatus = "SKIPPED"
)

// IsTaskTerminal reports whether s is a terminal task status.
func IsTaskTerminal(s TaskStatus) bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskSkipped
}

// ProcessType distinguishes a local OS process from a container sandbox.
type ProcessType string

const (
	ProcessLocal     ProcessType = "local"
	ProcessContainer ProcessType = "container"
)

// ProcessStatus is a process's lifecycle status.
type ProcessStatus string

const (
	ProcessQueued   ProcessStatus = "QUEUED"
	ProcessRunning  ProcessStatus = "RUNNING"
	ProcessSuccess  ProcessStatus = "SUCCESS"
	ProcessError    ProcessStatus = "ERROR"
	ProcessCanceled ProcessStatus = "CANCELED"
)

// IsProcessTerminal reports whether s is a terminal process status.
func IsProcessTerminal(s ProcessStatus) bool {
	return s == ProcessSuccess || s == ProcessError || s == ProcessCanceled
}

// Project is a registered local codebase the orchestrator runs missions
// against.
type Project struct {
	ID        string            `db:"id" json:"id"`
	Name      string            `db:"name" json:"name"`
	Path      string            `db:"path" json:"path"`
	IsActive  bool              `db:"is_active" json:"isActive"`
	Config    map[string]any    `db:"-" json:"config"`
	ConfigRaw string            `db:"config" json:"-"`
	CreatedAt time.Time         `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time         `db:"updated_at" json:"updatedAt"`
}

// ProjectWithCount decorates a Project with its mission count for listing.
type ProjectWithCount struct {
	Project
	MissionCount int `db:"mission_count" json:"missionCount"`
}

// Mission is one end-to-end unit of work: PRD, task list, task execution.
type Mission struct {
	ID              string       `db:"id" json:"id"`
	ProjectID       string       `db:"project_id" json:"projectId"`
	FeatureName     string       `db:"feature_name" json:"featureName"`
	Description     *string      `db:"description" json:"description,omitempty"`
	State           MissionState `db:"state" json:"state"`
	WorktreePath    *string      `db:"worktree_path" json:"worktreePath,omitempty"`
	PRDPath         *string      `db:"prd_path" json:"prdPath,omitempty"`
	TasksPath       *string      `db:"tasks_path" json:"tasksPath,omitempty"`
	PRDIterations   int          `db:"prd_iterations" json:"prdIterations"`
	TasksIterations int          `db:"tasks_iterations" json:"tasksIterations"`
	Result          *string      `db:"result" json:"result,omitempty"`
	FailureReason   *string      `db:"failure_reason" json:"failureReason,omitempty"`
	CreatedAt       time.Time    `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time    `db:"updated_at" json:"updatedAt"`
	StartedAt       *time.Time   `db:"started_at" json:"startedAt,omitempty"`
	EndedAt         *time.Time   `db:"ended_at" json:"endedAt,omitempty"`
}

// Task is one unit of work executed during a mission's IN_PROGRESS phase.
type Task struct {
	ID          string     `db:"id" json:"id"`
	MissionID   string     `db:"mission_id" json:"missionId"`
	Name        string     `db:"name" json:"name"`
	Description *string    `db:"description" json:"description,omitempty"`
	OrderNum    int        `db:"order_num" json:"orderNum"`
	Status      TaskStatus `db:"status" json:"status"`
	AgentsRaw   string     `db:"agents" json:"-"`
	SkillsRaw   string     `db:"skills" json:"-"`
	Agents      []string   `db:"-" json:"agents"`
	Skills      []string   `db:"-" json:"skills"`
	CreatedAt   time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updatedAt"`
	StartedAt   *time.Time `db:"started_at" json:"startedAt,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completedAt,omitempty"`
}

// Process is a persisted record of a spawned local process or container.
type Process struct {
	ID          string        `db:"id" json:"id"`
	MissionID   *string       `db:"mission_id" json:"missionId,omitempty"`
	Type        ProcessType   `db:"type" json:"type"`
	Command     string        `db:"command" json:"command"`
	Cwd         *string       `db:"cwd" json:"cwd,omitempty"`
	EnvRaw      string        `db:"env" json:"-"`
	Env         map[string]string `db:"-" json:"env"`
	PID         *int          `db:"pid" json:"pid,omitempty"`
	PGID        *int          `db:"pgid" json:"pgid,omitempty"`
	ContainerID *string       `db:"container_id" json:"containerId,omitempty"`
	Status      ProcessStatus `db:"status" json:"status"`
	ExitCode    *int          `db:"exit_code" json:"exitCode,omitempty"`
	CreatedAt   time.Time     `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time     `db:"updated_at" json:"updatedAt"`
	StartedAt   *time.Time    `db:"started_at" json:"startedAt,omitempty"`
	EndedAt     *time.Time    `db:"ended_at" json:"endedAt,omitempty"`
	HeartbeatAt *time.Time    `db:"heartbeat_at" json:"heartbeatAt,omitempty"`
}

// AuditEntry is an append-only record of a notable system event.
type AuditEntry struct {
	ID         string    `db:"id" json:"id"`
	Event      string    `db:"event" json:"event"`
	EntityType *string   `db:"entity_type" json:"entityType,omitempty"`
	EntityID   *string   `db:"entity_id" json:"entityId,omitempty"`
	DetailsRaw *string   `db:"details" json:"-"`
	Details    map[string]any `db:"-" json:"details,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
}
