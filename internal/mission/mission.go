// Package mission owns the mission state machine: the fixed
// DRAFT→GENERATING_PRD→PRD_REVIEW→PREPARING_TASKS→TASKS_REVIEW→
// IN_PROGRESS→COMPLETED_* pipeline, dispatch of PRD/task-generation
// processes, task execution, and cancellation.
package mission

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"text/template"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/missionctl/internal/apperr"
	"github.com/kandev/missionctl/internal/broadcaster"
	"github.com/kandev/missionctl/internal/idgen"
	"github.com/kandev/missionctl/internal/logger"
	"github.com/kandev/missionctl/internal/logjournal"
	"github.com/kandev/missionctl/internal/model"
	"github.com/kandev/missionctl/internal/orchestrator"
	"github.com/kandev/missionctl/internal/sandbox"
	"github.com/kandev/missionctl/internal/store"
	"github.com/kandev/missionctl/internal/worktree"
)

const (
	cancelGrace        = 1 * time.Second
	containerStopGrace = 10 * time.Second
)

// TaskRunner renders the argv used to execute a task, kept pluggable so a
// real agent CLI can replace the inert default without touching Driver.
type TaskRunner interface {
	CommandFor(task model.Task) ([]string, error)
}

// echoTaskRunner is the default, intentionally inert TaskRunner: it just
// echoes the task's name, leaving real task execution to be wired in once
// an agent CLI is chosen.
type echoTaskRunner struct {
	tmpl *template.Template
}

// NewEchoTaskRunner builds the default TaskRunner from a text/template
// source; an empty source falls back to `echo <task.Name>`.
func NewEchoTaskRunner(tmplSrc string) (TaskRunner, error) {
	if strings.TrimSpace(tmplSrc) == "" {
		tmplSrc = "echo {{.Name}}"
	}
	t, err := template.New("task").Parse(tmplSrc)
	if err != nil {
		return nil, fmt.Errorf("parsing task command template: %w", err)
	}
	return &echoTaskRunner{tmpl: t}, nil
}

func (r *echoTaskRunner) CommandFor(task model.Task) ([]string, error) {
	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, task); err != nil {
		return nil, fmt.Errorf("rendering task command: %w", err)
	}
	return []string{"sh", "-c", buf.String()}, nil
}

// procKind distinguishes what a tracked process's exit should trigger.
type procKind int

const (
	kindGeneration procKind = iota
	kindTaskLocal
)

type procMeta struct {
	missionID string
	kind      procKind
	stage     string // "prd" | "tasks", only for kindGeneration
	mission   *model.Mission
	done      chan bool // only for kindTaskLocal
}

// Driver owns the mission workflow, wiring every spawned process's output
// into the journal and broadcaster and enforcing the state machine.
type Driver struct {
	store       store.Store
	sandbox     *sandbox.Manager
	orch        *orchestrator.Orchestrator
	journal     *logjournal.Journal
	broadcaster *broadcaster.Broadcaster
	worktrees   worktree.Provider
	taskRunner  TaskRunner
	log         *logger.Logger

	// GeneratorCommand renders the PRD/task-generation argv; overridable
	// by callers that wire in a real agent CLI. Defaults to an inert
	// placeholder.
	GeneratorCommand func(stage string, notes string) []string

	mu    sync.Mutex
	procs map[string]procMeta // processID -> metadata
}

// New creates a Driver together with the Orchestrator it owns; every event
// of that Orchestrator is dispatched to the Driver's handleEvent.
func New(
	st store.Store,
	sb *sandbox.Manager,
	journal *logjournal.Journal,
	bc *broadcaster.Broadcaster,
	wt worktree.Provider,
	runner TaskRunner,
	log *logger.Logger,
) *Driver {
	d := &Driver{
		store:       st,
		sandbox:     sb,
		journal:     journal,
		broadcaster: bc,
		worktrees:   wt,
		taskRunner:  runner,
		log:         log,
		procs:       make(map[string]procMeta),
	}
	d.orch = orchestrator.New(d.handleEvent, log)
	d.GeneratorCommand = func(stage, notes string) []string {
		script := fmt.Sprintf("echo '{\"stage\":\"%s\"}'", stage)
		if notes != "" {
			script += " # " + notes
		}
		return []string{"sh", "-c", script}
	}
	return d
}

// Orchestrator exposes the Driver's single Orchestrator instance so callers
// (the HTTP signal endpoint, the wiring root's shutdown sequence) can reach
// it without the Driver growing pass-through wrapper methods for every
// Orchestrator operation.
func (d *Driver) Orchestrator() *orchestrator.Orchestrator {
	return d.orch
}

func (d *Driver) audit(ctx context.Context, event, missionID string, details map[string]any) {
	id := missionID
	if err := d.store.LogAudit(ctx, event, strPtr("mission"), &id, details); err != nil && d.log != nil {
		d.log.WithError(err).Warn("mission: audit write failed", zap.String("event", event))
	}
}

// handleEvent is the single Orchestrator callback for every local process
// this Driver spawns: it implements the output-wiring contract (journal
// write, then broadcast) and, on exit, dispatches stage-specific
// completion logic.
func (d *Driver) handleEvent(evt orchestrator.Event) {
	d.mu.Lock()
	meta, ok := d.procs[evt.ProcessID]
	d.mu.Unlock()
	if !ok {
		return
	}

	switch evt.Type {
	case orchestrator.EventOutput:
		d.journal.Write(evt.ProcessID, []byte(evt.Data))
		d.broadcaster.Broadcast(evt.ProcessID, broadcaster.Event{
			ID:     d.broadcaster.NextEventID(evt.ProcessID),
			Type:   broadcaster.EventOutput,
			Stream: evt.Stream,
			Data:   evt.Data,
		})
	case orchestrator.EventExit:
		_ = d.journal.Close(evt.ProcessID)
		d.mu.Lock()
		delete(d.procs, evt.ProcessID)
		d.mu.Unlock()

		exitCode := -1
		if evt.ExitCode != nil {
			exitCode = *evt.ExitCode
		}
		ctx := context.Background()
		_, _ = d.store.UpdateProcessStatus(ctx, evt.ProcessID, statusFor(exitCode), &exitCode)

		switch meta.kind {
		case kindGeneration:
			d.onGenerationExit(ctx, meta.mission, meta.stage, exitCode)
		case kindTaskLocal:
			meta.done <- exitCode == 0
		}
	}
}

func statusFor(exitCode int) model.ProcessStatus {
	if exitCode == 0 {
		return model.ProcessSuccess
	}
	return model.ProcessError
}

// Start transitions a DRAFT mission into GENERATING_PRD, provisions its
// worktree, and dispatches PRD generation.
func (d *Driver) Start(ctx context.Context, missionID, repoPath string) (*model.Mission, error) {
	m, err := d.store.FindMissionByID(ctx, missionID)
	if err != nil {
		return nil, err
	}

	wtPath, err := d.worktrees.CreateWorktree(ctx, repoPath, m.ID, m.FeatureName)
	if err != nil {
		return nil, fmt.Errorf("provisioning worktree: %w", err)
	}
	started := time.Now()
	m.WorktreePath = &wtPath
	m.StartedAt = &started
	if err := d.store.UpdateMission(ctx, m); err != nil {
		return nil, err
	}

	updated, err := d.store.UpdateMissionState(ctx, missionID, model.MissionDraft, model.MissionGeneratingPRD)
	if err != nil {
		return nil, err
	}
	d.audit(ctx, "mission.started", missionID, nil)

	if err := d.dispatchGeneration(ctx, updated, "prd", ""); err != nil {
		return nil, err
	}
	return updated, nil
}

// ApprovePRD transitions PRD_REVIEW → PREPARING_TASKS and dispatches task
// generation.
func (d *Driver) ApprovePRD(ctx context.Context, missionID string) (*model.Mission, error) {
	updated, err := d.store.UpdateMissionState(ctx, missionID, model.MissionPRDReview, model.MissionPreparingTasks)
	if err != nil {
		return nil, err
	}
	d.audit(ctx, "mission.prd_approved", missionID, nil)
	if err := d.dispatchGeneration(ctx, updated, "tasks", ""); err != nil {
		return nil, err
	}
	return updated, nil
}

// RejectPRD bumps prdIterations and re-dispatches PRD generation with
// notes folded into the prompt.
func (d *Driver) RejectPRD(ctx context.Context, missionID, notes string) (*model.Mission, error) {
	m, err := d.store.FindMissionByID(ctx, missionID)
	if err != nil {
		return nil, err
	}
	if m.State != model.MissionPRDReview {
		return nil, apperr.InvalidStateTransition(string(m.State), string(model.MissionGeneratingPRD))
	}
	m.PRDIterations++
	if err := d.store.UpdateMission(ctx, m); err != nil {
		return nil, err
	}
	d.audit(ctx, "mission.prd_rejected", missionID, map[string]any{"notes": notes, "iteration": m.PRDIterations})

	updated, err := d.store.UpdateMissionState(ctx, missionID, model.MissionPRDReview, model.MissionGeneratingPRD)
	if err != nil {
		return nil, err
	}
	if err := d.dispatchGeneration(ctx, updated, "prd", notes); err != nil {
		return nil, err
	}
	return updated, nil
}

// ApproveTasks transitions TASKS_REVIEW → IN_PROGRESS and begins task
// execution in the background.
func (d *Driver) ApproveTasks(ctx context.Context, missionID string) (*model.Mission, error) {
	updated, err := d.store.UpdateMissionState(ctx, missionID, model.MissionTasksReview, model.MissionInProgress)
	if err != nil {
		return nil, err
	}
	d.audit(ctx, "mission.tasks_approved", missionID, nil)

	go func() {
		bgCtx := context.Background()
		if err := d.executeTasks(bgCtx, updated); err != nil && d.log != nil {
			d.log.WithError(err).Error("mission: task execution failed", zap.String("mission_id", missionID))
		}
	}()
	return updated, nil
}

// RejectTasks deletes the generated task list and re-dispatches task
// generation with notes.
func (d *Driver) RejectTasks(ctx context.Context, missionID, notes string) (*model.Mission, error) {
	m, err := d.store.FindMissionByID(ctx, missionID)
	if err != nil {
		return nil, err
	}
	if m.State != model.MissionTasksReview {
		return nil, apperr.InvalidStateTransition(string(m.State), string(model.MissionPreparingTasks))
	}
	if err := d.store.DeleteTasksByMission(ctx, missionID); err != nil {
		return nil, err
	}
	m.TasksIterations++
	if err := d.store.UpdateMission(ctx, m); err != nil {
		return nil, err
	}
	d.audit(ctx, "mission.tasks_rejected", missionID, map[string]any{"notes": notes, "iteration": m.TasksIterations})

	updated, err := d.store.UpdateMissionState(ctx, missionID, model.MissionTasksReview, model.MissionPreparingTasks)
	if err != nil {
		return nil, err
	}
	if err := d.dispatchGeneration(ctx, updated, "tasks", notes); err != nil {
		return nil, err
	}
	return updated, nil
}

// Cancel tears down every tracked process/container for missionID and
// forces the mission to COMPLETED_FAILED.
func (d *Driver) Cancel(ctx context.Context, missionID string) (*model.Mission, error) {
	for _, processID := range d.processIDsFor(missionID) {
		killCtx, cancel := context.WithTimeout(ctx, cancelGrace+time.Second)
		_ = d.orch.KillTree(killCtx, processID, cancelGrace)
		cancel()
	}

	if d.sandbox != nil {
		if containers, err := d.sandbox.ListForMission(ctx, missionID); err == nil {
			for _, c := range containers {
				_ = d.sandbox.Stop(ctx, c.ID, containerStopGrace)
				_ = d.sandbox.Remove(ctx, c.ID, true)
			}
		}
	}

	if procs, err := d.store.FindProcessesByMission(ctx, missionID); err == nil {
		for _, p := range procs {
			if p.Status == model.ProcessRunning {
				_, _ = d.store.UpdateProcessStatus(ctx, p.ID, model.ProcessCanceled, nil)
			}
		}
	}

	m, err := d.store.FindMissionByID(ctx, missionID)
	if err != nil {
		return nil, err
	}
	reason := "Canceled by user"
	m.FailureReason = &reason
	endedAt := time.Now()
	m.EndedAt = &endedAt
	if err := d.store.UpdateMission(ctx, m); err != nil {
		return nil, err
	}
	updated, err := d.store.ForceMissionState(ctx, missionID, model.MissionCompletedFailed)
	if err != nil {
		return nil, err
	}
	d.audit(ctx, "mission.canceled", missionID, nil)
	return updated, nil
}

func (d *Driver) processIDsFor(missionID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var ids []string
	for id, meta := range d.procs {
		if meta.missionID == missionID {
			ids = append(ids, id)
		}
	}
	return ids
}

// dispatchGeneration spawns a local PRD/task-generation process, wires its
// output, and advances the mission on exit via handleEvent.
func (d *Driver) dispatchGeneration(ctx context.Context, m *model.Mission, stage, notes string) error {
	cwd := m.ID
	if m.WorktreePath != nil {
		cwd = *m.WorktreePath
	}
	argv := d.GeneratorCommand(stage, notes)

	proc := &model.Process{
		ID:        idgen.New(idgen.PrefixProcess),
		MissionID: &m.ID,
		Type:      model.ProcessLocal,
		Command:   strings.Join(argv, " "),
		Cwd:       &cwd,
	}
	if err := d.store.CreateProcess(ctx, proc); err != nil {
		return err
	}
	if _, err := d.journal.Open(proc.ID, m.ID); err != nil {
		return fmt.Errorf("opening journal for %s: %w", proc.ID, err)
	}

	d.mu.Lock()
	d.procs[proc.ID] = procMeta{missionID: m.ID, kind: kindGeneration, stage: stage, mission: m}
	d.mu.Unlock()

	pid, err := d.orch.SpawnLocal(orchestrator.SpawnOptions{
		ProcessID: proc.ID,
		Command:   argv[0],
		Args:      argv[1:],
		Cwd:       cwd,
	})
	if err != nil {
		_, _ = d.store.UpdateProcessStatus(ctx, proc.ID, model.ProcessError, nil)
		return fmt.Errorf("spawning %s generation: %w", stage, err)
	}
	if err := d.store.UpdateProcessPID(ctx, proc.ID, pid, pid); err != nil && d.log != nil {
		d.log.WithError(err).Warn("mission: recording pid failed", zap.String("process_id", proc.ID))
	}
	_, _ = d.store.UpdateProcessStatus(ctx, proc.ID, model.ProcessRunning, nil)
	return nil
}

func (d *Driver) onGenerationExit(ctx context.Context, m *model.Mission, stage string, exitCode int) {
	if exitCode == 0 {
		var from, to model.MissionState
		var auditEvent string
		if stage == "prd" {
			from, to, auditEvent = model.MissionGeneratingPRD, model.MissionPRDReview, "mission.prd_generated"
		} else {
			from, to, auditEvent = model.MissionPreparingTasks, model.MissionTasksReview, "mission.tasks_generated"
		}
		if _, err := d.store.UpdateMissionState(ctx, m.ID, from, to); err != nil {
			if d.log != nil {
				d.log.WithError(err).Warn("mission: benign transition race on generation success", zap.String("mission_id", m.ID))
			}
			return
		}
		d.audit(ctx, auditEvent, m.ID, nil)
		return
	}

	reason := fmt.Sprintf("%s process failed with exit code %d", stage, exitCode)
	mm, err := d.store.FindMissionByID(ctx, m.ID)
	if err != nil {
		return
	}
	mm.FailureReason = &reason
	endedAt := time.Now()
	mm.EndedAt = &endedAt
	_ = d.store.UpdateMission(ctx, mm)
	if _, err := d.store.ForceMissionState(ctx, m.ID, model.MissionCompletedFailed); err != nil {
		if d.log != nil {
			d.log.WithError(err).Warn("mission: benign transition race on generation failure", zap.String("mission_id", m.ID))
		}
		return
	}
	d.audit(ctx, "mission.process_failed", m.ID, map[string]any{"reason": reason})
}

// executeTasks runs every task for m in orderNum order, preferring a
// shared sandbox container and falling back to one local process per task
// if container creation fails.
func (d *Driver) executeTasks(ctx context.Context, m *model.Mission) error {
	tasks, err := d.store.FindTasksByMission(ctx, m.ID)
	if err != nil {
		return err
	}

	cwd := m.ID
	if m.WorktreePath != nil {
		cwd = *m.WorktreePath
	}

	containerID, containerProcID, containerErr := d.createTaskContainer(ctx, m, cwd)
	executionMode := "container"
	if containerErr != nil {
		executionMode = "local"
		containerID = ""
		containerProcID = ""
		if d.log != nil {
			d.log.WithError(containerErr).Warn("mission: sandbox unavailable, falling back to local execution", zap.String("mission_id", m.ID))
		}
	}

	anyFailed := false
	for _, task := range tasks {
		if !d.runOneTask(ctx, m, task, containerID, cwd) {
			anyFailed = true
		}
	}

	if containerID != "" {
		_ = d.sandbox.Stop(ctx, containerID, containerStopGrace)
		_ = d.sandbox.Remove(ctx, containerID, true)
		finalContainerStatus := model.ProcessSuccess
		if anyFailed {
			finalContainerStatus = model.ProcessError
		}
		_, _ = d.store.UpdateProcessStatus(ctx, containerProcID, finalContainerStatus, nil)
	}

	endedAt := time.Now()
	m.EndedAt = &endedAt
	finalState := model.MissionCompletedSuccess
	if anyFailed {
		reason := "One or more tasks failed"
		m.FailureReason = &reason
		finalState = model.MissionCompletedFailed
	}
	if err := d.store.UpdateMission(ctx, m); err != nil {
		return err
	}
	if _, err := d.store.ForceMissionState(ctx, m.ID, finalState); err != nil {
		return err
	}
	d.audit(ctx, "mission.execution_completed", m.ID, map[string]any{
		"allCompleted":  !anyFailed,
		"anyFailed":     anyFailed,
		"executionMode": executionMode,
	})
	return nil
}

// createTaskContainer registers a Process row (type=container) before
// creating the shared sandbox container, then stores its containerId and
// transitions the row to RUNNING once it starts. Returns the containerID
// and the processID recording it.
func (d *Driver) createTaskContainer(ctx context.Context, m *model.Mission, worktreePath string) (string, string, error) {
	if d.sandbox == nil {
		return "", "", fmt.Errorf("no sandbox manager configured")
	}

	proc := &model.Process{
		ID:        idgen.New(idgen.PrefixProcess),
		MissionID: &m.ID,
		Type:      model.ProcessContainer,
		Command:   "sleep infinity",
		Cwd:       strPtr(worktreePath),
	}
	if err := d.store.CreateProcess(ctx, proc); err != nil {
		return "", "", fmt.Errorf("registering task container process: %w", err)
	}

	containerID, err := d.sandbox.Create(ctx, sandbox.CreateOptions{
		MissionID: m.ID,
		Cmd:       []string{"sleep", "infinity"},
		WorkDir:   "/workspace",
		Mounts: []sandbox.Mount{
			{Source: worktreePath, Target: "/workspace", ReadOnly: false},
		},
	})
	if err != nil {
		_, _ = d.store.UpdateProcessStatus(ctx, proc.ID, model.ProcessError, nil)
		return "", "", err
	}

	if err := d.store.UpdateProcessContainerID(ctx, proc.ID, containerID); err != nil && d.log != nil {
		d.log.WithError(err).Warn("mission: recording task container id failed", zap.String("process_id", proc.ID))
	}
	if _, err := d.store.UpdateProcessStatus(ctx, proc.ID, model.ProcessRunning, nil); err != nil && d.log != nil {
		d.log.WithError(err).Warn("mission: marking task container running failed", zap.String("process_id", proc.ID))
	}
	return containerID, proc.ID, nil
}

// runOneTask executes a single task either via sandbox exec or a local
// process, returning true on success.
func (d *Driver) runOneTask(ctx context.Context, m *model.Mission, task model.Task, containerID, cwd string) bool {
	if _, err := d.store.UpdateTaskStatus(ctx, task.ID, model.TaskInProgress); err != nil {
		return false
	}

	argv, err := d.taskRunner.CommandFor(task)
	if err != nil {
		_, _ = d.store.UpdateTaskStatus(ctx, task.ID, model.TaskFailed)
		return false
	}

	var success bool
	if containerID != "" {
		success = d.runTaskInContainer(ctx, m, containerID, argv)
	} else {
		success = d.runTaskLocally(ctx, m, argv, cwd)
	}

	if success {
		_, _ = d.store.UpdateTaskStatus(ctx, task.ID, model.TaskCompleted)
	} else {
		_, _ = d.store.UpdateTaskStatus(ctx, task.ID, model.TaskFailed)
	}
	return success
}

// runTaskInContainer registers a Process row for the exec before running it,
// so GET /api/processes/:id and its logs endpoints have something to find
// even though the exec shares the mission's long-lived container.
func (d *Driver) runTaskInContainer(ctx context.Context, m *model.Mission, containerID string, argv []string) bool {
	proc := &model.Process{
		ID:          idgen.New(idgen.PrefixProcess),
		MissionID:   &m.ID,
		Type:        model.ProcessContainer,
		Command:     strings.Join(argv, " "),
		ContainerID: &containerID,
	}
	if err := d.store.CreateProcess(ctx, proc); err != nil {
		return false
	}
	if _, err := d.journal.Open(proc.ID, m.ID); err != nil {
		return false
	}
	defer d.journal.Close(proc.ID)

	_, _ = d.store.UpdateProcessStatus(ctx, proc.ID, model.ProcessRunning, nil)

	output, exitCode, err := d.sandbox.Exec(ctx, containerID, argv)
	d.journal.Write(proc.ID, []byte(output))
	d.broadcaster.Broadcast(proc.ID, broadcaster.Event{
		ID:   d.broadcaster.NextEventID(proc.ID),
		Type: broadcaster.EventOutput,
		Data: output,
	})

	success := err == nil && exitCode == 0
	status := model.ProcessSuccess
	if !success {
		status = model.ProcessError
	}
	code := exitCode
	_, _ = d.store.UpdateProcessStatus(ctx, proc.ID, status, &code)
	return success
}

func (d *Driver) runTaskLocally(ctx context.Context, m *model.Mission, argv []string, cwd string) bool {
	proc := &model.Process{
		ID:        idgen.New(idgen.PrefixProcess),
		MissionID: &m.ID,
		Type:      model.ProcessLocal,
		Command:   strings.Join(argv, " "),
		Cwd:       strPtr(cwd),
	}
	if err := d.store.CreateProcess(ctx, proc); err != nil {
		return false
	}
	if _, err := d.journal.Open(proc.ID, m.ID); err != nil {
		return false
	}

	done := make(chan bool, 1)
	d.mu.Lock()
	d.procs[proc.ID] = procMeta{missionID: m.ID, kind: kindTaskLocal, done: done}
	d.mu.Unlock()

	pid, err := d.orch.SpawnLocal(orchestrator.SpawnOptions{
		ProcessID: proc.ID,
		Command:   argv[0],
		Args:      argv[1:],
		Cwd:       cwd,
	})
	if err != nil {
		d.mu.Lock()
		delete(d.procs, proc.ID)
		d.mu.Unlock()
		_ = d.journal.Close(proc.ID)
		_, _ = d.store.UpdateProcessStatus(ctx, proc.ID, model.ProcessError, nil)
		return false
	}
	if err := d.store.UpdateProcessPID(ctx, proc.ID, pid, pid); err != nil && d.log != nil {
		d.log.WithError(err).Warn("mission: recording pid failed", zap.String("process_id", proc.ID))
	}
	_, _ = d.store.UpdateProcessStatus(ctx, proc.ID, model.ProcessRunning, nil)
	return <-done
}

func strPtr(s string) *string { return &s }
