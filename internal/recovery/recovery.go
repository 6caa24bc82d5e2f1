// Package recovery reconciles Store state with the live world once at
// startup, before the HTTP API accepts requests: it reattaches still-live
// processes, marks dead work as failed, and sweeps orphaned sandboxes.
package recovery

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/missionctl/internal/broadcaster"
	"github.com/kandev/missionctl/internal/logger"
	"github.com/kandev/missionctl/internal/logjournal"
	"github.com/kandev/missionctl/internal/model"
	"github.com/kandev/missionctl/internal/sandbox"
	"github.com/kandev/missionctl/internal/store"
)

const orphanStopGrace = 5 * time.Second

var runningMissionStates = []model.MissionState{
	model.MissionGeneratingPRD,
	model.MissionPreparingTasks,
	model.MissionInProgress,
}

// Recoverer runs the startup reconciliation pass.
type Recoverer struct {
	store       store.Store
	sandbox     *sandbox.Manager
	journal     *logjournal.Journal
	broadcaster *broadcaster.Broadcaster
	log         *logger.Logger
}

// New creates a Recoverer.
func New(st store.Store, sb *sandbox.Manager, journal *logjournal.Journal, bc *broadcaster.Broadcaster, log *logger.Logger) *Recoverer {
	return &Recoverer{store: st, sandbox: sb, journal: journal, broadcaster: bc, log: log}
}

// Run executes the three-phase recovery algorithm. Failure to recover one
// mission never aborts recovery of the others.
func (r *Recoverer) Run(ctx context.Context) error {
	missions, err := r.store.FindMissionsByStates(ctx, runningMissionStates)
	if err != nil {
		return fmt.Errorf("loading running missions: %w", err)
	}

	for _, m := range missions {
		r.recoverMission(ctx, m)
	}

	r.sweepOrphans(ctx)
	return nil
}

func (r *Recoverer) audit(ctx context.Context, event, entityType, entityID string, details map[string]any) {
	id := entityID
	if err := r.store.LogAudit(ctx, event, &entityType, &id, details); err != nil && r.log != nil {
		r.log.WithError(err).Warn("recovery: audit write failed", zap.String("event", event))
	}
}

func (r *Recoverer) recoverMission(ctx context.Context, m model.Mission) {
	procs, err := r.store.FindProcessesByMission(ctx, m.ID)
	if err != nil {
		if r.log != nil {
			r.log.WithError(err).Error("recovery: loading processes failed", zap.String("mission_id", m.ID))
		}
		r.forceFailMission(ctx, m.ID, err.Error())
		r.audit(ctx, "recovery.mission_marked_failed", "mission", m.ID, map[string]any{"error": err.Error()})
		return
	}

	var running []model.Process
	for _, p := range procs {
		if p.Status == model.ProcessRunning {
			running = append(running, p)
		}
	}

	if len(running) == 0 {
		r.forceFailMission(ctx, m.ID, "No running processes found during recovery")
		r.audit(ctx, "recovery.mission_marked_failed", "mission", m.ID, nil)
		return
	}

	reattachedAny := false
	for _, p := range running {
		if r.recoverProcess(ctx, p) {
			reattachedAny = true
		}
	}

	if reattachedAny {
		r.audit(ctx, "recovery.mission_reattached", "mission", m.ID, nil)
		return
	}
	r.forceFailMission(ctx, m.ID, "All processes dead during recovery")
	r.audit(ctx, "recovery.mission_marked_failed", "mission", m.ID, nil)
}

// recoverProcess returns true if the process was successfully reattached.
func (r *Recoverer) recoverProcess(ctx context.Context, p model.Process) bool {
	if p.ContainerID == nil {
		_, _ = r.store.UpdateProcessStatus(ctx, p.ID, model.ProcessError, nil)
		r.audit(ctx, "recovery.process_marked_failed", "process", p.ID, map[string]any{
			"reason": "Local process cannot be recovered",
		})
		return false
	}

	info, err := r.sandbox.Inspect(ctx, *p.ContainerID)
	if err != nil {
		_, _ = r.store.UpdateProcessStatus(ctx, p.ID, model.ProcessError, nil)
		r.audit(ctx, "recovery.process_marked_failed", "process", p.ID, map[string]any{
			"reason": "Container not found",
		})
		return false
	}

	if info.Running {
		r.reattachLogs(ctx, p, *p.ContainerID)
		r.audit(ctx, "recovery.process_reattached", "process", p.ID, map[string]any{"containerId": *p.ContainerID})
		return true
	}

	exitCode := info.ExitCode
	_, _ = r.store.UpdateProcessStatus(ctx, p.ID, model.ProcessError, &exitCode)
	r.audit(ctx, "recovery.process_marked_failed", "process", p.ID, map[string]any{
		"reason":   "Container exited",
		"exitCode": exitCode,
	})
	return false
}

func (r *Recoverer) reattachLogs(ctx context.Context, p model.Process, containerID string) {
	missionID := ""
	if p.MissionID != nil {
		missionID = *p.MissionID
	}
	if _, err := r.journal.Open(p.ID, missionID); err != nil {
		if r.log != nil {
			r.log.WithError(err).Warn("recovery: journal reopen failed", zap.String("process_id", p.ID))
		}
		return
	}

	reader, err := r.sandbox.AttachLogs(ctx, containerID)
	if err != nil {
		if r.log != nil {
			r.log.WithError(err).Warn("recovery: attach logs failed", zap.String("process_id", p.ID))
		}
		return
	}

	go func() {
		defer reader.Close()
		buf := make([]byte, 32*1024)
		for {
			n, readErr := reader.Read(buf)
			if n > 0 {
				chunk := buf[:n]
				r.journal.Write(p.ID, chunk)
				r.broadcaster.Broadcast(p.ID, broadcaster.Event{
					ID:   r.broadcaster.NextEventID(p.ID),
					Type: broadcaster.EventOutput,
					Data: string(chunk),
				})
			}
			if readErr != nil {
				if readErr != io.EOF && r.log != nil {
					r.log.WithError(readErr).Warn("recovery: log stream ended with error", zap.String("process_id", p.ID))
				}
				_ = r.journal.Close(p.ID)
				return
			}
		}
	}()
}

func (r *Recoverer) forceFailMission(ctx context.Context, missionID, reason string) {
	m, err := r.store.FindMissionByID(ctx, missionID)
	if err != nil {
		return
	}
	m.FailureReason = &reason
	endedAt := time.Now()
	m.EndedAt = &endedAt
	_ = r.store.UpdateMission(ctx, m)
	if _, err := r.store.ForceMissionState(ctx, missionID, model.MissionCompletedFailed); err != nil && r.log != nil {
		r.log.WithError(err).Error("recovery: force-fail transition failed", zap.String("mission_id", missionID))
	}
}

// sweepOrphans removes managed containers with no matching Process row.
func (r *Recoverer) sweepOrphans(ctx context.Context) {
	if r.sandbox == nil {
		return
	}
	containers, err := r.sandbox.ListManaged(ctx)
	if err != nil {
		if r.log != nil {
			r.log.WithError(err).Warn("recovery: listing managed containers failed")
		}
		return
	}

	for _, c := range containers {
		proc, err := r.store.FindProcessByContainerID(ctx, c.ID)
		if err == nil && proc != nil {
			continue
		}
		_ = r.sandbox.Stop(ctx, c.ID, orphanStopGrace)
		_ = r.sandbox.Remove(ctx, c.ID, true)
		r.audit(ctx, "recovery.orphaned_container_removed", "container", c.ID, nil)
	}
}
