// Package orchestrator supervises locally-spawned processes: each task or
// PRD/task-generation step that runs outside a sandbox container goes
// through here. Every child is launched as its own process group so a
// single kill signals the whole tree it may have forked.
package orchestrator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/missionctl/internal/logger"
)

// EventType tags an Orchestrator notification.
type EventType string

const (
	EventOutput EventType = "output"
	EventExit   EventType = "exit"
)

// Event is delivered to the onEvent handler given to New, for every process
// the Orchestrator runs (MissionDriver's output-wiring contract).
type Event struct {
	ProcessID string
	Type      EventType
	Stream    string // "stdout" | "stderr", only set for EventOutput
	Data      string // only set for EventOutput
	ExitCode  *int   // only set for EventExit
	Signaled  bool
}

// SpawnOptions describes a local process to launch.
type SpawnOptions struct {
	ProcessID string
	Command   string
	Args      []string
	Cwd       string
	Env       map[string]string // merged over os.Environ(); caller wins on conflict
}

type tracked struct {
	cmd   *exec.Cmd
	pgid  int
	done  chan struct{}
}

// Orchestrator tracks every in-flight local process by ID.
type Orchestrator struct {
	mu       sync.Mutex
	procs    map[string]*tracked
	onEvent  func(Event)
	log      *logger.Logger
}

// New creates an Orchestrator. onEvent is invoked for every output/exit
// event; it must not block (MissionDriver's wiring hands off to the
// journal+broadcaster without holding this lock).
func New(onEvent func(Event), log *logger.Logger) *Orchestrator {
	return &Orchestrator{procs: make(map[string]*tracked), onEvent: onEvent, log: log}
}

// SpawnLocal launches opts.Command as a new process-group leader with
// piped stdout/stderr, streaming line-by-line chunks to onEvent and
// reporting its terminal status via an EventExit. On success it returns the
// leader's pid, which doubles as its process group ID since it was started
// with Setpgid.
func (o *Orchestrator) SpawnLocal(opts SpawnOptions) (int, error) {
	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Dir = opts.Cwd
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = mergeEnv(os.Environ(), opts.Env)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 0, fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		o.emit(Event{ProcessID: opts.ProcessID, Type: EventExit, ExitCode: nil})
		return 0, fmt.Errorf("starting %s: %w", opts.Command, err)
	}

	pgid := cmd.Process.Pid
	t := &tracked{cmd: cmd, pgid: pgid, done: make(chan struct{})}
	o.mu.Lock()
	o.procs[opts.ProcessID] = t
	o.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go o.pump(opts.ProcessID, "stdout", stdout, &wg)
	go o.pump(opts.ProcessID, "stderr", stderr, &wg)

	go func() {
		wg.Wait()
		err := cmd.Wait()
		o.mu.Lock()
		delete(o.procs, opts.ProcessID)
		o.mu.Unlock()
		close(t.done)

		exitCode, signaled := exitStatus(err)
		o.emit(Event{ProcessID: opts.ProcessID, Type: EventExit, ExitCode: &exitCode, Signaled: signaled})
	}()

	return pgid, nil
}

func (o *Orchestrator) pump(processID, stream string, r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		o.emit(Event{ProcessID: processID, Type: EventOutput, Stream: stream, Data: scanner.Text() + "\n"})
	}
}

func (o *Orchestrator) emit(evt Event) {
	if o.onEvent != nil {
		o.onEvent(evt)
	}
}

// Kill signals the entire process tree rooted at processID's group with
// signal (SIGTERM or SIGKILL), tolerating a race with natural exit.
func (o *Orchestrator) Kill(processID string, sig syscall.Signal) error {
	o.mu.Lock()
	t, ok := o.procs[processID]
	o.mu.Unlock()
	if !ok {
		return nil
	}
	if err := syscall.Kill(-t.pgid, sig); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("signaling process group %d: %w", t.pgid, err)
	}
	return nil
}

// KillTree sends SIGTERM, waits up to grace for natural exit, then escalates
// to SIGKILL if the group is still alive.
func (o *Orchestrator) KillTree(ctx context.Context, processID string, grace time.Duration) error {
	o.mu.Lock()
	t, ok := o.procs[processID]
	o.mu.Unlock()
	if !ok {
		return nil
	}

	if err := o.Kill(processID, syscall.SIGTERM); err != nil {
		return err
	}

	select {
	case <-t.done:
		return nil
	case <-time.After(grace):
	case <-ctx.Done():
	}

	o.mu.Lock()
	_, stillRunning := o.procs[processID]
	o.mu.Unlock()
	if stillRunning {
		if err := o.Kill(processID, syscall.SIGKILL); err != nil && o.log != nil {
			o.log.WithError(err).Warn("orchestrator: SIGKILL escalation failed", zap.String("process_id", processID))
		}
	}
	return nil
}

// IsRunning reports whether processID is currently tracked.
func (o *Orchestrator) IsRunning(processID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.procs[processID]
	return ok
}

// RunningIDs returns every currently tracked process ID.
func (o *Orchestrator) RunningIDs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.procs))
	for id := range o.procs {
		ids = append(ids, id)
	}
	return ids
}

// Cleanup best-effort SIGTERMs every tracked process, used during graceful
// shutdown; it does not wait for exit.
func (o *Orchestrator) Cleanup() {
	for _, id := range o.RunningIDs() {
		if err := o.Kill(id, syscall.SIGTERM); err != nil && o.log != nil {
			o.log.WithError(err).Warn("orchestrator: cleanup signal failed", zap.String("process_id", id))
		}
	}
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	merged := make([]string, 0, len(base)+len(overrides))
	seen := make(map[string]bool, len(overrides))
	for k, v := range overrides {
		merged = append(merged, k+"="+v)
		seen[k] = true
	}
	for _, kv := range base {
		key := kv
		if idx := strings.IndexByte(kv, '='); idx >= 0 {
			key = kv[:idx]
		}
		if !seen[key] {
			merged = append(merged, kv)
		}
	}
	return merged
}

func exitStatus(err error) (code int, signaled bool) {
	if err == nil {
		return 0, false
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				return -1, true
			}
			return ws.ExitStatus(), false
		}
		return exitErr.ExitCode(), false
	}
	return -1, false
}
