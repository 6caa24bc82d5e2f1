// Package execsvc runs operator-only debug commands: ad hoc shell
// invocations issued through a loopback-only endpoint, never the
// authenticated public API. Every run is wall-clock bounded and has its
// combined output capped so a runaway command cannot exhaust memory or
// disk.
package execsvc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/missionctl/internal/logger"
)

const (
	// DefaultTimeout bounds how long a debug command may run.
	DefaultTimeout = 60 * time.Second
	// MaxOutputBytes caps the combined stdout+stderr captured per run.
	MaxOutputBytes = 10 << 20 // 10 MiB
)

// Result is the outcome of one debug command execution.
type Result struct {
	Command    string        `json:"command"`
	Args       []string      `json:"args"`
	ExitCode   int           `json:"exitCode"`
	Output     string        `json:"output"`
	Truncated  bool          `json:"truncated"`
	TimedOut   bool          `json:"timedOut"`
	Duration   int64         `json:"durationMs"`
	FailedKind string        `json:"failedKind,omitempty"` // "" | "timeout" | "output_limit" | "spawn_error"
}

// capWriter caps how many bytes it will accept, discarding the rest while
// reporting truncation and calling onLimit, when set, once the cap is hit.
type capWriter struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
	onLimit   func()
}

func (w *capWriter) Write(p []byte) (int, error) {
	remaining := w.limit - w.buf.Len()
	if remaining <= 0 {
		w.truncated = true
		if w.onLimit != nil {
			w.onLimit()
		}
		return len(p), nil
	}
	if len(p) > remaining {
		w.buf.Write(p[:remaining])
		w.truncated = true
		if w.onLimit != nil {
			w.onLimit()
		}
		return len(p), nil
	}
	w.buf.Write(p)
	return len(p), nil
}

// Service executes operator debug commands.
type Service struct {
	timeout time.Duration
	log     *logger.Logger
}

// New creates a Service. timeout<=0 uses DefaultTimeout.
func New(timeout time.Duration, log *logger.Logger) *Service {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Service{timeout: timeout, log: log}
}

// Run executes command with args, cwd as the working directory, killing it
// if it exceeds the configured timeout or exceeds MaxOutputBytes.
func (s *Service) Run(ctx context.Context, cwd, command string, args []string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = cwd

	out := &capWriter{limit: MaxOutputBytes, onLimit: cancel}
	cmd.Stdout = out
	cmd.Stderr = out

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	result := &Result{
		Command:   command,
		Args:      args,
		Output:    out.buf.String(),
		Truncated: out.truncated,
		Duration:  elapsed.Milliseconds(),
	}

	if ctx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		result.FailedKind = "timeout"
		result.ExitCode = -1
		if s.log != nil {
			s.log.Warn("execsvc: command timed out", zap.String("command", command), zap.Duration("timeout", s.timeout))
		}
		return result, nil
	}

	if out.truncated {
		result.FailedKind = "output_limit"
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		result.FailedKind = "spawn_error"
		result.ExitCode = -1
		return result, fmt.Errorf("running %s: %w", command, err)
	}

	result.ExitCode = 0
	return result, nil
}
