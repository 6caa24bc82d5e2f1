package orchestrator

import (
	"context"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) handle(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *collector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

func waitForExit(t *testing.T, c *collector, processID string) Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, evt := range c.snapshot() {
			if evt.ProcessID == processID && evt.Type == EventExit {
				return evt
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for exit event for %s", processID)
	return Event{}
}

func TestSpawnLocalStreamsOutputAndReportsCleanExit(t *testing.T) {
	c := &collector{}
	o := New(c.handle, nil)

	pid, err := o.SpawnLocal(SpawnOptions{
		ProcessID: "p1",
		Command:   "sh",
		Args:      []string{"-c", "echo hello; echo world 1>&2"},
	})
	require.NoError(t, err)
	assert.Greater(t, pid, 0)

	exitEvt := waitForExit(t, c, "p1")
	require.NotNil(t, exitEvt.ExitCode)
	assert.Equal(t, 0, *exitEvt.ExitCode)

	var stdoutLines, stderrLines []string
	for _, evt := range c.snapshot() {
		if evt.Type != EventOutput {
			continue
		}
		if evt.Stream == "stdout" {
			stdoutLines = append(stdoutLines, evt.Data)
		} else {
			stderrLines = append(stderrLines, evt.Data)
		}
	}
	assert.Contains(t, stdoutLines, "hello\n")
	assert.Contains(t, stderrLines, "world\n")
	assert.False(t, o.IsRunning("p1"))
}

func TestSpawnLocalNonZeroExitReportsCode(t *testing.T) {
	c := &collector{}
	o := New(c.handle, nil)

	_, err := o.SpawnLocal(SpawnOptions{
		ProcessID: "p2",
		Command:   "sh",
		Args:      []string{"-c", "exit 7"},
	})
	require.NoError(t, err)

	exitEvt := waitForExit(t, c, "p2")
	require.NotNil(t, exitEvt.ExitCode)
	assert.Equal(t, 7, *exitEvt.ExitCode)
	assert.False(t, exitEvt.Signaled)
}

func TestKillTreeEscalatesToSigkillAfterGrace(t *testing.T) {
	c := &collector{}
	o := New(c.handle, nil)

	_, err := o.SpawnLocal(SpawnOptions{
		ProcessID: "p3",
		Command:   "sh",
		Args:      []string{"-c", "trap '' TERM; sleep 30"},
	})
	require.NoError(t, err)
	require.True(t, o.IsRunning("p3"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, o.KillTree(ctx, "p3", 200*time.Millisecond))

	exitEvt := waitForExit(t, c, "p3")
	assert.True(t, exitEvt.Signaled)
}

func TestKillUnknownProcessIsNoop(t *testing.T) {
	o := New(nil, nil)
	assert.NoError(t, o.Kill("nonexistent", syscall.SIGTERM))
}

func TestRunningIDsReflectsActiveSet(t *testing.T) {
	c := &collector{}
	o := New(c.handle, nil)
	_, err := o.SpawnLocal(SpawnOptions{ProcessID: "p4", Command: "sh", Args: []string{"-c", "sleep 0.3"}})
	require.NoError(t, err)
	assert.Contains(t, o.RunningIDs(), "p4")
	waitForExit(t, c, "p4")
	assert.NotContains(t, o.RunningIDs(), "p4")
}

func TestMergeEnvCallerWinsOnConflict(t *testing.T) {
	merged := mergeEnv([]string{"PATH=/usr/bin", "FOO=base"}, map[string]string{"FOO": "override"})
	assert.Contains(t, merged, "FOO=override")
	assert.Contains(t, merged, "PATH=/usr/bin")
	assert.NotContains(t, merged, "FOO=base")
}
