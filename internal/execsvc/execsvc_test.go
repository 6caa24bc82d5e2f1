package execsvc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCapturesOutputAndExitCode(t *testing.T) {
	s := New(5*time.Second, nil)
	res, err := s.Run(context.Background(), t.TempDir(), "sh", []string{"-c", "echo hi; exit 3"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, res.Output, "hi")
	assert.False(t, res.TimedOut)
}

func TestRunTimesOutLongCommands(t *testing.T) {
	s := New(50*time.Millisecond, nil)
	res, err := s.Run(context.Background(), t.TempDir(), "sleep", []string{"5"})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, "timeout", res.FailedKind)
}

func TestRunTruncatesOversizedOutput(t *testing.T) {
	s := New(5*time.Second, nil)
	w := &capWriter{limit: 10}
	n, err := w.Write([]byte("0123456789ABCDEF"))
	require.NoError(t, err)
	assert.Equal(t, 16, n)
	assert.True(t, w.truncated)
	assert.Equal(t, 10, w.buf.Len())
	_ = s
}

func TestRunSpawnErrorForUnknownCommand(t *testing.T) {
	s := New(5*time.Second, nil)
	res, err := s.Run(context.Background(), t.TempDir(), "definitely-not-a-real-binary", nil)
	require.Error(t, err)
	assert.Equal(t, "spawn_error", res.FailedKind)
}
