package sandbox

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// New does not dial the daemon (the Docker SDK negotiates API version
// lazily on first real call), so construction succeeds even with nothing
// listening on the socket.
func TestNewDoesNotRequireRunningDaemon(t *testing.T) {
	m, err := New("", nil)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.NoError(t, m.Close())
}

func TestNewHonorsExplicitHost(t *testing.T) {
	m, err := New("tcp://127.0.0.1:2375", nil)
	require.NoError(t, err)
	assert.NoError(t, m.Close())
}

type notFoundErr struct{}

func (notFoundErr) Error() string    { return "no such container" }
func (notFoundErr) NotFound() bool   { return true }

func TestIsIgnorableTreatsNotFoundAsIdempotent(t *testing.T) {
	assert.True(t, isIgnorable(notFoundErr{}))
	assert.False(t, isIgnorable(errors.New("some other failure")))
	assert.False(t, isIgnorable(nil))
}

func TestBoolPtrReturnsAddressableTrue(t *testing.T) {
	p := boolPtr(true)
	require.NotNil(t, p)
	assert.True(t, *p)
}
