package logjournal

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenWriteReadAllRoundTrip(t *testing.T) {
	j := New(t.TempDir(), nil)

	path, err := j.Open("proc-1", "mission-1")
	require.NoError(t, err)
	assert.FileExists(t, path)

	j.Write("proc-1", []byte("hello\nworld\n"))
	j.Write("proc-1", []byte("partial"))

	content, err := j.ReadAll("proc-1")
	require.NoError(t, err)
	assert.Equal(t, "hello\nworld\npartial", string(content))
}

func TestRecentLinesCapsAt100AndTracksTrailingNewline(t *testing.T) {
	j := New(t.TempDir(), nil)
	_, err := j.Open("proc-1", "mission-1")
	require.NoError(t, err)

	for i := 0; i < 150; i++ {
		j.Write("proc-1", []byte("line\n"))
	}
	lines := j.RecentLines("proc-1")
	// 100 non-empty lines plus the trailing empty marker since the last
	// write ended with '\n'.
	require.Len(t, lines, 101)
	assert.Equal(t, "", lines[len(lines)-1])
	assert.Equal(t, "line", lines[0])

	j.Write("proc-1", []byte("no-trailing-newline"))
	lines = j.RecentLines("proc-1")
	assert.Equal(t, "no-trailing-newline", lines[len(lines)-1])
}

func TestReadAllMissingProcessReturnsNilNotError(t *testing.T) {
	j := New(t.TempDir(), nil)
	data, err := j.ReadAll("unknown")
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestReadAllAfterCloseStillReturnsContent(t *testing.T) {
	j := New(t.TempDir(), nil)
	_, err := j.Open("proc-1", "mission-1")
	require.NoError(t, err)
	j.Write("proc-1", []byte("done\n"))
	require.NoError(t, j.Close("proc-1"))

	content, err := j.ReadAll("proc-1")
	require.NoError(t, err)
	assert.Equal(t, "done\n", string(content))
}

func TestCloseThenCleanup(t *testing.T) {
	j := New(t.TempDir(), nil)
	path, err := j.Open("proc-1", "mission-1")
	require.NoError(t, err)

	require.NoError(t, j.Close("proc-1"))
	assert.FileExists(t, path)

	_, err = j.Open("proc-2", "mission-1")
	require.NoError(t, err)
	j.Cleanup()

	_, statErr := os.Stat(path)
	assert.NoError(t, statErr)
}
