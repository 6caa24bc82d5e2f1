package worktree

import (
	"context"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoErrorf(t, err, "git %v: %s", args, out)
	}
	run("init", "-q")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	run("commit", "--allow-empty", "-q", "-m", "init")
	return dir
}

func TestCreateAndRemoveWorktreeRoundTrip(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	repo := newTestRepo(t)
	p := New(nil)

	path, err := p.CreateWorktree(context.Background(), repo, "mission-123", "Add Login Flow")
	require.NoError(t, err)
	assert.DirExists(t, path)
	assert.Equal(t, filepath.Base(repo)+"-mission-123", filepath.Base(path))

	require.NoError(t, p.RemoveWorktree(context.Background(), repo, path))
	assert.NoDirExists(t, path)
}

func TestSanitizeForBranchProducesSafeSlug(t *testing.T) {
	assert.Equal(t, "add-login-flow", sanitizeForBranch("Add Login Flow!!", 40))
	assert.Equal(t, "mission", sanitizeForBranch("", 40))
	assert.Equal(t, "mission", sanitizeForBranch("###", 40))
	assert.LessOrEqual(t, len(sanitizeForBranch("a-very-long-feature-name-that-exceeds-the-cap", 10)), 10)
}
