package mission

import (
	"context"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/missionctl/internal/broadcaster"
	"github.com/kandev/missionctl/internal/logjournal"
	"github.com/kandev/missionctl/internal/model"
	"github.com/kandev/missionctl/internal/store"
	"github.com/kandev/missionctl/internal/worktree"
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

func newTestDriver(t *testing.T) (*Driver, store.Store) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	st, err := store.Open(filepath.Join(t.TempDir(), "test.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	journal := logjournal.New(t.TempDir(), nil)
	bc := broadcaster.New("", nil)
	wt := worktree.New(nil)
	runner, err := NewEchoTaskRunner("")
	require.NoError(t, err)

	return New(st, nil, journal, bc, wt, runner, nil), st
}

func waitForState(t *testing.T, st store.Store, missionID string, want model.MissionState) *model.Mission {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		m, err := st.FindMissionByID(context.Background(), missionID)
		require.NoError(t, err)
		if m.State == want {
			return m
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for mission %s to reach %s", missionID, want)
	return nil
}

func TestStartDrivesDraftToPRDReview(t *testing.T) {
	d, st := newTestDriver(t)
	ctx := context.Background()
	repo := newTestRepo(t)

	proj := &model.Project{Name: "p", Path: repo}
	require.NoError(t, st.CreateProject(ctx, proj))
	m := &model.Mission{ProjectID: proj.ID, FeatureName: "Add Login"}
	require.NoError(t, st.CreateMission(ctx, m))

	_, err := d.Start(ctx, m.ID, repo)
	require.NoError(t, err)

	final := waitForState(t, st, m.ID, model.MissionPRDReview)
	require.NotNil(t, final.WorktreePath)
	assert.DirExists(t, *final.WorktreePath)
}

func TestFullHappyPathReachesCompletedSuccess(t *testing.T) {
	d, st := newTestDriver(t)
	ctx := context.Background()
	repo := newTestRepo(t)

	proj := &model.Project{Name: "p", Path: repo}
	require.NoError(t, st.CreateProject(ctx, proj))
	m := &model.Mission{ProjectID: proj.ID, FeatureName: "Add Login"}
	require.NoError(t, st.CreateMission(ctx, m))

	_, err := d.Start(ctx, m.ID, repo)
	require.NoError(t, err)
	waitForState(t, st, m.ID, model.MissionPRDReview)

	_, err = d.ApprovePRD(ctx, m.ID)
	require.NoError(t, err)
	waitForState(t, st, m.ID, model.MissionTasksReview)

	_, err = st.CreateTasks(ctx, m.ID, []model.Task{{Name: "write-tests"}, {Name: "write-code"}})
	require.NoError(t, err)

	_, err = d.ApproveTasks(ctx, m.ID)
	require.NoError(t, err)

	final := waitForState(t, st, m.ID, model.MissionCompletedSuccess)
	require.NotNil(t, final.EndedAt)

	tasks, err := st.FindTasksByMission(ctx, m.ID)
	require.NoError(t, err)
	for _, task := range tasks {
		assert.Equal(t, model.TaskCompleted, task.Status)
	}

	procs, err := st.FindProcessesByMission(ctx, m.ID)
	require.NoError(t, err)
	var taskProcs int
	for _, p := range procs {
		if p.Type != model.ProcessLocal || !strings.Contains(p.Command, "write-") {
			continue
		}
		require.NotNil(t, p.PID, "executed task process should have its pid recorded")
		assert.Equal(t, model.ProcessSuccess, p.Status)
		taskProcs++
	}
	assert.Equal(t, len(tasks), taskProcs, "every executed task should have a persisted Process row")
}

func TestRejectPRDReturnsToGeneratingAndBumpsIteration(t *testing.T) {
	d, st := newTestDriver(t)
	ctx := context.Background()
	repo := newTestRepo(t)

	proj := &model.Project{Name: "p", Path: repo}
	require.NoError(t, st.CreateProject(ctx, proj))
	m := &model.Mission{ProjectID: proj.ID, FeatureName: "Add Login"}
	require.NoError(t, st.CreateMission(ctx, m))

	_, err := d.Start(ctx, m.ID, repo)
	require.NoError(t, err)
	waitForState(t, st, m.ID, model.MissionPRDReview)

	rejected, err := d.RejectPRD(ctx, m.ID, "needs more detail")
	require.NoError(t, err)
	assert.Equal(t, model.MissionGeneratingPRD, rejected.State)

	final := waitForState(t, st, m.ID, model.MissionPRDReview)
	assert.Equal(t, 1, final.PRDIterations)
}

func TestCancelForcesCompletedFailed(t *testing.T) {
	d, st := newTestDriver(t)
	ctx := context.Background()
	repo := newTestRepo(t)

	proj := &model.Project{Name: "p", Path: repo}
	require.NoError(t, st.CreateProject(ctx, proj))
	m := &model.Mission{ProjectID: proj.ID, FeatureName: "Add Login"}
	require.NoError(t, st.CreateMission(ctx, m))

	_, err := d.Start(ctx, m.ID, repo)
	require.NoError(t, err)

	final, err := d.Cancel(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MissionCompletedFailed, final.State)
	require.NotNil(t, final.FailureReason)
	assert.Equal(t, "Canceled by user", *final.FailureReason)
}
