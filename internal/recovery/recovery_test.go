package recovery

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/missionctl/internal/broadcaster"
	"github.com/kandev/missionctl/internal/logjournal"
	"github.com/kandev/missionctl/internal/model"
	"github.com/kandev/missionctl/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestRecoverer(t *testing.T, st store.Store) *Recoverer {
	t.Helper()
	journal := logjournal.New(t.TempDir(), nil)
	bc := broadcaster.New("", nil)
	return New(st, nil, journal, bc, nil)
}

func TestRunMarksMissionFailedWhenNoRunningProcesses(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	proj := &model.Project{Name: "p", Path: "/tmp/p"}
	require.NoError(t, st.CreateProject(ctx, proj))
	m := &model.Mission{ProjectID: proj.ID, FeatureName: "x"}
	require.NoError(t, st.CreateMission(ctx, m))
	_, err := st.UpdateMissionState(ctx, m.ID, model.MissionDraft, model.MissionGeneratingPRD)
	require.NoError(t, err)

	r := newTestRecoverer(t, st)
	require.NoError(t, r.Run(ctx))

	final, err := st.FindMissionByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MissionCompletedFailed, final.State)
	require.NotNil(t, final.FailureReason)
	assert.Equal(t, "No running processes found during recovery", *final.FailureReason)

	rows, err := st.ListAudit(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "recovery.mission_marked_failed", rows[0].Event)
}

func TestRunMarksLocalProcessFailedAndMissionFailed(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	proj := &model.Project{Name: "p", Path: "/tmp/p2"}
	require.NoError(t, st.CreateProject(ctx, proj))
	m := &model.Mission{ProjectID: proj.ID, FeatureName: "x"}
	require.NoError(t, st.CreateMission(ctx, m))
	_, err := st.UpdateMissionState(ctx, m.ID, model.MissionDraft, model.MissionGeneratingPRD)
	require.NoError(t, err)

	proc := &model.Process{MissionID: &m.ID, Type: model.ProcessLocal, Command: "echo hi"}
	require.NoError(t, st.CreateProcess(ctx, proc))
	_, err = st.UpdateProcessStatus(ctx, proc.ID, model.ProcessRunning, nil)
	require.NoError(t, err)

	r := newTestRecoverer(t, st)
	require.NoError(t, r.Run(ctx))

	finalProc, err := st.FindProcessByID(ctx, proc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ProcessError, finalProc.Status)

	finalMission, err := st.FindMissionByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MissionCompletedFailed, finalMission.State)
	assert.Equal(t, "All processes dead during recovery", *finalMission.FailureReason)
}

func TestRunSkipsOrphanSweepWhenSandboxNil(t *testing.T) {
	st := newTestStore(t)
	r := newTestRecoverer(t, st)
	assert.NoError(t, r.Run(context.Background()))
}

func TestOneMissionFailureDoesNotAbortOthers(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	proj := &model.Project{Name: "p", Path: "/tmp/p3"}
	require.NoError(t, st.CreateProject(ctx, proj))

	m1 := &model.Mission{ProjectID: proj.ID, FeatureName: "one"}
	require.NoError(t, st.CreateMission(ctx, m1))
	_, err := st.UpdateMissionState(ctx, m1.ID, model.MissionDraft, model.MissionGeneratingPRD)
	require.NoError(t, err)

	m2 := &model.Mission{ProjectID: proj.ID, FeatureName: "two"}
	require.NoError(t, st.CreateMission(ctx, m2))
	_, err = st.UpdateMissionState(ctx, m2.ID, model.MissionDraft, model.MissionGeneratingPRD)
	require.NoError(t, err)

	r := newTestRecoverer(t, st)
	require.NoError(t, r.Run(ctx))

	f1, err := st.FindMissionByID(ctx, m1.ID)
	require.NoError(t, err)
	f2, err := st.FindMissionByID(ctx, m2.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MissionCompletedFailed, f1.State)
	assert.Equal(t, model.MissionCompletedFailed, f2.State)
}
