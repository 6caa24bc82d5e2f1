package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/missionctl/internal/apperr"
	"github.com/kandev/missionctl/internal/model"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.sqlite")
	s, err := Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateAndFindProject(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	p := &model.Project{Name: "demo", Path: "/tmp/demo", IsActive: true}
	require.NoError(t, s.CreateProject(ctx, p))
	assert.NotEmpty(t, p.ID)

	found, err := s.FindProjectByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "demo", found.Name)

	_, err = s.FindProjectByID(ctx, "proj-missing")
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))
}

func TestCreateProjectDuplicatePathConflicts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	p1 := &model.Project{Name: "a", Path: "/tmp/x"}
	require.NoError(t, s.CreateProject(ctx, p1))

	p2 := &model.Project{Name: "b", Path: "/tmp/x"}
	err := s.CreateProject(ctx, p2)
	assert.True(t, apperr.Is(err, apperr.CodeConflict))
}

func TestMissionStateMachineSoundness(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	proj := &model.Project{Name: "p", Path: "/tmp/p1"}
	require.NoError(t, s.CreateProject(ctx, proj))

	m := &model.Mission{ProjectID: proj.ID, FeatureName: "x"}
	require.NoError(t, s.CreateMission(ctx, m))
	assert.Equal(t, model.MissionDraft, m.State)

	updated, err := s.UpdateMissionState(ctx, m.ID, model.MissionDraft, model.MissionGeneratingPRD)
	require.NoError(t, err)
	assert.Equal(t, model.MissionGeneratingPRD, updated.State)

	_, err = s.UpdateMissionState(ctx, m.ID, model.MissionDraft, model.MissionGeneratingPRD)
	assert.True(t, apperr.Is(err, apperr.CodeInvalidState))

	_, err = s.UpdateMissionState(ctx, m.ID, model.MissionGeneratingPRD, model.MissionTasksReview)
	assert.True(t, apperr.Is(err, apperr.CodeInvalidState))
}

func TestDeleteProjectGuardsActiveMissions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	proj := &model.Project{Name: "p", Path: "/tmp/p2"}
	require.NoError(t, s.CreateProject(ctx, proj))
	m := &model.Mission{ProjectID: proj.ID, FeatureName: "x"}
	require.NoError(t, s.CreateMission(ctx, m))

	err := s.DeleteProject(ctx, proj.ID)
	assert.True(t, apperr.Is(err, apperr.CodeConflict))

	_, err = s.ForceMissionState(ctx, m.ID, model.MissionCompletedFailed)
	require.NoError(t, err)

	require.NoError(t, s.DeleteProject(ctx, proj.ID))
}

func TestTaskStatusTimestampsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	proj := &model.Project{Name: "p", Path: "/tmp/p3"}
	require.NoError(t, s.CreateProject(ctx, proj))
	m := &model.Mission{ProjectID: proj.ID, FeatureName: "x"}
	require.NoError(t, s.CreateMission(ctx, m))

	tasks, err := s.CreateTasks(ctx, m.ID, []model.Task{{Name: "t1"}, {Name: "t2"}})
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, 0, tasks[0].OrderNum)
	assert.Equal(t, 1, tasks[1].OrderNum)

	updated, err := s.UpdateTaskStatus(ctx, tasks[0].ID, model.TaskInProgress)
	require.NoError(t, err)
	require.NotNil(t, updated.StartedAt)
	firstStarted := *updated.StartedAt

	updated, err = s.UpdateTaskStatus(ctx, tasks[0].ID, model.TaskInProgress)
	require.NoError(t, err)
	assert.Equal(t, firstStarted, *updated.StartedAt)

	updated, err = s.UpdateTaskStatus(ctx, tasks[0].ID, model.TaskCompleted)
	require.NoError(t, err)
	require.NotNil(t, updated.CompletedAt)
}

func TestAuditLogAndList(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	entityID := "mission-1"
	require.NoError(t, s.LogAudit(ctx, "mission.started", ptr("mission"), &entityID, map[string]any{"x": 1}))

	rows, err := s.ListAudit(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "mission.started", rows[0].Event)
	assert.EqualValues(t, 1, rows[0].Details["x"])
}

func ptr(s string) *string { return &s }
