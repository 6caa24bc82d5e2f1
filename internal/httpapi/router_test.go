package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/missionctl/internal/broadcaster"
	"github.com/kandev/missionctl/internal/logjournal"
	"github.com/kandev/missionctl/internal/mission"
	"github.com/kandev/missionctl/internal/model"
	"github.com/kandev/missionctl/internal/store"
	"github.com/kandev/missionctl/internal/worktree"
)

func newTestRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
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

func newTestRouter(t *testing.T, apiToken string) (http.Handler, store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	journal := logjournal.New(t.TempDir(), nil)
	bc := broadcaster.New("", nil)
	wt := worktree.New(nil)
	runner, err := mission.NewEchoTaskRunner("")
	require.NoError(t, err)
	driver := mission.New(st, nil, journal, bc, wt, runner, nil)

	r := NewRouter(Deps{
		Store:       st,
		Journal:     journal,
		Broadcaster: bc,
		Driver:      driver,
		APIToken:    apiToken,
	})
	return r, st
}

func doJSON(t *testing.T, r http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHealthBypassesAuth(t *testing.T) {
	r, _ := newTestRouter(t, "secret")
	rec := doJSON(t, r, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthRejectsMissingToken(t *testing.T) {
	r, _ := newTestRouter(t, "secret")
	rec := doJSON(t, r, http.MethodGet, "/api/projects", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var body errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Success)
	assert.Equal(t, "UNAUTHORIZED", body.Error.Code)
}

func TestAuthBypassedWhenTokenUnconfigured(t *testing.T) {
	r, _ := newTestRouter(t, "")
	rec := doJSON(t, r, http.MethodGet, "/api/projects", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateAndGetProjectRoundTrip(t *testing.T) {
	r, _ := newTestRouter(t, "")
	repo := newTestRepo(t)

	rec := doJSON(t, r, http.MethodPost, "/api/projects", "", map[string]string{"name": "p1", "path": repo})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created model.Project
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "p1", created.Name)

	rec = doJSON(t, r, http.MethodGet, "/api/projects/"+created.ID, "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateProjectRejectsMissingVCSMarker(t *testing.T) {
	r, _ := newTestRouter(t, "")
	rec := doJSON(t, r, http.MethodPost, "/api/projects", "", map[string]string{"name": "p1", "path": t.TempDir()})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetProjectNotFoundMapsTo404(t *testing.T) {
	r, _ := newTestRouter(t, "")
	rec := doJSON(t, r, http.MethodGet, "/api/projects/proj-missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var body errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "NOT_FOUND", body.Error.Code)
}

func TestMissionLifecycleThroughHTTP(t *testing.T) {
	r, _ := newTestRouter(t, "")
	repo := newTestRepo(t)

	rec := doJSON(t, r, http.MethodPost, "/api/projects", "", map[string]string{"name": "p1", "path": repo})
	require.Equal(t, http.StatusCreated, rec.Code)
	var proj model.Project
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &proj))

	rec = doJSON(t, r, http.MethodPost, "/api/missions", "", map[string]string{"projectId": proj.ID, "featureName": "Add Login"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var m model.Mission
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.Equal(t, model.MissionDraft, m.State)

	rec = doJSON(t, r, http.MethodPost, "/api/missions/"+m.ID+"/start", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, r, http.MethodPost, "/api/missions/"+m.ID+"/cancel", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var canceled model.Mission
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &canceled))
	assert.Equal(t, model.MissionCompletedFailed, canceled.State)
}

func TestListMissionsRequiresProjectID(t *testing.T) {
	r, _ := newTestRouter(t, "")
	rec := doJSON(t, r, http.MethodGet, "/api/missions", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSignalUnknownProcessStillReturnsOK(t *testing.T) {
	r, st := newTestRouter(t, "")
	ctx := t.Context()
	proj := &model.Project{Name: "p", Path: "/tmp/x"}
	require.NoError(t, st.CreateProject(ctx, proj))
	m := &model.Mission{ProjectID: proj.ID, FeatureName: "x"}
	require.NoError(t, st.CreateMission(ctx, m))
	proc := &model.Process{MissionID: &m.ID, Type: model.ProcessLocal, Command: "echo hi"}
	require.NoError(t, st.CreateProcess(ctx, proc))

	rec := doJSON(t, r, http.MethodPost, "/api/processes/"+proc.ID+"/signal", "", map[string]string{"signal": "SIGTERM"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSignalRejectsUnknownSignalName(t *testing.T) {
	r, st := newTestRouter(t, "")
	ctx := t.Context()
	proj := &model.Project{Name: "p", Path: "/tmp/x"}
	require.NoError(t, st.CreateProject(ctx, proj))
	m := &model.Mission{ProjectID: proj.ID, FeatureName: "x"}
	require.NoError(t, st.CreateMission(ctx, m))
	proc := &model.Process{MissionID: &m.ID, Type: model.ProcessLocal, Command: "echo hi"}
	require.NoError(t, st.CreateProcess(ctx, proc))

	rec := doJSON(t, r, http.MethodPost, "/api/processes/"+proc.ID+"/signal", "", map[string]string{"signal": "SIGHUP"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
