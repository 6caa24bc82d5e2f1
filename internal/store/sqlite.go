package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kandev/missionctl/internal/apperr"
	"github.com/kandev/missionctl/internal/idgen"
	"github.com/kandev/missionctl/internal/model"
	"github.com/kandev/missionctl/internal/store/dialect"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// SQLStore is a Store backend over a relational database reachable through
// database/sql. The same schema and query text serve both supported
// dialects; only the bind-parameter style and a handful of literal
// fragments (see internal/store/dialect) differ at the margins.
type SQLStore struct {
	pool *pool
	dlct dialect.Dialect
}

// Open creates (or opens) the sqlite database at dbPath and applies pending
// migrations. This is the default backend (STORE_DRIVER=sqlite).
func Open(dbPath string) (*SQLStore, error) {
	writer, err := openSQLiteWriter(dbPath)
	if err != nil {
		return nil, err
	}
	reader, err := openSQLiteReader(dbPath)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	s := &SQLStore{pool: &pool{writer: writer, reader: reader, dialect: "sqlite"}, dlct: dialect.SQLite}
	if err := s.migrate(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// OpenPostgres connects to a Postgres database at dsn and applies pending
// migrations. Selected via STORE_DRIVER=postgres for deployments that run
// missiond against a shared, externally managed database instead of the
// per-instance sqlite file.
func OpenPostgres(dsn string) (*SQLStore, error) {
	db, err := openPostgresPool(dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLStore{pool: &pool{writer: db, reader: db, dialect: "postgres"}, dlct: dialect.Postgres}
	if err := s.migrate(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate() error {
	createTracking := s.pool.rebind(`CREATE TABLE IF NOT EXISTS schema_migrations (name TEXT PRIMARY KEY, applied_at TIMESTAMP NOT NULL)`)
	if _, err := s.pool.writer.Exec(createTracking); err != nil {
		return fmt.Errorf("creating schema_migrations: %w", err)
	}
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations: %w", err)
	}
	for _, entry := range entries {
		var applied int
		q := s.pool.rebind(`SELECT COUNT(*) FROM schema_migrations WHERE name = ?`)
		if err := s.pool.writer.Get(&applied, q, entry.Name()); err != nil {
			return fmt.Errorf("checking migration %s: %w", entry.Name(), err)
		}
		if applied > 0 {
			continue
		}
		contents, err := migrationFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return err
		}
		tx, err := s.pool.writer.Beginx()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(string(contents)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("applying migration %s: %w", entry.Name(), err)
		}
		insert := s.pool.rebind(`INSERT INTO schema_migrations (name, applied_at) VALUES (?, ?)`)
		if _, err := tx.Exec(insert, entry.Name(), time.Now().UTC()); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// Close releases both the writer and reader connections.
func (s *SQLStore) Close() error { return s.pool.Close() }

func marshalMap(m map[string]any) (string, error) {
	if m == nil {
		m = map[string]any{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var m map[string]any
	_ = json.Unmarshal([]byte(raw), &m)
	if m == nil {
		m = map[string]any{}
	}
	return m
}

func marshalStrings(s []string) (string, error) {
	if s == nil {
		s = []string{}
	}
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalStrings(raw string) []string {
	if raw == "" {
		return []string{}
	}
	var s []string
	_ = json.Unmarshal([]byte(raw), &s)
	if s == nil {
		s = []string{}
	}
	return s
}

func translateWriteErr(err error, kind, id string) error {
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		return apperr.Conflict(fmt.Sprintf("%s already exists", kind))
	}
	return apperr.Internal(fmt.Errorf("%s %s: %w", kind, id, err))
}

// ---- Project ----

func (s *SQLStore) CreateProject(ctx context.Context, p *model.Project) error {
	now := time.Now().UTC()
	p.ID = idgen.New(idgen.PrefixProject)
	p.CreatedAt, p.UpdatedAt = now, now
	configRaw, err := marshalMap(p.Config)
	if err != nil {
		return apperr.Internal(err)
	}
	q := s.pool.rebind(`
		INSERT INTO projects (id, name, path, is_active, config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.pool.writer.ExecContext(ctx, q,
		p.ID, p.Name, p.Path, dialect.BoolToInt(s.dlct, p.IsActive), configRaw, p.CreatedAt, p.UpdatedAt)
	return translateWriteErr(err, "project", p.Path)
}

func (s *SQLStore) scanProject(row *model.Project) {
	row.Config = unmarshalMap(row.ConfigRaw)
}

func (s *SQLStore) FindProjectByID(ctx context.Context, id string) (*model.Project, error) {
	var p model.Project
	q := s.pool.rebind(`SELECT * FROM projects WHERE id = ?`)
	err := s.pool.reader.GetContext(ctx, &p, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("project", id)
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	s.scanProject(&p)
	return &p, nil
}

func (s *SQLStore) FindProjectByPath(ctx context.Context, path string) (*model.Project, error) {
	var p model.Project
	q := s.pool.rebind(`SELECT * FROM projects WHERE path = ?`)
	err := s.pool.reader.GetContext(ctx, &p, q, path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("project", path)
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	s.scanProject(&p)
	return &p, nil
}

func (s *SQLStore) ListProjects(ctx context.Context) ([]model.ProjectWithCount, error) {
	var rows []model.ProjectWithCount
	q := s.pool.rebind(`
		SELECT p.*, COUNT(m.id) AS mission_count
		FROM projects p
		LEFT JOIN missions m ON m.project_id = p.id
		GROUP BY p.id
		ORDER BY p.created_at DESC`)
	err := s.pool.reader.SelectContext(ctx, &rows, q)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	for i := range rows {
		s.scanProject(&rows[i].Project)
	}
	return rows, nil
}

func (s *SQLStore) UpdateProject(ctx context.Context, p *model.Project) error {
	p.UpdatedAt = time.Now().UTC()
	configRaw, err := marshalMap(p.Config)
	if err != nil {
		return apperr.Internal(err)
	}
	q := s.pool.rebind(`
		UPDATE projects SET name = ?, is_active = ?, config = ?, updated_at = ? WHERE id = ?`)
	res, err := s.pool.writer.ExecContext(ctx, q,
		p.Name, dialect.BoolToInt(s.dlct, p.IsActive), configRaw, p.UpdatedAt, p.ID)
	if err != nil {
		return translateWriteErr(err, "project", p.ID)
	}
	return requireRowsAffected(res, "project", p.ID)
}

func (s *SQLStore) DeleteProject(ctx context.Context, id string) error {
	tx, err := s.pool.writer.BeginTxx(ctx, nil)
	if err != nil {
		return apperr.Internal(err)
	}
	defer func() { _ = tx.Rollback() }()

	var activeCount int
	terminal := []model.MissionState{model.MissionCompletedSuccess, model.MissionCompletedFailed}
	countQ := s.pool.rebind(`
		SELECT COUNT(*) FROM missions WHERE project_id = ? AND state NOT IN (?, ?)`)
	err = tx.GetContext(ctx, &activeCount, countQ,
		id, terminal[0], terminal[1])
	if err != nil {
		return apperr.Internal(err)
	}
	if activeCount > 0 {
		return apperr.Precondition("project has missions that are not yet terminal")
	}
	delQ := s.pool.rebind(`DELETE FROM projects WHERE id = ?`)
	res, err := tx.ExecContext(ctx, delQ, id)
	if err != nil {
		return apperr.Internal(err)
	}
	if err := requireRowsAffected(res, "project", id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperr.Internal(err)
	}
	return nil
}

// ---- Mission ----

func (s *SQLStore) CreateMission(ctx context.Context, m *model.Mission) error {
	now := time.Now().UTC()
	m.ID = idgen.New(idgen.PrefixMission)
	m.State = model.MissionDraft
	m.CreatedAt, m.UpdatedAt = now, now
	q := s.pool.rebind(`
		INSERT INTO missions (id, project_id, feature_name, description, state, prd_iterations, tasks_iterations, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, 0, ?, ?)`)
	_, err := s.pool.writer.ExecContext(ctx, q,
		m.ID, m.ProjectID, m.FeatureName, m.Description, m.State, m.CreatedAt, m.UpdatedAt)
	return translateWriteErr(err, "mission", m.ID)
}

func (s *SQLStore) FindMissionByID(ctx context.Context, id string) (*model.Mission, error) {
	var m model.Mission
	q := s.pool.rebind(`SELECT * FROM missions WHERE id = ?`)
	err := s.pool.reader.GetContext(ctx, &m, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("mission", id)
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return &m, nil
}

func (s *SQLStore) FindMissionsByProject(ctx context.Context, projectID string) ([]model.Mission, error) {
	var rows []model.Mission
	q := s.pool.rebind(`SELECT * FROM missions WHERE project_id = ? ORDER BY created_at DESC`)
	err := s.pool.reader.SelectContext(ctx, &rows, q, projectID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return rows, nil
}

func (s *SQLStore) FindMissionsByStates(ctx context.Context, states []model.MissionState) ([]model.Mission, error) {
	if len(states) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT * FROM missions WHERE state IN (?) ORDER BY created_at DESC`, states)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	query = s.pool.rebind(query)
	var rows []model.Mission
	if err := s.pool.reader.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, apperr.Internal(err)
	}
	return rows, nil
}

func (s *SQLStore) UpdateMission(ctx context.Context, m *model.Mission) error {
	m.UpdatedAt = time.Now().UTC()
	q := s.pool.rebind(`
		UPDATE missions SET feature_name = ?, description = ?, worktree_path = ?, prd_path = ?, tasks_path = ?,
			prd_iterations = ?, tasks_iterations = ?, result = ?, failure_reason = ?, updated_at = ?,
			started_at = ?, ended_at = ?
		WHERE id = ?`)
	res, err := s.pool.writer.ExecContext(ctx, q,
		m.FeatureName, m.Description, m.WorktreePath, m.PRDPath, m.TasksPath,
		m.PRDIterations, m.TasksIterations, m.Result, m.FailureReason, m.UpdatedAt,
		m.StartedAt, m.EndedAt, m.ID)
	if err != nil {
		return apperr.Internal(err)
	}
	return requireRowsAffected(res, "mission", m.ID)
}

// UpdateMissionState performs the atomic compare-and-set required by the
// mission state machine: the UPDATE only matches the row if its current
// state is still `from`, so two racing callers can never both succeed.
func (s *SQLStore) UpdateMissionState(ctx context.Context, id string, from, to model.MissionState) (*model.Mission, error) {
	if !model.CanTransition(from, to) {
		return nil, apperr.InvalidStateTransition(string(from), string(to))
	}
	now := time.Now().UTC()
	q := s.pool.rebind(`
		UPDATE missions SET state = ?, updated_at = ? WHERE id = ? AND state = ?`)
	res, err := s.pool.writer.ExecContext(ctx, q, to, now, id, from)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if affected == 0 {
		current, findErr := s.FindMissionByID(ctx, id)
		if findErr != nil {
			return nil, findErr
		}
		return nil, apperr.InvalidStateTransition(string(current.State), string(to))
	}
	return s.FindMissionByID(ctx, id)
}

// ForceMissionState is the recovery-only bypass of the transition table.
func (s *SQLStore) ForceMissionState(ctx context.Context, id string, to model.MissionState) (*model.Mission, error) {
	now := time.Now().UTC()
	q := s.pool.rebind(`UPDATE missions SET state = ?, updated_at = ? WHERE id = ?`)
	res, err := s.pool.writer.ExecContext(ctx, q, to, now, id)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if err := requireRowsAffected(res, "mission", id); err != nil {
		return nil, err
	}
	return s.FindMissionByID(ctx, id)
}

func (s *SQLStore) DeleteMission(ctx context.Context, id string) error {
	q := s.pool.rebind(`DELETE FROM missions WHERE id = ?`)
	res, err := s.pool.writer.ExecContext(ctx, q, id)
	if err != nil {
		return apperr.Internal(err)
	}
	return requireRowsAffected(res, "mission", id)
}

// ---- Task ----

func (s *SQLStore) CreateTasks(ctx context.Context, missionID string, tasks []model.Task) ([]model.Task, error) {
	tx, err := s.pool.writer.BeginTxx(ctx, nil)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	created := make([]model.Task, 0, len(tasks))
	insert := s.pool.rebind(`
		INSERT INTO tasks (id, mission_id, name, description, order_num, status, agents, skills, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	for i, t := range tasks {
		t.ID = idgen.New(idgen.PrefixTask)
		t.MissionID = missionID
		t.OrderNum = i
		t.Status = model.TaskPending
		t.CreatedAt, t.UpdatedAt = now, now
		agentsRaw, err := marshalStrings(t.Agents)
		if err != nil {
			return nil, apperr.Internal(err)
		}
		skillsRaw, err := marshalStrings(t.Skills)
		if err != nil {
			return nil, apperr.Internal(err)
		}
		_, err = tx.ExecContext(ctx, insert,
			t.ID, t.MissionID, t.Name, t.Description, t.OrderNum, t.Status, agentsRaw, skillsRaw, t.CreatedAt, t.UpdatedAt)
		if err != nil {
			return nil, translateWriteErr(err, "task", t.ID)
		}
		created = append(created, t)
	}
	if err := tx.Commit(); err != nil {
		return nil, apperr.Internal(err)
	}
	return created, nil
}

func (s *SQLStore) scanTask(t *model.Task) {
	t.Agents = unmarshalStrings(t.AgentsRaw)
	t.Skills = unmarshalStrings(t.SkillsRaw)
}

func (s *SQLStore) FindTasksByMission(ctx context.Context, missionID string) ([]model.Task, error) {
	var rows []model.Task
	q := s.pool.rebind(`SELECT * FROM tasks WHERE mission_id = ? ORDER BY order_num ASC`)
	err := s.pool.reader.SelectContext(ctx, &rows, q, missionID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	for i := range rows {
		s.scanTask(&rows[i])
	}
	return rows, nil
}

func (s *SQLStore) FindTaskByID(ctx context.Context, id string) (*model.Task, error) {
	var t model.Task
	q := s.pool.rebind(`SELECT * FROM tasks WHERE id = ?`)
	err := s.pool.reader.GetContext(ctx, &t, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("task", id)
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	s.scanTask(&t)
	return &t, nil
}

// UpdateTaskStatus applies the status transition and stamps startedAt /
// completedAt idempotently: each timestamp is only ever set once.
func (s *SQLStore) UpdateTaskStatus(ctx context.Context, id string, status model.TaskStatus) (*model.Task, error) {
	now := time.Now().UTC()
	setStarted := status == model.TaskInProgress
	setCompleted := model.IsTaskTerminal(status)

	query := `UPDATE tasks SET status = ?, updated_at = ?`
	args := []any{status, now}
	if setStarted {
		query += `, started_at = COALESCE(started_at, ?)`
		args = append(args, now)
	}
	if setCompleted {
		query += `, completed_at = COALESCE(completed_at, ?)`
		args = append(args, now)
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	res, err := s.pool.writer.ExecContext(ctx, s.pool.rebind(query), args...)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if err := requireRowsAffected(res, "task", id); err != nil {
		return nil, err
	}
	return s.FindTaskByID(ctx, id)
}

func (s *SQLStore) DeleteTasksByMission(ctx context.Context, missionID string) error {
	q := s.pool.rebind(`DELETE FROM tasks WHERE mission_id = ?`)
	_, err := s.pool.writer.ExecContext(ctx, q, missionID)
	if err != nil {
		return apperr.Internal(err)
	}
	return nil
}

// ---- Process ----

func (s *SQLStore) CreateProcess(ctx context.Context, p *model.Process) error {
	now := time.Now().UTC()
	p.ID = idgen.New(idgen.PrefixProcess)
	p.Status = model.ProcessQueued
	p.CreatedAt, p.UpdatedAt = now, now
	envRaw, err := marshalStringMap(p.Env)
	if err != nil {
		return apperr.Internal(err)
	}
	q := s.pool.rebind(`
		INSERT INTO processes (id, mission_id, type, command, cwd, env, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.pool.writer.ExecContext(ctx, q,
		p.ID, p.MissionID, p.Type, p.Command, p.Cwd, envRaw, p.Status, p.CreatedAt, p.UpdatedAt)
	return translateWriteErr(err, "process", p.ID)
}

func (s *SQLStore) scanProcess(p *model.Process) {
	p.Env = unmarshalStringMap(p.EnvRaw)
}

func (s *SQLStore) FindProcessByID(ctx context.Context, id string) (*model.Process, error) {
	var p model.Process
	q := s.pool.rebind(`SELECT * FROM processes WHERE id = ?`)
	err := s.pool.reader.GetContext(ctx, &p, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("process", id)
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	s.scanProcess(&p)
	return &p, nil
}

func (s *SQLStore) FindProcessesByMission(ctx context.Context, missionID string) ([]model.Process, error) {
	var rows []model.Process
	q := s.pool.rebind(`SELECT * FROM processes WHERE mission_id = ? ORDER BY created_at DESC`)
	err := s.pool.reader.SelectContext(ctx, &rows, q, missionID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	for i := range rows {
		s.scanProcess(&rows[i])
	}
	return rows, nil
}

func (s *SQLStore) FindProcessByContainerID(ctx context.Context, containerID string) (*model.Process, error) {
	var p model.Process
	q := s.pool.rebind(`SELECT * FROM processes WHERE container_id = ?`)
	err := s.pool.reader.GetContext(ctx, &p, q, containerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("process", containerID)
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	s.scanProcess(&p)
	return &p, nil
}

func (s *SQLStore) FindProcessesByStatus(ctx context.Context, status model.ProcessStatus) ([]model.Process, error) {
	var rows []model.Process
	q := s.pool.rebind(`SELECT * FROM processes WHERE status = ? ORDER BY created_at DESC`)
	err := s.pool.reader.SelectContext(ctx, &rows, q, status)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	for i := range rows {
		s.scanProcess(&rows[i])
	}
	return rows, nil
}

// UpdateProcessStatus stamps startedAt on entering RUNNING and endedAt on
// entering a terminal status, each idempotently (set at most once).
func (s *SQLStore) UpdateProcessStatus(ctx context.Context, id string, status model.ProcessStatus, exitCode *int) (*model.Process, error) {
	now := time.Now().UTC()
	query := `UPDATE processes SET status = ?, updated_at = ?`
	args := []any{status, now}
	if status == model.ProcessRunning {
		query += `, started_at = COALESCE(started_at, ?)`
		args = append(args, now)
	}
	if model.IsProcessTerminal(status) {
		query += `, ended_at = COALESCE(ended_at, ?)`
		args = append(args, now)
		if exitCode != nil {
			query += `, exit_code = ?`
			args = append(args, *exitCode)
		}
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	res, err := s.pool.writer.ExecContext(ctx, s.pool.rebind(query), args...)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if err := requireRowsAffected(res, "process", id); err != nil {
		return nil, err
	}
	return s.FindProcessByID(ctx, id)
}

func (s *SQLStore) UpdateProcessPID(ctx context.Context, id string, pid, pgid int) error {
	q := s.pool.rebind(`UPDATE processes SET pid = ?, pgid = ?, updated_at = ? WHERE id = ?`)
	res, err := s.pool.writer.ExecContext(ctx, q, pid, pgid, time.Now().UTC(), id)
	if err != nil {
		return apperr.Internal(err)
	}
	return requireRowsAffected(res, "process", id)
}

func (s *SQLStore) UpdateProcessContainerID(ctx context.Context, id string, containerID string) error {
	q := s.pool.rebind(`UPDATE processes SET container_id = ?, updated_at = ? WHERE id = ?`)
	res, err := s.pool.writer.ExecContext(ctx, q, containerID, time.Now().UTC(), id)
	if err != nil {
		return apperr.Internal(err)
	}
	return requireRowsAffected(res, "process", id)
}

func (s *SQLStore) UpdateProcessHeartbeat(ctx context.Context, id string) error {
	q := s.pool.rebind(`UPDATE processes SET heartbeat_at = ? WHERE id = ?`)
	res, err := s.pool.writer.ExecContext(ctx, q, time.Now().UTC(), id)
	if err != nil {
		return apperr.Internal(err)
	}
	return requireRowsAffected(res, "process", id)
}

func (s *SQLStore) DeleteProcess(ctx context.Context, id string) error {
	q := s.pool.rebind(`DELETE FROM processes WHERE id = ?`)
	res, err := s.pool.writer.ExecContext(ctx, q, id)
	if err != nil {
		return apperr.Internal(err)
	}
	return requireRowsAffected(res, "process", id)
}

// ---- Audit ----

func (s *SQLStore) LogAudit(ctx context.Context, event string, entityType, entityID *string, details map[string]any) error {
	var detailsRaw *string
	if details != nil {
		raw, err := marshalMap(details)
		if err != nil {
			return apperr.Internal(err)
		}
		detailsRaw = &raw
	}
	q := s.pool.rebind(`
		INSERT INTO audit_entries (id, event, entity_type, entity_id, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	_, err := s.pool.writer.ExecContext(ctx, q,
		idgen.New(idgen.PrefixAudit), event, entityType, entityID, detailsRaw, time.Now().UTC())
	if err != nil {
		return apperr.Internal(err)
	}
	return nil
}

func (s *SQLStore) ListAudit(ctx context.Context, limit int) ([]model.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []model.AuditEntry
	q := s.pool.rebind(`SELECT * FROM audit_entries ORDER BY created_at DESC LIMIT ?`)
	err := s.pool.reader.SelectContext(ctx, &rows, q, limit)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	for i := range rows {
		if rows[i].DetailsRaw != nil {
			rows[i].Details = unmarshalMap(*rows[i].DetailsRaw)
		}
	}
	return rows, nil
}

func requireRowsAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Internal(err)
	}
	if n == 0 {
		return apperr.NotFound(kind, id)
	}
	return nil
}

func marshalStringMap(m map[string]string) (string, error) {
	if m == nil {
		m = map[string]string{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalStringMap(raw string) map[string]string {
	if raw == "" {
		return map[string]string{}
	}
	var m map[string]string
	_ = json.Unmarshal([]byte(raw), &m)
	if m == nil {
		m = map[string]string{}
	}
	return m
}

var _ Store = (*SQLStore)(nil)
