// Package sqlite persists task records and the testbench registry. The
// database is the single source of truth for task state; every state change
// goes through Transition, which enforces the task lifecycle and the
// one-running-record-per-key rule inside a transaction.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"simflow/internal/domain"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a record or testbench does not exist.
var ErrNotFound = errors.New("not found")

// ErrExists is returned when creating a testbench whose name is taken.
var ErrExists = errors.New("already exists")

const schema = `
CREATE TABLE IF NOT EXISTS task_records (
	id TEXT PRIMARY KEY,
	project TEXT NOT NULL,
	library TEXT NOT NULL,
	cell TEXT NOT NULL,
	simulator TEXT NOT NULL,
	testbench_name TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	started_at INTEGER NULL,
	ended_at INTEGER NULL,
	log_path TEXT NOT NULL DEFAULT '',
	exit_code INTEGER NULL,
	result_files TEXT NOT NULL DEFAULT '[]',
	last_error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_task_records_key ON task_records(project, library, cell, state);
CREATE INDEX IF NOT EXISTS idx_task_records_created ON task_records(created_at);

CREATE TABLE IF NOT EXISTS testbenches (
	name TEXT PRIMARY KEY,
	description TEXT NOT NULL DEFAULT '',
	config TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
`

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

const recordColumns = `id, project, library, cell, simulator, testbench_name, state,
	created_at, started_at, ended_at, log_path, exit_code, result_files, last_error`

// CreateRecord inserts a new execution attempt. Missing created time and
// state are defaulted; the ID must be set by the caller.
func (s *Store) CreateRecord(ctx context.Context, rec domain.TaskRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.State == "" {
		rec.State = domain.TaskStateCreated
	}

	files, err := json.Marshal(resultFilesOrEmpty(rec.ResultFiles))
	if err != nil {
		return fmt.Errorf("encode result files: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO task_records(
			id, project, library, cell, simulator, testbench_name, state,
			created_at, started_at, ended_at, log_path, exit_code, result_files, last_error
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Key.Project, rec.Key.Library, rec.Key.Cell, string(rec.Simulator),
		rec.TestbenchName, string(rec.State), rec.CreatedAt.Unix(),
		nullableUnix(rec.StartedAt), nullableUnix(rec.EndedAt),
		rec.LogPath, nullableInt(rec.ExitCode), string(files), rec.LastError,
	)
	if err != nil {
		return fmt.Errorf("create task record: %w", err)
	}
	return nil
}

func (s *Store) GetRecord(ctx context.Context, recordID string) (domain.TaskRecord, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+recordColumns+` FROM task_records WHERE id = ?`,
		recordID,
	)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.TaskRecord{}, fmt.Errorf("task record %s: %w", recordID, ErrNotFound)
		}
		return domain.TaskRecord{}, fmt.Errorf("get task record: %w", err)
	}
	return rec, nil
}

// RunningRecord returns the running record for key, if any.
func (s *Store) RunningRecord(ctx context.Context, key domain.TaskKey) (domain.TaskRecord, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+recordColumns+` FROM task_records
		WHERE project = ? AND library = ? AND cell = ? AND state = ?`,
		key.Project, key.Library, key.Cell, string(domain.TaskStateRunning),
	)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.TaskRecord{}, false, nil
		}
		return domain.TaskRecord{}, false, fmt.Errorf("running record: %w", err)
	}
	return rec, true, nil
}

// RecordPatch carries the terminal details applied together with a state
// transition. Nil fields are left unchanged.
type RecordPatch struct {
	LogPath     *string
	ExitCode    *int
	ResultFiles []string
	LastError   *string
}

// Transition moves a record to the next state. The lifecycle is enforced
// here: an illegal step fails without changing anything, and a transition to
// running is rejected with a ConflictError while another record with the
// same key is running. Timestamps are maintained as a side effect: entering
// running sets started_at, entering a terminal state sets ended_at.
func (s *Store) Transition(ctx context.Context, recordID string, next domain.TaskState, patch RecordPatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx transition: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var current string
	var project, library, cell string
	row := tx.QueryRowContext(
		ctx,
		`SELECT state, project, library, cell FROM task_records WHERE id = ?`,
		recordID,
	)
	if err := row.Scan(&current, &project, &library, &cell); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("task record %s: %w", recordID, ErrNotFound)
		}
		return fmt.Errorf("get record state: %w", err)
	}

	if !domain.ValidTaskTransition(domain.TaskState(current), next) {
		return fmt.Errorf("invalid transition %s -> %s for record %s", current, next, recordID)
	}

	if next == domain.TaskStateRunning {
		var runningID string
		err := tx.QueryRowContext(
			ctx,
			`SELECT id FROM task_records
			WHERE project = ? AND library = ? AND cell = ? AND state = ? AND id != ?`,
			project, library, cell, string(domain.TaskStateRunning), recordID,
		).Scan(&runningID)
		switch {
		case err == nil:
			return &domain.ConflictError{
				Key:       domain.TaskKey{Project: project, Library: library, Cell: cell},
				RunningID: runningID,
			}
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("check running conflict: %w", err)
		}
	}

	now := time.Now().UTC().Unix()
	sets := "state = ?"
	args := []any{string(next)}
	if next == domain.TaskStateRunning {
		sets += ", started_at = ?"
		args = append(args, now)
	}
	if next.Terminal() {
		sets += ", ended_at = ?"
		args = append(args, now)
	}
	if patch.LogPath != nil {
		sets += ", log_path = ?"
		args = append(args, *patch.LogPath)
	}
	if patch.ExitCode != nil {
		sets += ", exit_code = ?"
		args = append(args, *patch.ExitCode)
	}
	if patch.ResultFiles != nil {
		files, err := json.Marshal(patch.ResultFiles)
		if err != nil {
			return fmt.Errorf("encode result files: %w", err)
		}
		sets += ", result_files = ?"
		args = append(args, string(files))
	}
	if patch.LastError != nil {
		sets += ", last_error = ?"
		args = append(args, *patch.LastError)
	}
	args = append(args, recordID)

	if _, err := tx.ExecContext(ctx, `UPDATE task_records SET `+sets+` WHERE id = ?`, args...); err != nil {
		return fmt.Errorf("update record state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

// RecordFilter narrows QueryRecords. Empty fields match everything.
type RecordFilter struct {
	Project string
	Library string
	Cell    string
	State   domain.TaskState
}

// QueryRecords returns matching records, newest first.
func (s *Store) QueryRecords(ctx context.Context, filter RecordFilter) ([]domain.TaskRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM task_records WHERE 1=1`
	var args []any
	if filter.Project != "" {
		query += ` AND project = ?`
		args = append(args, filter.Project)
	}
	if filter.Library != "" {
		query += ` AND library = ?`
		args = append(args, filter.Library)
	}
	if filter.Cell != "" {
		query += ` AND cell = ?`
		args = append(args, filter.Cell)
	}
	if filter.State != "" {
		query += ` AND state = ?`
		args = append(args, string(filter.State))
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query task records: %w", err)
	}
	defer rows.Close()

	result := make([]domain.TaskRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task record: %w", err)
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task records: %w", err)
	}
	return result, nil
}

// CreateTestbench registers a named testbench. Names are unique; a duplicate
// create is rejected.
func (s *Store) CreateTestbench(ctx context.Context, tb domain.Testbench) error {
	now := time.Now().UTC()
	if tb.CreatedAt.IsZero() {
		tb.CreatedAt = now
	}
	tb.UpdatedAt = tb.CreatedAt

	config, err := json.Marshal(tb.Config)
	if err != nil {
		return fmt.Errorf("encode testbench config: %w", err)
	}

	var existing string
	err = s.db.QueryRowContext(ctx, `SELECT name FROM testbenches WHERE name = ?`, tb.Name).Scan(&existing)
	switch {
	case err == nil:
		return fmt.Errorf("testbench %q: %w", tb.Name, ErrExists)
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("check testbench: %w", err)
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO testbenches(name, description, config, created_at, updated_at) VALUES(?, ?, ?, ?, ?)`,
		tb.Name, tb.Description, string(config), tb.CreatedAt.Unix(), tb.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create testbench: %w", err)
	}
	return nil
}

func (s *Store) GetTestbench(ctx context.Context, name string) (domain.Testbench, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT name, description, config, created_at, updated_at FROM testbenches WHERE name = ?`,
		name,
	)
	tb, err := scanTestbench(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Testbench{}, fmt.Errorf("testbench %q: %w", name, ErrNotFound)
		}
		return domain.Testbench{}, fmt.Errorf("get testbench: %w", err)
	}
	return tb, nil
}

func (s *Store) ListTestbenches(ctx context.Context) ([]domain.Testbench, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT name, description, config, created_at, updated_at FROM testbenches ORDER BY name ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list testbenches: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Testbench, 0)
	for rows.Next() {
		tb, err := scanTestbench(rows)
		if err != nil {
			return nil, fmt.Errorf("scan testbench: %w", err)
		}
		result = append(result, tb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate testbenches: %w", err)
	}
	return result, nil
}

// UpdateTestbench replaces the supplied fields of an existing testbench.
// Nil fields keep their current value. Running tasks are unaffected: they
// hold a copy of the config captured at load time.
func (s *Store) UpdateTestbench(ctx context.Context, name string, description *string, config *domain.TestbenchConfig) (domain.Testbench, error) {
	tb, err := s.GetTestbench(ctx, name)
	if err != nil {
		return domain.Testbench{}, err
	}
	if description != nil {
		tb.Description = *description
	}
	if config != nil {
		tb.Config = *config
	}
	tb.UpdatedAt = time.Now().UTC()

	raw, err := json.Marshal(tb.Config)
	if err != nil {
		return domain.Testbench{}, fmt.Errorf("encode testbench config: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`UPDATE testbenches SET description = ?, config = ?, updated_at = ? WHERE name = ?`,
		tb.Description, string(raw), tb.UpdatedAt.Unix(), name,
	)
	if err != nil {
		return domain.Testbench{}, fmt.Errorf("update testbench: %w", err)
	}
	return tb, nil
}

// DeleteTestbench removes a testbench unless an active task still references
// it.
func (s *Store) DeleteTestbench(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx delete testbench: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var taskID string
	err = tx.QueryRowContext(
		ctx,
		`SELECT id FROM task_records WHERE testbench_name = ? AND state IN (?, ?, ?) LIMIT 1`,
		name,
		string(domain.TaskStateCreated), string(domain.TaskStateScriptGenerated), string(domain.TaskStateRunning),
	).Scan(&taskID)
	switch {
	case err == nil:
		return &domain.InUseError{Name: name, TaskID: taskID}
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("check testbench use: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM testbenches WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete testbench: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete testbench result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("testbench %q: %w", name, ErrNotFound)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete testbench: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (domain.TaskRecord, error) {
	var rec domain.TaskRecord
	var simulator, state, files string
	var created int64
	var started, ended, exit sql.NullInt64
	if err := row.Scan(
		&rec.ID, &rec.Key.Project, &rec.Key.Library, &rec.Key.Cell, &simulator,
		&rec.TestbenchName, &state, &created, &started, &ended,
		&rec.LogPath, &exit, &files, &rec.LastError,
	); err != nil {
		return domain.TaskRecord{}, err
	}
	rec.Simulator = domain.Simulator(simulator)
	rec.State = domain.TaskState(state)
	rec.CreatedAt = unixToTime(created)
	rec.StartedAt = int64ToTimePtr(started)
	rec.EndedAt = int64ToTimePtr(ended)
	if exit.Valid {
		code := int(exit.Int64)
		rec.ExitCode = &code
	}
	if err := json.Unmarshal([]byte(files), &rec.ResultFiles); err != nil {
		return domain.TaskRecord{}, fmt.Errorf("decode result files: %w", err)
	}
	return rec, nil
}

func scanTestbench(row rowScanner) (domain.Testbench, error) {
	var tb domain.Testbench
	var config string
	var created, updated int64
	if err := row.Scan(&tb.Name, &tb.Description, &config, &created, &updated); err != nil {
		return domain.Testbench{}, err
	}
	if err := json.Unmarshal([]byte(config), &tb.Config); err != nil {
		return domain.Testbench{}, fmt.Errorf("decode testbench config: %w", err)
	}
	tb.CreatedAt = unixToTime(created)
	tb.UpdatedAt = unixToTime(updated)
	return tb, nil
}

func resultFilesOrEmpty(files []string) []string {
	if files == nil {
		return []string{}
	}
	return files
}

func int64ToTimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid || v.Int64 <= 0 {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func unixToTime(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}

func nullableUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Unix()
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
