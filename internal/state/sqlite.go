package state

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mvidalgarcia/taskdock/internal/core"
	_ "modernc.org/sqlite"
)

//go:embed migrations/001_initial_schema.sql
var migrationV1 string

// SQLiteStore implements core.StateStore with SQLite storage. Admission
// atomicity comes from running the whole Register check-and-insert inside
// one transaction, backed by a partial unique index on active task IDs.
type SQLiteStore struct {
	dbPath string
	db     *sql.DB
	mu     sync.Mutex
}

// NewSQLiteStore opens (or creates) the database and applies migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	// WAL mode for better concurrency
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &SQLiteStore{dbPath: dbPath, db: db}
	if err := s.migrate(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("running migrations: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// migrate runs pending migrations.
func (s *SQLiteStore) migrate() error {
	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		// Table doesn't exist yet, run initial migration
		version = 0
	}

	if version < 1 {
		if _, err := s.db.Exec(migrationV1); err != nil {
			return fmt.Errorf("applying migration v1: %w", err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Load is a no-op: SQLite reads go straight to the database.
func (s *SQLiteStore) Load(_ context.Context) error {
	return nil
}

// Clear wipes all records.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM workflow_events"); err != nil {
		return core.ErrState("STATE_WRITE_FAILED", fmt.Sprintf("clearing events: %v", err))
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM workflows"); err != nil {
		return core.ErrState("STATE_WRITE_FAILED", fmt.Sprintf("clearing workflows: %v", err))
	}
	return nil
}

const activeStatuses = "'pending', 'initializing', 'running', 'paused'"

// Register performs admission and registration inside one transaction.
func (s *SQLiteStore) Register(ctx context.Context, rec *core.ExecutionContext, maxConcurrent int) (core.WorkflowID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if maxConcurrent > 0 {
		// Pending counts too: a freshly registered record must hold its
		// slot before the manager promotes it.
		var active int
		err = tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM workflows WHERE status IN ('pending', 'initializing', 'running')").Scan(&active)
		if err != nil {
			return "", fmt.Errorf("counting active workflows: %w", err)
		}
		if active >= maxConcurrent {
			return "", core.ErrMaxConcurrentWorkflows(maxConcurrent)
		}
	}

	var existingID string
	err = tx.QueryRowContext(ctx,
		"SELECT id FROM workflows WHERE task_id = ? AND status IN ("+activeStatuses+")",
		rec.TaskID).Scan(&existingID)
	switch {
	case err == nil:
		return "", core.ErrTaskAlreadyExecuting(rec.TaskID, core.WorkflowID(existingID))
	case err != sql.ErrNoRows:
		return "", fmt.Errorf("checking task exclusivity: %w", err)
	}

	id := newWorkflowID(rec.TaskID)
	now := time.Now()
	startedAt := rec.StartedAt
	if startedAt.IsZero() {
		startedAt = now
	}

	metadataJSON, err := marshalMetadata(rec.Metadata)
	if err != nil {
		return "", err
	}
	depsJSON, err := marshalStrings(rec.Dependencies)
	if err != nil {
		return "", err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflows (
			id, task_id, task_title, task_description, task_details,
			test_strategy, dependencies, project_root, worktree_path, branch,
			pid, status, started_at, last_activity, error, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(id), rec.TaskID, rec.TaskTitle, rec.TaskDescription, rec.TaskDetails,
		rec.TestStrategy, depsJSON, rec.ProjectRoot, rec.WorktreePath, rec.Branch,
		rec.PID, string(rec.Status), startedAt, now, rec.Error, metadataJSON,
	)
	if err != nil {
		// The partial unique index catches a concurrent registration that
		// slipped past the SELECT.
		if strings.Contains(err.Error(), "UNIQUE") {
			return "", core.ErrTaskAlreadyExecuting(rec.TaskID, "")
		}
		return "", core.ErrState("STATE_WRITE_FAILED", fmt.Sprintf("inserting workflow: %v", err))
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing registration: %w", err)
	}

	rec.ID = id
	rec.StartedAt = startedAt
	rec.LastActivity = now
	return id, nil
}

func marshalMetadata(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshaling metadata: %w", err)
	}
	return string(data), nil
}

func marshalStrings(ss []string) (any, error) {
	if len(ss) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(ss)
	if err != nil {
		return nil, fmt.Errorf("marshaling string list: %w", err)
	}
	return string(data), nil
}

// Update merges fields into the record.
func (s *SQLiteStore) Update(ctx context.Context, id core.WorkflowID, update core.ContextUpdate) (*core.ExecutionContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	wf, err := s.getTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	update.Apply(wf)
	wf.LastActivity = time.Now()

	metadataJSON, err := marshalMetadata(wf.Metadata)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE workflows SET
			worktree_path = ?, branch = ?, pid = ?, status = ?,
			last_activity = ?, error = ?, metadata = ?
		WHERE id = ?
	`,
		wf.WorktreePath, wf.Branch, wf.PID, string(wf.Status),
		wf.LastActivity, wf.Error, metadataJSON, string(id),
	)
	if err != nil {
		return nil, core.ErrState("STATE_WRITE_FAILED", fmt.Sprintf("updating workflow: %v", err))
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing update: %w", err)
	}

	return wf, nil
}

// UpdateStatus transitions only the status field.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id core.WorkflowID, status core.WorkflowStatus) error {
	_, err := s.Update(ctx, id, core.StatusUpdate(status))
	return err
}

// Unregister deletes the record and its events.
func (s *SQLiteStore) Unregister(ctx context.Context, id core.WorkflowID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM workflows WHERE id = ?", string(id))
	if err != nil {
		return core.ErrState("STATE_WRITE_FAILED", fmt.Sprintf("deleting workflow: %v", err))
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return core.ErrWorkflowNotFound(id)
	}
	return nil
}

// RecordEvent appends to the workflow's audit log, trimming entries past
// the cap. Events against unknown workflows are dropped.
func (s *SQLiteStore) RecordEvent(ctx context.Context, ev core.WorkflowEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var dataJSON any
	if len(ev.Data) > 0 {
		data, err := json.Marshal(ev.Data)
		if err != nil {
			return fmt.Errorf("marshaling event data: %w", err)
		}
		dataJSON = string(data)
	}

	eventTime := ev.Time
	if eventTime.IsZero() {
		eventTime = time.Now()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_events (workflow_id, task_id, type, time, data)
		SELECT id, ?, ?, ?, ? FROM workflows WHERE id = ?
	`, ev.TaskID, ev.Type, eventTime, dataJSON, string(ev.WorkflowID))
	if err != nil {
		return core.ErrState("STATE_WRITE_FAILED", fmt.Sprintf("recording event: %v", err))
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return nil
	}

	_, err = s.db.ExecContext(ctx, `
		DELETE FROM workflow_events WHERE workflow_id = ? AND id NOT IN (
			SELECT id FROM workflow_events WHERE workflow_id = ?
			ORDER BY id DESC LIMIT ?
		)
	`, string(ev.WorkflowID), string(ev.WorkflowID), maxEventTail)
	if err != nil {
		return core.ErrState("STATE_WRITE_FAILED", fmt.Sprintf("trimming events: %v", err))
	}

	_, err = s.db.ExecContext(ctx,
		"UPDATE workflows SET last_activity = ? WHERE id = ?", time.Now(), string(ev.WorkflowID))
	if err != nil {
		return core.ErrState("STATE_WRITE_FAILED", fmt.Sprintf("touching workflow: %v", err))
	}
	return nil
}

const workflowColumns = `id, task_id, task_title, task_description, task_details,
	test_strategy, dependencies, project_root, worktree_path, branch, pid,
	status, started_at, last_activity, error, metadata`

func scanWorkflow(row interface{ Scan(...any) error }) (*core.ExecutionContext, error) {
	var wf core.ExecutionContext
	var id, status string
	var depsJSON, metadataJSON sql.NullString

	err := row.Scan(
		&id, &wf.TaskID, &wf.TaskTitle, &wf.TaskDescription, &wf.TaskDetails,
		&wf.TestStrategy, &depsJSON, &wf.ProjectRoot, &wf.WorktreePath, &wf.Branch,
		&wf.PID, &status, &wf.StartedAt, &wf.LastActivity, &wf.Error, &metadataJSON,
	)
	if err != nil {
		return nil, err
	}

	wf.ID = core.WorkflowID(id)
	wf.Status = core.WorkflowStatus(status)
	if depsJSON.Valid && depsJSON.String != "" {
		if err := json.Unmarshal([]byte(depsJSON.String), &wf.Dependencies); err != nil {
			return nil, fmt.Errorf("unmarshaling dependencies: %w", err)
		}
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &wf.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshaling metadata: %w", err)
		}
	}
	return &wf, nil
}

func (s *SQLiteStore) getTx(ctx context.Context, tx *sql.Tx, id core.WorkflowID) (*core.ExecutionContext, error) {
	row := tx.QueryRowContext(ctx,
		"SELECT "+workflowColumns+" FROM workflows WHERE id = ?", string(id))
	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrWorkflowNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading workflow: %w", err)
	}
	return wf, nil
}

// Get returns the record with its audit tail.
func (s *SQLiteStore) Get(ctx context.Context, id core.WorkflowID) (*core.ExecutionContext, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+workflowColumns+" FROM workflows WHERE id = ?", string(id))
	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrWorkflowNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading workflow: %w", err)
	}

	events, err := s.loadEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	wf.Events = events
	return wf, nil
}

func (s *SQLiteStore) loadEvents(ctx context.Context, id core.WorkflowID) ([]core.WorkflowEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, type, time, data FROM workflow_events
		WHERE workflow_id = ? ORDER BY id
	`, string(id))
	if err != nil {
		return nil, fmt.Errorf("loading events: %w", err)
	}
	defer rows.Close()

	var events []core.WorkflowEvent
	for rows.Next() {
		ev := core.WorkflowEvent{WorkflowID: id}
		var dataJSON sql.NullString
		if err := rows.Scan(&ev.TaskID, &ev.Type, &ev.Time, &dataJSON); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		if dataJSON.Valid && dataJSON.String != "" {
			if err := json.Unmarshal([]byte(dataJSON.String), &ev.Data); err != nil {
				return nil, fmt.Errorf("unmarshaling event data: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// GetByTask returns the task's active record, or the most recent record
// when none is active.
func (s *SQLiteStore) GetByTask(ctx context.Context, taskID string) (*core.ExecutionContext, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+workflowColumns+` FROM workflows WHERE task_id = ?
		ORDER BY (status IN (`+activeStatuses+`)) DESC, started_at DESC
		LIMIT 1
	`, taskID)
	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrWorkflow("WORKFLOW_NOT_FOUND",
			fmt.Sprintf("no workflow for task %s", taskID), "", taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading workflow: %w", err)
	}
	return wf, nil
}

// List returns all records ordered by start time.
func (s *SQLiteStore) List(ctx context.Context) ([]*core.ExecutionContext, error) {
	return s.list(ctx, "SELECT "+workflowColumns+" FROM workflows ORDER BY started_at, id")
}

// ListByStatus returns records with the given status ordered by start time.
func (s *SQLiteStore) ListByStatus(ctx context.Context, status core.WorkflowStatus) ([]*core.ExecutionContext, error) {
	return s.list(ctx,
		"SELECT "+workflowColumns+" FROM workflows WHERE status = ? ORDER BY started_at, id",
		string(status))
}

func (s *SQLiteStore) list(ctx context.Context, query string, args ...any) ([]*core.ExecutionContext, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing workflows: %w", err)
	}
	defer rows.Close()

	out := make([]*core.ExecutionContext, 0)
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning workflow: %w", err)
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

// HasActive reports whether the task has a non-terminal workflow.
func (s *SQLiteStore) HasActive(ctx context.Context, taskID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM workflows WHERE task_id = ? AND status IN ("+activeStatuses+")",
		taskID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking active workflow: %w", err)
	}
	return count > 0, nil
}

// RunningCount returns the number of workflows counting against capacity.
func (s *SQLiteStore) RunningCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM workflows WHERE status IN ('initializing', 'running')").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting running workflows: %w", err)
	}
	return count, nil
}

var _ core.StateStore = (*SQLiteStore)(nil)
