package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const functionColumns = `id, workspace_id, name, description, runtime, memory, timeout, http_methods,
	environment_variables, source_code, status, invocation_url, last_modified, last_deployed, created_at`

const runColumns = `id, function_id, workspace_id, kind, outcome, task_id, image_ref, app_name, endpoint,
	error, attempts, started_at, completed_at`

// SQLiteStore implements Store and HistoryStore using SQLite
type SQLiteStore struct {
	db   *sql.DB
	cfg  Config
	now  func() time.Time
	path string
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to :memory: opens a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		cfg:  cfg,
		now:  time.Now,
		path: cfg.Path,
	}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// Create inserts a new function record
func (s *SQLiteStore) Create(ctx context.Context, rec *FunctionRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("function id is required")
	}
	prepareNew(rec, s.now().UTC())
	if err := rec.Status.Validate(); err != nil {
		return err
	}

	methods, env, err := encodeCollections(rec.HTTPMethods, rec.EnvironmentVariables)
	if err != nil {
		return err
	}

	query := `INSERT INTO functions (` + functionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		rec.ID,
		rec.WorkspaceID,
		rec.Name,
		rec.Description,
		rec.Runtime,
		rec.Memory,
		rec.Timeout,
		methods,
		env,
		rec.SourceCode,
		rec.Status,
		rec.InvocationURL,
		rec.LastModified,
		rec.LastDeployed,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create function: %w", err)
	}

	return nil
}

// Get retrieves a function record by ID
func (s *SQLiteStore) Get(ctx context.Context, id string) (*FunctionRecord, error) {
	query := `SELECT ` + functionColumns + ` FROM functions WHERE id = ?`

	rec, err := scanFunction(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("function %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get function: %w", err)
	}

	return rec, nil
}

// ListByWorkspace lists the functions of a workspace ordered by name
func (s *SQLiteStore) ListByWorkspace(ctx context.Context, workspaceID string) ([]*FunctionRecord, error) {
	query := `SELECT ` + functionColumns + ` FROM functions WHERE workspace_id = ? ORDER BY name, id`

	rows, err := s.db.QueryContext(ctx, query, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list functions: %w", err)
	}
	defer rows.Close()

	records := []*FunctionRecord{}
	for rows.Next() {
		rec, err := scanFunction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan function: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating functions: %w", err)
	}

	return records, nil
}

// ApplyPatch updates only the columns set on the patch inside one transaction
// and returns the merged record.
func (s *SQLiteStore) ApplyPatch(ctx context.Context, id string, patch Patch) (*FunctionRecord, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}

	sets, args, err := patchAssignments(patch)
	if err != nil {
		return nil, err
	}
	sets = append(sets, "last_modified = ?")
	args = append(args, s.now().UTC(), id)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `UPDATE functions SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to patch function: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return nil, fmt.Errorf("function %s: %w", id, ErrNotFound)
	}

	rec, err := scanFunction(tx.QueryRowContext(ctx, `SELECT `+functionColumns+` FROM functions WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to reload function: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit patch: %w", err)
	}

	return rec, nil
}

// Delete removes a function record
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM functions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete function: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("function %s: %w", id, ErrNotFound)
	}

	return nil
}

// SaveRun inserts a deploy run or replaces its mutable columns
func (s *SQLiteStore) SaveRun(ctx context.Context, run *DeployRun) error {
	query := `
		INSERT INTO deploy_runs (` + runColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			outcome = excluded.outcome,
			task_id = excluded.task_id,
			image_ref = excluded.image_ref,
			app_name = excluded.app_name,
			endpoint = excluded.endpoint,
			error = excluded.error,
			attempts = excluded.attempts,
			completed_at = excluded.completed_at
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.FunctionID,
		run.WorkspaceID,
		run.Kind,
		run.Outcome,
		run.TaskID,
		run.ImageRef,
		run.AppName,
		run.Endpoint,
		run.Error,
		run.Attempts,
		run.StartedAt,
		run.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save deploy run: %w", err)
	}

	return nil
}

// GetRun retrieves a deploy run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*DeployRun, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM deploy_runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("deploy run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deploy run: %w", err)
	}
	return run, nil
}

// ListRuns lists the most recent runs of a function, newest first
func (s *SQLiteStore) ListRuns(ctx context.Context, functionID string, limit int) ([]*DeployRun, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + runColumns + ` FROM deploy_runs WHERE function_id = ? ORDER BY started_at DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, functionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list deploy runs: %w", err)
	}
	defer rows.Close()

	runs := []*DeployRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deploy run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deploy runs: %w", err)
	}

	return runs, nil
}

// AppendEvent appends a progress event (append-only)
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *DeployEvent) error {
	query := `
		INSERT INTO deploy_events (run_id, stage, message, attempt, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.RunID,
		event.Stage,
		event.Message,
		event.Attempt,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}

	event.ID = id
	return nil
}

// ListEvents lists the events of a run in insertion order
func (s *SQLiteStore) ListEvents(ctx context.Context, runID string) ([]*DeployEvent, error) {
	query := `
		SELECT id, run_id, stage, message, attempt, created_at
		FROM deploy_events
		WHERE run_id = ?
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*DeployEvent{}
	for rows.Next() {
		event := &DeployEvent{}
		if err := rows.Scan(
			&event.ID,
			&event.RunID,
			&event.Stage,
			&event.Message,
			&event.Attempt,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFunction(row rowScanner) (*FunctionRecord, error) {
	rec := &FunctionRecord{}
	var methods, env string
	err := row.Scan(
		&rec.ID,
		&rec.WorkspaceID,
		&rec.Name,
		&rec.Description,
		&rec.Runtime,
		&rec.Memory,
		&rec.Timeout,
		&methods,
		&env,
		&rec.SourceCode,
		&rec.Status,
		&rec.InvocationURL,
		&rec.LastModified,
		&rec.LastDeployed,
		&rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(methods), &rec.HTTPMethods); err != nil {
		return nil, fmt.Errorf("failed to decode http methods: %w", err)
	}
	if err := json.Unmarshal([]byte(env), &rec.EnvironmentVariables); err != nil {
		return nil, fmt.Errorf("failed to decode environment variables: %w", err)
	}

	return rec, nil
}

func scanRun(row rowScanner) (*DeployRun, error) {
	run := &DeployRun{}
	err := row.Scan(
		&run.ID,
		&run.FunctionID,
		&run.WorkspaceID,
		&run.Kind,
		&run.Outcome,
		&run.TaskID,
		&run.ImageRef,
		&run.AppName,
		&run.Endpoint,
		&run.Error,
		&run.Attempts,
		&run.StartedAt,
		&run.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return run, nil
}

func encodeCollections(methods []string, env map[string]string) (string, string, error) {
	if methods == nil {
		methods = []string{}
	}
	if env == nil {
		env = map[string]string{}
	}

	m, err := json.Marshal(methods)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode http methods: %w", err)
	}
	e, err := json.Marshal(env)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode environment variables: %w", err)
	}
	return string(m), string(e), nil
}

// patchAssignments maps the set fields of a patch onto column assignments.
func patchAssignments(p Patch) ([]string, []interface{}, error) {
	var sets []string
	var args []interface{}

	add := func(column string, value interface{}) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}

	if p.Name != nil {
		add("name", *p.Name)
	}
	if p.Description != nil {
		add("description", *p.Description)
	}
	if p.Runtime != nil {
		add("runtime", *p.Runtime)
	}
	if p.Memory != nil {
		add("memory", *p.Memory)
	}
	if p.Timeout != nil {
		add("timeout", *p.Timeout)
	}
	if p.HTTPMethods != nil || p.EnvironmentVariables != nil {
		var methods []string
		var env map[string]string
		if p.HTTPMethods != nil {
			methods = *p.HTTPMethods
		}
		if p.EnvironmentVariables != nil {
			env = *p.EnvironmentVariables
		}
		m, e, err := encodeCollections(methods, env)
		if err != nil {
			return nil, nil, err
		}
		if p.HTTPMethods != nil {
			add("http_methods", m)
		}
		if p.EnvironmentVariables != nil {
			add("environment_variables", e)
		}
	}
	if p.SourceCode != nil {
		add("source_code", *p.SourceCode)
	}
	if p.Status != nil {
		add("status", string(*p.Status))
	}
	if p.InvocationURL != nil {
		add("invocation_url", *p.InvocationURL)
	}
	if p.LastDeployed != nil {
		add("last_deployed", *p.LastDeployed)
	}

	return sets, args, nil
}
