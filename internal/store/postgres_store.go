package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/example/manager/db/migrations"
	"github.com/example/manager/internal/domain"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore is the optional Postgres-backed TaskStore (SPEC_FULL.md §3
// expansion). It expresses the same day-bucket semantics as JSONStore
// through a `bucket_date` column rather than one file per day, and
// implements the identical TaskStore interface.
type PostgresStore struct {
	db *sql.DB

	mu    sync.Mutex
	cache map[string]domain.Task
}

// NewPostgresStore opens dsn, applies any pending migrations under
// db/migrations, and returns a ready store.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if !hasSQLDriver("pgx") {
		return nil, errors.New("pgx SQL driver is not linked; import github.com/jackc/pgx/v5/stdlib")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	store := &PostgresStore{db: db, cache: make(map[string]domain.Task)}
	if err := store.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func hasSQLDriver(name string) bool {
	for _, d := range sql.Drivers() {
		if d == name {
			return true
		}
	}
	return false
}

func (p *PostgresStore) ensureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL)`); err != nil {
		return err
	}
	files, err := listMigrationFiles(migrations.Files)
	if err != nil {
		return err
	}
	for _, file := range files {
		applied, err := p.isMigrationApplied(ctx, file)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := p.applyMigration(ctx, file); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresStore) isMigrationApplied(ctx context.Context, version string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) applyMigration(ctx context.Context, file string) error {
	sqlBytes, err := migrations.Files.ReadFile(file)
	if err != nil {
		return err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
		return fmt.Errorf("apply migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`, file, time.Now().UTC()); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	return tx.Commit()
}

func listMigrationFiles(migFS fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(migFS, ".")
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}

// LoadAll reads every row into the in-memory cache at startup, ordered by
// bucket_date then created_at, matching JSONStore's contract.
func (p *PostgresStore) LoadAll() ([]domain.Task, error) {
	ctx := context.Background()
	rows, err := p.db.QueryContext(ctx, taskSelectColumns+` FROM tasks ORDER BY bucket_date, created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	p.mu.Lock()
	defer p.mu.Unlock()

	var all []domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		p.cache[task.TaskID] = task
		all = append(all, task)
	}
	return all, rows.Err()
}

// Put upserts task into the tasks table, keyed by task_id, and updates the
// in-memory cache. bucket_date is derived once from created_at and never
// changed on update.
func (p *PostgresStore) Put(task domain.Task) error {
	ctx := context.Background()
	params, err := taskToRow(task)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx,
		`INSERT INTO tasks (
			task_id, bucket_date, etab_name, app_name, app_version, task_type, source_url,
			affiliation, parameters_json, notify_url, client_token, runner_url, runner_name,
			status, run_id, created_at, started_at, completed_at, error_message, script_output,
			dispatch_attempts, notify_attempts, notify_last_error, notify_delivered_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)
		ON CONFLICT (task_id) DO UPDATE SET
			app_version=EXCLUDED.app_version,
			source_url=EXCLUDED.source_url,
			affiliation=EXCLUDED.affiliation,
			parameters_json=EXCLUDED.parameters_json,
			notify_url=EXCLUDED.notify_url,
			runner_url=EXCLUDED.runner_url,
			runner_name=EXCLUDED.runner_name,
			status=EXCLUDED.status,
			run_id=EXCLUDED.run_id,
			started_at=EXCLUDED.started_at,
			completed_at=EXCLUDED.completed_at,
			error_message=EXCLUDED.error_message,
			script_output=EXCLUDED.script_output,
			dispatch_attempts=EXCLUDED.dispatch_attempts,
			notify_attempts=EXCLUDED.notify_attempts,
			notify_last_error=EXCLUDED.notify_last_error,
			notify_delivered_at=EXCLUDED.notify_delivered_at`,
		params...,
	)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.cache[task.TaskID] = task
	p.mu.Unlock()
	return nil
}

// Get returns a cached task by ID.
func (p *PostgresStore) Get(taskID string) (domain.Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	task, ok := p.cache[taskID]
	return task, ok
}

// List returns a filtered, paginated view of the in-memory cache, matching
// JSONStore's behavior so callers never branch on the active backend.
func (p *PostgresStore) List(filters ListFilters) Page {
	p.mu.Lock()
	matches := make([]domain.Task, 0, len(p.cache))
	for _, task := range p.cache {
		if matchesFilters(task, filters) {
			matches = append(matches, task)
		}
	}
	p.mu.Unlock()

	sort.Slice(matches, func(i, j int) bool { return matches[i].CreatedAt.After(matches[j].CreatedAt) })

	total := len(matches)
	start := filters.Offset
	if start > total {
		start = total
	}
	end := total
	if filters.Limit > 0 && start+filters.Limit < end {
		end = start + filters.Limit
	}
	return Page{Tasks: matches[start:end], Total: total}
}

const taskSelectColumns = `SELECT
	task_id, etab_name, app_name, app_version, task_type, source_url,
	affiliation, parameters_json, notify_url, client_token, runner_url, runner_name,
	status, run_id, created_at, started_at, completed_at, error_message, script_output,
	dispatch_attempts, notify_attempts, notify_last_error, notify_delivered_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (domain.Task, error) {
	var t domain.Task
	var paramsJSON sql.NullString
	var appVersion, affiliation, notifyURL, clientToken, runnerURL, runnerName, runID sql.NullString
	var startedAt, completedAt, notifyDeliveredAt sql.NullTime

	if err := s.Scan(
		&t.TaskID, &t.EtabName, &t.AppName, &appVersion, &t.TaskType, &t.SourceURL,
		&affiliation, &paramsJSON, &notifyURL, &clientToken, &runnerURL, &runnerName,
		&t.Status, &runID, &t.CreatedAt, &startedAt, &completedAt, &t.ErrorMessage, &t.ScriptOutput,
		&t.DispatchAttempts, &t.NotifyAttempts, &t.NotifyLastError, &notifyDeliveredAt,
	); err != nil {
		return domain.Task{}, err
	}
	t.AppVersion, t.Affiliation, t.NotifyURL, t.ClientToken = appVersion.String, affiliation.String, notifyURL.String, clientToken.String
	t.RunnerURL, t.RunnerName, t.RunID = runnerURL.String, runnerName.String, runID.String

	if paramsJSON.Valid && paramsJSON.String != "" {
		if err := json.Unmarshal([]byte(paramsJSON.String), &t.Parameters); err != nil {
			return domain.Task{}, fmt.Errorf("unmarshaling parameters for task %s: %w", t.TaskID, err)
		}
	}
	if startedAt.Valid {
		v := startedAt.Time
		t.StartedAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Time
		t.CompletedAt = &v
	}
	if notifyDeliveredAt.Valid {
		v := notifyDeliveredAt.Time
		t.NotifyDeliveredAt = &v
	}
	return t, nil
}

func taskToRow(t domain.Task) ([]any, error) {
	var paramsJSON []byte
	if t.Parameters != nil {
		b, err := json.Marshal(t.Parameters)
		if err != nil {
			return nil, fmt.Errorf("marshaling parameters for task %s: %w", t.TaskID, err)
		}
		paramsJSON = b
	}
	return []any{
		t.TaskID, t.BucketDate(), t.EtabName, t.AppName, nullString(t.AppVersion), t.TaskType, t.SourceURL,
		nullString(t.Affiliation), nullBytes(paramsJSON), nullString(t.NotifyURL), nullString(t.ClientToken),
		nullString(t.RunnerURL), nullString(t.RunnerName),
		t.Status, nullString(t.RunID), t.CreatedAt, nullTimePtr(t.StartedAt), nullTimePtr(t.CompletedAt),
		t.ErrorMessage, t.ScriptOutput,
		t.DispatchAttempts, t.NotifyAttempts, t.NotifyLastError, nullTimePtr(t.NotifyDeliveredAt),
	}, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func nullTimePtr(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return *t
}
