package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/gpuforge/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore records run history in a SQLite database. It implements
// engine.Recorder.
type SQLiteStore struct {
	db   *sql.DB
	path string
	host string
}

// Config holds SQLite store configuration
type Config struct {
	Path string

	// Host is stored with every run. Defaults to the hostname.
	Host string

	BusyTimeout time.Duration
}

var _ engine.Recorder = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.Host == "" {
		cfg.Host, _ = os.Hostname()
	}

	return &SQLiteStore{
		path: cfg.Path,
		host: cfg.Host,
	}, nil
}

// Open creates, initializes and migrates a store.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx, cfg.BusyTimeout); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init opens the database, creating its directory, and enables WAL mode and
// foreign keys.
func (s *SQLiteStore) Init(ctx context.Context, busyTimeout time.Duration) error {
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)",
		s.path, busyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Serialize access through a single connection.
	db.SetMaxOpenConns(1)

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

	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
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

// RecordRun stores a report and its descriptor outcomes in one transaction.
func (s *SQLiteStore) RecordRun(ctx context.Context, report *engine.Report) error {
	if report == nil {
		return fmt.Errorf("report is nil")
	}

	summary, err := json.Marshal(report.Summary)
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (
			id, manifest, host, status, exit_code,
			restart_service, restart_attempted, restart_succeeded, restart_reason,
			summary, started_at, completed_at, duration_ns
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		report.RunID,
		report.Manifest,
		s.host,
		string(report.Status),
		report.ExitCode(),
		report.Restart.Service,
		report.Restart.Attempted,
		report.Restart.Succeeded,
		report.Restart.Reason,
		string(summary),
		unixNano(report.StartedAt),
		unixNano(report.CompletedAt),
		int64(report.Duration),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO outcomes (
			run_id, seq, descriptor_key, kind, required, probe, outcome,
			reason, error_code, warnings, started_at, duration_ns
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare outcome insert: %w", err)
	}
	defer stmt.Close()

	for i, res := range report.Results {
		warnings := "[]"
		if len(res.Warnings) > 0 {
			data, err := json.Marshal(res.Warnings)
			if err != nil {
				return fmt.Errorf("failed to encode warnings: %w", err)
			}
			warnings = string(data)
		}

		_, err := stmt.ExecContext(ctx,
			report.RunID,
			i,
			res.Key,
			string(res.Kind),
			res.Required,
			string(res.Probe),
			string(res.Outcome),
			res.Reason,
			res.ErrorCode,
			warnings,
			unixNano(res.StartedAt),
			int64(res.Duration),
		)
		if err != nil {
			return fmt.Errorf("failed to insert outcome %s: %w", res.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

// Times are stored as unix nanoseconds; the zero time is stored as 0.
func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

const runColumns = `id, manifest, host, status, exit_code,
	restart_service, restart_attempted, restart_succeeded, restart_reason,
	summary, started_at, completed_at, duration_ns`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	var (
		status                        string
		summary                       string
		startedAt, completedAt, durNS int64
	)
	err := row.Scan(
		&run.ID,
		&run.Manifest,
		&run.Host,
		&status,
		&run.ExitCode,
		&run.Restart.Service,
		&run.Restart.Attempted,
		&run.Restart.Succeeded,
		&run.Restart.Reason,
		&summary,
		&startedAt,
		&completedAt,
		&durNS,
	)
	if err != nil {
		return nil, err
	}

	run.Status = engine.RunStatus(status)
	run.StartedAt = fromUnixNano(startedAt)
	run.CompletedAt = fromUnixNano(completedAt)
	run.Duration = time.Duration(durNS)
	if err := json.Unmarshal([]byte(summary), &run.Summary); err != nil {
		return nil, fmt.Errorf("failed to decode summary of run %s: %w", run.ID, err)
	}
	return run, nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// ListRuns returns the most recent runs, newest first. A limit of zero or
// less returns every run.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// ListOutcomes returns the descriptor outcomes of a run in pass order.
func (s *SQLiteStore) ListOutcomes(ctx context.Context, runID string) ([]*Outcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, seq, descriptor_key, kind, required, probe, outcome,
			reason, error_code, warnings, started_at, duration_ns
		FROM outcomes
		WHERE run_id = ?
		ORDER BY seq
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list outcomes: %w", err)
	}
	defer rows.Close()

	outcomes := []*Outcome{}
	for rows.Next() {
		o := &Outcome{}
		var (
			kind, probe, outcome, warnings string
			startedAt, durNS               int64
		)
		err := rows.Scan(
			&o.RunID,
			&o.Seq,
			&o.Key,
			&kind,
			&o.Required,
			&probe,
			&outcome,
			&o.Reason,
			&o.ErrorCode,
			&warnings,
			&startedAt,
			&durNS,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}

		o.Kind = engine.Kind(kind)
		o.Probe = engine.ProbeState(probe)
		o.Outcome = engine.Outcome(outcome)
		o.StartedAt = fromUnixNano(startedAt)
		o.Duration = time.Duration(durNS)
		if err := json.Unmarshal([]byte(warnings), &o.Warnings); err != nil {
			return nil, fmt.Errorf("failed to decode warnings: %w", err)
		}
		outcomes = append(outcomes, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outcomes: %w", err)
	}

	return outcomes, nil
}

// Prune deletes all but the newest keep runs and returns how many were
// removed. Outcomes go with their run.
func (s *SQLiteStore) Prune(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		return 0, fmt.Errorf("keep must not be negative")
	}

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM runs
		WHERE id NOT IN (
			SELECT id FROM runs ORDER BY started_at DESC, id LIMIT ?
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
