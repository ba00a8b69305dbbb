// Package stores persists the lab's run journal: every executed plan, its
// per-action outcomes, and standalone lab events, in a lab-scoped SQLite
// database surfaced by `labforge history`.
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
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Journal is the SQLite-backed run journal.
type Journal struct {
	db   *sql.DB
	path string
}

// Open creates the journal database at path (":memory:" for tests), enables
// WAL, and runs migrations.
func Open(ctx context.Context, path string) (*Journal, error) {
	if path == "" {
		return nil, fmt.Errorf("journal path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// One writer at a time; also keeps an in-memory database on a single
	// connection instead of one per pool slot.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping journal: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	j := &Journal{db: db, path: path}
	if err := j.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(j.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("create migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// BeginRun opens a run record and returns its ID.
func (j *Journal) BeginRun(ctx context.Context, labName, command, user string) (string, error) {
	id := uuid.New().String()
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO runs (id, lab, command, user, status, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, labName, command, user, RunStatusRunning, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("begin run: %w", err)
	}
	return id, nil
}

// RecordAction appends one action outcome to a run.
func (j *Journal) RecordAction(ctx context.Context, runID string, seq int, description, status, errMsg string) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO run_actions (run_id, seq, description, status, error, applied_at) VALUES (?, ?, ?, ?, ?, ?)`,
		runID, seq, description, status, errMsg, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record action: %w", err)
	}
	return nil
}

// FinishRun closes a run record with its final status.
func (j *Journal) FinishRun(ctx context.Context, runID, status string) error {
	res, err := j.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ? WHERE id = ?`,
		status, time.Now().UTC(), runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run: unknown run %s", runID)
	}
	return nil
}

// RecordLabEvent stores a standalone lab event with its payload.
func (j *Journal) RecordLabEvent(ctx context.Context, labName, command string, at time.Time, details map[string]any) error {
	payload, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("encode event details: %w", err)
	}
	_, err = j.db.ExecContext(ctx,
		`INSERT INTO lab_events (id, lab, command, details, at) VALUES (?, ?, ?, ?, ?)`,
		uuid.New().String(), labName, command, string(payload), at.UTC())
	if err != nil {
		return fmt.Errorf("record lab event: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs for a lab, newest first.
func (j *Journal) ListRuns(ctx context.Context, labName string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, lab, command, user, status, started_at, finished_at
		 FROM runs WHERE lab = ? ORDER BY started_at DESC LIMIT ?`,
		labName, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		var finished sql.NullTime
		if err := rows.Scan(&run.ID, &run.Lab, &run.Command, &run.User, &run.Status,
			&run.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if finished.Valid {
			run.FinishedAt = &finished.Time
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// RunActions returns a run's action records in plan order.
func (j *Journal) RunActions(ctx context.Context, runID string) ([]ActionRecord, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT run_id, seq, description, status, error, applied_at
		 FROM run_actions WHERE run_id = ? ORDER BY seq`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("list run actions: %w", err)
	}
	defer rows.Close()

	var records []ActionRecord
	for rows.Next() {
		var rec ActionRecord
		if err := rows.Scan(&rec.RunID, &rec.Seq, &rec.Description, &rec.Status,
			&rec.Error, &rec.AppliedAt); err != nil {
			return nil, fmt.Errorf("scan action record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ListEvents returns the most recent lab events, newest first.
func (j *Journal) ListEvents(ctx context.Context, labName string, limit int) ([]LabEvent, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, lab, command, details, at
		 FROM lab_events WHERE lab = ? ORDER BY at DESC LIMIT ?`,
		labName, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []LabEvent
	for rows.Next() {
		var ev LabEvent
		if err := rows.Scan(&ev.ID, &ev.Lab, &ev.Command, &ev.Details, &ev.At); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
