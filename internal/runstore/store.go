// Package runstore persists experiment runs and their stage diagnostics in
// SQLite. The schema is managed by embedded golang-migrate migrations.
package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/hyperstage/internal/monitoring"
	"github.com/banshee-data/hyperstage/internal/timeutil"
)

var logf = monitoring.Prefixed("runstore")

// Run statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// ErrNotFound is returned when a run ID is unknown.
var ErrNotFound = errors.New("run not found")

// Run is one persisted experiment run.
type Run struct {
	ID         string          `json:"run_id"`
	Mode       string          `json:"mode"`
	Task       string          `json:"task,omitempty"`
	Scorer     string          `json:"scorer,omitempty"`
	Status     string          `json:"status"`
	Config     json.RawMessage `json:"config"`
	Summary    json.RawMessage `json:"summary,omitempty"`
	Error      string          `json:"error,omitempty"`
	Version    string          `json:"version,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// Diagnostic is one persisted stage diagnostic.
type Diagnostic struct {
	Stage      string          `json:"stage"`
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// Store is the SQLite run store.
type Store struct {
	db    *sql.DB
	clock timeutil.Clock
}

// Open opens (creating if needed) the database at path and migrates it.
// Use ":memory:" for a private in-memory database.
func Open(path string, clock timeutil.Clock) (*Store, error) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection keeps ":memory:" databases shared and serialises
	// writers.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	s := &Store{db: db, clock: clock}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// StartRun inserts run with status running. StartedAt defaults to now.
func (s *Store) StartRun(ctx context.Context, run Run) error {
	if run.ID == "" {
		return errors.New("run has no ID")
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = s.clock.Now()
	}
	if len(run.Config) == 0 {
		run.Config = json.RawMessage("{}")
	}
	query := `
		INSERT INTO runs (run_id, mode, task, scorer, status, config_json, version, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	err := s.retryOnBusy(func() error {
		_, err := s.db.ExecContext(ctx, query,
			run.ID, run.Mode, run.Task, run.Scorer, StatusRunning,
			string(run.Config), run.Version, formatTime(run.StartedAt),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("inserting run %s: %w", run.ID, err)
	}
	return nil
}

// FinishRun records the outcome of a run. A nil runErr marks it succeeded.
func (s *Store) FinishRun(ctx context.Context, id string, summary json.RawMessage, runErr error) error {
	status, errMsg := StatusSucceeded, ""
	if runErr != nil {
		status, errMsg = StatusFailed, runErr.Error()
	}
	query := `
		UPDATE runs SET status = ?, summary_json = ?, error = ?, finished_at = ?
		WHERE run_id = ?
	`
	var res sql.Result
	err := s.retryOnBusy(func() error {
		var err error
		res, err = s.db.ExecContext(ctx, query,
			status, nullJSON(summary), nullStr(errMsg), formatTime(s.clock.Now()), id,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("finishing run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finishing run %s: %w", id, ErrNotFound)
	}
	return nil
}

const runColumns = `run_id, mode, task, scorer, status, config_json, summary_json, error, version, started_at, finished_at`

// GetRun returns one run.
func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return run, err
}

// ListRuns returns up to limit runs, most recent first. limit <= 0 lists
// every run.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC, run_id`
	var args []interface{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Diagnostics returns the diagnostics of a run in recording order.
func (s *Store) Diagnostics(ctx context.Context, runID string) ([]Diagnostic, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stage, key, value_json, recorded_at FROM run_diagnostics
		WHERE run_id = ? ORDER BY diagnostic_id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing diagnostics: %w", err)
	}
	defer rows.Close()

	var out []Diagnostic
	for rows.Next() {
		var d Diagnostic
		var value, at string
		if err := rows.Scan(&d.Stage, &d.Key, &value, &at); err != nil {
			return nil, err
		}
		d.Value = json.RawMessage(value)
		if d.RecordedAt, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Sink returns a diagnostics sink that appends to runID's records. Write
// failures are logged and dropped.
func (s *Store) Sink(runID string) monitoring.Sink {
	return &diagnosticSink{store: s, runID: runID}
}

type diagnosticSink struct {
	store *Store
	runID string
}

func (d *diagnosticSink) Record(r monitoring.Record) {
	value, err := json.Marshal(r.Value)
	if err != nil {
		value, _ = json.Marshal(fmt.Sprintf("%v", r.Value))
	}
	at := r.At
	if at.IsZero() {
		at = d.store.clock.Now()
	}
	err = d.store.retryOnBusy(func() error {
		_, err := d.store.db.Exec(`
			INSERT INTO run_diagnostics (run_id, stage, key, value_json, recorded_at)
			VALUES (?, ?, ?, ?, ?)
		`, d.runID, r.Stage, r.Key, string(value), formatTime(at))
		return err
	})
	if err != nil {
		logf("dropping diagnostic %s/%s of run %s: %v", r.Stage, r.Key, d.runID, err)
	}
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(sc scanner) (Run, error) {
	var run Run
	var config, started string
	var summary, errMsg, finished sql.NullString
	if err := sc.Scan(&run.ID, &run.Mode, &run.Task, &run.Scorer, &run.Status,
		&config, &summary, &errMsg, &run.Version, &started, &finished); err != nil {
		return Run{}, err
	}
	run.Config = json.RawMessage(config)
	if summary.Valid {
		run.Summary = json.RawMessage(summary.String)
	}
	run.Error = errMsg.String
	var err error
	if run.StartedAt, err = parseTime(started); err != nil {
		return Run{}, err
	}
	if finished.Valid {
		t, err := parseTime(finished.String)
		if err != nil {
			return Run{}, err
		}
		run.FinishedAt = &t
	}
	return run, nil
}

const maxBusyRetries = 5

// retryOnBusy retries fn with exponential backoff while SQLite reports the
// database as busy or locked.
func (s *Store) retryOnBusy(fn func() error) error {
	backoff := 10 * time.Millisecond
	var err error
	for attempt := 0; attempt <= maxBusyRetries; attempt++ {
		if err = fn(); err == nil || !isBusy(err) {
			return err
		}
		if attempt < maxBusyRetries {
			s.clock.Sleep(backoff)
			backoff *= 2
		}
	}
	return err
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) }

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullJSON(m json.RawMessage) *string {
	if len(m) == 0 {
		return nil
	}
	s := string(m)
	return &s
}
