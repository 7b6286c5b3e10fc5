// Package runstore persists classification runs and their layer summaries in SQLite.
package runstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/obs2co/owt-server/internal/pipeline"
)

// RunStatus represents the current state of a run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// RunParams contains what a run classifies and how.
type RunParams struct {
	Input             string                    `json:"input"`
	Output            string                    `json:"output,omitempty"`
	Databases         []pipeline.DatabaseConfig `json:"databases,omitempty"`
	WavelengthMin     float64                   `json:"wavelength_min,omitempty"`
	WavelengthMax     float64                   `json:"wavelength_max,omitempty"`
	Overwrite         bool                      `json:"overwrite,omitempty"`
	ParallelDatabases bool                      `json:"parallel_databases,omitempty"`
}

// Run is one classification of one input product.
type Run struct {
	ID         string         `json:"run_id"`
	Status     RunStatus      `json:"status"`
	Params     RunParams      `json:"params"`
	Output     string         `json:"output,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Error      string         `json:"error,omitempty"`
	Layers     []LayerSummary `json:"layers,omitempty"`
}

// LayerSummary is the stored class distribution of one output layer.
// MeanScore is nil when the layer has no valid pixel.
type LayerSummary struct {
	Suffix    string        `json:"suffix"`
	Database  string        `json:"database"`
	Variant   string        `json:"variant"`
	Pixels    int           `json:"pixels"`
	Valid     int           `json:"valid"`
	MeanScore *float64      `json:"mean_score"`
	Counts    map[int32]int `json:"counts"`
}

// FromSummary converts a pipeline summary for storage.
func FromSummary(s pipeline.Summary) LayerSummary {
	ls := LayerSummary{
		Suffix:   s.Suffix,
		Database: s.Database,
		Variant:  s.Variant,
		Pixels:   s.Pixels,
		Valid:    s.Valid,
		Counts:   s.Counts,
	}
	if !math.IsNaN(s.MeanScore) {
		v := s.MeanScore
		ls.MeanScore = &v
	}
	return ls
}

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

// Store provides persistent storage for runs using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new SQLite-based run store.
func NewStore(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		input TEXT NOT NULL,
		params_json TEXT NOT NULL,
		output TEXT DEFAULT '',
		error TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_runs_finished ON runs(finished_at);

	CREATE TABLE IF NOT EXISTS run_layers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		suffix TEXT NOT NULL,
		database_name TEXT NOT NULL,
		variant TEXT NOT NULL,
		pixels INTEGER NOT NULL,
		valid INTEGER NOT NULL,
		mean_score REAL,
		counts_json TEXT NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_run_layers_run ON run_layers(run_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// CreateRun inserts a run record.
func (s *Store) CreateRun(run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	paramsJSON, err := json.Marshal(run.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO runs (run_id, status, input, params_json, output, error, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		string(run.Status),
		run.Params.Input,
		string(paramsJSON),
		run.Output,
		run.Error,
		formatTime(run.CreatedAt),
		nil,
		nil,
	)
	return err
}

const runColumns = `run_id, status, params_json, output, error, created_at, started_at, finished_at`

// GetRun retrieves a run and its layer summaries. It returns ErrNotFound
// for unknown ids.
func (s *Store) GetRun(runID string) (*Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if run.Layers, err = s.layers(runID); err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns the most recent runs first, without layer summaries.
func (s *Store) ListRuns(limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT `+runColumns+` FROM runs
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

// ListQueuedRuns returns all queued runs oldest first (for restart recovery).
func (s *Store) ListQueuedRuns() ([]*Run, error) {
	rows, err := s.db.Query(`
		SELECT `+runColumns+` FROM runs WHERE status = ?
		ORDER BY created_at ASC, rowid ASC
	`, string(RunStatusQueued))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

// UpdateRunStarted marks a run as running with start time.
func (s *Store) UpdateRunStarted(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE runs SET status = ?, started_at = ?
		WHERE run_id = ?
	`, string(RunStatusRunning), formatTime(time.Now()), runID)
	return err
}

// UpdateRunStatus sets the status and error message. Terminal statuses
// also set finished_at.
func (s *Store) UpdateRunStatus(runID string, status RunStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finishedAt *string
	if status.Terminal() {
		t := formatTime(time.Now())
		finishedAt = &t
	}

	_, err := s.db.Exec(`
		UPDATE runs SET status = ?, error = ?, finished_at = COALESCE(?, finished_at)
		WHERE run_id = ?
	`, string(status), errMsg, finishedAt, runID)
	return err
}

// CompleteRun records the output location and layer summaries and marks
// the run completed.
func (s *Store) CompleteRun(runID, output string, layers []LayerSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO run_layers (run_id, suffix, database_name, variant, pixels, valid, mean_score, counts_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, l := range layers {
		counts, err := json.Marshal(l.Counts)
		if err != nil {
			return fmt.Errorf("failed to marshal counts: %w", err)
		}
		var mean sql.NullFloat64
		if l.MeanScore != nil {
			mean = sql.NullFloat64{Float64: *l.MeanScore, Valid: true}
		}
		if _, err := stmt.Exec(runID, l.Suffix, l.Database, l.Variant, l.Pixels, l.Valid, mean, string(counts)); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(`
		UPDATE runs SET status = ?, output = ?, error = '', finished_at = ?
		WHERE run_id = ?
	`, string(RunStatusCompleted), output, formatTime(time.Now()), runID); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkRunningAsFailed marks all running runs as failed (for restart recovery).
func (s *Store) MarkRunningAsFailed(errMsg string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		UPDATE runs SET status = ?, error = ?, finished_at = ?
		WHERE status = ?
	`, string(RunStatusFailed), errMsg, formatTime(time.Now()), string(RunStatusRunning))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DeleteExpiredRuns deletes finished runs older than retention and returns
// their ids so callers can drop cached results.
func (s *Store) DeleteExpiredRuns(retention time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := formatTime(time.Now().Add(-retention))
	rows, err := s.db.Query(`
		SELECT run_id FROM runs WHERE finished_at IS NOT NULL AND finished_at < ?
	`, cutoff)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if err := s.deleteLocked(id); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// DeleteRun deletes a run and its layer summaries.
func (s *Store) DeleteRun(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(runID)
}

func (s *Store) deleteLocked(runID string) error {
	// Delete layers first
	if _, err := s.db.Exec("DELETE FROM run_layers WHERE run_id = ?", runID); err != nil {
		return err
	}
	_, err := s.db.Exec("DELETE FROM runs WHERE run_id = ?", runID)
	return err
}

func (s *Store) layers(runID string) ([]LayerSummary, error) {
	rows, err := s.db.Query(`
		SELECT suffix, database_name, variant, pixels, valid, mean_score, counts_json
		FROM run_layers WHERE run_id = ? ORDER BY id ASC
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LayerSummary
	for rows.Next() {
		var l LayerSummary
		var mean sql.NullFloat64
		var counts string
		if err := rows.Scan(&l.Suffix, &l.Database, &l.Variant, &l.Pixels, &l.Valid, &mean, &counts); err != nil {
			return nil, err
		}
		if mean.Valid {
			v := mean.Float64
			l.MeanScore = &v
		}
		if err := json.Unmarshal([]byte(counts), &l.Counts); err != nil {
			return nil, fmt.Errorf("failed to unmarshal counts: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*Run, error) {
	var run Run
	var paramsJSON, createdAtStr string
	var startedAtStr, finishedAtStr sql.NullString

	err := row.Scan(
		&run.ID,
		&run.Status,
		&paramsJSON,
		&run.Output,
		&run.Error,
		&createdAtStr,
		&startedAtStr,
		&finishedAtStr,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(paramsJSON), &run.Params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal params: %w", err)
	}

	run.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
	if startedAtStr.Valid {
		t, _ := time.Parse(time.RFC3339, startedAtStr.String)
		run.StartedAt = &t
	}
	if finishedAtStr.Valid {
		t, _ := time.Parse(time.RFC3339, finishedAtStr.String)
		run.FinishedAt = &t
	}
	return &run, nil
}

func scanRuns(rows *sql.Rows) ([]*Run, error) {
	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
