// Package runstore provides persistent storage for analysis runs, their step
// summaries and cluster sizes using SQLite.
package runstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kanaverse/bakana-sub002/internal/data"
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

// Finished reports whether the status is terminal.
func (s RunStatus) Finished() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// DatasetSpec names one dataset of a run and the files it is read from.
type DatasetSpec struct {
	Name   string      `json:"name"`
	Format string      `json:"format"`
	Files  []data.File `json:"files"`
}

// RunParams contains what a run analyses and how.
type RunParams struct {
	Datasets []DatasetSpec `json:"datasets"`
	// Parameters is a JSON document overlaid on the default pipeline
	// parameters.
	Parameters json.RawMessage `json:"parameters,omitempty"`
	// Animate streams layout frames while the run is in progress.
	Animate bool `json:"animate,omitempty"`
}

// RunProgress reports the step a run is at.
type RunProgress struct {
	Step  string `json:"step"`
	Done  int    `json:"done"`
	Total int    `json:"total"`
}

// Run is one analysis run.
type Run struct {
	ID          string      `json:"run_id"`
	Name        string      `json:"name"`
	Status      RunStatus   `json:"status"`
	Params      RunParams   `json:"params"`
	Progress    RunProgress `json:"progress"`
	CreatedAt   time.Time   `json:"created_at"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	FinishedAt  *time.Time  `json:"finished_at,omitempty"`
	NumCells    int         `json:"num_cells"`
	NumClusters int         `json:"num_clusters"`
	BundleDir   string      `json:"bundle_dir,omitempty"`
	Error       string      `json:"error,omitempty"`
	FailedStep  string      `json:"failed_step,omitempty"`
}

// StepSummary records one step invocation of a run.
type StepSummary struct {
	Step    string  `json:"step"`
	Changed bool    `json:"changed"`
	Valid   bool    `json:"valid"`
	Seconds float64 `json:"seconds"`
}

// ClusterSize is the number of cells in one cluster, 1-based.
type ClusterSize struct {
	Cluster int `json:"cluster"`
	Size    int `json:"size"`
}

// ErrNotFound is returned for unknown run IDs.
var ErrNotFound = errors.New("run not found")

// Store provides persistent storage for runs using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new SQLite-based run store.
func NewStore(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	if dbPath == ":memory:" {
		// each connection would see its own database
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
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
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		params_json TEXT NOT NULL,
		step TEXT DEFAULT '',
		done INTEGER DEFAULT 0,
		total INTEGER DEFAULT 0,
		num_cells INTEGER DEFAULT 0,
		num_clusters INTEGER DEFAULT 0,
		bundle_dir TEXT DEFAULT '',
		error TEXT DEFAULT '',
		failed_step TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_runs_finished ON runs(finished_at);

	CREATE TABLE IF NOT EXISTS run_steps (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		step TEXT NOT NULL,
		changed INTEGER NOT NULL,
		valid INTEGER NOT NULL,
		seconds REAL NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_run_steps_run ON run_steps(run_id, position);

	CREATE TABLE IF NOT EXISTS run_clusters (
		run_id TEXT NOT NULL,
		cluster INTEGER NOT NULL,
		size INTEGER NOT NULL,
		PRIMARY KEY (run_id, cluster),
		FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

const runColumns = `run_id, name, status, params_json, step, done, total, num_cells, num_clusters, bundle_dir, error, failed_step, created_at, started_at, finished_at`

// CreateRun creates a new run record.
func (s *Store) CreateRun(run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	paramsJSON, err := json.Marshal(run.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		run.Name,
		string(run.Status),
		string(paramsJSON),
		run.Progress.Step,
		run.Progress.Done,
		run.Progress.Total,
		run.NumCells,
		run.NumClusters,
		run.BundleDir,
		run.Error,
		run.FailedStep,
		run.CreatedAt.UTC().Format(time.RFC3339Nano),
		nil,
		nil,
	)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var run Run
	var paramsJSON string
	var createdAtStr string
	var startedAtStr, finishedAtStr sql.NullString

	err := row.Scan(
		&run.ID,
		&run.Name,
		&run.Status,
		&paramsJSON,
		&run.Progress.Step,
		&run.Progress.Done,
		&run.Progress.Total,
		&run.NumCells,
		&run.NumClusters,
		&run.BundleDir,
		&run.Error,
		&run.FailedStep,
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

	run.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
	if startedAtStr.Valid {
		t, _ := time.Parse(time.RFC3339Nano, startedAtStr.String)
		run.StartedAt = &t
	}
	if finishedAtStr.Valid {
		t, _ := time.Parse(time.RFC3339Nano, finishedAtStr.String)
		run.FinishedAt = &t
	}
	return &run, nil
}

// GetRun retrieves a run by ID, or ErrNotFound.
func (s *Store) GetRun(runID string) (*Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return run, err
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

// UpdateRunStatus sets the status and error message. Terminal statuses also
// set the finish time.
func (s *Store) UpdateRunStatus(runID string, status RunStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finishedAt *string
	if status.Finished() {
		t := now()
		finishedAt = &t
	}

	_, err := s.db.Exec(`
		UPDATE runs SET status = ?, error = ?, finished_at = COALESCE(?, finished_at)
		WHERE run_id = ?
	`, string(status), errMsg, finishedAt, runID)
	return err
}

// UpdateRunFailed marks a run as failed at step.
func (s *Store) UpdateRunFailed(runID, step, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE runs SET status = ?, error = ?, failed_step = ?, finished_at = ?
		WHERE run_id = ?
	`, string(RunStatusFailed), errMsg, step, now(), runID)
	return err
}

// UpdateRunStarted marks a run as running with start time.
func (s *Store) UpdateRunStarted(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE runs SET status = ?, started_at = ?
		WHERE run_id = ?
	`, string(RunStatusRunning), now(), runID)
	return err
}

// UpdateRunProgress updates the progress fields.
func (s *Store) UpdateRunProgress(runID string, step string, done, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE runs SET step = ?, done = ?, total = ?
		WHERE run_id = ?
	`, step, done, total, runID)
	return err
}

// UpdateRunResult records the outcome of a successful run.
func (s *Store) UpdateRunResult(runID string, numCells, numClusters int, bundleDir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE runs SET num_cells = ?, num_clusters = ?, bundle_dir = ?
		WHERE run_id = ?
	`, numCells, numClusters, bundleDir, runID)
	return err
}

// InsertSteps appends step summaries in a batch transaction, keeping their
// order.
func (s *Store) InsertSteps(runID string, steps []StepSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var base int
	if err := tx.QueryRow("SELECT COUNT(*) FROM run_steps WHERE run_id = ?", runID).Scan(&base); err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT INTO run_steps (run_id, position, step, changed, valid, seconds)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, st := range steps {
		if _, err := stmt.Exec(runID, base+i, st.Step, st.Changed, st.Valid, st.Seconds); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListSteps returns the step summaries of a run in insertion order.
func (s *Store) ListSteps(runID string) ([]StepSummary, error) {
	rows, err := s.db.Query(`
		SELECT step, changed, valid, seconds FROM run_steps
		WHERE run_id = ? ORDER BY position ASC
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StepSummary
	for rows.Next() {
		var st StepSummary
		if err := rows.Scan(&st.Step, &st.Changed, &st.Valid, &st.Seconds); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// ReplaceClusters stores the cluster sizes of a run, dropping earlier ones.
func (s *Store) ReplaceClusters(runID string, sizes []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM run_clusters WHERE run_id = ?", runID); err != nil {
		return err
	}
	stmt, err := tx.Prepare("INSERT INTO run_clusters (run_id, cluster, size) VALUES (?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, n := range sizes {
		if _, err := stmt.Exec(runID, i+1, n); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// QueryClusters returns cluster sizes with pagination and ordering.
func (s *Store) QueryClusters(runID string, orderBy string, offset, limit int) ([]ClusterSize, int, error) {
	orderCol := "cluster ASC"
	switch orderBy {
	case "size":
		orderCol = "size DESC, cluster ASC"
	case "size_asc":
		orderCol = "size ASC, cluster ASC"
	}

	var total int
	err := s.db.QueryRow("SELECT COUNT(*) FROM run_clusters WHERE run_id = ?", runID).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`
		SELECT cluster, size FROM run_clusters
		WHERE run_id = ?
		ORDER BY %s
		LIMIT ? OFFSET ?
	`, orderCol)

	rows, err := s.db.Query(query, runID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []ClusterSize
	for rows.Next() {
		var c ClusterSize
		if err := rows.Scan(&c.Cluster, &c.Size); err != nil {
			return nil, 0, err
		}
		out = append(out, c)
	}
	return out, total, rows.Err()
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(limit int) ([]*Run, error) {
	rows, err := s.db.Query(`
		SELECT `+runColumns+` FROM runs
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

// ListQueuedRuns returns all queued runs (for restart recovery).
func (s *Store) ListQueuedRuns() ([]*Run, error) {
	rows, err := s.db.Query(`
		SELECT `+runColumns+` FROM runs WHERE status = ?
		ORDER BY created_at ASC
	`, string(RunStatusQueued))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

// MarkRunningAsFailed marks all running runs as failed (for restart recovery).
func (s *Store) MarkRunningAsFailed(errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE runs SET status = ?, error = ?, finished_at = ?
		WHERE status = ?
	`, string(RunStatusFailed), errMsg, now(), string(RunStatusRunning))
	return err
}

// DeleteExpiredRuns deletes runs that finished more than retentionDays ago
// and returns their IDs.
func (s *Store) DeleteExpiredRuns(retentionDays int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Format(time.RFC3339Nano)

	rows, err := s.db.Query(`SELECT run_id FROM runs WHERE finished_at IS NOT NULL AND finished_at < ?`, cutoff)
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

	for _, id := range ids {
		if err := s.deleteLocked(id); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// DeleteRun deletes a run and its summaries.
func (s *Store) DeleteRun(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(runID)
}

func (s *Store) deleteLocked(runID string) error {
	for _, q := range []string{
		"DELETE FROM run_steps WHERE run_id = ?",
		"DELETE FROM run_clusters WHERE run_id = ?",
		"DELETE FROM runs WHERE run_id = ?",
	} {
		if _, err := s.db.Exec(q, runID); err != nil {
			return err
		}
	}
	return nil
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
