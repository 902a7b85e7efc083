// Package scheduler runs persisted recurring work: cron, interval and
// one-shot date triggers over a sqlite job store, with per-job instance
// limits, misfire handling and an execution history.
package scheduler

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/cncaiprojem/projem-sub004/internal/types"
)

// TriggerKind selects how a job's next run is computed.
type TriggerKind string

const (
	// TriggerCron fires on a standard 5-field cron expression.
	TriggerCron TriggerKind = "cron"
	// TriggerInterval fires every fixed duration.
	TriggerInterval TriggerKind = "interval"
	// TriggerDate fires exactly once at an RFC3339 instant, then the
	// job is disabled.
	TriggerDate TriggerKind = "date"
)

// JobSpec is one persisted scheduled job.
type JobSpec struct {
	ID      string      `json:"id"`
	Name    string      `json:"name"`
	Trigger TriggerKind `json:"trigger"`
	// Spec is the trigger argument: a cron expression, a Go duration
	// string, or an RFC3339 timestamp depending on Trigger.
	Spec    string `json:"spec"`
	Handler string `json:"handler"`
	// MaxInstances bounds concurrently running executions of this job.
	// Zero means one.
	MaxInstances int `json:"max_instances,omitempty"`
	// MisfireGrace is how late a fire may start before it counts as
	// missed. Zero uses the configured default.
	MisfireGrace string `json:"misfire_grace,omitempty"`
	// Coalesce collapses a backlog of missed fires into a single run.
	Coalesce bool `json:"coalesce,omitempty"`
	Enabled  bool `json:"enabled"`

	NextRun   time.Time `json:"next_run"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Execution is one history row: a single run of a scheduled job.
type Execution struct {
	ID        int64     `json:"id"`
	JobID     string    `json:"job_id"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	// Status is running, ok, error or missed.
	Status string `json:"status"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Store persists jobs and their execution history in sqlite.
type Store struct {
	db   *sql.DB
	path string
}

// NewStore opens (creating if needed) the scheduler database.
func NewStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating scheduler db directory: %w", err)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening scheduler db: %w", err)
	}
	// Single writer connection; WAL keeps readers unblocked.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}
	s := &Store{db: db, path: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id            TEXT PRIMARY KEY,
		name          TEXT NOT NULL,
		trigger       TEXT NOT NULL,
		spec          TEXT NOT NULL,
		handler       TEXT NOT NULL,
		max_instances INTEGER NOT NULL DEFAULT 1,
		misfire_grace TEXT NOT NULL DEFAULT '',
		coalesce      INTEGER NOT NULL DEFAULT 0,
		enabled       INTEGER NOT NULL DEFAULT 1,
		next_run      INTEGER NOT NULL,
		created_at    INTEGER NOT NULL,
		updated_at    INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS job_executions (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id     TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
		started_at INTEGER NOT NULL,
		ended_at   INTEGER,
		status     TEXT NOT NULL,
		result     TEXT NOT NULL DEFAULT '',
		error      TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_executions_job ON job_executions(job_id, started_at DESC);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("initializing scheduler schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Put inserts a job. When replace is false and the id exists, the call
// fails; when true the stored job is overwritten in place and its
// history kept.
func (s *Store) Put(job *JobSpec, replace bool) error {
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	if !replace {
		var exists int
		err := s.db.QueryRow(`SELECT COUNT(1) FROM jobs WHERE id = ?`, job.ID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("checking job %s: %w", job.ID, err)
		}
		if exists > 0 {
			return types.Faultf(types.CodeValidationFailed, "scheduled job %s already exists", job.ID).
				With("job_id", job.ID)
		}
	}
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, name, trigger, spec, handler, max_instances,
			misfire_grace, coalesce, enabled, next_run, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, trigger = excluded.trigger,
			spec = excluded.spec, handler = excluded.handler,
			max_instances = excluded.max_instances,
			misfire_grace = excluded.misfire_grace,
			coalesce = excluded.coalesce, enabled = excluded.enabled,
			next_run = excluded.next_run, updated_at = excluded.updated_at`,
		job.ID, job.Name, string(job.Trigger), job.Spec, job.Handler,
		maxInstances(job), job.MisfireGrace, boolInt(job.Coalesce),
		boolInt(job.Enabled), job.NextRun.UnixMilli(),
		job.CreatedAt.UnixMilli(), job.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("storing job %s: %w", job.ID, err)
	}
	return nil
}

// Get returns one job by id.
func (s *Store) Get(id string) (*JobSpec, error) {
	row := s.db.QueryRow(`
		SELECT id, name, trigger, spec, handler, max_instances,
			misfire_grace, coalesce, enabled, next_run, created_at, updated_at
		FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, types.Faultf(types.CodeValidationFailed, "scheduled job %s not found", id).
			With("job_id", id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading job %s: %w", id, err)
	}
	return job, nil
}

// List returns every stored job ordered by next run.
func (s *Store) List() ([]*JobSpec, error) {
	rows, err := s.db.Query(`
		SELECT id, name, trigger, spec, handler, max_instances,
			misfire_grace, coalesce, enabled, next_run, created_at, updated_at
		FROM jobs ORDER BY next_run ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*JobSpec
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Delete removes a job and, via the foreign key, its history.
func (s *Store) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.Faultf(types.CodeValidationFailed, "scheduled job %s not found", id).
			With("job_id", id)
	}
	return nil
}

// UpdateNextRun persists the next fire time. disabled flips Enabled
// off in the same write (one-shot jobs after firing).
func (s *Store) UpdateNextRun(id string, next time.Time, disabled bool) error {
	enabled := 1
	if disabled {
		enabled = 0
	}
	_, err := s.db.Exec(`UPDATE jobs SET next_run = ?, enabled = ?, updated_at = ? WHERE id = ?`,
		next.UnixMilli(), enabled, time.Now().UTC().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("updating next run for %s: %w", id, err)
	}
	return nil
}

// RecordStart inserts a running execution row and returns its id.
func (s *Store) RecordStart(jobID string, at time.Time) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO job_executions (job_id, started_at, status)
		VALUES (?, ?, 'running')`, jobID, at.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("recording execution start for %s: %w", jobID, err)
	}
	return res.LastInsertId()
}

// RecordEnd finishes an execution row with its outcome.
func (s *Store) RecordEnd(execID int64, status, result, errMsg string, at time.Time) error {
	_, err := s.db.Exec(`
		UPDATE job_executions SET ended_at = ?, status = ?, result = ?, error = ?
		WHERE id = ?`, at.UnixMilli(), status, result, errMsg, execID)
	if err != nil {
		return fmt.Errorf("recording execution end %d: %w", execID, err)
	}
	return nil
}

// RecordMissed inserts a missed-fire row (the job never ran).
func (s *Store) RecordMissed(jobID string, due time.Time) error {
	at := due.UnixMilli()
	_, err := s.db.Exec(`
		INSERT INTO job_executions (job_id, started_at, ended_at, status)
		VALUES (?, ?, ?, 'missed')`, jobID, at, at)
	if err != nil {
		return fmt.Errorf("recording missed fire for %s: %w", jobID, err)
	}
	return nil
}

// History returns the newest executions of one job, newest first.
func (s *Store) History(jobID string, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, job_id, started_at, ended_at, status, result, error
		FROM job_executions WHERE job_id = ?
		ORDER BY started_at DESC, id DESC LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("loading history for %s: %w", jobID, err)
	}
	defer rows.Close()
	return scanExecutions(rows)
}

// ExecutionsSince returns all executions started at or after since,
// across jobs. The daily report is built from this.
func (s *Store) ExecutionsSince(since time.Time) ([]*Execution, error) {
	rows, err := s.db.Query(`
		SELECT id, job_id, started_at, ended_at, status, result, error
		FROM job_executions WHERE started_at >= ?
		ORDER BY started_at ASC`, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("loading executions since %s: %w", since, err)
	}
	defer rows.Close()
	return scanExecutions(rows)
}

// PruneHistory drops all but the newest keep rows of one job.
func (s *Store) PruneHistory(jobID string, keep int) error {
	if keep <= 0 {
		return nil
	}
	_, err := s.db.Exec(`
		DELETE FROM job_executions WHERE job_id = ? AND id NOT IN (
			SELECT id FROM job_executions WHERE job_id = ?
			ORDER BY started_at DESC, id DESC LIMIT ?)`,
		jobID, jobID, keep)
	if err != nil {
		return fmt.Errorf("pruning history for %s: %w", jobID, err)
	}
	return nil
}

func maxInstances(job *JobSpec) int {
	if job.MaxInstances <= 0 {
		return 1
	}
	return job.MaxInstances
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*JobSpec, error) {
	var (
		job                    JobSpec
		trigger                string
		coalesce, enabled      int
		next, created, updated int64
	)
	err := r.Scan(&job.ID, &job.Name, &trigger, &job.Spec, &job.Handler,
		&job.MaxInstances, &job.MisfireGrace, &coalesce, &enabled,
		&next, &created, &updated)
	if err != nil {
		return nil, err
	}
	job.Trigger = TriggerKind(trigger)
	job.Coalesce = coalesce != 0
	job.Enabled = enabled != 0
	job.NextRun = time.UnixMilli(next).UTC()
	job.CreatedAt = time.UnixMilli(created).UTC()
	job.UpdatedAt = time.UnixMilli(updated).UTC()
	return &job, nil
}

func scanExecutions(rows *sql.Rows) ([]*Execution, error) {
	var execs []*Execution
	for rows.Next() {
		var (
			e       Execution
			started int64
			ended   sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.JobID, &started, &ended, &e.Status, &e.Result, &e.Error); err != nil {
			return nil, fmt.Errorf("scanning execution row: %w", err)
		}
		e.StartedAt = time.UnixMilli(started).UTC()
		if ended.Valid {
			e.EndedAt = time.UnixMilli(ended.Int64).UTC()
		}
		execs = append(execs, &e)
	}
	return execs, rows.Err()
}
