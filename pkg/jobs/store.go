package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SetupSchema creates the training_jobs table.
func SetupSchema(db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS training_jobs (
    job_id          TEXT    PRIMARY KEY,
    status          TEXT    NOT NULL,
    progress        INTEGER NOT NULL DEFAULT 0,
    message         TEXT    NOT NULL DEFAULT '',
    error           TEXT    NOT NULL DEFAULT '',
    checkpoint_path TEXT    NOT NULL DEFAULT '',
    created_at      INTEGER NOT NULL,
    started_at      INTEGER,
    completed_at    INTEGER
);
CREATE INDEX IF NOT EXISTS idx_training_jobs_created ON training_jobs (created_at);
`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("could not create training_jobs schema: %w", err)
	}
	return nil
}

// Store is the SQLite Recorder for job transitions.
type Store struct {
	db *sql.DB
}

// NewStore returns a Store over db. SetupSchema must have been run.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Record upserts the job row.
func (s *Store) Record(ctx context.Context, job Job) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO training_jobs (job_id, status, progress, message, error, checkpoint_path, created_at, started_at, completed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(job_id) DO UPDATE SET
    status = excluded.status,
    progress = excluded.progress,
    message = excluded.message,
    error = excluded.error,
    checkpoint_path = excluded.checkpoint_path,
    started_at = excluded.started_at,
    completed_at = excluded.completed_at`,
		job.ID, string(job.Status), job.Progress, job.Message, job.Error, job.CheckpointPath,
		job.CreatedAt.UnixMilli(), millis(job.StartedAt), millis(job.CompletedAt))
	if err != nil {
		return fmt.Errorf("could not record job %s: %w", job.ID, err)
	}
	return nil
}

const jobColumns = `job_id, status, progress, message, error, checkpoint_path, created_at, started_at, completed_at`

// Get returns a recorded job or ErrJobNotFound.
func (s *Store) Get(ctx context.Context, id string) (Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM training_jobs WHERE job_id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrJobNotFound
	}
	return job, err
}

// List returns up to limit recorded jobs, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM training_jobs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("could not query jobs: %w", err)
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	out := make([]Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// FailInterrupted marks jobs left queued or running by a previous process as
// failed, so every recorded job ends in a terminal state.
func (s *Store) FailInterrupted(ctx context.Context) (int64, error) {
	const msg = "interrupted by server restart"
	res, err := s.db.ExecContext(ctx,
		`UPDATE training_jobs SET status = ?, error = ?, message = ?, completed_at = ? WHERE status IN (?, ?)`,
		string(StatusError), msg, "Failed: "+msg, time.Now().UnixMilli(), string(StatusQueued), string(StatusRunning))
	if err != nil {
		return 0, fmt.Errorf("could not fail interrupted jobs: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (Job, error) {
	var (
		job                Job
		status             string
		created            int64
		started, completed sql.NullInt64
	)
	err := row.Scan(&job.ID, &status, &job.Progress, &job.Message, &job.Error, &job.CheckpointPath, &created, &started, &completed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, err
		}
		return Job{}, fmt.Errorf("could not scan job: %w", err)
	}
	job.Status = Status(status)
	job.CreatedAt = time.UnixMilli(created)
	job.StartedAt = fromMillis(started)
	job.CompletedAt = fromMillis(completed)
	return job, nil
}

func millis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
