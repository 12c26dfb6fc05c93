package evaluate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when no evaluation has the requested id.
var ErrNotFound = errors.New("evaluation not found")

// SetupSchema creates the monte_carlo_evaluations table.
func SetupSchema(db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS monte_carlo_evaluations (
    id                     INTEGER PRIMARY KEY,
    created_at             INTEGER NOT NULL,
    job_id                 TEXT    NOT NULL DEFAULT '',
    checkpoint_id          INTEGER,
    num_simulations        INTEGER NOT NULL,
    successful_simulations INTEGER NOT NULL,
    mean_validity          REAL    NOT NULL,
    median_validity        REAL    NOT NULL,
    std_deviation          REAL    NOT NULL,
    min_validity           REAL    NOT NULL,
    max_validity           REAL    NOT NULL,
    histogram_data         TEXT    NOT NULL,
    parameters             TEXT    NOT NULL,
    sample_results         TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_monte_carlo_evaluations_created ON monte_carlo_evaluations (created_at);
`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("could not create evaluation schema: %w", err)
	}
	return nil
}

// Store persists evaluation results. Rows are never updated.
type Store struct {
	db *sql.DB
}

// NewStore returns a Store over db. SetupSchema must have been run.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Save inserts r and fills in r.ID.
func (s *Store) Save(ctx context.Context, r *Result) error {
	hist, err := json.Marshal(r.Histogram)
	if err != nil {
		return fmt.Errorf("could not marshal histogram: %w", err)
	}
	params, err := json.Marshal(r.Parameters)
	if err != nil {
		return fmt.Errorf("could not marshal parameters: %w", err)
	}
	samples, err := json.Marshal(r.Samples)
	if err != nil {
		return fmt.Errorf("could not marshal samples: %w", err)
	}

	var checkpoint any
	if r.CheckpointID != 0 {
		checkpoint = r.CheckpointID
	}
	err = s.db.QueryRowContext(ctx, `
INSERT INTO monte_carlo_evaluations (
    created_at, job_id, checkpoint_id, num_simulations, successful_simulations,
    mean_validity, median_validity, std_deviation, min_validity, max_validity,
    histogram_data, parameters, sample_results)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		r.CreatedAt.UnixMilli(), r.JobID, checkpoint, r.NumSimulations, r.SuccessfulSimulations,
		r.MeanValidity, r.MedianValidity, r.StdDeviation, r.MinValidity, r.MaxValidity,
		string(hist), string(params), string(samples)).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("could not insert evaluation: %w", err)
	}
	return nil
}

const evalColumns = `id, created_at, job_id, checkpoint_id, num_simulations, successful_simulations,
    mean_validity, median_validity, std_deviation, min_validity, max_validity,
    histogram_data, parameters, sample_results`

// Get returns one evaluation or ErrNotFound.
func (s *Store) Get(ctx context.Context, id int64) (*Result, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+evalColumns+` FROM monte_carlo_evaluations WHERE id = ?`, id)
	r, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// History returns up to limit evaluations, newest first.
func (s *Store) History(ctx context.Context, limit int) ([]*Result, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+evalColumns+` FROM monte_carlo_evaluations ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("could not query evaluations: %w", err)
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	out := make([]*Result, 0)
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Latest returns the most recent evaluation or ErrNotFound.
func (s *Store) Latest(ctx context.Context) (*Result, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+evalColumns+` FROM monte_carlo_evaluations ORDER BY created_at DESC, id DESC LIMIT 1`)
	r, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// ProgressChart is the validity trend across training jobs. The slices are
// parallel and ordered oldest first.
type ProgressChart struct {
	Timestamps    []time.Time `json:"timestamps"`
	MeanValidity  []float64   `json:"mean_validity"`
	StdDeviation  []float64   `json:"std_deviation"`
	JobIDs        []string    `json:"job_ids"`
	CheckpointIDs []int64     `json:"checkpoint_ids"`
}

// ProgressChart returns the latest limit evaluations that were run for a
// training job, in chronological order. Manual evaluations are left out.
func (s *Store) ProgressChart(ctx context.Context, limit int) (*ProgressChart, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT created_at, mean_validity, std_deviation, job_id, checkpoint_id FROM (
    SELECT id, created_at, mean_validity, std_deviation, job_id, checkpoint_id
    FROM monte_carlo_evaluations
    WHERE job_id <> ''
    ORDER BY created_at DESC, id DESC
    LIMIT ?
) ORDER BY created_at ASC, id ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("could not query progress: %w", err)
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	chart := &ProgressChart{
		Timestamps:    make([]time.Time, 0),
		MeanValidity:  make([]float64, 0),
		StdDeviation:  make([]float64, 0),
		JobIDs:        make([]string, 0),
		CheckpointIDs: make([]int64, 0),
	}
	for rows.Next() {
		var (
			created    int64
			mean, std  float64
			jobID      string
			checkpoint sql.NullInt64
		)
		if err = rows.Scan(&created, &mean, &std, &jobID, &checkpoint); err != nil {
			return nil, fmt.Errorf("could not scan progress: %w", err)
		}
		chart.Timestamps = append(chart.Timestamps, time.UnixMilli(created))
		chart.MeanValidity = append(chart.MeanValidity, mean)
		chart.StdDeviation = append(chart.StdDeviation, std)
		chart.JobIDs = append(chart.JobIDs, jobID)
		chart.CheckpointIDs = append(chart.CheckpointIDs, checkpoint.Int64)
	}
	return chart, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanResult(row scanner) (*Result, error) {
	var (
		r                        Result
		created                  int64
		checkpoint               sql.NullInt64
		hist, params, samplesRaw string
	)
	err := row.Scan(&r.ID, &created, &r.JobID, &checkpoint, &r.NumSimulations, &r.SuccessfulSimulations,
		&r.MeanValidity, &r.MedianValidity, &r.StdDeviation, &r.MinValidity, &r.MaxValidity,
		&hist, &params, &samplesRaw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("could not scan evaluation: %w", err)
	}
	r.CreatedAt = time.UnixMilli(created)
	r.CheckpointID = checkpoint.Int64
	if err = json.Unmarshal([]byte(hist), &r.Histogram); err != nil {
		return nil, fmt.Errorf("could not decode histogram: %w", err)
	}
	if err = json.Unmarshal([]byte(params), &r.Parameters); err != nil {
		return nil, fmt.Errorf("could not decode parameters: %w", err)
	}
	if err = json.Unmarshal([]byte(samplesRaw), &r.Samples); err != nil {
		return nil, fmt.Errorf("could not decode samples: %w", err)
	}
	return &r, nil
}
