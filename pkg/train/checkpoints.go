package train

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// ErrNoCheckpoint is returned when no checkpoint matches a lookup.
var ErrNoCheckpoint = errors.New("no checkpoint found")

// SetupSchema creates the checkpoint and metric tables. The partial unique
// index makes a second best checkpoint impossible at the storage layer.
func SetupSchema(db *sql.DB) error {
	const (
		schemaCheckpoints = `
CREATE TABLE IF NOT EXISTS neural_checkpoints (
    id             INTEGER PRIMARY KEY,
    created_at     INTEGER NOT NULL,
    epochs_trained INTEGER NOT NULL,
    block_size     INTEGER NOT NULL,
    storage_path   TEXT    NOT NULL UNIQUE,
    loss           REAL    NOT NULL,
    is_best        INTEGER NOT NULL DEFAULT 0,
    job_id         TEXT    NOT NULL DEFAULT ''
);
`
		indexBest = `
CREATE UNIQUE INDEX IF NOT EXISTS idx_neural_checkpoints_best ON neural_checkpoints (is_best) WHERE is_best = 1;
`
		schemaMetrics = `
CREATE TABLE IF NOT EXISTS training_metrics (
    id            INTEGER PRIMARY KEY,
    checkpoint_id INTEGER NOT NULL REFERENCES neural_checkpoints (id),
    metric_type   TEXT    NOT NULL,
    value         REAL    NOT NULL,
    metadata      TEXT    NOT NULL DEFAULT '{}',
    created_at    INTEGER NOT NULL
);
`
	)

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(tx)

	for _, stmt := range []string{schemaCheckpoints, indexBest, schemaMetrics} {
		if _, err = tx.Exec(stmt); err != nil {
			return fmt.Errorf("could not create checkpoint schema: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("could not commit transaction: %w", err)
	}
	return nil
}

// Checkpoint is the metadata of a persisted weight blob.
type Checkpoint struct {
	ID            int64     `json:"id"`
	CreatedAt     time.Time `json:"created_at"`
	EpochsTrained int       `json:"epochs_trained"`
	BlockSize     int       `json:"block_size"`
	StoragePath   string    `json:"storage_path"`
	Loss          float64   `json:"loss"`
	IsBest        bool      `json:"is_best"`
	JobID         string    `json:"job_id,omitempty"`
}

// Metric is one recorded training measurement.
type Metric struct {
	ID           int64          `json:"id"`
	CheckpointID int64          `json:"checkpoint_id"`
	Type         string         `json:"metric_type"`
	Value        float64        `json:"value"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// CheckpointStore persists checkpoint metadata and training metrics.
type CheckpointStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewCheckpointStore returns a store over db. SetupSchema must have been run.
func NewCheckpointStore(db *sql.DB) *CheckpointStore {
	return &CheckpointStore{
		db:     db,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// SetLogger sets the logger for the store.
func (s *CheckpointStore) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

const checkpointColumns = `id, created_at, epochs_trained, block_size, storage_path, loss, is_best, job_id`

// Create inserts c as the new best checkpoint, demoting the previous best in
// the same transaction. c.ID, c.CreatedAt and c.IsBest are filled in.
func (s *CheckpointStore) Create(ctx context.Context, c *Checkpoint) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(tx)

	if _, err = tx.ExecContext(ctx, `UPDATE neural_checkpoints SET is_best = 0 WHERE is_best = 1`); err != nil {
		return fmt.Errorf("could not demote previous best checkpoint: %w", err)
	}

	err = tx.QueryRowContext(ctx,
		`INSERT INTO neural_checkpoints (created_at, epochs_trained, block_size, storage_path, loss, is_best, job_id)
		 VALUES (?, ?, ?, ?, ?, 1, ?) RETURNING id`,
		c.CreatedAt.UnixMilli(), c.EpochsTrained, c.BlockSize, c.StoragePath, c.Loss, c.JobID).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("could not insert checkpoint: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("could not commit checkpoint: %w", err)
	}
	c.IsBest = true

	s.logger.InfoContext(ctx, "Checkpoint recorded",
		slog.Int64("checkpoint_id", c.ID),
		slog.String("path", c.StoragePath),
		slog.Float64("loss", c.Loss),
	)
	return nil
}

// Best returns the checkpoint currently flagged best, or ErrNoCheckpoint.
func (s *CheckpointStore) Best(ctx context.Context) (Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+checkpointColumns+` FROM neural_checkpoints WHERE is_best = 1`)
	return scanCheckpoint(row)
}

// Get returns a checkpoint by id, or ErrNoCheckpoint.
func (s *CheckpointStore) Get(ctx context.Context, id int64) (Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+checkpointColumns+` FROM neural_checkpoints WHERE id = ?`, id)
	return scanCheckpoint(row)
}

// List returns up to limit checkpoints, newest first.
func (s *CheckpointStore) List(ctx context.Context, limit int) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+checkpointColumns+` FROM neural_checkpoints ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("could not query checkpoints: %w", err)
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	out := make([]Checkpoint, 0)
	for rows.Next() {
		c, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row scanner) (Checkpoint, error) {
	var c Checkpoint
	var created int64
	var best int
	err := row.Scan(&c.ID, &created, &c.EpochsTrained, &c.BlockSize, &c.StoragePath, &c.Loss, &best, &c.JobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Checkpoint{}, ErrNoCheckpoint
		}
		return Checkpoint{}, fmt.Errorf("could not scan checkpoint: %w", err)
	}
	c.CreatedAt = time.UnixMilli(created)
	c.IsBest = best == 1
	return c, nil
}

// RecordMetric stores a metric tied to a checkpoint.
func (s *CheckpointStore) RecordMetric(ctx context.Context, m *Metric) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	meta := m.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("could not marshal metric metadata: %w", err)
	}
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO training_metrics (checkpoint_id, metric_type, value, metadata, created_at) VALUES (?, ?, ?, ?, ?) RETURNING id`,
		m.CheckpointID, m.Type, m.Value, string(data), m.CreatedAt.UnixMilli()).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("could not insert metric: %w", err)
	}
	return nil
}

// Metrics returns every metric recorded for a checkpoint, oldest first.
func (s *CheckpointStore) Metrics(ctx context.Context, checkpointID int64) ([]Metric, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, checkpoint_id, metric_type, value, metadata, created_at FROM training_metrics WHERE checkpoint_id = ? ORDER BY id`,
		checkpointID)
	if err != nil {
		return nil, fmt.Errorf("could not query metrics: %w", err)
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	out := make([]Metric, 0)
	for rows.Next() {
		var m Metric
		var meta string
		var created int64
		if err = rows.Scan(&m.ID, &m.CheckpointID, &m.Type, &m.Value, &meta, &created); err != nil {
			return nil, fmt.Errorf("could not scan metric: %w", err)
		}
		if err = json.Unmarshal([]byte(meta), &m.Metadata); err != nil {
			return nil, fmt.Errorf("could not decode metric metadata: %w", err)
		}
		m.CreatedAt = time.UnixMilli(created)
		out = append(out, m)
	}
	return out, rows.Err()
}
