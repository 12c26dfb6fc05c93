package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Generation is one recorded call to Generate.
type Generation struct {
	ID           int64      `json:"id"`
	CreatedAt    time.Time  `json:"created_at"`
	Seed         string     `json:"seed"`
	Text         string     `json:"text"`
	Length       int        `json:"length"`
	Temperature  float64    `json:"temperature"`
	NeuralWeight float64    `json:"neural_weight"`
	NGramWeights [3]float64 `json:"ngram_weights"`
	TopK         int        `json:"top_k"`
	CheckpointID int64      `json:"checkpoint_id,omitempty"`
}

func setupGenerationSchema(db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS generation_history (
    id            INTEGER PRIMARY KEY,
    created_at    INTEGER NOT NULL,
    seed          TEXT    NOT NULL,
    text          TEXT    NOT NULL,
    length        INTEGER NOT NULL,
    temperature   REAL    NOT NULL,
    neural_weight REAL    NOT NULL,
    ngram_weights TEXT    NOT NULL,
    top_k         INTEGER NOT NULL,
    checkpoint_id INTEGER
);
CREATE INDEX IF NOT EXISTS idx_generation_history_created ON generation_history (created_at);
`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("could not create generation_history schema: %w", err)
	}
	return nil
}

type generationStore struct {
	db *sql.DB
}

// Record inserts g, stamping CreatedAt when unset, and fills in g.ID.
func (s *generationStore) Record(ctx context.Context, g *Generation) error {
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}
	weights, err := json.Marshal(g.NGramWeights)
	if err != nil {
		return fmt.Errorf("could not marshal n-gram weights: %w", err)
	}
	var checkpoint any
	if g.CheckpointID != 0 {
		checkpoint = g.CheckpointID
	}
	err = s.db.QueryRowContext(ctx, `
INSERT INTO generation_history (created_at, seed, text, length, temperature, neural_weight, ngram_weights, top_k, checkpoint_id)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		g.CreatedAt.UnixMilli(), g.Seed, g.Text, g.Length, g.Temperature, g.NeuralWeight, string(weights), g.TopK, checkpoint).Scan(&g.ID)
	if err != nil {
		return fmt.Errorf("could not insert generation: %w", err)
	}
	return nil
}

// List returns up to limit generations, newest first.
func (s *generationStore) List(ctx context.Context, limit int) ([]Generation, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, created_at, seed, text, length, temperature, neural_weight, ngram_weights, top_k, checkpoint_id
FROM generation_history ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("could not query generations: %w", err)
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	out := make([]Generation, 0)
	for rows.Next() {
		var (
			g          Generation
			created    int64
			weights    string
			checkpoint sql.NullInt64
		)
		err = rows.Scan(&g.ID, &created, &g.Seed, &g.Text, &g.Length, &g.Temperature, &g.NeuralWeight, &weights, &g.TopK, &checkpoint)
		if err != nil {
			return nil, fmt.Errorf("could not scan generation: %w", err)
		}
		if err = json.Unmarshal([]byte(weights), &g.NGramWeights); err != nil {
			return nil, fmt.Errorf("could not decode n-gram weights: %w", err)
		}
		g.CreatedAt = time.UnixMilli(created)
		g.CheckpointID = checkpoint.Int64
		out = append(out, g)
	}
	return out, rows.Err()
}

// Clear deletes every generation and reports how many rows went.
func (s *generationStore) Clear(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM generation_history`)
	if err != nil {
		return 0, fmt.Errorf("could not clear generations: %w", err)
	}
	return res.RowsAffected()
}
