package markov

import (
	"context"
	"database/sql"
)

// Stats holds aggregated statistics for the frequency store.
type Stats struct {
	Orders            map[int]OrderStats `json:"orders"`
	TotalNGrams       int64              `json:"total_ngrams"`       // distinct (order, context, next) rows
	TotalObservations int64              `json:"total_observations"` // sum of all counts
}

// OrderStats holds aggregated statistics for one n-gram order.
type OrderStats struct {
	NGrams       int64 `json:"ngrams"`
	Observations int64 `json:"observations"`
	Contexts     int64 `json:"contexts"`
}

// Stats returns a snapshot of the store's size per order.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	rows, err := s.stmtStats.QueryContext(ctx)
	if err != nil {
		return nil, &StorageError{Op: "stats", Err: err}
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	stats := &Stats{Orders: make(map[int]OrderStats)}
	for rows.Next() {
		var order int
		var os OrderStats
		if err = rows.Scan(&order, &os.NGrams, &os.Observations, &os.Contexts); err != nil {
			return nil, &StorageError{Op: "stats", Err: err}
		}
		stats.Orders[order] = os
		stats.TotalNGrams += os.NGrams
		stats.TotalObservations += os.Observations
	}
	if err = rows.Err(); err != nil {
		return nil, &StorageError{Op: "stats", Err: err}
	}
	return stats, nil
}
