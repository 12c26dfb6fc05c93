package markov

import (
	"context"
	"log/slog"
)

// Prune removes every n-gram whose count is less than or equal to minCount.
// This is useful for shrinking the store by dropping rare, and often noisy,
// transitions. It returns the number of rows removed.
func (s *Store) Prune(ctx context.Context, minCount int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM markov_ngrams WHERE frequency <= ?`, minCount)
	if err != nil {
		return 0, &StorageError{Op: "prune", Err: err}
	}
	s.invalidate()
	rowsAffected, _ := res.RowsAffected()

	s.logger.InfoContext(ctx, "Ngrams pruned",
		slog.Int("min_count", minCount),
		slog.Int64("ngrams_removed", rowsAffected),
	)
	return rowsAffected, nil
}

// Reset deletes every n-gram. This is the only operation that discards
// observations wholesale.
func (s *Store) Reset(ctx context.Context) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM markov_ngrams`)
	if err != nil {
		return &StorageError{Op: "reset", Err: err}
	}
	s.invalidate()
	rowsAffected, _ := res.RowsAffected()

	s.logger.WarnContext(ctx, "Ngram store reset", slog.Int64("ngrams_removed", rowsAffected))
	return nil
}
