package markov

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/CTAG07/Sundew/pkg/charset"
)

// exportVersion is bumped whenever the ExportedModel layout changes.
const exportVersion = 1

// ExportedModel is the serializable representation of the whole frequency
// store, used for JSON-based import and export.
type ExportedModel struct {
	Version int     `json:"version"`
	NGrams  []NGram `json:"ngrams"`
}

// Export serializes every stored n-gram into JSON and writes it to w. This is
// useful for backups or for seeding another instance.
func (s *Store) Export(ctx context.Context, w io.Writer) error {
	rows, err := s.db.QueryContext(ctx, `SELECT ngram_order, context, next_char, frequency FROM markov_ngrams ORDER BY ngram_order, context, next_char`)
	if err != nil {
		return &StorageError{Op: "export", Err: err}
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	exported := ExportedModel{Version: exportVersion, NGrams: make([]NGram, 0)}
	for rows.Next() {
		var ng NGram
		if err = rows.Scan(&ng.Order, &ng.Context, &ng.Next, &ng.Count); err != nil {
			return &StorageError{Op: "export", Err: err}
		}
		exported.NGrams = append(exported.NGrams, ng)
	}
	if err = rows.Err(); err != nil {
		return &StorageError{Op: "export", Err: err}
	}

	if err = json.NewEncoder(w).Encode(exported); err != nil {
		return fmt.Errorf("could not encode model: %w", err)
	}

	s.logger.InfoContext(ctx, "Model exported", slog.Int("ngrams", len(exported.NGrams)))
	return nil
}

// Import reads an ExportedModel from r and merges it into the store. Existing
// counts are summed with the imported ones, so importing into a non-empty
// store never loses observations.
func (s *Store) Import(ctx context.Context, r io.Reader) error {
	var exported ExportedModel
	if err := json.NewDecoder(r).Decode(&exported); err != nil {
		return fmt.Errorf("could not decode model: %w", err)
	}
	if exported.Version != exportVersion {
		return fmt.Errorf("unsupported model version %d", exported.Version)
	}

	counts := make(map[ngramKey]int64, len(exported.NGrams))
	for i, ng := range exported.NGrams {
		if err := validateNGram(ng); err != nil {
			return fmt.Errorf("invalid ngram at index %d: %w", i, err)
		}
		counts[ngramKey{order: ng.Order, context: ng.Context, next: ng.Next[0]}] += ng.Count
	}
	if len(counts) == 0 {
		return nil
	}

	if err := s.writeCounts(ctx, counts); err != nil {
		return &StorageError{Op: "import", Err: err}
	}

	s.logger.InfoContext(ctx, "Model imported", slog.Int("ngrams", len(counts)))
	return nil
}

func validateNGram(ng NGram) error {
	if ng.Order < MinOrder || ng.Order > MaxOrder {
		return fmt.Errorf("order %d outside %d..%d", ng.Order, MinOrder, MaxOrder)
	}
	if len(ng.Context) != ng.Order-1 {
		return fmt.Errorf("context %q has length %d, want %d", ng.Context, len(ng.Context), ng.Order-1)
	}
	if len(ng.Next) != 1 {
		return fmt.Errorf("next %q must be a single character", ng.Next)
	}
	if charset.Clean(ng.Context+ng.Next) != ng.Context+ng.Next {
		return fmt.Errorf("ngram %q%q contains characters outside the alphabet", ng.Context, ng.Next)
	}
	if ng.Count < 1 {
		return fmt.Errorf("count %d must be positive", ng.Count)
	}
	return nil
}
