package markov

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/CTAG07/Sundew/pkg/charset"
	"github.com/cenkalti/backoff/v4"
)

// NGram is a single (order, context, next) observation with its count.
type NGram struct {
	Order   int    `json:"order"`
	Context string `json:"context"`
	Next    string `json:"next"`
	Count   int64  `json:"count"`
}

type ngramKey struct {
	order   int
	context string
	next    byte
}

// IngestResult summarizes one Ingest call.
type IngestResult struct {
	Characters   int // cleaned characters seen
	Observations int // n-gram windows counted across all orders
	Distinct     int // distinct (order, context, next) rows written
}

// Ingest cleans text to the model alphabet and adds its n-gram counts for the
// given orders (DefaultOrders when none are given). Counts are merged into the
// store by sum inside one transaction; the batch size only affects how many
// rows each statement carries, never the final totals.
func (s *Store) Ingest(ctx context.Context, text string, orders ...int) (IngestResult, error) {
	if len(orders) == 0 {
		orders = DefaultOrders
	}
	for _, order := range orders {
		if order < MinOrder || order > MaxOrder {
			return IngestResult{}, fmt.Errorf("ngram order %d outside %d..%d", order, MinOrder, MaxOrder)
		}
	}

	clean := charset.Clean(text)
	counts := countNGrams(clean, orders)

	res := IngestResult{Characters: len(clean), Distinct: len(counts)}
	for _, c := range counts {
		res.Observations += int(c)
	}
	if len(counts) == 0 {
		return res, nil
	}

	if err := s.writeCounts(ctx, counts); err != nil {
		return res, &StorageError{Op: "ingest", Err: err}
	}

	s.logger.DebugContext(ctx, "Ngrams ingested",
		slog.Int("characters", res.Characters),
		slog.Int("observations", res.Observations),
		slog.Int("distinct", res.Distinct),
	)
	return res, nil
}

// countNGrams slides a window of each order across clean and tallies
// (context=window[:n-1], next=window[n-1]).
func countNGrams(clean string, orders []int) map[ngramKey]int64 {
	counts := make(map[ngramKey]int64)
	for _, n := range orders {
		for i := 0; i+n <= len(clean); i++ {
			counts[ngramKey{order: n, context: clean[i : i+n-1], next: clean[i+n-1]}]++
		}
	}
	return counts
}

// writeCounts upserts counts in chunks of s.batchRows rows, retrying the
// whole transaction when SQLite reports a lock conflict.
func (s *Store) writeCounts(ctx context.Context, counts map[ngramKey]int64) error {
	keys := make([]ngramKey, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.order != b.order {
			return a.order < b.order
		}
		if a.context != b.context {
			return a.context < b.context
		}
		return a.next < b.next
	})

	op := func() error {
		err := s.upsertTx(ctx, keys, counts)
		if err != nil && !isBusy(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(op, backoff.WithContext(s.newBackOff(), ctx))
	if err != nil {
		return err
	}
	s.invalidate()
	return nil
}

func (s *Store) upsertTx(ctx context.Context, keys []ngramKey, counts map[ngramKey]int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	// All transaction-specific statements will also be closed with this or the .Commit()
	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(tx)

	stmts := make(map[int]*sql.Stmt, 2)
	defer func() {
		for _, stmt := range stmts {
			_ = stmt.Close()
		}
	}()

	args := make([]any, 0, s.batchRows*4)
	for start := 0; start < len(keys); start += s.batchRows {
		end := min(start+s.batchRows, len(keys))
		rows := end - start

		stmt, ok := stmts[rows]
		if !ok {
			stmt, err = tx.PrepareContext(ctx, upsertQuery(rows))
			if err != nil {
				return fmt.Errorf("failed to prepare batch upsert of %d rows: %w", rows, err)
			}
			stmts[rows] = stmt
		}

		args = args[:0]
		for _, k := range keys[start:end] {
			args = append(args, k.order, k.context, string(k.next), counts[k])
		}
		if _, err = stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("failed during batch upsert at row %d: %w", start, err)
		}
	}

	return tx.Commit()
}

// upsertQuery builds a multi-row insert whose conflicts add to the stored
// frequency instead of replacing it.
func upsertQuery(rows int) string {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO markov_ngrams (ngram_order, context, next_char, frequency) VALUES `)
	for i := 0; i < rows; i++ {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString("(?, ?, ?, ?)")
	}
	sb.WriteString(` ON CONFLICT(ngram_order, context, next_char) DO UPDATE SET frequency = frequency + excluded.frequency;`)
	return sb.String()
}
