package markov

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// MinOrder is the smallest n-gram order the store accepts.
	MinOrder = 2
	// MaxOrder is the largest n-gram order the store accepts.
	MaxOrder = 4

	// defaultBatchRows keeps a multi-row upsert at 800 bound parameters,
	// below SQLite's 999 variable ceiling.
	defaultBatchRows = 200
	// maxBatchRows is the hard ceiling for WithBatchRows (4 params per row).
	maxBatchRows = 249
	// defaultCacheSize is the number of (order, context) distributions kept in memory.
	defaultCacheSize = 4096
)

// DefaultOrders are the n-gram orders ingested when none are given.
var DefaultOrders = []int{2, 3, 4}

// SetupSchema initializes the n-gram table in the provided database. It is
// idempotent and safe to call on an already-initialized database.
func SetupSchema(db *sql.DB) error {

	const schemaNGrams = `
CREATE TABLE IF NOT EXISTS markov_ngrams (
    ngram_order INTEGER NOT NULL,
    context     TEXT    NOT NULL,
    next_char   TEXT    NOT NULL,
    frequency   INTEGER NOT NULL DEFAULT 1 CHECK (frequency >= 1),
    PRIMARY KEY (ngram_order, context, next_char)
);
`

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}

	// If the transaction succeeds, tx.Commit() will be called first, and the rollback will do nothing. If it fails, this will clean up.
	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(tx)

	if _, err = tx.Exec(schemaNGrams); err != nil {
		return fmt.Errorf("could not create ngram schema: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("could not commit transaction: %w", err)
	}

	return nil
}

type cacheKey struct {
	order  int
	prefix string
}

// Store is the character n-gram frequency store. It holds the database
// connection, prepared statements for the read path, and an LRU of
// normalized distributions that is purged on every write.
type Store struct {
	db               *sql.DB
	stmtDistribution *sql.Stmt
	stmtCount        *sql.Stmt
	stmtStats        *sql.Stmt
	cache            *lru.Cache[cacheKey, map[rune]float64]
	batchRows        int
	newBackOff       func() backoff.BackOff
	logger           *slog.Logger

	// cacheMu orders cache fills against invalidation. writes counts the
	// committed writes, so a read that raced one never reaches the cache.
	cacheMu sync.Mutex
	writes  uint64

	// afterQuery runs between the database read and the cache fill.
	afterQuery func()
}

// Option configures a Store.
type Option func(*Store) error

// WithBatchRows sets how many rows a single upsert statement carries.
func WithBatchRows(n int) Option {
	return func(s *Store) error {
		if n <= 0 || n > maxBatchRows {
			return fmt.Errorf("batch rows must be within 1..%d, got %d", maxBatchRows, n)
		}
		s.batchRows = n
		return nil
	}
}

// WithCacheSize sets the capacity of the probability cache.
func WithCacheSize(n int) Option {
	return func(s *Store) error {
		cache, err := lru.New[cacheKey, map[rune]float64](n)
		if err != nil {
			return fmt.Errorf("could not create probability cache: %w", err)
		}
		s.cache = cache
		return nil
	}
}

// WithBackOff sets the retry policy used when the database reports it is busy.
func WithBackOff(factory func() backoff.BackOff) Option {
	return func(s *Store) error {
		s.newBackOff = factory
		return nil
	}
}

// NewStore creates and returns a new Store. It pre-compiles the read
// statements, returning an error if any preparation fails.
func NewStore(db *sql.DB, opts ...Option) (*Store, error) {
	stmtDistribution, err := db.Prepare(`SELECT next_char, frequency FROM markov_ngrams WHERE ngram_order = ? AND context = ?;`)
	if err != nil {
		return nil, err
	}

	stmtCount, err := db.Prepare(`SELECT frequency FROM markov_ngrams WHERE ngram_order = ? AND context = ? AND next_char = ?;`)
	if err != nil {
		return nil, err
	}

	stmtStats, err := db.Prepare(`SELECT ngram_order, COUNT(*), COALESCE(SUM(frequency), 0), COUNT(DISTINCT context) FROM markov_ngrams GROUP BY ngram_order ORDER BY ngram_order;`)
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:               db,
		stmtDistribution: stmtDistribution,
		stmtCount:        stmtCount,
		stmtStats:        stmtStats,
		batchRows:        defaultBatchRows,
		newBackOff: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)
		},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, opt := range opts {
		if err = opt(s); err != nil {
			s.Close()
			return nil, err
		}
	}
	if s.cache == nil {
		if err = WithCacheSize(defaultCacheSize)(s); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

// Close releases the prepared statements. It does not close the database.
func (s *Store) Close() {
	for _, stmt := range []*sql.Stmt{s.stmtDistribution, s.stmtCount, s.stmtStats} {
		if stmt != nil {
			_ = stmt.Close()
		}
	}
}

// SetLogger sets the logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// Probabilities returns the distribution over next characters following
// prefix, normalized over every entry sharing (order, prefix). Unknown contexts and
// orders outside MinOrder..MaxOrder yield an empty map, never an error.
func (s *Store) Probabilities(ctx context.Context, order int, prefix string) (map[rune]float64, error) {
	if order < MinOrder || order > MaxOrder || len(prefix) != order-1 {
		return map[rune]float64{}, nil
	}

	key := cacheKey{order: order, prefix: prefix}
	if dist, ok := s.cache.Get(key); ok {
		return copyDist(dist), nil
	}

	s.cacheMu.Lock()
	snapshot := s.writes
	s.cacheMu.Unlock()

	dist, err := s.queryDistribution(ctx, order, prefix)
	if err != nil {
		return nil, err
	}
	if s.afterQuery != nil {
		s.afterQuery()
	}

	s.cacheMu.Lock()
	if s.writes == snapshot {
		s.cache.Add(key, dist)
	}
	s.cacheMu.Unlock()
	return copyDist(dist), nil
}

func (s *Store) queryDistribution(ctx context.Context, order int, prefix string) (map[rune]float64, error) {
	rows, err := s.stmtDistribution.QueryContext(ctx, order, prefix)
	if err != nil {
		return nil, &StorageError{Op: "probabilities", Err: err}
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	counts := make(map[rune]int64)
	var total int64
	for rows.Next() {
		var next string
		var freq int64
		if err = rows.Scan(&next, &freq); err != nil {
			return nil, &StorageError{Op: "probabilities", Err: err}
		}
		for _, r := range next {
			counts[r] += freq
			break
		}
		total += freq
	}
	if err = rows.Err(); err != nil {
		return nil, &StorageError{Op: "probabilities", Err: err}
	}

	dist := make(map[rune]float64, len(counts))
	for r, c := range counts {
		dist[r] = float64(c) / float64(total)
	}
	return dist, nil
}

// invalidate drops every cached distribution. Writers call it after commit.
func (s *Store) invalidate() {
	s.cacheMu.Lock()
	s.writes++
	s.cache.Purge()
	s.cacheMu.Unlock()
}

// Count returns the raw observation count of a single n-gram, 0 if unseen.
func (s *Store) Count(ctx context.Context, order int, prefix string, next rune) (int64, error) {
	var freq int64
	err := s.stmtCount.QueryRowContext(ctx, order, prefix, string(next)).Scan(&freq)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, &StorageError{Op: "count", Err: err}
	}
	return freq, nil
}

func copyDist(d map[rune]float64) map[rune]float64 {
	out := make(map[rune]float64, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}
