package markov

import (
	"context"
	"database/sql"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

// openStore opens a file-backed SQLite database under tb.TempDir with the
// given DSN parameters and returns a Store over it. Everything is released
// through tb.Cleanup.
func openStore(tb testing.TB, params string, opts ...Option) (*sql.DB, *Store) {
	tb.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(tb.TempDir(), "ngrams.db")+"?"+params)
	if err != nil {
		tb.Fatalf("failed to open database: %v", err)
	}
	tb.Cleanup(func() { _ = db.Close() })

	if err = SetupSchema(db); err != nil {
		tb.Fatalf("failed to set up schema: %v", err)
	}
	s, err := NewStore(db, opts...)
	if err != nil {
		tb.Fatalf("NewStore() error = %v", err)
	}
	tb.Cleanup(s.Close)
	return db, s
}

// setupTestDB creates a Store with the busy timeout the server uses.
func setupTestDB(t *testing.T, opts ...Option) (*sql.DB, *Store) {
	return openStore(t, "_journal_mode=WAL&_busy_timeout=5000", opts...)
}

// setupTestDBWithIngest also ingests a short corpus.
func setupTestDBWithIngest(t *testing.T) (context.Context, *Store) {
	_, s := setupTestDB(t)
	ctx := context.Background()
	if _, err := s.Ingest(ctx, "one fish two fish. red fish blue fish."); err != nil {
		t.Fatalf("setup: Ingest() failed: %v", err)
	}
	return ctx, s
}

// setupTestDBBench trades durability for speed.
func setupTestDBBench(b *testing.B) (*sql.DB, *Store) {
	return openStore(b, "_journal_mode=WAL&_synchronous=OFF&_cache_size=-16000")
}

var (
	benchmarkCorpus string
	corpusOnce      sync.Once
)

var benchmarkWords = strings.Fields(`the of and to in is was he for it with as his on be at by had
	are but from or have an they which one you were her all she there would their we him been
	has when who will more no if out so said what up its about into than them can only other
	new some could time these two may then do first any my now such like our over man me even
	most made after also did many before must through back years where much your way well down
	should because each just those people how too little state good very make world still own
	see men work long get here between both life being under never day same another know while`)

// createBenchmarkCorpus builds a deterministic corpus of about half a
// megabyte drawn from common English words.
func createBenchmarkCorpus() string {
	corpusOnce.Do(func() {
		rng := rand.New(rand.NewPCG(1, 2))
		var sb strings.Builder
		for sb.Len() < 512<<10 {
			n := 4 + rng.IntN(12)
			for i := 0; i < n; i++ {
				sb.WriteString(benchmarkWords[rng.IntN(len(benchmarkWords))])
				sb.WriteByte(' ')
			}
			sb.WriteString(". ")
		}
		benchmarkCorpus = sb.String()
	})
	return benchmarkCorpus
}
