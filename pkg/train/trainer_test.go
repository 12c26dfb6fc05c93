package train

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/CTAG07/Sundew/pkg/markov"
	"github.com/CTAG07/Sundew/pkg/neural"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tinyConfig() neural.Config {
	return neural.Config{
		Window:          4,
		EmbedDim:        4,
		ConvChannels:    4,
		ConvLayers:      1,
		KernelSize:      3,
		HiddenDim:       4,
		RecurrentLayers: 1,
		Heads:           2,
		Seed:            3,
	}
}

func tinyOptions() Options {
	o := DefaultOptions()
	o.EpochsPerBlock = 1
	o.BatchSize = 8
	o.LearningRate = 0.01
	return o
}

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "train.db")+"?_journal_mode=WAL&_busy_timeout=5000")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, SetupSchema(db))
	return db
}

type recordingIngester struct {
	mu     sync.Mutex
	blocks []string
	err    error
}

func (r *recordingIngester) Ingest(_ context.Context, text string, _ ...int) (markov.IngestResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocks = append(r.blocks, text)
	if r.err != nil {
		return markov.IngestResult{}, &markov.StorageError{Op: "ingest", Err: r.err}
	}
	return markov.IngestResult{Characters: len(text)}, nil
}

type stubEvaluator struct {
	err   error
	calls []int64
}

func (s *stubEvaluator) EvaluateCheckpoint(_ context.Context, _ string, id int64) error {
	s.calls = append(s.calls, id)
	return s.err
}

func newTestTrainer(t *testing.T) (*Trainer, *CheckpointStore, *recordingIngester) {
	t.Helper()
	store := NewCheckpointStore(openDB(t))
	ing := &recordingIngester{}
	return NewTrainer(ing, store, t.TempDir(), tinyConfig()), store, ing
}

func TestBlockCount(t *testing.T) {
	tests := []struct {
		n, size, want int
	}{
		{4500, 1000, 5},
		{1000, 1000, 1},
		{1001, 1000, 2},
		{0, 1000, 0},
		{10, 0, 0},
	}
	for _, tt := range tests {
		text := string(make([]rune, tt.n))
		assert.Equal(t, tt.want, BlockCount(text, tt.size), "len=%d size=%d", tt.n, tt.size)
		if tt.size > 0 {
			assert.Len(t, splitBlocks(text, tt.size), tt.want)
		}
	}
}

func TestSplitBlocksKeepsEveryCharacter(t *testing.T) {
	text := "héllo wörld, again and again"
	blocks := splitBlocks(text, 6)
	joined := ""
	for _, b := range blocks {
		assert.LessOrEqual(t, len([]rune(b)), 6)
		joined += b
	}
	assert.Equal(t, text, joined)
}

func TestBuildSamplesPadsShortBlocks(t *testing.T) {
	samples, err := buildSamples("ab", 4)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	// "   AB": three spaces of padding, then A predicts B.
	assert.Equal(t, []int{26, 26, 26, 0}, samples[0].Input)
	assert.Equal(t, 1, samples[0].Target)

	samples, err = buildSamples("ABCDEFG", 4)
	require.NoError(t, err)
	assert.Len(t, samples, 3)

	_, err = buildSamples("1234 !?", 4)
	require.NoError(t, err, "a lone space is still a usable character")

	_, err = buildSamples("123!?", 4)
	var ide *InsufficientDataError
	assert.True(t, errors.As(err, &ide))
}

func TestCheckpointStoreSingleBest(t *testing.T) {
	ctx := context.Background()
	store := NewCheckpointStore(openDB(t))

	_, err := store.Best(ctx)
	assert.ErrorIs(t, err, ErrNoCheckpoint)

	var ids []int64
	for i := 0; i < 3; i++ {
		c := &Checkpoint{EpochsTrained: i + 1, BlockSize: 10, StoragePath: filepath.Join("ckpt", string(rune('a'+i))), Loss: float64(i)}
		require.NoError(t, store.Create(ctx, c))
		assert.True(t, c.IsBest)
		ids = append(ids, c.ID)
	}

	best, err := store.Best(ctx)
	require.NoError(t, err)
	assert.Equal(t, ids[2], best.ID)

	all, err := store.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	nBest := 0
	for _, c := range all {
		if c.IsBest {
			nBest++
		}
	}
	assert.Equal(t, 1, nBest)
	assert.Equal(t, ids[2], all[0].ID, "newest first")

	got, err := store.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.False(t, got.IsBest)
	assert.Equal(t, 1, got.EpochsTrained)

	_, err = store.Get(ctx, 999)
	assert.ErrorIs(t, err, ErrNoCheckpoint)
}

func TestCheckpointStoreConcurrentCreate(t *testing.T) {
	ctx := context.Background()
	store := NewCheckpointStore(openDB(t))

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- store.Create(ctx, &Checkpoint{StoragePath: filepath.Join("c", string(rune('a'+i)))})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	all, err := store.List(ctx, 100)
	require.NoError(t, err)
	nBest := 0
	for _, c := range all {
		if c.IsBest {
			nBest++
		}
	}
	assert.Equal(t, 1, nBest)
}

func TestMetricsRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewCheckpointStore(openDB(t))
	c := &Checkpoint{StoragePath: "x"}
	require.NoError(t, store.Create(ctx, c))

	m := &Metric{CheckpointID: c.ID, Type: MetricTrainingLoss, Value: 1.5, Metadata: map[string]any{"blocks": 2}}
	require.NoError(t, store.RecordMetric(ctx, m))
	assert.NotZero(t, m.ID)

	got, err := store.Metrics(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, MetricTrainingLoss, got[0].Type)
	assert.Equal(t, 1.5, got[0].Value)
	assert.EqualValues(t, 2, got[0].Metadata["blocks"])
}

func TestTrainRecordsCheckpoint(t *testing.T) {
	ctx := context.Background()
	tr, store, ing := newTestTrainer(t)

	var published *neural.Model
	tr.SetPublisher(func(m *neural.Model, _ Checkpoint) { published = m })
	ev := &stubEvaluator{}
	tr.SetEvaluator(ev)

	var percents []int
	var last string
	opts := tinyOptions()
	opts.BlockSize = 20
	opts.EpochsPerBlock = 2
	opts.JobID = "job-1"
	text := "the quick brown fox jumps over the lazy dog"
	res, err := tr.Train(ctx, text, opts, func(p int, msg string) {
		percents = append(percents, p)
		last = msg
	})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Blocks)
	assert.Equal(t, FreshInit, res.Start)
	assert.Equal(t, 6, res.Checkpoint.EpochsTrained)
	assert.Equal(t, "job-1", res.Checkpoint.JobID)
	assert.True(t, res.Evaluated)
	assert.Equal(t, []int64{res.Checkpoint.ID}, ev.calls)
	assert.NotNil(t, published)
	assert.Len(t, ing.blocks, 3)

	_, err = os.Stat(res.Checkpoint.StoragePath)
	assert.NoError(t, err)

	require.NotEmpty(t, percents)
	for i := 1; i < len(percents); i++ {
		assert.GreaterOrEqual(t, percents[i], percents[i-1])
	}
	for _, p := range percents[:len(percents)-1] {
		assert.Less(t, p, 100)
	}
	assert.Equal(t, 100, percents[len(percents)-1])
	assert.Contains(t, last, string(PhaseDone))

	metrics, err := store.Metrics(ctx, res.Checkpoint.ID)
	require.NoError(t, err)
	require.Len(t, metrics, 1)
	assert.InDelta(t, res.Loss, metrics[0].Value, 1e-12)

	// The next run continues from the checkpoint just written.
	res2, err := tr.Train(ctx, text, opts, nil)
	require.NoError(t, err)
	assert.Equal(t, Loaded, res2.Start)

	all, err := store.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.True(t, all[0].IsBest)
	assert.False(t, all[1].IsBest)
}

func TestTrainSurvivesIngestFailure(t *testing.T) {
	tr, _, ing := newTestTrainer(t)
	ing.err = errors.New("database is locked")

	res, err := tr.Train(context.Background(), "hello there general kenobi", tinyOptions(), nil)
	require.NoError(t, err)
	assert.NotZero(t, res.Checkpoint.ID)
}

func TestTrainEvaluationFailureIsNotFatal(t *testing.T) {
	tr, _, _ := newTestTrainer(t)
	tr.SetEvaluator(&stubEvaluator{err: errors.New("no simulations succeeded")})

	res, err := tr.Train(context.Background(), "hello there general kenobi", tinyOptions(), nil)
	require.NoError(t, err)
	assert.False(t, res.Evaluated)
}

func TestTrainSkipsEmptyBlocks(t *testing.T) {
	tr, _, _ := newTestTrainer(t)
	opts := tinyOptions()
	opts.BlockSize = 5

	res, err := tr.Train(context.Background(), "12345HELLO", opts, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Blocks)
	assert.Equal(t, 1, res.SkippedBlocks)
}

func TestTrainFailsWhenEveryBlockIsSkipped(t *testing.T) {
	ctx := context.Background()
	tr, store, _ := newTestTrainer(t)

	var percents []int
	_, err := tr.Train(ctx, "1234567890!!", tinyOptions(), func(p int, _ string) { percents = append(percents, p) })
	require.Error(t, err)

	_, err = store.Best(ctx)
	assert.ErrorIs(t, err, ErrNoCheckpoint)
	for _, p := range percents {
		assert.Less(t, p, 100)
	}
}

func TestTrainRejectsBadOptions(t *testing.T) {
	tr, _, _ := newTestTrainer(t)
	opts := tinyOptions()
	opts.BlockSize = 0
	_, err := tr.Train(context.Background(), "text", opts, nil)
	assert.Error(t, err)
}

func TestLoadBestFallsBackOnCorruptBlob(t *testing.T) {
	ctx := context.Background()
	tr, store, _ := newTestTrainer(t)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("garbage"), 0o644))
	require.NoError(t, store.Create(ctx, &Checkpoint{StoragePath: bad}))

	res, err := tr.LoadBest(ctx)
	require.NoError(t, err)
	assert.Equal(t, FreshInit, res.Outcome)
	require.NotNil(t, res.Model)
	var cle *neural.CheckpointLoadError
	assert.True(t, errors.As(res.Err, &cle))

	// Training still succeeds from fresh weights.
	out, err := tr.Train(ctx, "recovering from a bad blob", tinyOptions(), nil)
	require.NoError(t, err)
	assert.Equal(t, FreshInit, out.Start)
}

func TestLoadBestWithoutCheckpoint(t *testing.T) {
	tr, _, _ := newTestTrainer(t)
	res, err := tr.LoadBest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, FreshInit, res.Outcome)
	assert.NoError(t, res.Err)
}
