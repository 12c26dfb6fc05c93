package evaluate

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/CTAG07/Sundew/pkg/sampler"
	"github.com/CTAG07/Sundew/pkg/wordcheck"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedGen returns canned outputs in order, cycling; an empty string in
// the script stands for a failed simulation.
type scriptedGen struct {
	script []string
	calls  int
	lens   []int
}

func (g *scriptedGen) Generate(_ context.Context, seed string, length int, _ ...sampler.GenerateOption) (string, error) {
	out := g.script[g.calls%len(g.script)]
	g.calls++
	g.lens = append(g.lens, length)
	if seed != "" {
		return "", errors.New("evaluation must use an empty seed")
	}
	if out == "" {
		return "", errors.New("transient generation error")
	}
	return out, nil
}

func validator() wordcheck.Validator {
	return wordcheck.NewGate(wordcheck.NewAllowList("the", "fox", "dog"), "test")
}

func openStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "eval.db")+"?_journal_mode=WAL&_busy_timeout=5000")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, SetupSchema(db))
	return NewStore(db)
}

func params(n int) Params {
	p := DefaultParams()
	p.NumSimulations = n
	p.MaxLength = 30
	return p
}

func TestHistogramLabels(t *testing.T) {
	labels := HistogramLabels()
	require.Len(t, labels, 25)
	assert.Equal(t, "0-4", labels[0])
	assert.Equal(t, "96-100", labels[24])

	tests := map[float64]string{
		0:     "0-4",
		3.99:  "0-4",
		4:     "4-8",
		50:    "48-52",
		99.9:  "96-100",
		100:   "96-100",
		66.67: "64-68",
	}
	for pct, want := range tests {
		assert.Equal(t, want, binLabel(pct), "%v", pct)
	}
}

func TestValidity(t *testing.T) {
	v := validator()
	pct, valid, total := Validity(v, "THE FOX XQJ DOG")
	assert.InDelta(t, 75.0, pct, 1e-9)
	assert.Equal(t, 3, valid)
	assert.Equal(t, 4, total)

	pct, _, total = Validity(v, "    ")
	assert.Zero(t, pct)
	assert.Zero(t, total)
}

func TestEvaluateAggregates(t *testing.T) {
	gen := &scriptedGen{script: []string{
		"THE FOX",         // 100
		"THE XQJ",         // 50
		"XQJ ZZZ QQQ VVV", // 0
		"THE FOX DOG XQJ", // 75
	}}
	e := New(gen, validator())

	res, err := e.Evaluate(context.Background(), params(20))
	require.NoError(t, err)

	assert.Equal(t, 20, res.NumSimulations)
	assert.Equal(t, 20, res.SuccessfulSimulations)
	assert.InDelta(t, 56.25, res.MeanValidity, 1e-9)
	assert.InDelta(t, 62.5, res.MedianValidity, 1e-9)
	assert.Equal(t, 0.0, res.MinValidity)
	assert.Equal(t, 100.0, res.MaxValidity)
	assert.LessOrEqual(t, res.MinValidity, res.MeanValidity)
	assert.LessOrEqual(t, res.MeanValidity, res.MaxValidity)
	assert.Greater(t, res.StdDeviation, 0.0)

	total := 0
	for _, c := range res.Histogram {
		total += c
	}
	assert.Equal(t, res.SuccessfulSimulations, total)
	assert.Len(t, res.Histogram, 25)
	assert.Equal(t, 5, res.Histogram["96-100"])
	assert.Equal(t, 5, res.Histogram["48-52"])
	assert.Equal(t, 5, res.Histogram["0-4"])
	assert.Equal(t, 5, res.Histogram["72-76"])

	for _, l := range gen.lens {
		assert.Equal(t, 30, l)
	}
}

func TestEvaluateSkipsFailedSimulations(t *testing.T) {
	gen := &scriptedGen{script: []string{"THE FOX", ""}}
	e := New(gen, validator())

	res, err := e.Evaluate(context.Background(), params(20))
	require.NoError(t, err)
	assert.Equal(t, 10, res.SuccessfulSimulations)
	assert.LessOrEqual(t, res.SuccessfulSimulations, res.NumSimulations)

	total := 0
	for _, c := range res.Histogram {
		total += c
	}
	assert.Equal(t, 10, total)
}

func TestEvaluateFailsWhenNothingSucceeds(t *testing.T) {
	e := New(&scriptedGen{script: []string{""}}, validator())
	_, err := e.Evaluate(context.Background(), params(5))

	var ee *EvaluationError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, 5, ee.Attempted)
	assert.Contains(t, err.Error(), "transient generation error")
}

func TestEvaluateRejectsBadParams(t *testing.T) {
	e := New(&scriptedGen{script: []string{"THE"}}, validator())
	for _, mutate := range []func(*Params){
		func(p *Params) { p.NumSimulations = 0 },
		func(p *Params) { p.MaxLength = 0 },
		func(p *Params) { p.NeuralWeight = 2 },
	} {
		p := params(3)
		mutate(&p)
		_, err := e.Evaluate(context.Background(), p)
		assert.Error(t, err)
	}
}

func TestEvaluateCapsSamples(t *testing.T) {
	long := strings.Repeat("THE ", 100)
	e := New(&scriptedGen{script: []string{long}}, validator(), WithSampleCap(3, 10))

	res, err := e.Evaluate(context.Background(), params(7))
	require.NoError(t, err)
	require.Len(t, res.Samples, 3)
	for _, s := range res.Samples {
		assert.Len(t, s.Text, 10)
		assert.Equal(t, 100, s.TotalWords, "scores use the full text")
	}
}

func TestEvaluatePersists(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	e := New(&scriptedGen{script: []string{"THE FOX", "XQJ"}}, validator(), WithStore(store))

	p := params(4)
	p.JobID = "job-9"
	p.CheckpointID = 12
	first, err := e.Evaluate(ctx, p)
	require.NoError(t, err)
	assert.NotZero(t, first.ID)

	second, err := e.Evaluate(ctx, params(2))
	require.NoError(t, err)

	got, err := store.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "job-9", got.JobID)
	assert.EqualValues(t, 12, got.CheckpointID)
	assert.InDelta(t, first.MeanValidity, got.MeanValidity, 1e-12)
	assert.Equal(t, first.Histogram, got.Histogram)
	assert.Equal(t, first.Parameters.NumSimulations, got.Parameters.NumSimulations)
	assert.Len(t, got.Samples, 4)

	history, err := store.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, second.ID, history[0].ID)

	_, err = store.Get(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreLatestAndProgressChart(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	_, err := store.Latest(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	base := time.UnixMilli(1_700_000_000_000)
	rows := []*Result{
		{CreatedAt: base, JobID: "job-1", CheckpointID: 1, MeanValidity: 0.1, StdDeviation: 0.01},
		{CreatedAt: base.Add(time.Minute), MeanValidity: 0.9},
		{CreatedAt: base.Add(2 * time.Minute), JobID: "job-2", CheckpointID: 2, MeanValidity: 0.2, StdDeviation: 0.02},
		{CreatedAt: base.Add(3 * time.Minute), JobID: "job-3", CheckpointID: 3, MeanValidity: 0.3, StdDeviation: 0.03},
		{CreatedAt: base.Add(4 * time.Minute), MeanValidity: 0.8},
	}
	for _, r := range rows {
		require.NoError(t, store.Save(ctx, r))
	}

	latest, err := store.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, rows[4].ID, latest.ID)

	chart, err := store.ProgressChart(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-1", "job-2", "job-3"}, chart.JobIDs)
	assert.Equal(t, []float64{0.1, 0.2, 0.3}, chart.MeanValidity)
	assert.Equal(t, []float64{0.01, 0.02, 0.03}, chart.StdDeviation)
	assert.Equal(t, []int64{1, 2, 3}, chart.CheckpointIDs)
	require.Len(t, chart.Timestamps, 3)
	assert.True(t, chart.Timestamps[0].Equal(base))

	recent, err := store.ProgressChart(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-2", "job-3"}, recent.JobIDs, "the limit keeps the newest points")

	empty, err := openStore(t).ProgressChart(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, empty.JobIDs)
	assert.NotNil(t, empty.Timestamps)
}
