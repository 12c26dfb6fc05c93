package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/CTAG07/Sundew/pkg/evaluate"
	"github.com/CTAG07/Sundew/pkg/jobs"
	"github.com/CTAG07/Sundew/pkg/neural"
	"github.com/CTAG07/Sundew/pkg/service"
	"github.com/CTAG07/Sundew/pkg/train"
	"github.com/CTAG07/Sundew/pkg/wordcheck"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var corpus = strings.Repeat("THE QUICK BROWN FOX JUMPS OVER THE LAZY DOG. ", 5)

type testServer struct {
	t       *testing.T
	url     string
	svc     *service.Service
	actions chan string
	key     string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := sql.Open("sqlite3", filepath.Join(dir, "sundew.db")+"?_journal_mode=WAL&_busy_timeout=5000")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg := service.DefaultConfig(filepath.Join(dir, "checkpoints"))
	cfg.Model = neural.Config{
		Window:          4,
		EmbedDim:        4,
		ConvChannels:    4,
		ConvLayers:      1,
		KernelSize:      3,
		HiddenDim:       4,
		RecurrentLayers: 1,
		Heads:           2,
		Seed:            7,
	}
	cfg.Training.BatchSize = 16
	cfg.Training.LearningRate = 0.01
	cfg.Training.DefaultEpochsPerBlock = 1
	cfg.Evaluation.NumSimulations = 2
	cfg.Evaluation.MaxLength = 8

	gate := wordcheck.NewGate(wordcheck.NewAllowList(), wordcheck.KindAllowList)
	svc, err := service.New(context.Background(), db, cfg, gate, logger)
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	cm, err := NewConfigManager(filepath.Join(dir, "config.json"))
	require.NoError(t, err)
	cm.SetLogger(logger)

	actions := make(chan string, 1)
	server, err := NewServer(cm, logger, db, svc, actions)
	require.NoError(t, err)

	hs := httptest.NewServer(server.Handler())
	t.Cleanup(hs.Close)
	return &testServer{t: t, url: hs.URL, svc: svc, actions: actions}
}

// do sends body as JSON and decodes the response into out when out is non-nil.
func (ts *testServer) do(method, path string, body any, out any) *http.Response {
	ts.t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(ts.t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.url+path, r)
	require.NoError(ts.t, err)
	if ts.key != "" {
		req.Header.Set(authHeader, ts.key)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(ts.t, err)
	defer func() { _ = resp.Body.Close() }()
	if out != nil {
		require.NoError(ts.t, json.NewDecoder(resp.Body).Decode(out), "%s %s", method, path)
	}
	return resp
}

func TestHealthAndRoot(t *testing.T) {
	ts := newTestServer(t)

	var health map[string]string
	resp := ts.do(http.MethodGet, "/api/health", nil, &health)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", health["status"])

	var root map[string]string
	resp = ts.do(http.MethodGet, "/", nil, &root)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "sundew", root["name"])

	resp = ts.do(http.MethodGet, "/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.do(http.MethodGet, "/api/generate", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, "POST", resp.Header.Get("Allow"))
}

func TestAuthLifecycle(t *testing.T) {
	ts := newTestServer(t)

	var me map[string][]string
	resp := ts.do(http.MethodGet, "/api/auth/me", nil, &me)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{scopeMaster}, me["scopes"])

	// The first key is always a master key.
	var master CreateKeyResponse
	resp = ts.do(http.MethodPost, "/api/auth/keys", CreateKeyRequest{Description: "admin", Scopes: []string{scopeGenerate}}, &master)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, []string{scopeMaster}, master.Scopes)
	assert.True(t, strings.HasPrefix(master.RawKey, "sundew_"))

	resp = ts.do(http.MethodGet, "/api/auth/me", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	ts.key = master.RawKey
	var limited CreateKeyResponse
	resp = ts.do(http.MethodPost, "/api/auth/keys", CreateKeyRequest{Description: "writer", Scopes: []string{scopeGenerate}}, &limited)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, []string{scopeGenerate}, limited.Scopes)

	var keys []APIKeyInfo
	resp = ts.do(http.MethodGet, "/api/auth/keys", nil, &keys)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, keys, 2)
	assert.Equal(t, "writer", keys[1].Description)
	assert.NotNil(t, keys[0].LastUsedAt)
	assert.Nil(t, keys[1].LastUsedAt)

	resp = ts.do(http.MethodPost, "/api/auth/keys", CreateKeyRequest{Scopes: []string{"train:everything"}}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	ts.key = limited.RawKey
	resp = ts.do(http.MethodGet, "/api/stats/summary", nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp = ts.do(http.MethodPost, "/api/auth/keys", CreateKeyRequest{Scopes: []string{scopeMaster}}, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp = ts.do(http.MethodPost, "/api/generate", map[string]any{"length": 3}, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ts.key = "sundew_wrong"
	resp = ts.do(http.MethodGet, "/api/auth/me", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	ts.key = master.RawKey
	resp = ts.do(http.MethodDelete, "/api/auth/keys/1", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = ts.do(http.MethodDelete, fmt.Sprintf("/api/auth/keys/%d", limited.ID), nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = ts.do(http.MethodDelete, fmt.Sprintf("/api/auth/keys/%d", limited.ID), nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	ts.key = limited.RawKey
	resp = ts.do(http.MethodPost, "/api/generate", map[string]any{"length": 3}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestTrainThroughAPI(t *testing.T) {
	ts := newTestServer(t)

	var submitted map[string]string
	resp := ts.do(http.MethodPost, "/api/train", TrainRequest{Text: corpus, BlockSize: len(corpus), EpochsPerBlock: 1}, &submitted)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id := submitted["job_id"]
	require.NotEmpty(t, id)

	var job jobs.Job
	require.Eventually(t, func() bool {
		job = jobs.Job{}
		resp := ts.do(http.MethodGet, "/api/train/jobs/"+id, nil, &job)
		return resp.StatusCode == http.StatusOK && job.Status.Terminal()
	}, 60*time.Second, 20*time.Millisecond)
	require.Equal(t, jobs.StatusSuccess, job.Status, job.Error)

	var list []jobs.Job
	ts.do(http.MethodGet, "/api/train/jobs", nil, &list)
	require.Len(t, list, 1)
	var history []jobs.Job
	resp = ts.do(http.MethodGet, "/api/train/jobs?history=true&limit=5", nil, &history)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, history, 1)
	assert.Equal(t, id, history[0].ID)

	var cps []train.Checkpoint
	resp = ts.do(http.MethodGet, "/api/checkpoints", nil, &cps)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, cps, 1)
	assert.Equal(t, id, cps[0].JobID)

	var metrics []train.Metric
	resp = ts.do(http.MethodGet, fmt.Sprintf("/api/checkpoints/%d/metrics", cps[0].ID), nil, &metrics)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, metrics)

	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, "/api/checkpoints/999/metrics", nil, nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, "/api/checkpoints/1/weights", nil, nil).StatusCode)
	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodGet, "/api/checkpoints/abc/metrics", nil, nil).StatusCode)
	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodGet, "/api/checkpoints?limit=0", nil, nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, "/api/train/jobs/unknown", nil, nil).StatusCode)
	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodPost, "/api/train", TrainRequest{Text: ""}, nil).StatusCode)
	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodPost, "/api/train", TrainRequest{Text: corpus, BlockSize: -1}, nil).StatusCode)

	// Post-training evaluation is recorded against the job.
	var evals []evaluate.Result
	resp = ts.do(http.MethodGet, "/api/evaluate/history", nil, &evals)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, evals, 1)
	assert.Equal(t, id, evals[0].JobID)

	// A manual evaluation shows up as the latest but not on the progress chart.
	var manual evaluate.Result
	resp = ts.do(http.MethodPost, "/api/evaluate", map[string]any{"num_simulations": 2, "max_length": 6}, &manual)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var latest evaluate.Result
	resp = ts.do(http.MethodGet, "/api/evaluate/latest", nil, &latest)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, manual.ID, latest.ID)

	var chart evaluate.ProgressChart
	resp = ts.do(http.MethodGet, "/api/evaluate/progress", nil, &chart)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{id}, chart.JobIDs)
	assert.Equal(t, []float64{evals[0].MeanValidity}, chart.MeanValidity)
	require.Len(t, chart.Timestamps, 1)
}

func TestGenerateAndDistribution(t *testing.T) {
	ts := newTestServer(t)
	_, err := ts.svc.Markov().Ingest(context.Background(), corpus)
	require.NoError(t, err)

	var gen GenerateResponse
	resp := ts.do(http.MethodPost, "/api/generate", map[string]any{"seed": "the", "length": 10}, &gen)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(gen.Text, "THE"), gen.Text)
	assert.LessOrEqual(t, len(gen.Text), 13)

	var seedOnly GenerateResponse
	resp = ts.do(http.MethodPost, "/api/generate", map[string]any{"seed": "the fox", "length": 0}, &seedOnly)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "THE FOX", seedOnly.Text)

	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodPost, "/api/generate", map[string]any{"length": -1}, nil).StatusCode)
	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodPost, "/api/generate", map[string]any{"neural_weight": 2}, nil).StatusCode)

	var history []service.Generation
	resp = ts.do(http.MethodGet, "/api/generate/history", nil, &history)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, history, 2)
	assert.Equal(t, "THE FOX", history[0].Text)
	assert.Equal(t, gen.Text, history[1].Text)

	var cleared map[string]int64
	resp = ts.do(http.MethodDelete, "/api/generate/history", nil, &cleared)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, cleared["removed"])
	ts.do(http.MethodGet, "/api/generate/history", nil, &history)
	assert.Empty(t, history)
	resp = ts.do(http.MethodPost, "/api/generate/history", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, "GET, DELETE", resp.Header.Get("Allow"))

	var dist DistributionResponse
	resp = ts.do(http.MethodPost, "/api/generate/distribution", DistributionRequest{Context: "TH"}, &dist)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sum float64
	for k, p := range dist.Probabilities {
		assert.Len(t, []rune(k), 1)
		sum += p
	}
	assert.InDelta(t, 1.0, sum, 1e-6)

	bad := -0.5
	resp = ts.do(http.MethodPost, "/api/generate/distribution", DistributionRequest{Context: "TH", NeuralWeight: &bad}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMarkovEndpoints(t *testing.T) {
	ts := newTestServer(t)
	_, err := ts.svc.Markov().Ingest(context.Background(), corpus)
	require.NoError(t, err)

	var stats struct {
		TotalNGrams int64 `json:"total_ngrams"`
	}
	resp := ts.do(http.MethodGet, "/api/markov/stats", nil, &stats)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Positive(t, stats.TotalNGrams)

	var probs ProbabilitiesResponse
	resp = ts.do(http.MethodPost, "/api/markov/probabilities", ProbabilitiesRequest{Order: 2, Context: "qt"}, &probs)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "T", probs.Context)
	assert.InDelta(t, 1.0, probs.Probabilities["H"], 1e-9)

	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodPost, "/api/markov/probabilities", ProbabilitiesRequest{Order: 9}, nil).StatusCode)

	var pruned map[string]int64
	resp = ts.do(http.MethodPost, "/api/markov/prune", PruneRequest{MinCount: 1000}, &pruned)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, stats.TotalNGrams, pruned["removed"])

	assert.Equal(t, http.StatusNoContent, ts.do(http.MethodPost, "/api/markov/reset", nil, nil).StatusCode)
	ts.do(http.MethodGet, "/api/markov/stats", nil, &stats)
	assert.Zero(t, stats.TotalNGrams)
}

func TestMarkovExportImport(t *testing.T) {
	ts := newTestServer(t)
	_, err := ts.svc.Markov().Ingest(context.Background(), corpus)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, ts.url+"/api/markov/export", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	exported, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "sundew_ngrams.json")

	before, err := ts.svc.Markov().Stats(context.Background())
	require.NoError(t, err)

	req, err = http.NewRequest(http.MethodPost, ts.url+"/api/markov/import", bytes.NewReader(exported))
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	after, err := ts.svc.Markov().Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before.TotalNGrams, after.TotalNGrams)
	assert.Equal(t, 2*before.TotalObservations, after.TotalObservations)
}

func TestEvaluateEndpoints(t *testing.T) {
	ts := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, "/api/evaluate/latest", nil, nil).StatusCode)

	var res evaluate.Result
	resp := ts.do(http.MethodPost, "/api/evaluate", map[string]any{"num_simulations": 2, "max_length": 6}, &res)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, res.NumSimulations)
	assert.Positive(t, res.ID)

	var got evaluate.Result
	resp = ts.do(http.MethodGet, fmt.Sprintf("/api/evaluate/%d", res.ID), nil, &got)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, res.ID, got.ID)

	var history []evaluate.Result
	ts.do(http.MethodGet, "/api/evaluate/history?limit=5", nil, &history)
	assert.Len(t, history, 1)

	var chart evaluate.ProgressChart
	resp = ts.do(http.MethodGet, "/api/evaluate/progress?limit=5", nil, &chart)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, chart.JobIDs, "manual evaluations are not training progress")

	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodPost, "/api/evaluate", map[string]any{"num_simulations": 0}, nil).StatusCode)
	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodGet, "/api/evaluate/abc", nil, nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, "/api/evaluate/9999", nil, nil).StatusCode)
}

func TestServerEndpoints(t *testing.T) {
	ts := newTestServer(t)

	var info VersionInfo
	resp := ts.do(http.MethodGet, "/api/server/version", nil, &info)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, Version, info.Version)

	var cfg Config
	resp = ts.do(http.MethodGet, "/api/server/config", nil, &cfg)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, cfg.Generation)

	cfg.Generation.NeuralWeight = 0.75
	var updated Config
	resp = ts.do(http.MethodPut, "/api/server/config", cfg, &updated)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0.75, updated.Generation.NeuralWeight)

	cfg.Generation.NeuralWeight = 3
	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodPut, "/api/server/config", cfg, nil).StatusCode)

	resp = ts.do(http.MethodPost, "/api/server/restart", nil, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	select {
	case action := <-ts.actions:
		assert.Equal(t, actionRestart, action)
	case <-time.After(5 * time.Second):
		t.Fatal("restart action was not sent")
	}
}

func TestUsageStats(t *testing.T) {
	ts := newTestServer(t)

	for i := 0; i < 3; i++ {
		ts.do(http.MethodGet, fmt.Sprintf("/api/evaluate/%d", 100+i), nil, nil)
	}
	ts.do(http.MethodGet, "/api/health", nil, nil)

	var routes []UsageRow
	resp := ts.do(http.MethodGet, "/api/stats/top_routes", nil, &routes)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, routes)
	assert.Equal(t, "/api/evaluate/{id}", routes[0].Key)
	assert.EqualValues(t, 3, routes[0].TotalHits)
	for _, r := range routes {
		assert.NotEqual(t, "/api/health", r.Key)
	}

	var clients []UsageRow
	ts.do(http.MethodGet, "/api/stats/top_clients", nil, &clients)
	require.Len(t, clients, 1)
	assert.Equal(t, "127.0.0.1", clients[0].Key)

	var summary GlobalStatsSummary
	resp = ts.do(http.MethodGet, "/api/stats/summary", nil, &summary)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, summary.Service)
	assert.Equal(t, wordcheck.KindAllowList, summary.Service.Validator)
	assert.EqualValues(t, 1, summary.UniqueClients)
	assert.GreaterOrEqual(t, summary.TotalRequests, int64(5))
}

func TestRouteKey(t *testing.T) {
	assert.Equal(t, "/api/checkpoints/{id}/metrics", routeKey("/api/checkpoints/12/metrics"))
	assert.Equal(t, "/api/train/jobs/{id}", routeKey("/api/train/jobs/6ba7b810-9dad-11d1-80b4-00c04fd430c8"))
	assert.Equal(t, "/api/train/jobs", routeKey("/api/train/jobs"))
}

func TestErrorStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: bad", service.ErrInvalidRequest), http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", jobs.ErrJobNotFound), http.StatusNotFound},
		{train.ErrNoCheckpoint, http.StatusNotFound},
		{evaluate.ErrNotFound, http.StatusNotFound},
		{jobs.ErrClosed, http.StatusServiceUnavailable},
		{&evaluate.EvaluationError{Attempted: 3, Err: errors.New("boom")}, http.StatusUnprocessableEntity},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, errorStatus(c.err), c.err.Error())
	}
}

func TestQueryLimit(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	n, ok := queryLimit(r, 20)
	assert.True(t, ok)
	assert.Equal(t, 20, n)

	r = httptest.NewRequest(http.MethodGet, "/x?limit=5000", nil)
	n, ok = queryLimit(r, 20)
	assert.True(t, ok)
	assert.Equal(t, 1000, n)

	r = httptest.NewRequest(http.MethodGet, "/x?limit=-2", nil)
	_, ok = queryLimit(r, 20)
	assert.False(t, ok)
}
