package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"github.com/CTAG07/Sundew/pkg/evaluate"
	"github.com/CTAG07/Sundew/pkg/jobs"
	"github.com/CTAG07/Sundew/pkg/markov"
	"github.com/CTAG07/Sundew/pkg/neural"
	"github.com/CTAG07/Sundew/pkg/sampler"
	"github.com/CTAG07/Sundew/pkg/train"
	"github.com/CTAG07/Sundew/pkg/wordcheck"
)

// ErrInvalidRequest wraps every error caused by bad caller input.
var ErrInvalidRequest = errors.New("invalid request")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// live is the model generation reads from, paired with the checkpoint it
// came from (zero for fresh weights).
type live struct {
	model      *neural.Model
	checkpoint train.Checkpoint
	outcome    train.Outcome
}

// liveSource adapts the published model to sampler.NeuralSource. Readers load
// the pointer once per call, so a publish never exposes half-updated weights.
type liveSource struct {
	p atomic.Pointer[live]
}

func (l *liveSource) Predict(context string) map[rune]float64 {
	return l.p.Load().model.Predict(context)
}

// Service ties the stores, trainer, sampler, evaluator and job orchestrator
// together over one database.
type Service struct {
	db          *sql.DB
	cfg         Config
	ngrams      *markov.Store
	checkpoints *train.CheckpointStore
	trainer     *train.Trainer
	evals       *evaluate.Store
	evaluator   *evaluate.Evaluator
	jobStore    *jobs.Store
	jobs        *jobs.Orchestrator
	generations *generationStore
	sampler     *sampler.Sampler
	validator   wordcheck.Validator
	live        *liveSource
	logger      *slog.Logger
}

// New sets up every schema on db, loads the best checkpoint as the live model
// (fresh weights when there is none or it cannot be read) and starts the job
// workers. Jobs a previous process left unfinished are marked failed.
func New(ctx context.Context, db *sql.DB, cfg Config, validator wordcheck.Validator, logger *slog.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, schema := range []struct {
		name  string
		setup func(*sql.DB) error
	}{
		{"markov", markov.SetupSchema},
		{"checkpoint", train.SetupSchema},
		{"evaluation", evaluate.SetupSchema},
		{"job", jobs.SetupSchema},
		{"generation", setupGenerationSchema},
	} {
		if err := schema.setup(db); err != nil {
			return nil, fmt.Errorf("failed to set up %s schema: %w", schema.name, err)
		}
	}
	if err := os.MkdirAll(cfg.CheckpointDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	ngrams, err := markov.NewStore(db)
	if err != nil {
		return nil, fmt.Errorf("failed to create frequency store: %w", err)
	}
	ngrams.SetLogger(logger)

	s := &Service{
		db:          db,
		cfg:         cfg,
		ngrams:      ngrams,
		checkpoints: train.NewCheckpointStore(db),
		evals:       evaluate.NewStore(db),
		jobStore:    jobs.NewStore(db),
		generations: &generationStore{db: db},
		validator:   validator,
		live:        &liveSource{},
		logger:      logger,
	}
	s.checkpoints.SetLogger(logger)

	s.trainer = train.NewTrainer(ngrams, s.checkpoints, cfg.CheckpointDir, cfg.Model)
	s.trainer.SetLogger(logger)
	s.trainer.SetPublisher(s.publish)
	if cfg.Evaluation.AfterTraining {
		s.trainer.SetEvaluator(s)
	}

	start, err := s.trainer.LoadBest(ctx)
	if err != nil {
		ngrams.Close()
		return nil, fmt.Errorf("failed to initialize model: %w", err)
	}
	s.live.p.Store(&live{model: start.Model, checkpoint: start.Checkpoint, outcome: start.Outcome})
	logger.Info("Model initialized",
		slog.String("start", start.Outcome.String()),
		slog.Int64("checkpoint_id", start.Checkpoint.ID),
		slog.Int("params", start.Model.NumParams()),
	)

	s.sampler = sampler.New(ngrams, s.live)
	s.sampler.SetLogger(logger)

	s.evaluator = evaluate.New(s.sampler, validator,
		evaluate.WithStore(s.evals),
		evaluate.WithSampleCap(cfg.Evaluation.SampleCap, cfg.Evaluation.SampleTextLength),
	)
	s.evaluator.SetLogger(logger)

	if n, err := s.jobStore.FailInterrupted(ctx); err != nil {
		logger.Warn("Could not mark interrupted jobs as failed", "error", err)
	} else if n > 0 {
		logger.Warn("Marked jobs interrupted by the previous shutdown as failed", slog.Int64("jobs", n))
	}

	s.jobs = jobs.New(cfg.Training.Workers,
		jobs.WithRecorder(s.jobStore),
		jobs.WithMaxJobs(cfg.Training.MaxJobs),
		jobs.WithLogger(logger),
	)
	return s, nil
}

// Close fails queued jobs, waits for running ones and releases the frequency
// store. The database and validator belong to the caller.
func (s *Service) Close() {
	s.jobs.Close()
	s.ngrams.Close()
}

// Markov returns the frequency store.
func (s *Service) Markov() *markov.Store {
	return s.ngrams
}

// Config returns the config the service was built with.
func (s *Service) Config() Config {
	return s.cfg
}

// publish makes a trained model the one generation reads from. Checkpoint
// ids grow with creation and the newest checkpoint is the best one, so a
// model older than the live one is dropped. Concurrent jobs may finish out
// of order.
func (s *Service) publish(m *neural.Model, c train.Checkpoint) {
	next := &live{model: m, checkpoint: c, outcome: train.Loaded}
	for {
		cur := s.live.p.Load()
		if cur != nil && cur.checkpoint.ID >= c.ID {
			s.logger.Info("Skipped publishing superseded model",
				slog.Int64("checkpoint_id", c.ID), slog.Int64("live_checkpoint_id", cur.checkpoint.ID))
			return
		}
		if s.live.p.CompareAndSwap(cur, next) {
			s.logger.Info("Published trained model", slog.Int64("checkpoint_id", c.ID), slog.String("path", c.StoragePath))
			return
		}
	}
}

// EvaluateCheckpoint runs the post-training evaluation. The trainer calls it
// after publishing, so it scores the new checkpoint.
func (s *Service) EvaluateCheckpoint(ctx context.Context, jobID string, checkpointID int64) error {
	p := s.cfg.Evaluation.Params
	p.JobID = jobID
	p.CheckpointID = checkpointID
	_, err := s.evaluator.Evaluate(ctx, p)
	return err
}

func (s *Service) trainOptions(blockSize, epochsPerBlock int) (train.Options, error) {
	if blockSize < 0 {
		return train.Options{}, invalid("block_size must be positive, got %d", blockSize)
	}
	if epochsPerBlock < 0 {
		return train.Options{}, invalid("epochs_per_block must be positive, got %d", epochsPerBlock)
	}
	t := s.cfg.Training
	opts := train.Options{
		BlockSize:      t.DefaultBlockSize,
		EpochsPerBlock: t.DefaultEpochsPerBlock,
		BatchSize:      t.BatchSize,
		LearningRate:   t.LearningRate,
		GradClip:       t.GradClip,
		Orders:         t.Orders,
	}
	if blockSize > 0 {
		opts.BlockSize = blockSize
	}
	if epochsPerBlock > 0 {
		opts.EpochsPerBlock = epochsPerBlock
	}
	return opts, nil
}

// Train runs a training invocation on the calling goroutine. Zero block size
// or epochs select the configured defaults.
func (s *Service) Train(ctx context.Context, text string, blockSize, epochsPerBlock int, onProgress train.ProgressFunc) (*train.Result, error) {
	if strings.TrimSpace(text) == "" {
		return nil, invalid("training text is empty")
	}
	opts, err := s.trainOptions(blockSize, epochsPerBlock)
	if err != nil {
		return nil, err
	}
	opts.JobID, _ = jobs.IDFromContext(ctx)
	return s.trainer.Train(ctx, text, opts, onProgress)
}

// SubmitTraining queues a training job and returns its id without waiting.
// Bad input is rejected before a job is created.
func (s *Service) SubmitTraining(text string, blockSize, epochsPerBlock int) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", invalid("training text is empty")
	}
	if _, err := s.trainOptions(blockSize, epochsPerBlock); err != nil {
		return "", err
	}
	return s.jobs.Submit(func(ctx context.Context, progress jobs.ProgressFunc) (string, error) {
		res, err := s.Train(ctx, text, blockSize, epochsPerBlock, train.ProgressFunc(progress))
		if err != nil {
			return "", err
		}
		return res.Checkpoint.StoragePath, nil
	})
}

// JobStatus returns one job, from memory or from the job table.
func (s *Service) JobStatus(ctx context.Context, id string) (jobs.Job, error) {
	return s.jobs.Status(ctx, id)
}

// Jobs returns the jobs held in memory, oldest first.
func (s *Service) Jobs() []jobs.Job {
	return s.jobs.List()
}

// JobHistory returns up to limit recorded jobs, newest first, including jobs
// from previous processes.
func (s *Service) JobHistory(ctx context.Context, limit int) ([]jobs.Job, error) {
	return s.jobStore.List(ctx, limit)
}

// Checkpoints returns up to limit checkpoints, newest first.
func (s *Service) Checkpoints(ctx context.Context, limit int) ([]train.Checkpoint, error) {
	return s.checkpoints.List(ctx, limit)
}

// CheckpointMetrics returns the metrics recorded for one checkpoint.
func (s *Service) CheckpointMetrics(ctx context.Context, id int64) ([]train.Metric, error) {
	if _, err := s.checkpoints.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.checkpoints.Metrics(ctx, id)
}

// GenerateRequest describes one generation. Nil fields take the configured
// defaults; an explicit zero length returns the cleaned seed.
type GenerateRequest struct {
	Seed         string      `json:"seed"`
	Length       *int        `json:"length,omitempty"`
	NGramWeights *[3]float64 `json:"ngram_weights,omitempty"`
	NeuralWeight *float64    `json:"neural_weight,omitempty"`
	Temperature  *float64    `json:"temperature,omitempty"`
	TopK         *int        `json:"top_k,omitempty"`
}

// resolve fills unset fields from the generation config.
func (s *Service) resolve(ngram *[3]float64, neural, temperature *float64) (sampler.Weights, float64, error) {
	g := s.cfg.Generation
	w := sampler.Weights{NGram: g.NGramWeights, Neural: g.NeuralWeight}
	if ngram != nil {
		w.NGram = *ngram
	}
	if neural != nil {
		w.Neural = *neural
	}
	t := g.Temperature
	if temperature != nil {
		t = *temperature
	}
	if err := w.Validate(); err != nil {
		return w, t, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return w, t, nil
}

// Generate returns the cleaned seed followed by the sampled characters and
// records the result in the generation history.
func (s *Service) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	length := s.cfg.Generation.DefaultLength
	if req.Length != nil {
		length = *req.Length
	}
	if length < 0 || length > s.cfg.Generation.MaxLength {
		return "", invalid("length must lie within [0, %d], got %d", s.cfg.Generation.MaxLength, length)
	}
	w, t, err := s.resolve(req.NGramWeights, req.NeuralWeight, req.Temperature)
	if err != nil {
		return "", err
	}
	topK := s.cfg.Generation.TopK
	if req.TopK != nil {
		topK = *req.TopK
	}
	text, err := s.sampler.Generate(ctx, req.Seed, length,
		sampler.WithWeights(w),
		sampler.WithTemperature(t),
		sampler.WithTopK(topK),
	)
	if err != nil {
		return "", err
	}
	rec := &Generation{
		Seed:         req.Seed,
		Text:         text,
		Length:       length,
		Temperature:  t,
		NeuralWeight: w.Neural,
		NGramWeights: w.NGram,
		TopK:         topK,
		CheckpointID: s.live.p.Load().checkpoint.ID,
	}
	if err = s.generations.Record(ctx, rec); err != nil {
		s.logger.WarnContext(ctx, "Could not record generation", "error", err)
	}
	return text, nil
}

// GenerationHistory returns up to limit generations, newest first.
func (s *Service) GenerationHistory(ctx context.Context, limit int) ([]Generation, error) {
	return s.generations.List(ctx, limit)
}

// ClearGenerationHistory deletes every recorded generation and returns how
// many were removed.
func (s *Service) ClearGenerationHistory(ctx context.Context) (int64, error) {
	return s.generations.Clear(ctx)
}

// Distribution returns the temperature-scaled next-character distribution
// after text.
func (s *Service) Distribution(ctx context.Context, text string, ngram *[3]float64, neural, temperature *float64) (map[rune]float64, error) {
	w, t, err := s.resolve(ngram, neural, temperature)
	if err != nil {
		return nil, err
	}
	return s.sampler.Distribution(ctx, text, w, t)
}

// Evaluate runs an evaluation against the live model and records it. Without
// an explicit checkpoint id the live model's checkpoint is attached.
func (s *Service) Evaluate(ctx context.Context, p evaluate.Params) (*evaluate.Result, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if p.CheckpointID == 0 {
		p.CheckpointID = s.live.p.Load().checkpoint.ID
	}
	return s.evaluator.Evaluate(ctx, p)
}

// LatestEvaluation returns the most recent evaluation.
func (s *Service) LatestEvaluation(ctx context.Context) (*evaluate.Result, error) {
	return s.evals.Latest(ctx)
}

// ProgressChart returns up to limit evaluations that followed training jobs,
// oldest first.
func (s *Service) ProgressChart(ctx context.Context, limit int) (*evaluate.ProgressChart, error) {
	return s.evals.ProgressChart(ctx, limit)
}

// EvaluationHistory returns up to limit evaluations, newest first.
func (s *Service) EvaluationHistory(ctx context.Context, limit int) ([]*evaluate.Result, error) {
	return s.evals.History(ctx, limit)
}

// Evaluation returns one recorded evaluation.
func (s *Service) Evaluation(ctx context.Context, id int64) (*evaluate.Result, error) {
	return s.evals.Get(ctx, id)
}

// ModelInfo describes the live model.
type ModelInfo struct {
	Start          string        `json:"start"`
	CheckpointID   int64         `json:"checkpoint_id,omitempty"`
	CheckpointPath string        `json:"checkpoint_path,omitempty"`
	Params         int           `json:"params"`
	Config         neural.Config `json:"config"`
}

// Stats is a snapshot of the whole service.
type Stats struct {
	NGrams    *markov.Stats       `json:"ngrams"`
	Model     ModelInfo           `json:"model"`
	Jobs      map[jobs.Status]int `json:"jobs"`
	Validator string              `json:"validator"`
}

// Stats gathers the frequency store size, the live model and job counts.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	ngramStats, err := s.ngrams.Stats(ctx)
	if err != nil {
		return nil, err
	}
	cur := s.live.p.Load()
	st := &Stats{
		NGrams: ngramStats,
		Model: ModelInfo{
			Start:          cur.outcome.String(),
			CheckpointID:   cur.checkpoint.ID,
			CheckpointPath: cur.checkpoint.StoragePath,
			Params:         cur.model.NumParams(),
			Config:         cur.model.Config(),
		},
		Jobs:      make(map[jobs.Status]int),
		Validator: "custom",
	}
	for _, j := range s.jobs.List() {
		st.Jobs[j.Status]++
	}
	if k, ok := s.validator.(interface{ Kind() string }); ok {
		st.Validator = k.Kind()
	}
	return st, nil
}
