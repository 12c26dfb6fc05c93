package train

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/CTAG07/Sundew/pkg/charset"
	"github.com/CTAG07/Sundew/pkg/markov"
	"github.com/CTAG07/Sundew/pkg/neural"
	"github.com/google/uuid"
)

// Phase names a stage of a training run. Progress messages start with it.
type Phase string

const (
	PhaseInitializing      Phase = "Initializing"
	PhaseExtractingNGrams  Phase = "ExtractingNGrams"
	PhaseTrainingEpochs    Phase = "TrainingEpochs"
	PhaseSavingCheckpoint  Phase = "SavingCheckpoint"
	PhaseRecordingMetrics  Phase = "RecordingMetrics"
	PhaseRunningEvaluation Phase = "RunningEvaluation"
	PhaseDone              Phase = "Done"
	PhaseError             Phase = "Error"
)

// MetricTrainingLoss is the metric type recorded after every successful run.
const MetricTrainingLoss = "training_loss"

// Progress bands. Block training owns everything between blocksStart and
// blocksEnd; the tail phases get fixed marks below 100.
const (
	blocksStart     = 5
	blocksEnd       = 85
	markSaving      = 88
	markMetrics     = 92
	markEvaluate    = 95
	reportsPerEpoch = 10
)

// ProgressFunc receives percent in [0, 100] and a human readable message.
type ProgressFunc func(percent int, message string)

// Ingester is the part of the frequency store the trainer feeds.
type Ingester interface {
	Ingest(ctx context.Context, text string, orders ...int) (markov.IngestResult, error)
}

// Evaluator scores a freshly recorded checkpoint.
type Evaluator interface {
	EvaluateCheckpoint(ctx context.Context, jobID string, checkpointID int64) error
}

// PublishFunc receives the trained model once its checkpoint is recorded.
type PublishFunc func(m *neural.Model, c Checkpoint)

// Outcome tells how the starting weights of a run were obtained.
type Outcome int

const (
	FreshInit Outcome = iota
	Loaded
)

func (o Outcome) String() string {
	if o == Loaded {
		return "loaded"
	}
	return "fresh_init"
}

// LoadResult is the outcome of LoadBest. Err is set when a best checkpoint
// exists but could not be used; Model is always usable.
type LoadResult struct {
	Outcome    Outcome
	Model      *neural.Model
	Checkpoint Checkpoint
	Err        error
}

// Options controls a single training run.
type Options struct {
	BlockSize      int
	EpochsPerBlock int
	BatchSize      int
	LearningRate   float64
	GradClip       float64
	JobID          string
	Orders         []int
}

// DefaultOptions returns the standard run settings.
func DefaultOptions() Options {
	return Options{
		BlockSize:      100000,
		EpochsPerBlock: 5,
		BatchSize:      32,
		LearningRate:   1e-3,
		GradClip:       1.0,
	}
}

func (o Options) validate() error {
	switch {
	case o.BlockSize <= 0:
		return errors.New("block size must be positive")
	case o.EpochsPerBlock <= 0:
		return errors.New("epochs per block must be positive")
	case o.BatchSize <= 0:
		return errors.New("batch size must be positive")
	case o.LearningRate <= 0:
		return errors.New("learning rate must be positive")
	case o.GradClip <= 0:
		return errors.New("gradient clip must be positive")
	}
	return nil
}

// Result summarizes a successful run.
type Result struct {
	Checkpoint    Checkpoint
	Start         Outcome
	Blocks        int
	SkippedBlocks int
	Loss          float64
	Evaluated     bool
}

// Trainer fits the sequence model block by block and records checkpoints.
type Trainer struct {
	ngrams      Ingester
	checkpoints *CheckpointStore
	dir         string
	cfg         neural.Config
	evaluator   Evaluator
	publish     PublishFunc
	logger      *slog.Logger
}

// NewTrainer returns a trainer writing weight blobs under dir.
func NewTrainer(ngrams Ingester, checkpoints *CheckpointStore, dir string, cfg neural.Config) *Trainer {
	return &Trainer{
		ngrams:      ngrams,
		checkpoints: checkpoints,
		dir:         dir,
		cfg:         cfg,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// SetLogger sets the logger for the trainer.
func (t *Trainer) SetLogger(logger *slog.Logger) {
	t.logger = logger
}

// SetEvaluator sets the post-training evaluator. A nil evaluator skips the
// evaluation phase.
func (t *Trainer) SetEvaluator(e Evaluator) {
	t.evaluator = e
}

// SetPublisher sets the hook called with the trained model after its
// checkpoint is recorded and before evaluation runs.
func (t *Trainer) SetPublisher(fn PublishFunc) {
	t.publish = fn
}

// LoadBest loads the weights of the best checkpoint. Any failure falls back
// to freshly initialized weights; the returned error is non-nil only when
// the model config itself is invalid.
func (t *Trainer) LoadBest(ctx context.Context) (LoadResult, error) {
	fresh := func(cause error) (LoadResult, error) {
		m, err := neural.New(t.cfg)
		if err != nil {
			return LoadResult{}, err
		}
		return LoadResult{Outcome: FreshInit, Model: m, Err: cause}, nil
	}

	best, err := t.checkpoints.Best(ctx)
	if err != nil {
		if errors.Is(err, ErrNoCheckpoint) {
			return fresh(nil)
		}
		t.logger.WarnContext(ctx, "Could not look up best checkpoint, starting from fresh weights", "error", err)
		return fresh(err)
	}

	m, err := neural.Load(best.StoragePath, t.cfg)
	if err != nil {
		t.logger.WarnContext(ctx, "Could not load best checkpoint, starting from fresh weights",
			slog.Int64("checkpoint_id", best.ID), "error", err)
		res, ferr := fresh(err)
		res.Checkpoint = best
		return res, ferr
	}
	return LoadResult{Outcome: Loaded, Model: m, Checkpoint: best}, nil
}

// BlockCount returns how many blocks Train splits text into.
func BlockCount(text string, blockSize int) int {
	if blockSize <= 0 {
		return 0
	}
	n := len([]rune(text))
	return (n + blockSize - 1) / blockSize
}

// splitBlocks cuts text into consecutive blocks of at most size characters.
func splitBlocks(text string, size int) []string {
	runes := []rune(text)
	blocks := make([]string, 0, BlockCount(text, size))
	for start := 0; start < len(runes); start += size {
		end := min(start+size, len(runes))
		blocks = append(blocks, string(runes[start:end]))
	}
	return blocks
}

// buildSamples turns a block into windowed samples. Blocks shorter than
// window+1 symbols are left padded with spaces.
func buildSamples(block string, window int) ([]neural.Sample, error) {
	ids := charset.Encode(charset.Clean(block))
	if len(ids) == 0 {
		return nil, &InsufficientDataError{Chars: 0}
	}
	if len(ids) < window+1 {
		pad := make([]int, window+1-len(ids))
		for i := range pad {
			pad[i] = charset.Size - 1
		}
		ids = append(pad, ids...)
	}
	samples := make([]neural.Sample, 0, len(ids)-window)
	for i := 0; i+window < len(ids); i++ {
		samples = append(samples, neural.Sample{Input: ids[i : i+window], Target: ids[i+window]})
	}
	return samples, nil
}

// progress keeps reported percentages monotonic and below 100 until Done.
type progress struct {
	fn   ProgressFunc
	last int
}

func (p *progress) report(percent int, phase Phase, detail string) {
	if p.fn == nil {
		return
	}
	if phase != PhaseDone {
		percent = min(percent, 99)
	}
	percent = max(percent, p.last)
	p.last = percent
	msg := string(phase)
	if detail != "" {
		msg += ": " + detail
	}
	p.fn(percent, msg)
}

// Train runs one training invocation over text. On error no checkpoint is
// recorded and the trained weights are discarded.
func (t *Trainer) Train(ctx context.Context, text string, opts Options, onProgress ProgressFunc) (*Result, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	p := &progress{fn: onProgress}
	p.report(0, PhaseInitializing, "loading best checkpoint")

	start, err := t.LoadBest(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not initialize model: %w", err)
	}
	model := start.Model
	t.logger.InfoContext(ctx, "Training started",
		slog.String("job_id", opts.JobID),
		slog.String("start", start.Outcome.String()),
		slog.Int("chars", len([]rune(text))),
		slog.Int("block_size", opts.BlockSize),
		slog.Int("epochs_per_block", opts.EpochsPerBlock),
	)

	blocks := splitBlocks(text, opts.BlockSize)
	res := &Result{Start: start.Outcome, Blocks: len(blocks)}
	rng := rand.New(rand.NewPCG(t.cfg.Seed, uint64(time.Now().UnixNano())))
	opt := neural.NewAdamW(model.Params(), opts.LearningRate)
	window := model.Config().Window
	totalEpochs := float64(max(1, len(blocks)*opts.EpochsPerBlock))

	var blockLosses []float64
	for b, block := range blocks {
		if err = ctx.Err(); err != nil {
			return nil, err
		}

		p.report(blocksStart+int(float64(blocksEnd-blocksStart)*float64(b*opts.EpochsPerBlock)/totalEpochs),
			PhaseExtractingNGrams, fmt.Sprintf("block %d/%d", b+1, len(blocks)))
		if _, err = t.ngrams.Ingest(ctx, block, opts.Orders...); err != nil {
			t.logger.WarnContext(ctx, "N-gram ingest failed, continuing without it",
				slog.String("job_id", opts.JobID), slog.Int("block", b+1), "error", err)
		}

		samples, err := buildSamples(block, window)
		if err != nil {
			var ide *InsufficientDataError
			if errors.As(err, &ide) {
				ide.Block = b + 1
			}
			t.logger.WarnContext(ctx, "Skipping block", slog.String("job_id", opts.JobID), "error", err)
			res.SkippedBlocks++
			continue
		}

		var loss float64
		for epoch := 0; epoch < opts.EpochsPerBlock; epoch++ {
			done := float64(b*opts.EpochsPerBlock + epoch)
			loss = t.runEpoch(model, opt, samples, opts, rng, func(frac float64) {
				pct := blocksStart + int(float64(blocksEnd-blocksStart)*(done+frac)/totalEpochs)
				p.report(pct, PhaseTrainingEpochs,
					fmt.Sprintf("block %d/%d epoch %d/%d", b+1, len(blocks), epoch+1, opts.EpochsPerBlock))
			})
		}
		blockLosses = append(blockLosses, loss)
		t.logger.DebugContext(ctx, "Block trained",
			slog.String("job_id", opts.JobID),
			slog.Int("block", b+1),
			slog.Int("samples", len(samples)),
			slog.Float64("loss", loss),
		)
	}

	if len(blockLosses) == 0 {
		return nil, fmt.Errorf("no usable training data: all %d blocks were skipped", len(blocks))
	}
	var sum float64
	for _, l := range blockLosses {
		sum += l
	}
	res.Loss = sum / float64(len(blockLosses))

	p.report(markSaving, PhaseSavingCheckpoint, "")
	ckpt := Checkpoint{
		EpochsTrained: opts.EpochsPerBlock * len(blocks),
		BlockSize:     opts.BlockSize,
		StoragePath:   filepath.Join(t.dir, fmt.Sprintf("checkpoint_%s_%s.json", time.Now().UTC().Format("20060102T150405"), uuid.NewString()[:8])),
		Loss:          res.Loss,
		JobID:         opts.JobID,
	}
	if err = model.Save(ckpt.StoragePath); err != nil {
		return nil, fmt.Errorf("could not save weights: %w", err)
	}
	if err = t.checkpoints.Create(ctx, &ckpt); err != nil {
		_ = os.Remove(ckpt.StoragePath)
		return nil, fmt.Errorf("could not record checkpoint: %w", err)
	}
	res.Checkpoint = ckpt

	p.report(markMetrics, PhaseRecordingMetrics, "")
	err = t.checkpoints.RecordMetric(ctx, &Metric{
		CheckpointID: ckpt.ID,
		Type:         MetricTrainingLoss,
		Value:        res.Loss,
		Metadata: map[string]any{
			"job_id":           opts.JobID,
			"blocks":           len(blocks),
			"skipped_blocks":   res.SkippedBlocks,
			"epochs_per_block": opts.EpochsPerBlock,
			"start":            start.Outcome.String(),
		},
	})
	if err != nil {
		t.logger.WarnContext(ctx, "Could not record training metric", slog.Int64("checkpoint_id", ckpt.ID), "error", err)
	}

	if t.publish != nil {
		t.publish(model, ckpt)
	}

	if t.evaluator != nil {
		p.report(markEvaluate, PhaseRunningEvaluation, "")
		if err = t.evaluator.EvaluateCheckpoint(ctx, opts.JobID, ckpt.ID); err != nil {
			t.logger.WarnContext(ctx, "Post-training evaluation failed",
				slog.String("job_id", opts.JobID), slog.Int64("checkpoint_id", ckpt.ID), "error", err)
		} else {
			res.Evaluated = true
		}
	}

	p.report(100, PhaseDone, "checkpoint "+ckpt.StoragePath)
	t.logger.InfoContext(ctx, "Training finished",
		slog.String("job_id", opts.JobID),
		slog.Int64("checkpoint_id", ckpt.ID),
		slog.Float64("loss", res.Loss),
		slog.Int("skipped_blocks", res.SkippedBlocks),
	)
	return res, nil
}

// runEpoch makes one shuffled pass over samples and returns the mean batch
// loss. tick is called at most reportsPerEpoch times with the fraction done.
func (t *Trainer) runEpoch(model *neural.Model, opt *neural.AdamW, samples []neural.Sample, opts Options, rng *rand.Rand, tick func(float64)) float64 {
	order := rng.Perm(len(samples))
	batches := (len(samples) + opts.BatchSize - 1) / opts.BatchSize
	every := max(1, int(math.Ceil(float64(batches)/reportsPerEpoch)))

	batch := make([]neural.Sample, 0, opts.BatchSize)
	var total float64
	for i := 0; i < batches; i++ {
		batch = batch[:0]
		for _, idx := range order[i*opts.BatchSize : min((i+1)*opts.BatchSize, len(order))] {
			batch = append(batch, samples[idx])
		}
		total += model.Step(batch, opt, opts.GradClip, rng)
		if (i+1)%every == 0 {
			tick(float64(i+1) / float64(batches))
		}
	}
	return total / float64(batches)
}
