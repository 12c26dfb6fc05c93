package evaluate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/CTAG07/Sundew/pkg/sampler"
	"github.com/CTAG07/Sundew/pkg/wordcheck"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Histogram layout: 25 bins of width 4 covering [0, 100]. Scores of exactly
// 100 land in the top bin.
const (
	BinWidth = 4
	topBin   = 100 - BinWidth
)

// Defaults for kept samples.
const (
	DefaultSampleCap  = 100
	DefaultTextLength = 200
)

// Generator produces one text sample.
type Generator interface {
	Generate(ctx context.Context, seed string, length int, opts ...sampler.GenerateOption) (string, error)
}

// Params controls one evaluation.
type Params struct {
	NumSimulations int        `json:"num_simulations" yaml:"num_simulations"`
	MaxLength      int        `json:"max_length" yaml:"max_length"`
	Temperature    float64    `json:"temperature" yaml:"temperature"`
	NeuralWeight   float64    `json:"neural_weight" yaml:"neural_weight"`
	NGramWeights   [3]float64 `json:"ngram_weights" yaml:"ngram_weights"`
	JobID          string     `json:"job_id,omitempty" yaml:"-"`
	CheckpointID   int64      `json:"checkpoint_id,omitempty" yaml:"-"`
}

// DefaultParams returns the settings used after every training run.
func DefaultParams() Params {
	return Params{
		NumSimulations: 100,
		MaxLength:      200,
		Temperature:    0.8,
		NeuralWeight:   0.5,
		NGramWeights:   [3]float64{0.2, 0.3, 0.5},
	}
}

// Validate checks the simulation counts and the blend weights.
func (p Params) Validate() error {
	if p.NumSimulations <= 0 {
		return errors.New("num_simulations must be positive")
	}
	if p.MaxLength <= 0 {
		return errors.New("max_length must be positive")
	}
	return p.weights().Validate()
}

func (p Params) weights() sampler.Weights {
	return sampler.Weights{NGram: p.NGramWeights, Neural: p.NeuralWeight}
}

// SampleResult is the score of one kept sample.
type SampleResult struct {
	ValidPercentage float64 `json:"valid_percentage"`
	TotalWords      int     `json:"total_words"`
	ValidWords      int     `json:"valid_words"`
	Text            string  `json:"text"`
}

// Result is an evaluation summary. Percentages are in [0, 100].
type Result struct {
	ID                    int64          `json:"id"`
	CreatedAt             time.Time      `json:"created_at"`
	NumSimulations        int            `json:"num_simulations"`
	SuccessfulSimulations int            `json:"successful_simulations"`
	MeanValidity          float64        `json:"mean_validity"`
	MedianValidity        float64        `json:"median_validity"`
	StdDeviation          float64        `json:"std_deviation"`
	MinValidity           float64        `json:"min_validity"`
	MaxValidity           float64        `json:"max_validity"`
	Histogram             map[string]int `json:"histogram"`
	Parameters            Params         `json:"parameters"`
	Samples               []SampleResult `json:"results"`
	JobID                 string         `json:"job_id,omitempty"`
	CheckpointID          int64          `json:"checkpoint_id,omitempty"`
}

// EvaluationError reports an evaluation in which no simulation succeeded.
type EvaluationError struct {
	Attempted int
	Err       error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluation failed: none of %d simulations succeeded: %v", e.Attempted, e.Err)
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}

// Evaluator scores generation quality by repeated sampling.
type Evaluator struct {
	gen       Generator
	validator wordcheck.Validator
	store     *Store
	sampleCap int
	textLen   int
	logger    *slog.Logger
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithStore persists every result.
func WithStore(s *Store) Option {
	return func(e *Evaluator) { e.store = s }
}

// WithSampleCap sets how many samples a result keeps and how many characters
// of each sample's text.
func WithSampleCap(samples, textLen int) Option {
	return func(e *Evaluator) {
		e.sampleCap = samples
		e.textLen = textLen
	}
}

// New returns an evaluator drawing samples from gen and scoring words with v.
func New(gen Generator, v wordcheck.Validator, opts ...Option) *Evaluator {
	e := &Evaluator{
		gen:       gen,
		validator: v,
		sampleCap: DefaultSampleCap,
		textLen:   DefaultTextLength,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetLogger sets the logger for the evaluator.
func (e *Evaluator) SetLogger(logger *slog.Logger) {
	e.logger = logger
}

// HistogramLabels returns the bin labels in ascending order.
func HistogramLabels() []string {
	labels := make([]string, 0, topBin/BinWidth+1)
	for lo := 0; lo <= topBin; lo += BinWidth {
		labels = append(labels, fmt.Sprintf("%d-%d", lo, lo+BinWidth))
	}
	return labels
}

// binLabel returns the histogram label for a percentage.
func binLabel(pct float64) string {
	lo := int(math.Floor(pct/BinWidth)) * BinWidth
	lo = max(0, min(lo, topBin))
	return fmt.Sprintf("%d-%d", lo, lo+BinWidth)
}

// Validity returns the share of valid words in text as a percentage, or 0
// when text has no words.
func Validity(v wordcheck.Validator, text string) (pct float64, valid, total int) {
	valid, total = wordcheck.CountValid(v, text)
	if total == 0 {
		return 0, 0, 0
	}
	return float64(valid) / float64(total) * 100, valid, total
}

// Evaluate runs p.NumSimulations generations from an empty seed and
// summarizes their word validity. Failed simulations are skipped; if none
// succeeds the result is an *EvaluationError.
func (e *Evaluator) Evaluate(ctx context.Context, p Params) (*Result, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	logger := e.logger.With(slog.String("job_id", p.JobID))
	logger.InfoContext(ctx, "Starting evaluation",
		slog.Int("simulations", p.NumSimulations),
		slog.Int("max_length", p.MaxLength),
		slog.Float64("temperature", p.Temperature),
	)

	var (
		scores  = make([]float64, 0, p.NumSimulations)
		samples = make([]SampleResult, 0, min(p.NumSimulations, e.sampleCap))
		lastErr error
	)
	for i := 0; i < p.NumSimulations; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text, err := e.gen.Generate(ctx, "", p.MaxLength,
			sampler.WithWeights(p.weights()),
			sampler.WithTemperature(p.Temperature),
		)
		if err != nil {
			lastErr = err
			logger.WarnContext(ctx, "Simulation failed", slog.Int("simulation", i+1), "error", err)
			continue
		}

		pct, valid, total := Validity(e.validator, text)
		scores = append(scores, pct)
		if len(samples) < e.sampleCap {
			if r := []rune(text); len(r) > e.textLen {
				text = string(r[:e.textLen])
			}
			samples = append(samples, SampleResult{ValidPercentage: pct, TotalWords: total, ValidWords: valid, Text: text})
		}
		if (i+1)%10 == 0 {
			logger.DebugContext(ctx, "Simulations progress", slog.Int("done", i+1), slog.Int("of", p.NumSimulations))
		}
	}

	if len(scores) == 0 {
		if lastErr == nil {
			lastErr = errors.New("no simulations ran")
		}
		return nil, &EvaluationError{Attempted: p.NumSimulations, Err: lastErr}
	}

	res := summarize(scores)
	res.CreatedAt = time.Now()
	res.NumSimulations = p.NumSimulations
	res.Parameters = p
	res.Samples = samples
	res.JobID = p.JobID
	res.CheckpointID = p.CheckpointID

	if e.store != nil {
		if err := e.store.Save(ctx, res); err != nil {
			return nil, fmt.Errorf("could not persist evaluation: %w", err)
		}
	}
	logger.InfoContext(ctx, "Evaluation complete",
		slog.Int64("evaluation_id", res.ID),
		slog.Int("successful", res.SuccessfulSimulations),
		slog.Float64("mean_validity", res.MeanValidity),
	)
	return res, nil
}

// summarize computes the aggregate statistics and histogram of scores, which
// must be non-empty.
func summarize(scores []float64) *Result {
	mean, std := stat.PopMeanStdDev(scores, nil)

	sorted := slices.Clone(scores)
	slices.Sort(sorted)
	n := len(sorted)
	median := sorted[n/2]
	if n%2 == 0 {
		median = (sorted[n/2-1] + sorted[n/2]) / 2
	}

	hist := make(map[string]int, topBin/BinWidth+1)
	for _, label := range HistogramLabels() {
		hist[label] = 0
	}
	for _, s := range scores {
		hist[binLabel(s)]++
	}

	return &Result{
		SuccessfulSimulations: n,
		MeanValidity:          mean,
		MedianValidity:        median,
		StdDeviation:          std,
		MinValidity:           floats.Min(scores),
		MaxValidity:           floats.Max(scores),
		Histogram:             hist,
	}
}
