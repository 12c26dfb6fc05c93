package sampler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"math"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"

	"github.com/CTAG07/Sundew/pkg/charset"
)

// minProb keeps zero probabilities finite in log space.
const minProb = 1e-10

// NGramSource serves normalized next-character probabilities per order.
type NGramSource interface {
	Probabilities(ctx context.Context, order int, prefix string) (map[rune]float64, error)
}

// NeuralSource serves the sequence model's next-character distribution.
type NeuralSource interface {
	Predict(context string) map[rune]float64
}

// Weights blends the sources. NGram holds the weights of orders 2, 3 and 4;
// they are normalized before use. Neural is the share given to the sequence
// model and must lie in [0, 1].
type Weights struct {
	NGram  [3]float64 `json:"ngram_weights" yaml:"ngram_weights"`
	Neural float64    `json:"neural_weight" yaml:"neural_weight"`
}

// DefaultWeights favours higher orders and splits evenly with the model.
func DefaultWeights() Weights {
	return Weights{NGram: [3]float64{0.2, 0.3, 0.5}, Neural: 0.5}
}

// Validate rejects negative weights and a neural share outside [0, 1].
func (w Weights) Validate() error {
	for i, v := range w.NGram {
		if v < 0 || math.IsNaN(v) {
			return fmt.Errorf("weight for order %d must be non-negative", i+2)
		}
	}
	if w.Neural < 0 || w.Neural > 1 || math.IsNaN(w.Neural) {
		return errors.New("neural weight must lie within [0, 1]")
	}
	return nil
}

// Sampler draws characters from the blend of an n-gram store and a neural
// model. It is safe for concurrent use.
type Sampler struct {
	ngrams NGramSource
	neural NeuralSource
	mu     sync.Mutex
	rng    *rand.Rand
	logger *slog.Logger
}

// Option configures a Sampler.
type Option func(*Sampler)

// WithRand sets the random source used by Sample and Generate.
func WithRand(rng *rand.Rand) Option {
	return func(s *Sampler) { s.rng = rng }
}

// New returns a sampler over the given sources. Either source may be nil, in
// which case giving it weight is an error.
func New(ngrams NGramSource, neural NeuralSource, opts ...Option) *Sampler {
	s := &Sampler{
		ngrams: ngrams,
		neural: neural,
		rng:    rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetLogger sets the logger for the sampler.
func (s *Sampler) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// NextCharacterDistribution blends the n-gram orders 4, 3 and 2 with the
// neural prediction for context. Orders without a matching context add
// nothing and are left out of the n-gram normalization. Characters with zero
// blended probability are omitted, so all-zero weights give an empty map.
func (s *Sampler) NextCharacterDistribution(ctx context.Context, text string, w Weights) (map[rune]float64, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	clean := charset.Clean(text)
	ngramShare := 1 - w.Neural

	var total float64
	for _, v := range w.NGram {
		total += v
	}

	markov := make(map[rune]float64)
	if total > 0 && ngramShare > 0 {
		if s.ngrams == nil {
			return nil, errors.New("n-gram weight given but no n-gram source configured")
		}
		var used float64
		for order := 4; order >= 2; order-- {
			weight := w.NGram[order-2] / total
			if weight <= 0 || len(clean) < order-1 {
				continue
			}
			probs, err := s.ngrams.Probabilities(ctx, order, clean[len(clean)-(order-1):])
			if err != nil {
				return nil, fmt.Errorf("order %d lookup failed: %w", order, err)
			}
			if len(probs) == 0 {
				continue
			}
			for r, p := range probs {
				markov[r] += weight * p
			}
			used += weight
		}
		if used > 0 {
			for r := range markov {
				markov[r] /= used
			}
		}
	}

	var neural map[rune]float64
	if w.Neural > 0 {
		if s.neural == nil {
			return nil, errors.New("neural weight given but no model configured")
		}
		neural = s.neural.Predict(clean)
	}

	out := make(map[rune]float64, charset.Size)
	for r, p := range markov {
		out[r] += ngramShare * p
	}
	for r, p := range neural {
		out[r] += w.Neural * p
	}
	for r, p := range out {
		if p <= 0 {
			delete(out, r)
		}
	}
	return out, nil
}

// sortedKeys returns the symbols of dist in ascending order so every walk over
// a distribution is deterministic.
func sortedKeys(dist map[rune]float64) []rune {
	keys := make([]rune, 0, len(dist))
	for r := range dist {
		keys = append(keys, r)
	}
	slices.Sort(keys)
	return keys
}

// ApplyTemperature rescales dist in log space by 1/t and renormalizes. t == 1
// returns an unmodified copy; t <= 0 puts all mass on the most likely symbol,
// with ties going to the lowest symbol.
func ApplyTemperature(dist map[rune]float64, t float64) map[rune]float64 {
	if t == 1 {
		return maps.Clone(dist)
	}
	out := make(map[rune]float64, len(dist))
	if len(dist) == 0 {
		return out
	}
	keys := sortedKeys(dist)

	if t <= 0 {
		best := keys[0]
		for _, r := range keys[1:] {
			if dist[r] > dist[best] {
				best = r
			}
		}
		out[best] = 1
		return out
	}

	logits := make([]float64, len(keys))
	peak := math.Inf(-1)
	for i, r := range keys {
		logits[i] = math.Log(math.Max(dist[r], minProb)) / t
		peak = math.Max(peak, logits[i])
	}
	var sum float64
	for i, r := range keys {
		e := math.Exp(logits[i] - peak)
		out[r] = e
		sum += e
	}
	for r := range out {
		out[r] /= sum
	}
	return out
}

// topK keeps the k most likely symbols. k <= 0 keeps everything.
func topK(dist map[rune]float64, k int) map[rune]float64 {
	if k <= 0 || k >= len(dist) {
		return dist
	}
	keys := sortedKeys(dist)
	slices.SortStableFunc(keys, func(a, b rune) int {
		switch {
		case dist[a] > dist[b]:
			return -1
		case dist[a] < dist[b]:
			return 1
		}
		return 0
	})
	out := make(map[rune]float64, k)
	for _, r := range keys[:k] {
		out[r] = dist[r]
	}
	return out
}

// Sample draws one symbol using dist as categorical weights. An empty or
// all-zero distribution yields a space.
func (s *Sampler) Sample(dist map[rune]float64) rune {
	if len(dist) == 0 {
		return charset.Space
	}
	keys := sortedKeys(dist)
	var total float64
	for _, r := range keys {
		total += dist[r]
	}
	if total <= 0 {
		return charset.Space
	}

	s.mu.Lock()
	u := s.rng.Float64() * total
	s.mu.Unlock()

	for _, r := range keys {
		u -= dist[r]
		if u < 0 {
			return r
		}
	}
	return keys[len(keys)-1]
}

// generateOptions collects the settings of one Generate call.
type generateOptions struct {
	weights     Weights
	temperature float64
	topK        int
}

// GenerateOption configures Generate.
type GenerateOption func(*generateOptions)

// WithWeights sets the source blend.
func WithWeights(w Weights) GenerateOption {
	return func(o *generateOptions) { o.weights = w }
}

// WithTemperature sets the sampling temperature. 1 samples the blend as is,
// lower values sharpen it and values <= 0 always pick the most likely symbol.
func WithTemperature(t float64) GenerateOption {
	return func(o *generateOptions) { o.temperature = t }
}

// WithTopK restricts every draw to the k most likely symbols. 0 disables it.
func WithTopK(k int) GenerateOption {
	return func(o *generateOptions) { o.topK = k }
}

// Distribution is NextCharacterDistribution followed by ApplyTemperature.
func (s *Sampler) Distribution(ctx context.Context, text string, w Weights, t float64) (map[rune]float64, error) {
	dist, err := s.NextCharacterDistribution(ctx, text, w)
	if err != nil {
		return nil, err
	}
	return ApplyTemperature(dist, t), nil
}

// Generate cleans seed and appends exactly length sampled characters to it.
func (s *Sampler) Generate(ctx context.Context, seed string, length int, opts ...GenerateOption) (string, error) {
	if length < 0 {
		return "", fmt.Errorf("length must be non-negative, got %d", length)
	}
	options := &generateOptions{
		weights:     DefaultWeights(),
		temperature: 1.0,
	}
	for _, opt := range opts {
		opt(options)
	}
	if err := options.weights.Validate(); err != nil {
		return "", err
	}

	var sb strings.Builder
	clean := charset.Clean(seed)
	sb.Grow(len(clean) + length)
	sb.WriteString(clean)

	for i := 0; i < length; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		dist, err := s.NextCharacterDistribution(ctx, sb.String(), options.weights)
		if err != nil {
			return "", fmt.Errorf("generation failed at step %d: %w", i, err)
		}
		dist = ApplyTemperature(topK(dist, options.topK), options.temperature)
		sb.WriteRune(s.Sample(dist))
	}

	s.logger.DebugContext(ctx, "Text generated",
		slog.Int("seed_length", len(clean)),
		slog.Int("generated_length", length),
		slog.Float64("temperature", options.temperature),
	)
	return sb.String(), nil
}
