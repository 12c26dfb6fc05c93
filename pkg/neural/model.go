package neural

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/CTAG07/Sundew/pkg/charset"
)

// Config describes the shape of a Model. Two configs with the same shape
// produce interchangeable weights; Seed and the dropout rates do not affect
// the shape.
type Config struct {
	Window           int     `json:"window" yaml:"window"`
	EmbedDim         int     `json:"embed_dim" yaml:"embed_dim"`
	ConvChannels     int     `json:"conv_channels" yaml:"conv_channels"`
	ConvLayers       int     `json:"conv_layers" yaml:"conv_layers"`
	KernelSize       int     `json:"kernel_size" yaml:"kernel_size"`
	HiddenDim        int     `json:"hidden_dim" yaml:"hidden_dim"`
	RecurrentLayers  int     `json:"recurrent_layers" yaml:"recurrent_layers"`
	Heads            int     `json:"heads" yaml:"heads"`
	Dropout          float64 `json:"dropout" yaml:"dropout"`
	RecurrentDropout float64 `json:"recurrent_dropout" yaml:"recurrent_dropout"`
	Seed             uint64  `json:"seed" yaml:"seed"`
}

// DefaultConfig returns the standard model shape: an 11 character window,
// 16-wide embeddings, two convolutions of 32 channels, two bidirectional
// layers of 32 units per direction and four attention heads.
func DefaultConfig() Config {
	return Config{
		Window:           11,
		EmbedDim:         16,
		ConvChannels:     32,
		ConvLayers:       2,
		KernelSize:       3,
		HiddenDim:        32,
		RecurrentLayers:  2,
		Heads:            4,
		Dropout:          0.3,
		RecurrentDropout: 0.2,
		Seed:             42,
	}
}

// Validate checks that the config describes a buildable model.
func (c Config) Validate() error {
	switch {
	case c.Window <= 0:
		return errors.New("window must be positive")
	case c.EmbedDim <= 0:
		return errors.New("embed_dim must be positive")
	case c.ConvLayers < 1 || c.ConvChannels <= 0:
		return errors.New("at least one convolution with positive channels is required")
	case c.KernelSize <= 0 || c.KernelSize%2 == 0:
		return errors.New("kernel_size must be a positive odd number")
	case c.HiddenDim <= 0 || c.RecurrentLayers < 1:
		return errors.New("at least one recurrent layer with positive hidden_dim is required")
	case c.Heads <= 0 || (2*c.HiddenDim)%c.Heads != 0:
		return fmt.Errorf("heads (%d) must divide 2*hidden_dim (%d)", c.Heads, 2*c.HiddenDim)
	case c.Dropout < 0 || c.Dropout >= 1 || c.RecurrentDropout < 0 || c.RecurrentDropout >= 1:
		return errors.New("dropout rates must be within [0, 1)")
	}
	return nil
}

// SameShape reports whether weights saved under c can be loaded under o.
func (c Config) SameShape(o Config) bool {
	return c.Window == o.Window &&
		c.EmbedDim == o.EmbedDim &&
		c.ConvChannels == o.ConvChannels &&
		c.ConvLayers == o.ConvLayers &&
		c.KernelSize == o.KernelSize &&
		c.HiddenDim == o.HiddenDim &&
		c.RecurrentLayers == o.RecurrentLayers &&
		c.Heads == o.Heads
}

// Sample is one supervised example: Window input ids and the id that follows.
type Sample struct {
	Input  []int
	Target int
}

type namedParam struct {
	name string
	vecs []*Vec
}

// Model is the character-level sequence model. Forward passes only read the
// weights, so a Model may serve concurrent Predict calls; training must run
// on a model no one else is reading (see Clone).
type Model struct {
	cfg       Config
	embed     *Matrix
	convs     []*conv1D
	recurrent []*biLSTM
	attn      *selfAttention
	fc1       *Linear
	fc2       *Linear
	named     []namedParam
}

// New builds a freshly initialized model.
func New(cfg Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model config: %w", err)
	}
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))

	m := &Model{cfg: cfg}
	m.embed = newMatrix(charset.Size, cfg.EmbedDim, 0.1, rng)
	m.register("embed", m.embed.Rows...)

	in := cfg.EmbedDim
	for i := 0; i < cfg.ConvLayers; i++ {
		c := newConv1D(in, cfg.ConvChannels, cfg.KernelSize, rng)
		m.convs = append(m.convs, c)
		m.registerLinear(fmt.Sprintf("conv.%d", i), c.proj)
		in = cfg.ConvChannels
	}

	for i := 0; i < cfg.RecurrentLayers; i++ {
		b := newBiLSTM(in, cfg.HiddenDim, rng)
		m.recurrent = append(m.recurrent, b)
		m.registerLinear(fmt.Sprintf("lstm.%d.fwd.wx", i), b.fwd.wx)
		m.register(fmt.Sprintf("lstm.%d.fwd.wh", i), b.fwd.wh.Rows...)
		m.registerLinear(fmt.Sprintf("lstm.%d.bwd.wx", i), b.bwd.wx)
		m.register(fmt.Sprintf("lstm.%d.bwd.wh", i), b.bwd.wh.Rows...)
		in = 2 * cfg.HiddenDim
	}

	m.attn = newSelfAttention(in, cfg.Heads, rng)
	m.registerLinear("attn.q", m.attn.q)
	m.registerLinear("attn.k", m.attn.k)
	m.registerLinear("attn.v", m.attn.v)
	m.registerLinear("attn.o", m.attn.o)

	m.fc1 = newLinear(cfg.HiddenDim, in, rng)
	m.fc2 = newLinear(charset.Size, cfg.HiddenDim, rng)
	m.registerLinear("fc1", m.fc1)
	m.registerLinear("fc2", m.fc2)
	return m, nil
}

func (m *Model) register(name string, vecs ...*Vec) {
	m.named = append(m.named, namedParam{name: name, vecs: vecs})
}

func (m *Model) registerLinear(name string, l *Linear) {
	m.register(name+".w", l.W.Rows...)
	m.register(name+".b", l.B)
}

// Config returns the model's configuration.
func (m *Model) Config() Config {
	return m.cfg
}

// Params returns every trainable vector in a stable order.
func (m *Model) Params() []*Vec {
	var out []*Vec
	for _, p := range m.named {
		out = append(out, p.vecs...)
	}
	return out
}

// NumParams returns the number of scalar weights.
func (m *Model) NumParams() int {
	n := 0
	for _, v := range m.Params() {
		n += len(v.Data)
	}
	return n
}

// logits runs the network over a window of ids. rng enables dropout; pass
// nil for inference.
func (m *Model) logits(ids []int, rng *rand.Rand) *Vec {
	seq := make([]*Vec, len(ids))
	for i, id := range ids {
		seq[i] = m.embed.Rows[id]
	}
	for _, c := range m.convs {
		seq = c.forward(seq)
	}
	for i, layer := range m.recurrent {
		if i > 0 && rng != nil {
			for t := range seq {
				seq[t] = seq[t].Dropout(m.cfg.RecurrentDropout, rng)
			}
		}
		seq = layer.forward(seq)
	}
	h := m.attn.forward(seq)
	h = m.fc1.Forward(h).ReLU().Dropout(m.cfg.Dropout, rng)
	return m.fc2.Forward(h)
}

// Distribution returns next-symbol probabilities indexed by vocabulary id.
// The context is cleaned, trimmed to the last Window symbols and left padded
// with spaces.
func (m *Model) Distribution(context string) []float64 {
	ids := charset.Window(context, m.cfg.Window)
	return SoftmaxProbs(m.logits(ids, nil).Data)
}

// Predict returns the next-character distribution keyed by symbol. The
// probabilities sum to 1.
func (m *Model) Predict(context string) map[rune]float64 {
	probs := m.Distribution(context)
	out := make(map[rune]float64, len(probs))
	for id, p := range probs {
		out[charset.Symbol(id)] = p
	}
	return out
}

// Loss returns the mean cross-entropy of the batch. A non-nil rng puts the
// model in training mode (dropout on).
func (m *Model) Loss(batch []Sample, rng *rand.Rand) *Scalar {
	losses := make([]*Scalar, len(batch))
	for i, s := range batch {
		losses[i] = CrossEntropy(m.logits(s.Input, rng), s.Target)
	}
	return Mean(losses)
}

// Step runs one optimization step on batch: forward, backward, gradient norm
// clipping and an optimizer update. It returns the batch loss.
func (m *Model) Step(batch []Sample, opt *AdamW, clip float64, rng *rand.Rand) float64 {
	loss := m.Loss(batch, rng)
	Backward(loss)
	ClipGradNorm(m.Params(), clip)
	opt.Step()
	return loss.Data
}

// Clone returns a deep copy of the model's weights under the same config.
func (m *Model) Clone() *Model {
	c, _ := New(m.cfg)
	src, dst := m.Params(), c.Params()
	for i := range src {
		copy(dst[i].Data, src[i].Data)
	}
	return c
}

// state exports the weights keyed by parameter name.
func (m *Model) state() map[string][][]float64 {
	out := make(map[string][][]float64, len(m.named))
	for _, p := range m.named {
		rows := make([][]float64, len(p.vecs))
		for i, v := range p.vecs {
			rows[i] = append([]float64(nil), v.Data...)
		}
		out[p.name] = rows
	}
	return out
}

// setState loads weights exported by state, validating every shape before
// touching the model.
func (m *Model) setState(state map[string][][]float64) error {
	for _, p := range m.named {
		rows, ok := state[p.name]
		if !ok {
			return fmt.Errorf("missing parameter %q", p.name)
		}
		if len(rows) != len(p.vecs) {
			return fmt.Errorf("parameter %q has %d rows, want %d", p.name, len(rows), len(p.vecs))
		}
		for i, v := range p.vecs {
			if len(rows[i]) != len(v.Data) {
				return fmt.Errorf("parameter %q row %d has %d columns, want %d", p.name, i, len(rows[i]), len(v.Data))
			}
		}
	}
	if len(state) != len(m.named) {
		return fmt.Errorf("checkpoint has %d parameters, want %d", len(state), len(m.named))
	}
	for _, p := range m.named {
		for i, v := range p.vecs {
			copy(v.Data, state[p.name][i])
		}
	}
	return nil
}
