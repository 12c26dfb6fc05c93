package neural

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
)

// Matrix is a weight matrix stored as rows of Vecs, shape (Out, In).
type Matrix struct {
	Rows []*Vec
	Out  int
	In   int
}

func newMatrix(out, in int, std float64, rng *rand.Rand) *Matrix {
	rows := make([]*Vec, out)
	for i := range rows {
		d := make([]float64, in)
		for j := range d {
			d[j] = rng.NormFloat64() * std
		}
		rows[i] = NewVec(d)
	}
	return &Matrix{Rows: rows, Out: out, In: in}
}

// Apply computes M @ x.
func (m *Matrix) Apply(x *Vec) *Vec {
	out := Zeros(m.Out)
	for i, row := range m.Rows {
		out.Data[i] = floats.Dot(row.Data, x.Data)
	}
	out.kids = []Node{x}
	rows := m.Rows
	out.back = func() {
		for i, row := range rows {
			g := out.Grad[i]
			if g == 0 {
				continue
			}
			floats.AddScaled(row.Grad, g, x.Data)
			floats.AddScaled(x.Grad, g, row.Data)
		}
	}
	return out
}

// Linear is an affine layer W x + b.
type Linear struct {
	W *Matrix
	B *Vec
}

func newLinear(out, in int, rng *rand.Rand) *Linear {
	return &Linear{
		W: newMatrix(out, in, 1/math.Sqrt(float64(in)), rng),
		B: Zeros(out),
	}
}

// Forward applies the layer to x.
func (l *Linear) Forward(x *Vec) *Vec {
	return l.W.Apply(x).Add(l.B)
}

// conv1D is a same-padded 1-D convolution over a sequence of vectors,
// followed by ReLU. Each output position sees kernel consecutive inputs.
type conv1D struct {
	kernel int
	in     int
	proj   *Linear
}

func newConv1D(in, out, kernel int, rng *rand.Rand) *conv1D {
	return &conv1D{kernel: kernel, in: in, proj: newLinear(out, in*kernel, rng)}
}

func (c *conv1D) forward(seq []*Vec) []*Vec {
	half := c.kernel / 2
	pad := Zeros(c.in)
	out := make([]*Vec, len(seq))
	for t := range seq {
		// Concat keeps the slice for its backward pass, so each position gets its own.
		window := make([]*Vec, c.kernel)
		for k := 0; k < c.kernel; k++ {
			idx := t + k - half
			if idx < 0 || idx >= len(seq) {
				window[k] = pad
			} else {
				window[k] = seq[idx]
			}
		}
		out[t] = c.proj.Forward(Concat(window...)).ReLU()
	}
	return out
}

// lstmCell is a single-direction LSTM with fused gate projections in the
// order input, forget, cell, output.
type lstmCell struct {
	hidden int
	wx     *Linear
	wh     *Matrix
}

func newLSTMCell(in, hidden int, rng *rand.Rand) *lstmCell {
	c := &lstmCell{
		hidden: hidden,
		wx:     newLinear(4*hidden, in, rng),
		wh:     newMatrix(4*hidden, hidden, 1/math.Sqrt(float64(hidden)), rng),
	}
	// Forget gate bias starts at 1 so early training keeps its memory.
	for i := hidden; i < 2*hidden; i++ {
		c.wx.B.Data[i] = 1
	}
	return c
}

func (c *lstmCell) step(x, h, cell *Vec) (*Vec, *Vec) {
	H := c.hidden
	gates := c.wx.Forward(x).Add(c.wh.Apply(h))
	i := gates.Slice(0, H).Sigmoid()
	f := gates.Slice(H, 2*H).Sigmoid()
	g := gates.Slice(2*H, 3*H).Tanh()
	o := gates.Slice(3*H, 4*H).Sigmoid()
	nextCell := f.Mul(cell).Add(i.Mul(g))
	return o.Mul(nextCell.Tanh()), nextCell
}

// biLSTM runs one LSTM forward and one backward over the sequence and
// concatenates their states per position (width 2H).
type biLSTM struct {
	fwd *lstmCell
	bwd *lstmCell
}

func newBiLSTM(in, hidden int, rng *rand.Rand) *biLSTM {
	return &biLSTM{fwd: newLSTMCell(in, hidden, rng), bwd: newLSTMCell(in, hidden, rng)}
}

func (b *biLSTM) forward(seq []*Vec) []*Vec {
	T := len(seq)
	H := b.fwd.hidden
	hf := make([]*Vec, T)
	hb := make([]*Vec, T)

	h, c := Zeros(H), Zeros(H)
	for t := 0; t < T; t++ {
		h, c = b.fwd.step(seq[t], h, c)
		hf[t] = h
	}
	h, c = Zeros(H), Zeros(H)
	for t := T - 1; t >= 0; t-- {
		h, c = b.bwd.step(seq[t], h, c)
		hb[t] = h
	}

	out := make([]*Vec, T)
	for t := range out {
		out[t] = Concat(hf[t], hb[t])
	}
	return out
}

// selfAttention is multi-head scaled dot-product attention where the final
// position queries every position. Its output is added back onto the final
// position's state.
type selfAttention struct {
	heads int
	dim   int
	q     *Linear
	k     *Linear
	v     *Linear
	o     *Linear
}

func newSelfAttention(dim, heads int, rng *rand.Rand) *selfAttention {
	return &selfAttention{
		heads: heads,
		dim:   dim,
		q:     newLinear(dim, dim, rng),
		k:     newLinear(dim, dim, rng),
		v:     newLinear(dim, dim, rng),
		o:     newLinear(dim, dim, rng),
	}
}

func (a *selfAttention) forward(seq []*Vec) *Vec {
	T := len(seq)
	last := seq[T-1]
	q := a.q.Forward(last)
	keys := make([]*Vec, T)
	vals := make([]*Vec, T)
	for t, x := range seq {
		keys[t] = a.k.Forward(x)
		vals[t] = a.v.Forward(x)
	}

	hd := a.dim / a.heads
	scale := 1 / math.Sqrt(float64(hd))
	heads := make([]*Vec, a.heads)
	for h := 0; h < a.heads; h++ {
		lo, hi := h*hd, (h+1)*hd
		qh := q.Slice(lo, hi)
		scores := make([]*Scalar, T)
		vh := make([]*Vec, T)
		for t := 0; t < T; t++ {
			scores[t] = qh.Dot(keys[t].Slice(lo, hi)).MulF(scale)
			vh[t] = vals[t].Slice(lo, hi)
		}
		heads[h] = WeightedSum(Softmax(scores), vh)
	}
	return a.o.Forward(Concat(heads...)).Add(last)
}
