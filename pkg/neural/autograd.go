package neural

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
)

// Node is anything in the autograd compute graph.
type Node interface {
	children() []Node
	backward()
}

// Vec is a differentiable vector. Parameters are Vecs without a backward
// function; their gradients are accumulated directly by the ops that use them.
type Vec struct {
	Data []float64
	Grad []float64
	kids []Node
	back func()
}

// NewVec wraps data in a Vec with a zeroed gradient.
func NewVec(data []float64) *Vec {
	return &Vec{Data: data, Grad: make([]float64, len(data))}
}

// Zeros returns a constant zero vector of length n.
func Zeros(n int) *Vec {
	return NewVec(make([]float64, n))
}

func (v *Vec) children() []Node { return v.kids }
func (v *Vec) backward() {
	if v.back != nil {
		v.back()
	}
}

// Add returns v + o element-wise.
func (v *Vec) Add(o *Vec) *Vec {
	out := Zeros(len(v.Data))
	floats.AddTo(out.Data, v.Data, o.Data)
	out.kids = []Node{v, o}
	out.back = func() {
		floats.Add(v.Grad, out.Grad)
		floats.Add(o.Grad, out.Grad)
	}
	return out
}

// Mul returns the Hadamard product v * o.
func (v *Vec) Mul(o *Vec) *Vec {
	out := Zeros(len(v.Data))
	floats.MulTo(out.Data, v.Data, o.Data)
	out.kids = []Node{v, o}
	out.back = func() {
		for i, g := range out.Grad {
			v.Grad[i] += o.Data[i] * g
			o.Grad[i] += v.Data[i] * g
		}
	}
	return out
}

// Scale returns v * s.
func (v *Vec) Scale(s float64) *Vec {
	out := Zeros(len(v.Data))
	floats.AddScaled(out.Data, s, v.Data)
	out.kids = []Node{v}
	out.back = func() {
		floats.AddScaled(v.Grad, s, out.Grad)
	}
	return out
}

// ReLU applies max(0, x) element-wise.
func (v *Vec) ReLU() *Vec {
	out := Zeros(len(v.Data))
	for i, x := range v.Data {
		if x > 0 {
			out.Data[i] = x
		}
	}
	out.kids = []Node{v}
	out.back = func() {
		for i, x := range v.Data {
			if x > 0 {
				v.Grad[i] += out.Grad[i]
			}
		}
	}
	return out
}

// Sigmoid applies the logistic function element-wise.
func (v *Vec) Sigmoid() *Vec {
	out := Zeros(len(v.Data))
	for i, x := range v.Data {
		out.Data[i] = 1 / (1 + math.Exp(-x))
	}
	out.kids = []Node{v}
	out.back = func() {
		for i, y := range out.Data {
			v.Grad[i] += y * (1 - y) * out.Grad[i]
		}
	}
	return out
}

// Tanh applies tanh element-wise.
func (v *Vec) Tanh() *Vec {
	out := Zeros(len(v.Data))
	for i, x := range v.Data {
		out.Data[i] = math.Tanh(x)
	}
	out.kids = []Node{v}
	out.back = func() {
		for i, y := range out.Data {
			v.Grad[i] += (1 - y*y) * out.Grad[i]
		}
	}
	return out
}

// Slice returns the sub-vector [start, end).
func (v *Vec) Slice(start, end int) *Vec {
	out := NewVec(append([]float64(nil), v.Data[start:end]...))
	out.kids = []Node{v}
	out.back = func() {
		floats.Add(v.Grad[start:end], out.Grad)
	}
	return out
}

// Dropout zeroes each element with probability p and rescales the survivors
// by 1/(1-p). A nil rng or p <= 0 returns v unchanged.
func (v *Vec) Dropout(p float64, rng *rand.Rand) *Vec {
	if p <= 0 || rng == nil {
		return v
	}
	keep := 1 - p
	mask := make([]float64, len(v.Data))
	for i := range mask {
		if rng.Float64() < keep {
			mask[i] = 1 / keep
		}
	}
	out := Zeros(len(v.Data))
	floats.MulTo(out.Data, v.Data, mask)
	out.kids = []Node{v}
	out.back = func() {
		for i, g := range out.Grad {
			v.Grad[i] += mask[i] * g
		}
	}
	return out
}

// Dot returns the inner product of v and o.
func (v *Vec) Dot(o *Vec) *Scalar {
	out := &Scalar{Data: floats.Dot(v.Data, o.Data)}
	out.kids = []Node{v, o}
	out.back = func() {
		floats.AddScaled(v.Grad, out.Grad, o.Data)
		floats.AddScaled(o.Grad, out.Grad, v.Data)
	}
	return out
}

// Concat joins vectors end to end.
func Concat(vecs ...*Vec) *Vec {
	n := 0
	for _, v := range vecs {
		n += len(v.Data)
	}
	data := make([]float64, 0, n)
	kids := make([]Node, len(vecs))
	for i, v := range vecs {
		data = append(data, v.Data...)
		kids[i] = v
	}
	out := NewVec(data)
	out.kids = kids
	out.back = func() {
		off := 0
		for _, v := range vecs {
			floats.Add(v.Grad, out.Grad[off:off+len(v.Data)])
			off += len(v.Data)
		}
	}
	return out
}

// Scalar is a differentiable scalar.
type Scalar struct {
	Data float64
	Grad float64
	kids []Node
	back func()
}

func (s *Scalar) children() []Node { return s.kids }
func (s *Scalar) backward() {
	if s.back != nil {
		s.back()
	}
}

// MulF returns s * f.
func (s *Scalar) MulF(f float64) *Scalar {
	out := &Scalar{Data: s.Data * f, kids: []Node{s}}
	out.back = func() {
		s.Grad += f * out.Grad
	}
	return out
}

// Mean averages scalars.
func Mean(xs []*Scalar) *Scalar {
	n := float64(len(xs))
	out := &Scalar{kids: make([]Node, len(xs))}
	for i, x := range xs {
		out.Data += x.Data / n
		out.kids[i] = x
	}
	out.back = func() {
		for _, x := range xs {
			x.Grad += out.Grad / n
		}
	}
	return out
}

// Softmax computes a differentiable softmax over scalars.
func Softmax(logits []*Scalar) []*Scalar {
	maxVal := logits[0].Data
	for _, s := range logits[1:] {
		maxVal = max(maxVal, s.Data)
	}
	n := len(logits)
	probs := make([]float64, n)
	var total float64
	for i, s := range logits {
		probs[i] = math.Exp(s.Data - maxVal)
		total += probs[i]
	}
	floats.Scale(1/total, probs)

	kids := make([]Node, n)
	for i, s := range logits {
		kids[i] = s
	}

	out := make([]*Scalar, n)
	for i := range out {
		ii := i
		sv := &Scalar{Data: probs[i], kids: kids}
		sv.back = func() {
			g := sv.Grad
			for j := 0; j < n; j++ {
				if j == ii {
					logits[j].Grad += g * probs[ii] * (1 - probs[ii])
				} else {
					logits[j].Grad -= g * probs[ii] * probs[j]
				}
			}
		}
		out[i] = sv
	}
	return out
}

// WeightedSum computes sum_t(weights[t] * values[t]).
func WeightedSum(weights []*Scalar, values []*Vec) *Vec {
	dim := len(values[0].Data)
	out := Zeros(dim)
	kids := make([]Node, 0, 2*len(weights))
	for t, w := range weights {
		floats.AddScaled(out.Data, w.Data, values[t].Data)
		kids = append(kids, w, values[t])
	}
	out.kids = kids
	out.back = func() {
		for t, w := range weights {
			w.Grad += floats.Dot(values[t].Data, out.Grad)
			floats.AddScaled(values[t].Grad, w.Data, out.Grad)
		}
	}
	return out
}

// CrossEntropy computes -log(softmax(logits)[target]) with a max shift.
func CrossEntropy(logits *Vec, target int) *Scalar {
	probs := SoftmaxProbs(logits.Data)
	p := max(probs[target], 1e-12)
	out := &Scalar{Data: -math.Log(p), kids: []Node{logits}}
	out.back = func() {
		for i, pi := range probs {
			ind := 0.0
			if i == target {
				ind = 1
			}
			logits.Grad[i] += (pi - ind) * out.Grad
		}
	}
	return out
}

// SoftmaxProbs computes softmax over raw logits without building a graph.
func SoftmaxProbs(data []float64) []float64 {
	maxVal := floats.Max(data)
	out := make([]float64, len(data))
	var total float64
	for i, x := range data {
		out[i] = math.Exp(x - maxVal)
		total += out[i]
	}
	floats.Scale(1/total, out)
	return out
}

// Backward performs reverse-mode autodiff from root, seeding its gradient
// with 1.
func Backward(root Node) {
	var topo []Node
	visited := make(map[Node]bool)

	var build func(n Node)
	build = func(n Node) {
		if visited[n] {
			return
		}
		visited[n] = true
		for _, c := range n.children() {
			build(c)
		}
		topo = append(topo, n)
	}
	build(root)

	switch r := root.(type) {
	case *Scalar:
		r.Grad = 1
	case *Vec:
		for i := range r.Grad {
			r.Grad[i] = 1
		}
	}

	for i := len(topo) - 1; i >= 0; i-- {
		topo[i].backward()
	}
}
