package neural

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// AdamW is Adam with decoupled weight decay. Moments are kept per parameter
// vector; they live only as long as the optimizer and are not checkpointed.
type AdamW struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64

	params []*Vec
	m      [][]float64
	v      [][]float64
	t      int
}

// NewAdamW creates an optimizer over params with the usual defaults
// (0.9, 0.999, 1e-8) and a weight decay of 0.01.
func NewAdamW(params []*Vec, lr float64) *AdamW {
	a := &AdamW{
		LR:          lr,
		Beta1:       0.9,
		Beta2:       0.999,
		Eps:         1e-8,
		WeightDecay: 0.01,
		params:      params,
		m:           make([][]float64, len(params)),
		v:           make([][]float64, len(params)),
	}
	for i, p := range params {
		a.m[i] = make([]float64, len(p.Data))
		a.v[i] = make([]float64, len(p.Data))
	}
	return a
}

// Step applies one update from the accumulated gradients and zeroes them.
func (a *AdamW) Step() {
	a.t++
	b1Corr := 1 - math.Pow(a.Beta1, float64(a.t))
	b2Corr := 1 - math.Pow(a.Beta2, float64(a.t))

	for i, p := range a.params {
		mi, vi := a.m[i], a.v[i]
		for j, g := range p.Grad {
			mi[j] = a.Beta1*mi[j] + (1-a.Beta1)*g
			vi[j] = a.Beta2*vi[j] + (1-a.Beta2)*g*g
			mhat := mi[j] / b1Corr
			vhat := vi[j] / b2Corr
			p.Data[j] -= a.LR * (mhat/(math.Sqrt(vhat)+a.Eps) + a.WeightDecay*p.Data[j])
			p.Grad[j] = 0
		}
	}
}

// ZeroGrad clears the gradients of params.
func ZeroGrad(params []*Vec) {
	for _, p := range params {
		clear(p.Grad)
	}
}

// ClipGradNorm rescales all gradients so their global L2 norm is at most
// maxNorm. It returns the norm before clipping. maxNorm <= 0 disables
// clipping.
func ClipGradNorm(params []*Vec, maxNorm float64) float64 {
	var sq float64
	for _, p := range params {
		sq += floats.Dot(p.Grad, p.Grad)
	}
	norm := math.Sqrt(sq)
	if maxNorm > 0 && norm > maxNorm {
		scale := maxNorm / (norm + 1e-6)
		for _, p := range params {
			floats.Scale(scale, p.Grad)
		}
	}
	return norm
}
