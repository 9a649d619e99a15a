package nn

import (
	"fmt"
	"math"
	"math/rand"
)

// LowRankAdapter learns a rank-r additive correction: scale * (x @ A @ B).
// B starts at zero, so a fresh adapter outputs exactly zero for any input.
type LowRankAdapter struct {
	InFeatures  int
	OutFeatures int
	Rank        int
	Alpha       float32
	Scale       float32 // Alpha / Rank

	A *Parameter // [InFeatures, Rank], Gaussian * 1/sqrt(Rank)
	B *Parameter // [Rank, OutFeatures], zeros

	input  *Tensor[float32]
	hidden *Tensor[float32]
}

// NewLowRankAdapter creates an adapter of the given rank and alpha.
func NewLowRankAdapter(name string, inFeatures, outFeatures, rank int, alpha float32, rng *rand.Rand) (*LowRankAdapter, error) {
	if rank <= 0 {
		return nil, fmt.Errorf("%w: lora rank must be positive, got %d", ErrShape, rank)
	}

	a := NewTensor[float32](inFeatures, rank)
	std := 1.0 / math.Sqrt(float64(rank))
	for i := range a.Data {
		a.Data[i] = float32(rng.NormFloat64() * std)
	}

	return &LowRankAdapter{
		InFeatures:  inFeatures,
		OutFeatures: outFeatures,
		Rank:        rank,
		Alpha:       alpha,
		Scale:       alpha / float32(rank),
		A:           NewParameter(name+".lora_A", a),
		B:           NewParameter(name+".lora_B", NewTensor[float32](rank, outFeatures)),
	}, nil
}

// Forward maps x: [..., InFeatures] to scale * (x @ A @ B): [..., OutFeatures].
func (l *LowRankAdapter) Forward(x *Tensor[float32]) *Tensor[float32] {
	l.input = x
	l.hidden = MatMul(x, l.A.Value)
	out := MatMul(l.hidden, l.B.Value)
	for i := range out.Data {
		out.Data[i] *= l.Scale
	}
	return out
}

// Backward accumulates gradients for A and B and returns dL/dx.
func (l *LowRankAdapter) Backward(gradOut *Tensor[float32]) *Tensor[float32] {
	rows := gradOut.Rows()
	g := Scale(gradOut, l.Scale)

	// dB = Hᵀ @ g
	gradB := backend.MatMul(transpose(l.hidden.Data, rows, l.Rank), g.Data, l.Rank, rows, l.OutFeatures)
	// dH = g @ Bᵀ
	gradH := backend.MatMulTransB(g.Data, l.B.Value.Data, rows, l.OutFeatures, l.Rank)
	// dA = Xᵀ @ dH
	gradA := backend.MatMul(transpose(l.input.Data, rows, l.InFeatures), gradH, l.InFeatures, rows, l.Rank)
	// dX = dH @ Aᵀ
	gradX := backend.MatMulTransB(gradH, l.A.Value.Data, rows, l.Rank, l.InFeatures)

	l.A.accumulate(NewTensorFromSlice(gradA, l.InFeatures, l.Rank))
	l.B.accumulate(NewTensorFromSlice(gradB, l.Rank, l.OutFeatures))
	return NewTensorFromSlice(gradX, withLastDim(gradOut.Shape, l.InFeatures)...)
}

func (l *LowRankAdapter) Parameters() []*Parameter {
	return []*Parameter{l.A, l.B}
}

// AdaptedLinear composes a frozen linear map with a trainable LowRankAdapter:
// y = frozen(x) + adapter(x). Only the adapter's A and B are trainable.
type AdaptedLinear struct {
	Frozen  FrozenLinear
	Adapter *LowRankAdapter
}

// NewAdaptedLinear wraps frozen with a fresh adapter of the given rank and alpha.
func NewAdaptedLinear(name string, frozen FrozenLinear, rank int, alpha float32, rng *rand.Rand) (*AdaptedLinear, error) {
	adapter, err := NewLowRankAdapter(name, frozen.InFeatures(), frozen.OutFeatures(), rank, alpha, rng)
	if err != nil {
		return nil, err
	}
	return &AdaptedLinear{Frozen: frozen, Adapter: adapter}, nil
}

func (a *AdaptedLinear) Forward(x *Tensor[float32]) *Tensor[float32] {
	out := a.Frozen.Forward(x)
	AddInPlace(out, a.Adapter.Forward(x))
	return out
}

// Delta returns only the adapter's contribution for x.
func (a *AdaptedLinear) Delta(x *Tensor[float32]) *Tensor[float32] {
	return a.Adapter.Forward(x)
}

func (a *AdaptedLinear) Backward(gradOut *Tensor[float32]) *Tensor[float32] {
	gradX := a.Frozen.Backward(gradOut)
	AddInPlace(gradX, a.Adapter.Backward(gradOut))
	return gradX
}

// Parameters returns the adapter's matrices; the frozen map is never included.
func (a *AdaptedLinear) Parameters() []*Parameter {
	return a.Adapter.Parameters()
}
