package backbone

import (
	"fmt"

	"github.com/openfluke/affect/nn"
)

// Attention is a frozen multi-head self-attention with a fused in-projection.
type Attention struct {
	embedDim int
	numHeads int

	inProjWeight *nn.Tensor[float32] // [3d, d]
	inProjBias   *nn.Tensor[float32] // [3d] or nil
	outProj      nn.FrozenLinear
}

// NewAttention copies the given weights into a frozen attention module.
func NewAttention(numHeads int, inProjWeight, inProjBias, outProjWeight, outProjBias *nn.Tensor[float32]) (*Attention, error) {
	if inProjWeight.Dims() != 2 || inProjWeight.Shape[0] != 3*inProjWeight.Shape[1] {
		return nil, fmt.Errorf("%w: in_proj_weight must be [3d, d], got %v", nn.ErrShape, inProjWeight.Shape)
	}
	d := inProjWeight.Shape[1]
	if numHeads <= 0 || d%numHeads != 0 {
		return nil, fmt.Errorf("%w: embed dim %d not divisible by %d heads", nn.ErrShape, d, numHeads)
	}
	if inProjBias != nil && inProjBias.Size() != 3*d {
		return nil, fmt.Errorf("%w: in_proj_bias must have %d elements, got %d", nn.ErrShape, 3*d, inProjBias.Size())
	}
	if outProjWeight.Dims() != 2 || outProjWeight.Shape[0] != d || outProjWeight.Shape[1] != d {
		return nil, fmt.Errorf("%w: out_proj weight must be [%d, %d], got %v", nn.ErrShape, d, d, outProjWeight.Shape)
	}

	a := &Attention{
		embedDim:     d,
		numHeads:     numHeads,
		inProjWeight: inProjWeight.Clone(),
		outProj:      nn.NewFrozenLinear(outProjWeight, outProjBias),
	}
	if inProjBias != nil {
		a.inProjBias = inProjBias.Clone()
	}
	return a, nil
}

func (a *Attention) EmbedDim() int                      { return a.embedDim }
func (a *Attention) NumHeads() int                      { return a.numHeads }
func (a *Attention) InProjWeight() *nn.Tensor[float32]  { return a.inProjWeight }
func (a *Attention) InProjBias() *nn.Tensor[float32]    { return a.inProjBias }
func (a *Attention) OutProjWeight() *nn.Tensor[float32] { return a.outProj.Weight }
func (a *Attention) OutProjBias() *nn.Tensor[float32]   { return a.outProj.Bias }

// slice returns the weight and bias of projection slot 0 (q), 1 (k) or 2 (v).
func (a *Attention) slice(slot int) (w, b *nn.Tensor[float32]) {
	d := a.embedDim
	w = a.inProjWeight.SliceRows(slot*d, (slot+1)*d)
	if a.inProjBias != nil {
		b = nn.NewTensorFromSlice(a.inProjBias.Data[slot*d:(slot+1)*d], d)
	}
	return w, b
}

func (a *Attention) Forward(query, key, value *nn.Tensor[float32]) (*nn.Tensor[float32], *nn.Tensor[float32]) {
	wq, bq := a.slice(0)
	wk, bk := a.slice(1)
	wv, bv := a.slice(2)

	ctx, probs := nn.ScaledDotProductAttention(
		nn.Linear(query, wq, bq),
		nn.Linear(key, wk, bk),
		nn.Linear(value, wv, bv),
		a.numHeads,
	)
	return a.outProj.Forward(ctx), nn.AverageHeads(probs)
}
