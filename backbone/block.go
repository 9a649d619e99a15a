package backbone

import (
	"github.com/openfluke/affect/nn"
)

// layerNorm is a frozen LayerNorm over the innermost axis.
type layerNorm struct {
	Weight *nn.Tensor[float32]
	Bias   *nn.Tensor[float32]
}

func (ln layerNorm) Forward(x *nn.Tensor[float32]) *nn.Tensor[float32] {
	return nn.LayerNormForward(x, nil, ln.Weight, ln.Bias, x.LastDim(), x.Rows(), 1e-5)
}

// ResidualBlock is a pre-norm transformer block:
//
//	x = x + attn(ln_1(x))
//	x = x + c_proj(quick_gelu(c_fc(ln_2(x))))
type ResidualBlock struct {
	ln1   layerNorm
	attn  SelfAttention
	base  *Attention // weights as loaded, kept when attn is replaced
	ln2   layerNorm
	cFc   nn.FrozenLinear
	cProj nn.FrozenLinear
}

// Attention returns the block's current attention computation.
func (r *ResidualBlock) Attention() SelfAttention {
	return r.attn
}

// SetAttention replaces the block's attention computation, typically with
// a wrapper around the original.
func (r *ResidualBlock) SetAttention(attn SelfAttention) {
	r.attn = attn
}

// Forward runs the block over x: [B, L, width].
func (r *ResidualBlock) Forward(x *nn.Tensor[float32]) *nn.Tensor[float32] {
	h := r.ln1.Forward(x)
	attnOut, _ := r.attn.Forward(h, h, h)
	x = nn.Add(x, attnOut)

	h = r.ln2.Forward(x)
	h = nn.ApplyActivation(r.cFc.Forward(h), nn.ActivationQuickGELU)
	return nn.Add(x, r.cProj.Forward(h))
}
