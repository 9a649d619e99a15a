package nn

import (
	"fmt"
	"math"
	"math/rand"
)

// ScaledDotProductAttention computes softmax(Q Kᵀ / sqrt(headDim)) V per head.
// q: [B, Lq, d], k and v: [B, Lk, d]. Returns the concatenated head outputs
// [B, Lq, d] and the attention probabilities [B, numHeads, Lq, Lk].
func ScaledDotProductAttention(q, k, v *Tensor[float32], numHeads int) (context, probs *Tensor[float32]) {
	batch, lq, dModel := q.Shape[0], q.Shape[1], q.Shape[2]
	lk := k.Shape[1]
	headDim := dModel / numHeads
	scale := float32(1.0 / math.Sqrt(float64(headDim)))

	probs = NewTensor[float32](batch, numHeads, lq, lk)
	context = NewTensor[float32](batch, lq, dModel)

	for b := 0; b < batch; b++ {
		for h := 0; h < numHeads; h++ {
			off := h * headDim
			for i := 0; i < lq; i++ {
				qRow := q.Data[(b*lq+i)*dModel+off : (b*lq+i)*dModel+off+headDim]
				pRow := probs.Data[((b*numHeads+h)*lq+i)*lk : ((b*numHeads+h)*lq+i+1)*lk]
				for j := 0; j < lk; j++ {
					kRow := k.Data[(b*lk+j)*dModel+off : (b*lk+j)*dModel+off+headDim]
					var sum float32
					for c, qv := range qRow {
						sum += qv * kRow[c]
					}
					pRow[j] = sum * scale
				}
				softmaxInPlace(pRow)

				ctxRow := context.Data[(b*lq+i)*dModel+off : (b*lq+i)*dModel+off+headDim]
				for j, p := range pRow {
					vRow := v.Data[(b*lk+j)*dModel+off : (b*lk+j)*dModel+off+headDim]
					for c, vv := range vRow {
						ctxRow[c] += p * vv
					}
				}
			}
		}
	}
	return context, probs
}

// ScaledDotProductAttentionBackward returns dL/dq, dL/dk, dL/dv given the
// gradient of the context and the probabilities saved by the forward pass.
func ScaledDotProductAttentionBackward(gradContext, q, k, v, probs *Tensor[float32], numHeads int) (gradQ, gradK, gradV *Tensor[float32]) {
	batch, lq, dModel := q.Shape[0], q.Shape[1], q.Shape[2]
	lk := k.Shape[1]
	headDim := dModel / numHeads
	scale := float32(1.0 / math.Sqrt(float64(headDim)))

	gradQ = NewTensor[float32](q.Shape...)
	gradK = NewTensor[float32](k.Shape...)
	gradV = NewTensor[float32](v.Shape...)
	gradP := make([]float32, lk)

	for b := 0; b < batch; b++ {
		for h := 0; h < numHeads; h++ {
			off := h * headDim
			for i := 0; i < lq; i++ {
				gCtx := gradContext.Data[(b*lq+i)*dModel+off : (b*lq+i)*dModel+off+headDim]
				pRow := probs.Data[((b*numHeads+h)*lq+i)*lk : ((b*numHeads+h)*lq+i+1)*lk]

				// Through the weighted sum of values
				var dot float32
				for j := 0; j < lk; j++ {
					base := (b*lk+j)*dModel + off
					vRow := v.Data[base : base+headDim]
					gvRow := gradV.Data[base : base+headDim]
					var gp float32
					for c, g := range gCtx {
						gp += g * vRow[c]
						gvRow[c] += pRow[j] * g
					}
					gradP[j] = gp
					dot += gp * pRow[j]
				}

				// Through the softmax and the scaled scores
				qBase := (b*lq+i)*dModel + off
				qRow := q.Data[qBase : qBase+headDim]
				gqRow := gradQ.Data[qBase : qBase+headDim]
				for j := 0; j < lk; j++ {
					gs := pRow[j] * (gradP[j] - dot) * scale
					if gs == 0 {
						continue
					}
					kBase := (b*lk+j)*dModel + off
					kRow := k.Data[kBase : kBase+headDim]
					gkRow := gradK.Data[kBase : kBase+headDim]
					for c := range qRow {
						gqRow[c] += gs * kRow[c]
						gkRow[c] += gs * qRow[c]
					}
				}
			}
		}
	}
	return gradQ, gradK, gradV
}

// AverageHeads reduces probabilities [B, H, Lq, Lk] to [B, Lq, Lk].
func AverageHeads(probs *Tensor[float32]) *Tensor[float32] {
	batch, heads, lq, lk := probs.Shape[0], probs.Shape[1], probs.Shape[2], probs.Shape[3]
	out := NewTensor[float32](batch, lq, lk)
	inv := 1 / float32(heads)
	for b := 0; b < batch; b++ {
		dst := out.Data[b*lq*lk : (b+1)*lq*lk]
		for h := 0; h < heads; h++ {
			src := probs.Data[(b*heads+h)*lq*lk : (b*heads+h+1)*lq*lk]
			for i, p := range src {
				dst[i] += p * inv
			}
		}
	}
	return out
}

// MultiHeadAttention is a trainable attention layer with a fused
// query/key/value projection, laid out as [q; k; v] along the output axis.
type MultiHeadAttention struct {
	DModel   int
	NumHeads int

	InProjWeight *Parameter // [3*DModel, DModel]
	InProjBias   *Parameter // [3*DModel]
	OutProj      *Dense

	query, key, value *Tensor[float32]
	qp, kp, vp        *Tensor[float32]
	probs             *Tensor[float32]
}

// NewMultiHeadAttention creates an attention layer; dModel must be divisible by numHeads.
func NewMultiHeadAttention(name string, dModel, numHeads int, rng *rand.Rand) (*MultiHeadAttention, error) {
	if numHeads <= 0 || dModel%numHeads != 0 {
		return nil, fmt.Errorf("%w: d_model %d not divisible by %d heads", ErrShape, dModel, numHeads)
	}

	// Xavier-uniform over the fused projection
	bound := math.Sqrt(6.0 / float64(dModel+3*dModel))
	inProj := NewTensor[float32](3*dModel, dModel)
	for i := range inProj.Data {
		inProj.Data[i] = float32((rng.Float64()*2 - 1) * bound)
	}

	outProj := NewDense(name+".out_proj", dModel, dModel, rng)
	outProj.Bias.Value.Zero()

	return &MultiHeadAttention{
		DModel:       dModel,
		NumHeads:     numHeads,
		InProjWeight: NewParameter(name+".in_proj_weight", inProj),
		InProjBias:   NewParameter(name+".in_proj_bias", NewTensor[float32](3*dModel)),
		OutProj:      outProj,
	}, nil
}

// projection returns the weight and bias views for slot 0 (q), 1 (k) or 2 (v).
func (m *MultiHeadAttention) projection(t *Tensor[float32], slot int) (w, b *Tensor[float32]) {
	d := m.DModel
	w = t.SliceRows(slot*d, (slot+1)*d)
	b = NewTensorFromSlice(m.InProjBias.Value.Data[slot*d:(slot+1)*d], d)
	return w, b
}

// Forward attends query over key/value, all [B, L, DModel]. It returns the
// projected output and the head-averaged attention weights [B, Lq, Lk].
func (m *MultiHeadAttention) Forward(query, key, value *Tensor[float32]) (*Tensor[float32], *Tensor[float32]) {
	m.query, m.key, m.value = query, key, value

	wq, bq := m.projection(m.InProjWeight.Value, 0)
	wk, bk := m.projection(m.InProjWeight.Value, 1)
	wv, bv := m.projection(m.InProjWeight.Value, 2)
	m.qp = Linear(query, wq, bq)
	m.kp = Linear(key, wk, bk)
	m.vp = Linear(value, wv, bv)

	ctx, probs := ScaledDotProductAttention(m.qp, m.kp, m.vp, m.NumHeads)
	m.probs = probs

	return m.OutProj.Forward(ctx), AverageHeads(probs)
}

// Backward returns the gradients with respect to query, key and value.
// For self-attention the caller sums the three.
func (m *MultiHeadAttention) Backward(gradOut *Tensor[float32]) (gradQuery, gradKey, gradValue *Tensor[float32]) {
	gradCtx := m.OutProj.Backward(gradOut)
	gQp, gKp, gVp := ScaledDotProductAttentionBackward(gradCtx, m.qp, m.kp, m.vp, m.probs, m.NumHeads)

	d := m.DModel
	inputs := []*Tensor[float32]{m.query, m.key, m.value}
	grads := []*Tensor[float32]{gQp, gKp, gVp}
	outs := make([]*Tensor[float32], 3)
	for slot := 0; slot < 3; slot++ {
		w, _ := m.projection(m.InProjWeight.Value, slot)
		gX, gW, gB := LinearBackward(grads[slot], inputs[slot], w, true)

		gradW := m.InProjWeight.Grad.Data[slot*d*d : (slot+1)*d*d]
		for i, g := range gW.Data {
			gradW[i] += g
		}
		gradB := m.InProjBias.Grad.Data[slot*d : (slot+1)*d]
		for i, g := range gB.Data {
			gradB[i] += g
		}
		outs[slot] = gX
	}
	return outs[0], outs[1], outs[2]
}

func (m *MultiHeadAttention) Parameters() []*Parameter {
	return append([]*Parameter{m.InProjWeight, m.InProjBias}, m.OutProj.Parameters()...)
}
