package nn

import (
	"math/rand"
)

// TransformerEncoderLayer is a post-norm self-attention block:
//
//	x = norm1(x + dropout(selfAttn(x)))
//	x = norm2(x + dropout(linear2(dropout(relu(linear1(x))))))
type TransformerEncoderLayer struct {
	SelfAttn *MultiHeadAttention
	Linear1  *Dense
	Linear2  *Dense
	Norm1    *LayerNorm
	Norm2    *LayerNorm
	Act      *Activation
	Dropout  *Dropout
	Dropout1 *Dropout
	Dropout2 *Dropout
}

// NewTransformerEncoderLayer builds a layer with the given head count,
// feed-forward width and dropout rate.
func NewTransformerEncoderLayer(name string, dModel, numHeads, dimFeedforward int, dropout float32, rng *rand.Rand) (*TransformerEncoderLayer, error) {
	attn, err := NewMultiHeadAttention(name+".self_attn", dModel, numHeads, rng)
	if err != nil {
		return nil, err
	}
	return &TransformerEncoderLayer{
		SelfAttn: attn,
		Linear1:  NewDense(name+".linear1", dModel, dimFeedforward, rng),
		Linear2:  NewDense(name+".linear2", dimFeedforward, dModel, rng),
		Norm1:    NewLayerNorm(name+".norm1", dModel),
		Norm2:    NewLayerNorm(name+".norm2", dModel),
		Act:      NewActivation(ActivationReLU),
		Dropout:  NewDropout(dropout, rng),
		Dropout1: NewDropout(dropout, rng),
		Dropout2: NewDropout(dropout, rng),
	}, nil
}

// SetTraining toggles every dropout in the layer.
func (l *TransformerEncoderLayer) SetTraining(training bool) {
	l.Dropout.Training = training
	l.Dropout1.Training = training
	l.Dropout2.Training = training
}

// Forward runs the block over x: [B, L, DModel].
func (l *TransformerEncoderLayer) Forward(x *Tensor[float32]) *Tensor[float32] {
	attnOut, _ := l.SelfAttn.Forward(x, x, x)
	h := l.Norm1.Forward(Add(x, l.Dropout1.Forward(attnOut)))

	ff := l.Linear1.Forward(h)
	ff = l.Act.Forward(ff)
	ff = l.Dropout.Forward(ff)
	ff = l.Linear2.Forward(ff)
	return l.Norm2.Forward(Add(h, l.Dropout2.Forward(ff)))
}

func (l *TransformerEncoderLayer) Backward(gradOut *Tensor[float32]) *Tensor[float32] {
	g := l.Norm2.Backward(gradOut)

	// Feed-forward branch, plus the residual path into h
	gff := l.Dropout2.Backward(g)
	gff = l.Linear2.Backward(gff)
	gff = l.Dropout.Backward(gff)
	gff = l.Act.Backward(gff)
	gff = l.Linear1.Backward(gff)
	gh := Add(g, gff)

	g = l.Norm1.Backward(gh)

	// Attention branch, plus the residual path into x
	gAttn := l.Dropout1.Backward(g)
	gq, gk, gv := l.SelfAttn.Backward(gAttn)
	gx := Add(g, gq)
	AddInPlace(gx, gk)
	AddInPlace(gx, gv)
	return gx
}

func (l *TransformerEncoderLayer) Parameters() []*Parameter {
	return CollectParameters(l.SelfAttn, l.Linear1, l.Linear2, l.Norm1, l.Norm2)
}
