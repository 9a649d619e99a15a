package nn

import (
	"math/rand"
)

// Dropout zeroes activations with probability P while training and rescales
// the survivors by 1/(1-P). In eval mode it is the identity.
type Dropout struct {
	P        float32
	Training bool

	rng  *rand.Rand
	mask []float32
}

// NewDropout creates a dropout layer in training mode.
func NewDropout(p float32, rng *rand.Rand) *Dropout {
	return &Dropout{P: p, Training: true, rng: rng}
}

func (d *Dropout) Forward(x *Tensor[float32]) *Tensor[float32] {
	if !d.Training || d.P <= 0 {
		d.mask = nil
		return x.Clone()
	}
	keep := 1 - d.P
	out := NewTensor[float32](x.Shape...)
	d.mask = make([]float32, len(x.Data))
	for i, v := range x.Data {
		if d.rng.Float32() < keep {
			d.mask[i] = 1 / keep
			out.Data[i] = v * d.mask[i]
		}
	}
	return out
}

func (d *Dropout) Backward(gradOut *Tensor[float32]) *Tensor[float32] {
	if d.mask == nil {
		return gradOut.Clone()
	}
	gradIn := NewTensor[float32](gradOut.Shape...)
	for i, g := range gradOut.Data {
		gradIn.Data[i] = g * d.mask[i]
	}
	return gradIn
}

func (d *Dropout) Parameters() []*Parameter { return nil }
