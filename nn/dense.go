package nn

import (
	"math"
	"math/rand"
)

// Dense is a trainable fully-connected layer: y = x @ Wᵀ + b.
type Dense struct {
	InputSize  int
	OutputSize int
	Weight     *Parameter // [OutputSize, InputSize]
	Bias       *Parameter // [OutputSize]

	input *Tensor[float32]
}

// NewDense initializes a dense layer with He-scaled Gaussian weights and zero biases.
func NewDense(name string, inputSize, outputSize int, rng *rand.Rand) *Dense {
	stddev := math.Sqrt(2.0 / float64(inputSize))

	weights := NewTensor[float32](outputSize, inputSize)
	for i := range weights.Data {
		weights.Data[i] = float32(rng.NormFloat64() * stddev)
	}

	return &Dense{
		InputSize:  inputSize,
		OutputSize: outputSize,
		Weight:     NewParameter(name+".weight", weights),
		Bias:       NewParameter(name+".bias", NewTensor[float32](outputSize)),
	}
}

// Forward maps x: [..., InputSize] to [..., OutputSize].
func (d *Dense) Forward(x *Tensor[float32]) *Tensor[float32] {
	d.input = x
	return Linear(x, d.Weight.Value, d.Bias.Value)
}

// Backward accumulates weight and bias gradients and returns dL/dx.
func (d *Dense) Backward(gradOut *Tensor[float32]) *Tensor[float32] {
	gradX, gradW, gradB := LinearBackward(gradOut, d.input, d.Weight.Value, true)
	d.Weight.accumulate(gradW)
	d.Bias.accumulate(gradB)
	return gradX
}

func (d *Dense) Parameters() []*Parameter {
	return []*Parameter{d.Weight, d.Bias}
}

// FrozenLinear is a linear map whose weights never change. It deliberately
// has no Parameters method.
type FrozenLinear struct {
	Weight *Tensor[float32] // [out, in]
	Bias   *Tensor[float32] // [out] or nil
}

// NewFrozenLinear copies weight and bias so later edits to the source cannot leak in.
func NewFrozenLinear(weight, bias *Tensor[float32]) FrozenLinear {
	f := FrozenLinear{Weight: weight.Clone()}
	if bias != nil {
		f.Bias = bias.Clone()
	}
	return f
}

func (f FrozenLinear) InFeatures() int  { return f.Weight.Shape[1] }
func (f FrozenLinear) OutFeatures() int { return f.Weight.Shape[0] }

func (f FrozenLinear) Forward(x *Tensor[float32]) *Tensor[float32] {
	return Linear(x, f.Weight, f.Bias)
}

// Backward returns dL/dx only; frozen weights receive no gradient.
func (f FrozenLinear) Backward(gradOut *Tensor[float32]) *Tensor[float32] {
	rows := gradOut.Rows()
	out := backend.MatMul(gradOut.Data, f.Weight.Data, rows, f.OutFeatures(), f.InFeatures())
	return NewTensorFromSlice(out, withLastDim(gradOut.Shape, f.InFeatures())...)
}
