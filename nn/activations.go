package nn

import (
	"math"
)

// ActivationType defines the element-wise nonlinearity used by a layer
type ActivationType int

const (
	ActivationIdentity  ActivationType = 0 // v
	ActivationReLU      ActivationType = 1 // max(0, v)
	ActivationGELU      ActivationType = 2 // v * Φ(v), exact erf form
	ActivationQuickGELU ActivationType = 3 // v * sigmoid(1.702 v), used by OpenAI CLIP
)

func (a ActivationType) String() string {
	switch a {
	case ActivationReLU:
		return "relu"
	case ActivationGELU:
		return "gelu"
	case ActivationQuickGELU:
		return "quick_gelu"
	default:
		return "identity"
	}
}

// Activate applies the activation function to a single value.
func Activate[T Numeric](v T, activation ActivationType) T {
	x := float64(v)
	switch activation {
	case ActivationReLU:
		if x < 0 {
			return 0
		}
		return v
	case ActivationGELU:
		return T(0.5 * x * (1 + math.Erf(x/math.Sqrt2)))
	case ActivationQuickGELU:
		return T(x * sigmoid(1.702*x))
	default:
		return v
	}
}

// ActivateDerivative computes the derivative with respect to the PRE-activation value
func ActivateDerivative[T Numeric](preActivation T, activation ActivationType) T {
	x := float64(preActivation)
	switch activation {
	case ActivationReLU:
		if x > 0 {
			return 1
		}
		return 0
	case ActivationGELU:
		cdf := 0.5 * (1 + math.Erf(x/math.Sqrt2))
		pdf := math.Exp(-0.5*x*x) / math.Sqrt(2*math.Pi)
		return T(cdf + x*pdf)
	case ActivationQuickGELU:
		s := sigmoid(1.702 * x)
		return T(s + 1.702*x*s*(1-s))
	default:
		return 1
	}
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

// ApplyActivation maps the activation over every element of x.
func ApplyActivation(x *Tensor[float32], activation ActivationType) *Tensor[float32] {
	out := NewTensor[float32](x.Shape...)
	for i, v := range x.Data {
		out.Data[i] = Activate(v, activation)
	}
	return out
}

// Activation is a parameter-free layer wrapping ApplyActivation.
type Activation struct {
	Type ActivationType

	preAct *Tensor[float32]
}

// NewActivation creates an activation layer.
func NewActivation(t ActivationType) *Activation {
	return &Activation{Type: t}
}

func (a *Activation) Forward(x *Tensor[float32]) *Tensor[float32] {
	a.preAct = x
	return ApplyActivation(x, a.Type)
}

func (a *Activation) Backward(gradOut *Tensor[float32]) *Tensor[float32] {
	gradIn := NewTensor[float32](gradOut.Shape...)
	for i, g := range gradOut.Data {
		gradIn.Data[i] = g * ActivateDerivative(a.preAct.Data[i], a.Type)
	}
	return gradIn
}

func (a *Activation) Parameters() []*Parameter { return nil }
