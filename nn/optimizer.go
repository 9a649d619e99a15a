package nn

import (
	"math"
)

// Optimizer interface defines the contract for all optimizers
type Optimizer interface {
	// Step applies the accumulated gradients of every parameter in groups
	Step(groups []ParamGroup, learningRate float32)

	// Reset clears optimizer state (momentum, etc.)
	Reset()

	// Name returns the optimizer name
	Name() string
}

// ============================================================================
// SGD Optimizer (Stochastic Gradient Descent with optional momentum)
// ============================================================================

type SGDOptimizer struct {
	momentum   float32
	velocities map[*Parameter][]float32 // Momentum buffers
	dampening  float32
	nesterov   bool
}

func NewSGDOptimizer() *SGDOptimizer {
	return &SGDOptimizer{
		velocities: make(map[*Parameter][]float32),
	}
}

func NewSGDOptimizerWithMomentum(momentum, dampening float32, nesterov bool) *SGDOptimizer {
	return &SGDOptimizer{
		momentum:   momentum,
		velocities: make(map[*Parameter][]float32),
		dampening:  dampening,
		nesterov:   nesterov,
	}
}

func (opt *SGDOptimizer) Step(groups []ParamGroup, learningRate float32) {
	for _, g := range groups {
		for _, p := range g.Params {
			if opt.momentum == 0 {
				// w = w - lr * grad
				for j, grad := range p.Grad.Data {
					p.Value.Data[j] -= learningRate * grad
				}
				continue
			}

			v := opt.velocities[p]
			if v == nil {
				v = make([]float32, len(p.Value.Data))
				opt.velocities[p] = v
			}

			// v = momentum * v + (1 - dampening) * grad
			// w = w - lr * v (or w - lr * (grad + momentum * v) for Nesterov)
			for j, grad := range p.Grad.Data {
				v[j] = opt.momentum*v[j] + (1-opt.dampening)*grad
				if opt.nesterov {
					p.Value.Data[j] -= learningRate * (grad + opt.momentum*v[j])
				} else {
					p.Value.Data[j] -= learningRate * v[j]
				}
			}
		}
	}
}

func (opt *SGDOptimizer) Reset() {
	opt.velocities = make(map[*Parameter][]float32)
}

func (opt *SGDOptimizer) Name() string {
	if opt.momentum > 0 {
		if opt.nesterov {
			return "SGD (Nesterov momentum)"
		}
		return "SGD (momentum)"
	}
	return "SGD"
}

// ============================================================================
// AdamW Optimizer (Adam with decoupled weight decay)
// ============================================================================

type AdamWOptimizer struct {
	beta1       float32
	beta2       float32
	epsilon     float32
	weightDecay float32
	step        int

	// First moment estimates (momentum)
	m map[*Parameter][]float32

	// Second moment estimates (variance)
	v map[*Parameter][]float32
}

func NewAdamWOptimizer(beta1, beta2, epsilon, weightDecay float32) *AdamWOptimizer {
	return &AdamWOptimizer{
		beta1:       beta1,
		beta2:       beta2,
		epsilon:     epsilon,
		weightDecay: weightDecay,
		m:           make(map[*Parameter][]float32),
		v:           make(map[*Parameter][]float32),
	}
}

func NewAdamWOptimizerDefault() *AdamWOptimizer {
	return NewAdamWOptimizer(0.9, 0.999, 1e-8, 0.01)
}

func (opt *AdamWOptimizer) Step(groups []ParamGroup, learningRate float32) {
	opt.step++

	// Bias correction factors
	biasCorrection1 := 1.0 - float32(math.Pow(float64(opt.beta1), float64(opt.step)))
	biasCorrection2 := 1.0 - float32(math.Pow(float64(opt.beta2), float64(opt.step)))

	for _, g := range groups {
		for _, p := range g.Params {
			m := opt.m[p]
			if m == nil {
				m = make([]float32, len(p.Value.Data))
				opt.m[p] = m
				opt.v[p] = make([]float32, len(p.Value.Data))
			}
			v := opt.v[p]

			for j, grad := range p.Grad.Data {
				m[j] = opt.beta1*m[j] + (1-opt.beta1)*grad
				v[j] = opt.beta2*v[j] + (1-opt.beta2)*grad*grad

				mHat := m[j] / biasCorrection1
				vHat := v[j] / biasCorrection2

				w := p.Value.Data[j]
				p.Value.Data[j] -= learningRate * (mHat/(float32(math.Sqrt(float64(vHat)))+opt.epsilon) + opt.weightDecay*w)
			}
		}
	}
}

func (opt *AdamWOptimizer) Reset() {
	opt.step = 0
	opt.m = make(map[*Parameter][]float32)
	opt.v = make(map[*Parameter][]float32)
}

func (opt *AdamWOptimizer) Name() string {
	return "AdamW"
}
