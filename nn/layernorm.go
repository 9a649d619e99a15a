package nn

import (
	"math"
)

// =============================================================================
// Generic LayerNorm Implementation
// =============================================================================

// LayerNormForward performs layer normalization for any numeric type.
// input shape: [batchSize][normSize] (flattened)
// residual: optional residual connection to add before normalization
func LayerNormForward[T Numeric](input, residual, gamma, beta *Tensor[T], normSize, batchSize int, epsilon float64) *Tensor[T] {
	if epsilon == 0 {
		epsilon = 1e-5
	}

	inputWithResidual := input.Clone()
	if residual != nil && len(residual.Data) == len(input.Data) {
		for i := range inputWithResidual.Data {
			inputWithResidual.Data[i] += residual.Data[i]
		}
	}

	output := NewTensor[T](input.Shape...)

	for b := 0; b < batchSize; b++ {
		start := b * normSize
		end := start + normSize

		if end > len(inputWithResidual.Data) {
			break
		}

		mean, variance := rowMoments(inputWithResidual.Data[start:end])
		std := math.Sqrt(variance + epsilon)

		for i := 0; i < normSize; i++ {
			idx := start + i
			normalized := (float64(inputWithResidual.Data[idx]) - mean) / std

			// Apply learned scale and shift
			if gamma != nil && len(gamma.Data) > i {
				normalized *= float64(gamma.Data[i])
			}
			if beta != nil && len(beta.Data) > i {
				normalized += float64(beta.Data[i])
			}

			output.Data[idx] = T(normalized)
		}
	}

	return output
}

// LayerNormBackward computes gradients for Layer normalization.
func LayerNormBackward[T Numeric](input, residual, gradOutput, gamma *Tensor[T], normSize, batchSize int, epsilon float64) (gradInput, gradGamma, gradBeta *Tensor[T]) {
	if epsilon == 0 {
		epsilon = 1e-5
	}

	inputWithResidual := input.Clone()
	if residual != nil && len(residual.Data) == len(input.Data) {
		for i := range inputWithResidual.Data {
			inputWithResidual.Data[i] += residual.Data[i]
		}
	}

	gradInput = NewTensor[T](input.Shape...)
	gradGamma = NewTensor[T](normSize)
	gradBeta = NewTensor[T](normSize)

	for b := 0; b < batchSize; b++ {
		start := b * normSize
		end := start + normSize

		if end > len(inputWithResidual.Data) {
			break
		}

		mean, variance := rowMoments(inputWithResidual.Data[start:end])
		invStd := 1.0 / math.Sqrt(variance+epsilon)

		// dL/dx_i = (1/sigma) * (dL/dxhat_i - mean(dL/dxhat) - xhat_i * mean(dL/dxhat * xhat))
		var sumDxhat, sumDxhatXhat float64
		for i := start; i < end; i++ {
			localIdx := i - start
			dy := float64(gradOutput.Data[i])
			xHat := (float64(inputWithResidual.Data[i]) - mean) * invStd

			gradBeta.Data[localIdx] += T(dy)
			gradGamma.Data[localIdx] += T(dy * xHat)

			dxHat := dy * gammaAt(gamma, localIdx)
			sumDxhat += dxHat
			sumDxhatXhat += dxHat * xHat
		}

		meanDxhat := sumDxhat / float64(normSize)
		meanDxhatXhat := sumDxhatXhat / float64(normSize)

		for i := start; i < end; i++ {
			localIdx := i - start
			xHat := (float64(inputWithResidual.Data[i]) - mean) * invStd
			dxHat := float64(gradOutput.Data[i]) * gammaAt(gamma, localIdx)
			gradInput.Data[i] = T(invStd * (dxHat - meanDxhat - xHat*meanDxhatXhat))
		}
	}

	return gradInput, gradGamma, gradBeta
}

func rowMoments[T Numeric](row []T) (mean, variance float64) {
	var sum float64
	for _, v := range row {
		sum += float64(v)
	}
	mean = sum / float64(len(row))
	for _, v := range row {
		diff := float64(v) - mean
		variance += diff * diff
	}
	variance /= float64(len(row))
	return mean, variance
}

func gammaAt[T Numeric](gamma *Tensor[T], i int) float64 {
	if gamma != nil && len(gamma.Data) > i {
		return float64(gamma.Data[i])
	}
	return 1.0
}

// =============================================================================
// LayerNorm module
// =============================================================================

// LayerNorm normalizes the innermost axis and applies a learned affine map.
type LayerNorm struct {
	NormSize int
	Epsilon  float64
	Gamma    *Parameter
	Beta     *Parameter

	input *Tensor[float32]
}

// NewLayerNorm creates a LayerNorm with gamma=1, beta=0.
func NewLayerNorm(name string, normSize int) *LayerNorm {
	gamma := NewTensor[float32](normSize)
	for i := range gamma.Data {
		gamma.Data[i] = 1
	}
	return &LayerNorm{
		NormSize: normSize,
		Epsilon:  1e-5,
		Gamma:    NewParameter(name+".weight", gamma),
		Beta:     NewParameter(name+".bias", NewTensor[float32](normSize)),
	}
}

func (ln *LayerNorm) Forward(x *Tensor[float32]) *Tensor[float32] {
	ln.input = x
	return LayerNormForward(x, nil, ln.Gamma.Value, ln.Beta.Value, ln.NormSize, x.Rows(), ln.Epsilon)
}

func (ln *LayerNorm) Backward(gradOut *Tensor[float32]) *Tensor[float32] {
	gradIn, gradGamma, gradBeta := LayerNormBackward(ln.input, nil, gradOut, ln.Gamma.Value, ln.NormSize, ln.input.Rows(), ln.Epsilon)
	ln.Gamma.accumulate(gradGamma)
	ln.Beta.accumulate(gradBeta)
	return gradIn
}

func (ln *LayerNorm) Parameters() []*Parameter {
	return []*Parameter{ln.Gamma, ln.Beta}
}
