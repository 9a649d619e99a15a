package nn

import (
	"math"
)

// normalizeEps is the norm floor used by L2Normalize: x / max(||x||, eps).
const normalizeEps = 1e-12

// MatMul multiplies x: [..., K] by w: [K, N] and returns [..., N].
func MatMul(x, w *Tensor[float32]) *Tensor[float32] {
	k := x.LastDim()
	n := w.LastDim()
	out := backend.MatMul(x.Data, w.Data, x.Rows(), k, n)
	return NewTensorFromSlice(out, withLastDim(x.Shape, n)...)
}

// Linear computes x @ wᵀ + b for x: [..., in], w: [out, in], b: [out] or nil.
func Linear(x, w, b *Tensor[float32]) *Tensor[float32] {
	in := x.LastDim()
	out := w.Shape[0]
	rows := x.Rows()
	y := backend.MatMulTransB(x.Data, w.Data, rows, in, out)
	if b != nil {
		for r := 0; r < rows; r++ {
			row := y[r*out : (r+1)*out]
			for o := range row {
				row[o] += b.Data[o]
			}
		}
	}
	return NewTensorFromSlice(y, withLastDim(x.Shape, out)...)
}

// LinearBackward returns the gradients of Linear with respect to x, w and b.
// gradB is nil when withBias is false.
func LinearBackward(gradOut, x, w *Tensor[float32], withBias bool) (gradX, gradW, gradB *Tensor[float32]) {
	in := x.LastDim()
	out := w.Shape[0]
	rows := x.Rows()

	// dX = dY @ W
	gradX = NewTensorFromSlice(backend.MatMul(gradOut.Data, w.Data, rows, out, in), x.Shape...)

	// dW = dYᵀ @ X
	gradW = NewTensorFromSlice(backend.MatMul(transpose(gradOut.Data, rows, out), x.Data, out, rows, in), out, in)

	if withBias {
		gradB = NewTensor[float32](out)
		for r := 0; r < rows; r++ {
			for o := 0; o < out; o++ {
				gradB.Data[o] += gradOut.Data[r*out+o]
			}
		}
	}
	return gradX, gradW, gradB
}

// Add returns a + b element-wise. Both tensors must hold the same number of elements.
func Add(a, b *Tensor[float32]) *Tensor[float32] {
	out := a.Clone()
	AddInPlace(out, b)
	return out
}

// AddInPlace accumulates b into a.
func AddInPlace(a, b *Tensor[float32]) {
	for i := range a.Data {
		a.Data[i] += b.Data[i]
	}
}

// Scale returns t * factor.
func Scale(t *Tensor[float32], factor float32) *Tensor[float32] {
	out := NewTensor[float32](t.Shape...)
	for i, v := range t.Data {
		out.Data[i] = v * factor
	}
	return out
}

// L2Normalize divides every innermost vector by its euclidean norm.
func L2Normalize(x *Tensor[float32]) *Tensor[float32] {
	out := NewTensor[float32](x.Shape...)
	for r := 0; r < x.Rows(); r++ {
		src := x.Row(r)
		dst := out.Row(r)
		inv := float32(1.0 / math.Max(vecNorm(src), normalizeEps))
		for i, v := range src {
			dst[i] = v * inv
		}
	}
	return out
}

// L2NormalizeBackward propagates gradOut through L2Normalize evaluated at x.
func L2NormalizeBackward(gradOut, x *Tensor[float32]) *Tensor[float32] {
	gradX := NewTensor[float32](x.Shape...)
	for r := 0; r < x.Rows(); r++ {
		src := x.Row(r)
		g := gradOut.Row(r)
		dst := gradX.Row(r)
		norm := vecNorm(src)
		if norm < normalizeEps {
			for i := range dst {
				dst[i] = g[i] / normalizeEps
			}
			continue
		}
		// d(x/|x|) = (g - y (y·g)) / |x|
		var dot float64
		for i, v := range src {
			dot += float64(v) * float64(g[i])
		}
		dot /= norm
		for i, v := range src {
			y := float64(v) / norm
			dst[i] = float32((float64(g[i]) - y*dot) / norm)
		}
	}
	return gradX
}

func vecNorm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// MeanOverTime averages x: [B, L, D] over its L axis and returns [B, D].
func MeanOverTime(x *Tensor[float32]) *Tensor[float32] {
	b, l, d := x.Shape[0], x.Shape[1], x.Shape[2]
	out := NewTensor[float32](b, d)
	inv := 1 / float32(l)
	for bi := 0; bi < b; bi++ {
		dst := out.Data[bi*d : (bi+1)*d]
		for t := 0; t < l; t++ {
			src := x.Data[(bi*l+t)*d : (bi*l+t+1)*d]
			for i, v := range src {
				dst[i] += v
			}
		}
		for i := range dst {
			dst[i] *= inv
		}
	}
	return out
}

// MeanOverTimeBackward spreads gradOut: [B, D] evenly over seqLen steps.
func MeanOverTimeBackward(gradOut *Tensor[float32], seqLen int) *Tensor[float32] {
	b, d := gradOut.Shape[0], gradOut.Shape[1]
	gradX := NewTensor[float32](b, seqLen, d)
	inv := 1 / float32(seqLen)
	for bi := 0; bi < b; bi++ {
		src := gradOut.Data[bi*d : (bi+1)*d]
		for t := 0; t < seqLen; t++ {
			dst := gradX.Data[(bi*seqLen+t)*d : (bi*seqLen+t+1)*d]
			for i, v := range src {
				dst[i] = v * inv
			}
		}
	}
	return gradX
}

// SoftmaxRows applies a numerically stable softmax to every innermost vector in place.
func SoftmaxRows(x *Tensor[float32]) {
	for r := 0; r < x.Rows(); r++ {
		softmaxInPlace(x.Row(r))
	}
}

func softmaxInPlace(row []float32) {
	maxVal := row[0]
	for _, v := range row[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	var sum float32
	for i, v := range row {
		e := float32(math.Exp(float64(v - maxVal)))
		row[i] = e
		sum += e
	}
	for i := range row {
		row[i] /= sum
	}
}
