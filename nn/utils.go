package nn

import (
	"math"
	"math/rand"
)

// RandomNormal returns a tensor of the given shape filled with N(0, std²) samples.
func RandomNormal(rng *rand.Rand, std float64, shape ...int) *Tensor[float32] {
	t := NewTensor[float32](shape...)
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64() * std)
	}
	return t
}

// MaxAbsDiff calculates the maximum absolute difference between two slices
func MaxAbsDiff(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	m := 0.0
	for i := 0; i < n; i++ {
		d := math.Abs(float64(a[i] - b[i]))
		if d > m {
			m = d
		}
	}
	return m
}

// Mean returns the mean value of a slice
func Mean(v []float32) float32 {
	if len(v) == 0 {
		return 0
	}
	sum := float32(0)
	for _, x := range v {
		sum += x
	}
	return sum / float32(len(v))
}

// RowNorms returns the L2 norm of each row along the last axis.
func RowNorms(t *Tensor[float32]) []float64 {
	norms := make([]float64, t.Rows())
	for r := range norms {
		norms[r] = vecNorm(t.Row(r))
	}
	return norms
}

// AllFinite reports whether every element is neither NaN nor ±Inf.
func AllFinite(v []float32) bool {
	for _, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
