package nn

import (
	"github.com/openfluke/affect/gpu"
	"github.com/rs/zerolog/log"
)

// Backend defines the matrix kernels the layers are built on.
// This abstraction allows swapping the CPU loops for a WebGPU kernel
// without changing layer code.
type Backend interface {
	// MatMul computes a @ b for a: [M, K], b: [K, N].
	MatMul(a, b []float32, m, k, n int) []float32

	// MatMulTransB computes a @ bᵀ for a: [M, K], b: [N, K].
	MatMulTransB(a, b []float32, m, k, n int) []float32

	Name() string
}

var backend Backend = CPUBackend{}

// SetBackend replaces the process-wide backend. Not safe to call while a
// forward or backward pass is running.
func SetBackend(b Backend) {
	if b == nil {
		b = CPUBackend{}
	}
	backend = b
}

// CurrentBackend returns the active backend.
func CurrentBackend() Backend {
	return backend
}

// =============================================================================
// CPUBackend Implementation
// =============================================================================

// CPUBackend runs plain Go loops.
type CPUBackend struct{}

func (CPUBackend) Name() string { return "cpu" }

// matMulTile is the block edge of the cache-tiled CPU product.
const matMulTile = 64

// MatMul performs result = a @ b in matMulTile blocks. Each output element
// still accumulates over k in increasing order.
func (CPUBackend) MatMul(a, b []float32, m, k, n int) []float32 {
	result := make([]float32, m*n)
	for i0 := 0; i0 < m; i0 += matMulTile {
		iMax := min(i0+matMulTile, m)
		for p0 := 0; p0 < k; p0 += matMulTile {
			pMax := min(p0+matMulTile, k)
			for j0 := 0; j0 < n; j0 += matMulTile {
				jMax := min(j0+matMulTile, n)
				for i := i0; i < iMax; i++ {
					rowC := result[i*n+j0 : i*n+jMax]
					for p := p0; p < pMax; p++ {
						av := a[i*k+p]
						if av == 0 {
							continue
						}
						rowB := b[p*n+j0 : p*n+jMax]
						for j := range rowC {
							rowC[j] += av * rowB[j]
						}
					}
				}
			}
		}
	}
	return result
}

// MatMulTransB performs result = a @ bᵀ.
func (CPUBackend) MatMulTransB(a, b []float32, m, k, n int) []float32 {
	result := make([]float32, m*n)
	for i := 0; i < m; i++ {
		rowA := a[i*k : (i+1)*k]
		for j := 0; j < n; j++ {
			rowB := b[j*k : (j+1)*k]
			var sum float32
			for p, av := range rowA {
				sum += av * rowB[p]
			}
			result[i*n+j] = sum
		}
	}
	return result
}

// =============================================================================
// GPUBackend Implementation
// =============================================================================

// GPUBackend dispatches matrix products to WebGPU and falls back to the CPU
// loops when a dispatch fails.
type GPUBackend struct {
	// MinWork is the smallest M*K*N worth shipping to the device.
	MinWork int
	cpu     CPUBackend
}

// NewGPUBackend initializes the WebGPU context and returns a backend using it.
func NewGPUBackend() (*GPUBackend, error) {
	if err := gpu.EnsureGPU(); err != nil {
		return nil, err
	}
	return &GPUBackend{MinWork: 1 << 15}, nil
}

func (g *GPUBackend) Name() string { return "webgpu" }

func (g *GPUBackend) MatMul(a, b []float32, m, k, n int) []float32 {
	if m*k*n < g.MinWork {
		return g.cpu.MatMul(a, b, m, k, n)
	}
	out, err := gpu.MatMul(a, b, m, k, n)
	if err != nil {
		log.Warn().Err(err).Int("m", m).Int("k", k).Int("n", n).Msg("gpu matmul failed, using cpu")
		return g.cpu.MatMul(a, b, m, k, n)
	}
	return out
}

func (g *GPUBackend) MatMulTransB(a, b []float32, m, k, n int) []float32 {
	if m*k*n < g.MinWork {
		return g.cpu.MatMulTransB(a, b, m, k, n)
	}
	return g.MatMul(a, transpose(b, n, k), m, k, n)
}

// transpose turns a row-major [rows, cols] matrix into [cols, rows].
func transpose(in []float32, rows, cols int) []float32 {
	out := make([]float32, len(in))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			out[c*rows+r] = in[r*cols+c]
		}
	}
	return out
}
