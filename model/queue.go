package model

import (
	"fmt"
	"math/rand"

	"github.com/openfluke/affect/nn"
)

// MemoryQueue is a fixed-size circular store of past embeddings. Slots
// start as random unit vectors and are overwritten in write order; writes
// are not renormalized. Update is not safe for concurrent use.
type MemoryQueue struct {
	capacity int
	dim      int
	ptr      int
	rows     *nn.Tensor[float32] // [capacity, dim]
}

func NewMemoryQueue(capacity, dim int, rng *rand.Rand) (*MemoryQueue, error) {
	if capacity <= 0 || dim <= 0 {
		return nil, fmt.Errorf("%w: memory queue needs positive capacity and dim, got %dx%d", ErrShape, capacity, dim)
	}
	return &MemoryQueue{
		capacity: capacity,
		dim:      dim,
		rows:     nn.L2Normalize(nn.RandomNormal(rng, 1, capacity, dim)),
	}, nil
}

// Update writes batch row i into slot (ptr+i) mod capacity and advances the
// cursor by the batch size. When the batch is longer than the queue only
// its last capacity rows remain, exactly as if written one at a time.
func (q *MemoryQueue) Update(batch *nn.Tensor[float32]) error {
	if batch.Dims() != 2 || batch.Shape[1] != q.dim {
		return fmt.Errorf("%w: memory queue holds [*, %d] rows, got %v", ErrShape, q.dim, batch.Shape)
	}
	n := batch.Shape[0]
	for i := max(0, n-q.capacity); i < n; i++ {
		copy(q.rows.Row((q.ptr+i)%q.capacity), batch.Row(i))
	}
	q.ptr = (q.ptr + n) % q.capacity
	return nil
}

// Rows exposes the backing store [capacity, dim]; callers must not modify it.
func (q *MemoryQueue) Rows() *nn.Tensor[float32] { return q.rows }

func (q *MemoryQueue) Ptr() int      { return q.ptr }
func (q *MemoryQueue) Capacity() int { return q.capacity }
func (q *MemoryQueue) Dim() int      { return q.dim }
