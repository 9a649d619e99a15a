package model

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/openfluke/affect/nn"
)

func newQueue(t *testing.T, capacity, dim int) *MemoryQueue {
	t.Helper()
	q, err := NewMemoryQueue(capacity, dim, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("NewMemoryQueue: %v", err)
	}
	return q
}

func rowsOf(vals ...float32) *nn.Tensor[float32] {
	return nn.NewTensorFromSlice(vals, len(vals)/3, 3)
}

func assertRow(t *testing.T, q *MemoryQueue, slot int, want []float32) {
	t.Helper()
	got := q.Rows().Row(slot)
	if nn.MaxAbsDiff(got, want) != 0 {
		t.Errorf("slot %d = %v, want %v", slot, got, want)
	}
}

func TestMemoryQueueInitialRowsAreUnit(t *testing.T) {
	q := newQueue(t, 16, 5)
	for i, n := range nn.RowNorms(q.Rows()) {
		if math.Abs(n-1) > 1e-5 {
			t.Errorf("row %d norm %f", i, n)
		}
	}
	if q.Ptr() != 0 || q.Capacity() != 16 || q.Dim() != 5 {
		t.Errorf("got ptr=%d capacity=%d dim=%d", q.Ptr(), q.Capacity(), q.Dim())
	}
}

func TestMemoryQueueWritesAtCursor(t *testing.T) {
	q := newQueue(t, 4, 3)
	old := q.Rows().Clone()

	e := rowsOf(1, 0, 0, 0, 1, 0)
	if err := q.Update(e); err != nil {
		t.Fatalf("Update: %v", err)
	}

	assertRow(t, q, 0, e.Row(0))
	assertRow(t, q, 1, e.Row(1))
	assertRow(t, q, 2, old.Row(2))
	assertRow(t, q, 3, old.Row(3))
	if q.Ptr() != 2 {
		t.Errorf("ptr = %d, want 2", q.Ptr())
	}
}

func TestMemoryQueueWrapsAround(t *testing.T) {
	q := newQueue(t, 4, 3)
	if err := q.Update(rowsOf(9, 9, 9, 8, 8, 8, 7, 7, 7)); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if q.Ptr() != 3 {
		t.Fatalf("ptr = %d, want 3", q.Ptr())
	}

	e := rowsOf(1, 0, 0, 0, 1, 0)
	if err := q.Update(e); err != nil {
		t.Fatalf("Update: %v", err)
	}
	assertRow(t, q, 3, e.Row(0))
	assertRow(t, q, 0, e.Row(1))
	assertRow(t, q, 1, []float32{8, 8, 8})
	if q.Ptr() != 1 {
		t.Errorf("ptr = %d, want 1", q.Ptr())
	}
}

func TestMemoryQueueOversizedBatchKeepsLastRows(t *testing.T) {
	q := newQueue(t, 3, 3)
	batch := rowsOf(
		0, 0, 0,
		1, 1, 1,
		2, 2, 2,
		3, 3, 3,
		4, 4, 4,
	)
	if err := q.Update(batch); err != nil {
		t.Fatalf("Update: %v", err)
	}
	// row i went to slot i mod 3; later rows overwrite earlier ones
	assertRow(t, q, 0, []float32{3, 3, 3})
	assertRow(t, q, 1, []float32{4, 4, 4})
	assertRow(t, q, 2, []float32{2, 2, 2})
	if q.Ptr() != 2 {
		t.Errorf("ptr = %d, want 2", q.Ptr())
	}
}

func TestMemoryQueueRejectsWrongDim(t *testing.T) {
	q := newQueue(t, 4, 3)
	before := q.Rows().Clone()

	err := q.Update(nn.NewTensor[float32](2, 4))
	if !errors.Is(err, ErrShape) {
		t.Fatalf("expected ErrShape, got %v", err)
	}
	if nn.MaxAbsDiff(before.Data, q.Rows().Data) != 0 || q.Ptr() != 0 {
		t.Error("rejected update modified the queue")
	}
}

func TestMemoryQueueDoesNotRenormalize(t *testing.T) {
	q := newQueue(t, 2, 3)
	if err := q.Update(rowsOf(2, 0, 0)); err != nil {
		t.Fatalf("Update: %v", err)
	}
	assertRow(t, q, 0, []float32{2, 0, 0})
}

func TestMemoryQueueEmptyBatch(t *testing.T) {
	q := newQueue(t, 4, 3)
	if err := q.Update(nn.NewTensor[float32](0, 3)); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if q.Ptr() != 0 {
		t.Errorf("ptr = %d after empty update", q.Ptr())
	}
}
