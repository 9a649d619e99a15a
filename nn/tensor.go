package nn

import (
	"errors"
	"fmt"
)

// ErrShape is returned when tensor shapes do not line up for an operation.
var ErrShape = errors.New("shape mismatch")

// Numeric is the set of element types a Tensor can hold.
type Numeric interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~float32 | ~float64
}

// Tensor is a dense row-major n-dimensional array.
type Tensor[T Numeric] struct {
	Data    []T
	Shape   []int
	Strides []int
}

// NewTensor allocates a zero-filled tensor with the given shape.
func NewTensor[T Numeric](shape ...int) *Tensor[T] {
	n := 1
	for _, d := range shape {
		n *= d
	}
	s := append([]int(nil), shape...)
	return &Tensor[T]{Data: make([]T, n), Shape: s, Strides: stridesFor(s)}
}

// NewTensorFromSlice wraps data (without copying) as a tensor of the given shape.
// If no shape is given the tensor is one-dimensional.
func NewTensorFromSlice[T Numeric](data []T, shape ...int) *Tensor[T] {
	if len(shape) == 0 {
		shape = []int{len(data)}
	}
	s := append([]int(nil), shape...)
	return &Tensor[T]{Data: data, Shape: s, Strides: stridesFor(s)}
}

func stridesFor(shape []int) []int {
	strides := make([]int, len(shape))
	s := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = s
		s *= shape[i]
	}
	return strides
}

// Size returns the number of elements.
func (t *Tensor[T]) Size() int {
	return len(t.Data)
}

// Dims returns the number of axes.
func (t *Tensor[T]) Dims() int {
	return len(t.Shape)
}

// LastDim returns the size of the innermost axis.
func (t *Tensor[T]) LastDim() int {
	if len(t.Shape) == 0 {
		return len(t.Data)
	}
	return t.Shape[len(t.Shape)-1]
}

// Rows returns the product of every axis except the last one.
func (t *Tensor[T]) Rows() int {
	d := t.LastDim()
	if d == 0 {
		return 0
	}
	return len(t.Data) / d
}

// Row returns the i-th innermost vector, sharing storage with t.
func (t *Tensor[T]) Row(i int) []T {
	d := t.LastDim()
	return t.Data[i*d : (i+1)*d]
}

// Clone returns a deep copy.
func (t *Tensor[T]) Clone() *Tensor[T] {
	data := make([]T, len(t.Data))
	copy(data, t.Data)
	return NewTensorFromSlice(data, t.Shape...)
}

// Reshape returns a view with a new shape, or nil if the element count differs.
func (t *Tensor[T]) Reshape(shape ...int) *Tensor[T] {
	n := 1
	for _, d := range shape {
		n *= d
	}
	if n != len(t.Data) {
		return nil
	}
	return NewTensorFromSlice(t.Data, shape...)
}

// SameShape reports whether t and o have identical shapes.
func (t *Tensor[T]) SameShape(o *Tensor[T]) bool {
	if len(t.Shape) != len(o.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != o.Shape[i] {
			return false
		}
	}
	return true
}

// Zero sets every element to zero.
func (t *Tensor[T]) Zero() {
	for i := range t.Data {
		t.Data[i] = 0
	}
}

// SliceRows returns a view over rows [start, end) of a 2-D tensor.
func (t *Tensor[T]) SliceRows(start, end int) *Tensor[T] {
	cols := t.LastDim()
	return NewTensorFromSlice(t.Data[start*cols:end*cols], end-start, cols)
}

func (t *Tensor[T]) String() string {
	return fmt.Sprintf("Tensor%v", t.Shape)
}

// withLastDim returns shape with its innermost axis replaced by d.
func withLastDim(shape []int, d int) []int {
	out := append([]int(nil), shape...)
	if len(out) == 0 {
		return []int{d}
	}
	out[len(out)-1] = d
	return out
}
