// Package tensor provides the dense float32 value type exchanged between the
// avatar core and the model collaborators. Data is stored row-major.
package tensor

import (
	"errors"
	"fmt"
	"slices"
)

var ErrShape = errors.New("tensor shape mismatch")

// Tensor is a dense row-major float32 array.
type Tensor struct {
	Shape []int
	Data  []float32
}

// Zeros allocates a zero-filled tensor of the given shape.
func Zeros(shape ...int) Tensor {
	return Tensor{Shape: slices.Clone(shape), Data: make([]float32, volume(shape))}
}

// New wraps data with a shape, checking that the element counts agree.
func New(data []float32, shape ...int) (Tensor, error) {
	if volume(shape) != len(data) {
		return Tensor{}, fmt.Errorf("%w: shape %v needs %d elements, got %d", ErrShape, shape, volume(shape), len(data))
	}
	return Tensor{Shape: slices.Clone(shape), Data: data}, nil
}

// Size returns the number of elements.
func (t Tensor) Size() int {
	return len(t.Data)
}

// Rank returns the number of dimensions.
func (t Tensor) Rank() int {
	return len(t.Shape)
}

// Index returns the i-th sub-tensor along axis 0. The returned tensor shares
// storage with t.
func (t Tensor) Index(i int) (Tensor, error) {
	if t.Rank() == 0 {
		return Tensor{}, fmt.Errorf("%w: cannot index a scalar", ErrShape)
	}
	if i < 0 || i >= t.Shape[0] {
		return Tensor{}, fmt.Errorf("index %d out of range [0,%d)", i, t.Shape[0])
	}
	stride := volume(t.Shape[1:])
	return Tensor{
		Shape: slices.Clone(t.Shape[1:]),
		Data:  t.Data[i*stride : (i+1)*stride],
	}, nil
}

// Unstack splits t along axis 0.
func (t Tensor) Unstack() ([]Tensor, error) {
	if t.Rank() == 0 {
		return nil, fmt.Errorf("%w: cannot unstack a scalar", ErrShape)
	}
	out := make([]Tensor, t.Shape[0])
	for i := range out {
		sub, err := t.Index(i)
		if err != nil {
			return nil, err
		}
		out[i] = sub
	}
	return out, nil
}

// Reshape returns a view of t with a new shape of equal volume.
func (t Tensor) Reshape(shape ...int) (Tensor, error) {
	return New(t.Data, shape...)
}

// Clone deep-copies t.
func (t Tensor) Clone() Tensor {
	return Tensor{Shape: slices.Clone(t.Shape), Data: slices.Clone(t.Data)}
}

// SameShape reports whether t and o have identical shapes.
func (t Tensor) SameShape(o Tensor) bool {
	return slices.Equal(t.Shape, o.Shape)
}

// Stack joins equally shaped tensors along a new leading axis.
func Stack(ts []Tensor) (Tensor, error) {
	if len(ts) == 0 {
		return Tensor{}, fmt.Errorf("%w: nothing to stack", ErrShape)
	}
	inner := ts[0].Shape
	stride := volume(inner)
	out := Zeros(append([]int{len(ts)}, inner...)...)
	for i, t := range ts {
		if !slices.Equal(t.Shape, inner) {
			return Tensor{}, fmt.Errorf("%w: element %d has shape %v, want %v", ErrShape, i, t.Shape, inner)
		}
		copy(out.Data[i*stride:], t.Data)
	}
	return out, nil
}

// ConcatChannels concatenates tensors along axis 0. All trailing dimensions
// must match; for CHW latents this joins the channel groups.
func ConcatChannels(a, b Tensor) (Tensor, error) {
	if a.Rank() == 0 || a.Rank() != b.Rank() || !slices.Equal(a.Shape[1:], b.Shape[1:]) {
		return Tensor{}, fmt.Errorf("%w: cannot concat %v with %v", ErrShape, a.Shape, b.Shape)
	}
	shape := slices.Clone(a.Shape)
	shape[0] += b.Shape[0]
	data := make([]float32, 0, len(a.Data)+len(b.Data))
	data = append(data, a.Data...)
	data = append(data, b.Data...)
	return Tensor{Shape: shape, Data: data}, nil
}

func volume(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
