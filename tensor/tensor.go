// Package tensor is the host-side float32 buffer that episodes are assembled
// in. Data is stored row-major in a flat slice.
//
// It only covers batch assembly: construction, reshaping, slicing along an
// axis and concatenation/stacking. Network math runs on gomlx graphs; ToGomlx
// and FromGomlx move buffers across that boundary.
package tensor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
)

// ErrShape is returned when tensor shapes are incompatible for an operation.
var ErrShape = errors.New("tensor: shape mismatch")

// Shape holds the dimensions of a tensor, outermost first.
type Shape []int

// Size returns the number of elements described by the shape.
func (s Shape) Size() int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// Rank returns the number of dimensions.
func (s Shape) Rank() int { return len(s) }

// Clone returns a copy of s.
func (s Shape) Clone() Shape {
	out := make(Shape, len(s))
	copy(out, s)
	return out
}

// Equal reports whether both shapes have identical dimensions.
func (s Shape) Equal(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

// FeatureEqual compares shapes ignoring the leading (batch) dimension.
func (s Shape) FeatureEqual(o Shape) bool {
	if len(s) != len(o) || len(s) == 0 {
		return len(s) == len(o)
	}
	return s[1:].Equal(o[1:])
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = fmt.Sprint(d)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// strides returns the row-major strides for s.
func (s Shape) strides() []int {
	st := make([]int, len(s))
	acc := 1
	for i := len(s) - 1; i >= 0; i-- {
		st[i] = acc
		acc *= s[i]
	}
	return st
}

// Tensor is a dense row-major float32 tensor.
type Tensor struct {
	shape Shape
	data  []float32
}

// New wraps data with the given shape. The slice is not copied.
func New(shape Shape, data []float32) (*Tensor, error) {
	for _, d := range shape {
		if d < 0 {
			return nil, fmt.Errorf("%w: negative dimension in %v", ErrShape, shape)
		}
	}
	if shape.Size() != len(data) {
		return nil, fmt.Errorf("%w: shape %v needs %d values, got %d", ErrShape, shape, shape.Size(), len(data))
	}
	return &Tensor{shape: shape.Clone(), data: data}, nil
}

// Full returns a tensor with every element set to v.
func Full(v float32, dims ...int) *Tensor {
	shape := Shape(dims).Clone()
	for _, d := range shape {
		if d < 0 {
			panic(fmt.Sprintf("tensor: negative dimension in %v", shape))
		}
	}
	data := make([]float32, shape.Size())
	if v != 0 {
		for i := range data {
			data[i] = v
		}
	}
	return &Tensor{shape: shape, data: data}
}

// Zeros returns a zero-filled tensor.
func Zeros(dims ...int) *Tensor { return Full(0, dims...) }

// Ones returns a tensor filled with ones.
func Ones(dims ...int) *Tensor { return Full(1, dims...) }

// Shape returns a copy of the tensor's dimensions.
func (t *Tensor) Shape() Shape { return t.shape.Clone() }

// Dim returns the size of axis i. Negative axes count from the end.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.shape)
	}
	return t.shape[i]
}

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int { return len(t.shape) }

// Size returns the number of elements.
func (t *Tensor) Size() int { return len(t.data) }

// Data returns the underlying flat buffer. Callers must not resize it.
func (t *Tensor) Data() []float32 { return t.data }

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.data))
	copy(data, t.data)
	return &Tensor{shape: t.shape.Clone(), data: data}
}

// Equal reports whether both tensors have the same shape and bit-identical values.
func (t *Tensor) Equal(o *Tensor) bool {
	if t == nil || o == nil {
		return t == o
	}
	if !t.shape.Equal(o.shape) {
		return false
	}
	for i := range t.data {
		if t.data[i] != o.data[i] {
			return false
		}
	}
	return true
}

// At returns the element at the given multi-index.
func (t *Tensor) At(idx ...int) float32 {
	return t.data[t.offset(idx)]
}

// Set stores v at the given multi-index.
func (t *Tensor) Set(v float32, idx ...int) {
	t.data[t.offset(idx)] = v
}

func (t *Tensor) offset(idx []int) int {
	if len(idx) != len(t.shape) {
		panic(fmt.Sprintf("tensor: index %v has rank %d, tensor has rank %d", idx, len(idx), len(t.shape)))
	}
	off := 0
	for i, st := range t.shape.strides() {
		if idx[i] < 0 || idx[i] >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index %v out of range for shape %v", idx, t.shape))
		}
		off += idx[i] * st
	}
	return off
}

// Reshape returns a view with new dimensions sharing the same buffer.
// One dimension may be -1 and is inferred.
func (t *Tensor) Reshape(dims ...int) (*Tensor, error) {
	shape := Shape(dims).Clone()
	infer := -1
	known := 1
	for i, d := range shape {
		switch {
		case d == -1 && infer < 0:
			infer = i
		case d < 0:
			return nil, fmt.Errorf("%w: invalid reshape %v", ErrShape, dims)
		default:
			known *= d
		}
	}
	if infer >= 0 {
		if known == 0 || len(t.data)%known != 0 {
			return nil, fmt.Errorf("%w: cannot infer dimension reshaping %v to %v", ErrShape, t.shape, dims)
		}
		shape[infer] = len(t.data) / known
	}
	if shape.Size() != len(t.data) {
		return nil, fmt.Errorf("%w: cannot reshape %v to %v", ErrShape, t.shape, dims)
	}
	return &Tensor{shape: shape, data: t.data}, nil
}

// Narrow copies the slice [start, start+length) along axis.
func (t *Tensor) Narrow(axis, start, length int) (*Tensor, error) {
	if axis < 0 {
		axis += len(t.shape)
	}
	if axis < 0 || axis >= len(t.shape) {
		return nil, fmt.Errorf("%w: axis %d out of range for %v", ErrShape, axis, t.shape)
	}
	if start < 0 || length < 0 || start+length > t.shape[axis] {
		return nil, fmt.Errorf("%w: narrow [%d,%d) out of range for axis %d of %v", ErrShape, start, start+length, axis, t.shape)
	}
	outer := t.shape[:axis].Size()
	inner := t.shape[axis+1:].Size()
	out := t.shape.Clone()
	out[axis] = length
	data := make([]float32, out.Size())
	span := length * inner
	for o := 0; o < outer; o++ {
		src := o*t.shape[axis]*inner + start*inner
		copy(data[o*span:(o+1)*span], t.data[src:src+span])
	}
	return &Tensor{shape: out, data: data}, nil
}

// Concat joins tensors along axis. All other dimensions must match.
func Concat(axis int, ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("%w: concat of zero tensors", ErrShape)
	}
	rank := len(ts[0].shape)
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		return nil, fmt.Errorf("%w: concat axis %d for rank %d", ErrShape, axis, rank)
	}
	out := ts[0].shape.Clone()
	out[axis] = 0
	for _, t := range ts {
		if len(t.shape) != rank {
			return nil, fmt.Errorf("%w: concat rank %d with %d", ErrShape, rank, len(t.shape))
		}
		for i := range t.shape {
			if i != axis && t.shape[i] != ts[0].shape[i] {
				return nil, fmt.Errorf("%w: concat %v with %v on axis %d", ErrShape, ts[0].shape, t.shape, axis)
			}
		}
		out[axis] += t.shape[axis]
	}
	outer := out[:axis].Size()
	inner := out[axis+1:].Size()
	data := make([]float32, 0, out.Size())
	for o := 0; o < outer; o++ {
		for _, t := range ts {
			span := t.shape[axis] * inner
			data = append(data, t.data[o*span:(o+1)*span]...)
		}
	}
	return &Tensor{shape: out, data: data}, nil
}

// Stack joins equally shaped tensors along a new leading axis.
func Stack(ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("%w: stack of zero tensors", ErrShape)
	}
	base := ts[0].shape
	data := make([]float32, 0, len(ts)*base.Size())
	for _, t := range ts {
		if !t.shape.Equal(base) {
			return nil, fmt.Errorf("%w: stack %v with %v", ErrShape, base, t.shape)
		}
		data = append(data, t.data...)
	}
	out := append(Shape{len(ts)}, base...)
	return &Tensor{shape: out, data: data}, nil
}

// Repeat tiles the tensor n times along axis.
func (t *Tensor) Repeat(axis, n int) (*Tensor, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: repeat count %d", ErrShape, n)
	}
	parts := make([]*Tensor, n)
	for i := range parts {
		parts[i] = t
	}
	return Concat(axis, parts...)
}

// Sum returns the sum of all elements.
func (t *Tensor) Sum() float32 {
	var s float32
	for _, v := range t.data {
		s += v
	}
	return s
}

// ToGomlx copies the tensor into a gomlx tensor with the same dimensions.
func (t *Tensor) ToGomlx() *tensors.Tensor {
	return tensors.FromFlatDataAndDimensions(t.Clone().data, t.shape...)
}

// FromGomlx copies a float32 gomlx tensor into a host buffer.
func FromGomlx(t *tensors.Tensor) (*Tensor, error) {
	if dt := t.DType(); dt != dtypes.Float32 {
		return nil, fmt.Errorf("%w: expected float32, got %s", ErrShape, dt)
	}
	return New(Shape(t.Shape().Dimensions), tensors.CopyFlatData[float32](t))
}
