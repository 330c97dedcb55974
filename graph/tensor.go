package graph

import (
	"github.com/fedflow/fedflow/types"
)

// DType identifies the element type of a tensor.
type DType string

const (
	// Float32 is the only element type the core currently carries.
	Float32 DType = "float32"
)

// Tensor is a dense value: a shape and a flat float32 buffer. A tensor with
// an empty shape and one element is a scalar.
type Tensor struct {
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// Scalar returns a rank-0 tensor holding v.
func Scalar(v float32) Tensor {
	return Tensor{Shape: []int{}, Data: []float32{v}}
}

// Zeros returns a zero-filled tensor with the given shape.
func Zeros(shape ...int) Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return Tensor{Shape: append([]int{}, shape...), Data: make([]float32, n)}
}

// ZerosLike returns a zero-filled tensor with t's shape.
func ZerosLike(t Tensor) Tensor {
	return Zeros(t.Shape...)
}

// FromSlice builds a tensor from data with the given shape.
func FromSlice(data []float32, shape ...int) (Tensor, error) {
	n := 1
	for _, d := range shape {
		n *= d
	}
	if n != len(data) {
		return Tensor{}, types.Errorf(types.ErrShapeMismatch,
			"shape %v needs %d elements, got %d", shape, n, len(data))
	}
	return Tensor{Shape: append([]int{}, shape...), Data: append([]float32{}, data...)}, nil
}

// Size returns the number of elements.
func (t Tensor) Size() int {
	return len(t.Data)
}

// IsScalar reports whether t holds exactly one element.
func (t Tensor) IsScalar() bool {
	return len(t.Data) == 1
}

// Clone returns a deep copy of t.
func (t Tensor) Clone() Tensor {
	return Tensor{
		Shape: append([]int{}, t.Shape...),
		Data:  append([]float32{}, t.Data...),
	}
}

// SameShape reports whether t and o have identical shapes.
func (t Tensor) SameShape(o Tensor) bool {
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

func elementwise(a, b Tensor, f func(x, y float32) float32) (Tensor, error) {
	if !a.SameShape(b) {
		return Tensor{}, types.Errorf(types.ErrShapeMismatch,
			"elementwise op over shapes %v and %v", a.Shape, b.Shape)
	}
	out := ZerosLike(a)
	for i := range a.Data {
		out.Data[i] = f(a.Data[i], b.Data[i])
	}
	return out, nil
}

// AddTensors returns a + b elementwise.
func AddTensors(a, b Tensor) (Tensor, error) {
	return elementwise(a, b, func(x, y float32) float32 { return x + y })
}

// SubTensors returns a - b elementwise.
func SubTensors(a, b Tensor) (Tensor, error) {
	return elementwise(a, b, func(x, y float32) float32 { return x - y })
}

// MulTensors returns a * b elementwise.
func MulTensors(a, b Tensor) (Tensor, error) {
	return elementwise(a, b, func(x, y float32) float32 { return x * y })
}

// ScaleTensor returns alpha * t.
func ScaleTensor(t Tensor, alpha float32) Tensor {
	out := ZerosLike(t)
	for i := range t.Data {
		out.Data[i] = alpha * t.Data[i]
	}
	return out
}

// SumTensor reduces t to a scalar sum.
func SumTensor(t Tensor) Tensor {
	var s float32
	for _, v := range t.Data {
		s += v
	}
	return Scalar(s)
}

// MeanTensor reduces t to its scalar mean.
func MeanTensor(t Tensor) Tensor {
	if t.Size() == 0 {
		return Scalar(0)
	}
	return Scalar(SumTensor(t).Data[0] / float32(t.Size()))
}

// Fill returns a tensor of the given shape where every element is v.
func Fill(v float32, shape ...int) Tensor {
	out := Zeros(shape...)
	for i := range out.Data {
		out.Data[i] = v
	}
	return out
}
