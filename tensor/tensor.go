package tensor

import "fmt"

// Tensor is a dense row-major float32 array
type Tensor struct {
	Data  []float32
	Shape []int
}

// NewTensor creates a zero-filled tensor with the given shape
func NewTensor(shape ...int) *Tensor {
	return &Tensor{
		Data:  make([]float32, numElements(shape)),
		Shape: append([]int(nil), shape...),
	}
}

// FromSlice wraps data without copying it
func FromSlice(data []float32, shape ...int) *Tensor {
	if numElements(shape) != len(data) {
		panic(fmt.Sprintf("shape %v does not match %d elements", shape, len(data)))
	}
	return &Tensor{Data: data, Shape: append([]int(nil), shape...)}
}

// Size returns total number of elements
func (t *Tensor) Size() int {
	return numElements(t.Shape)
}

// SameShape reports whether t has exactly the given shape
func (t *Tensor) SameShape(shape ...int) bool {
	if len(t.Shape) != len(shape) {
		return false
	}
	for i := range shape {
		if t.Shape[i] != shape[i] {
			return false
		}
	}
	return true
}

// Transpose swaps dimensions of a 2D tensor into a new tensor
func Transpose(t *Tensor) *Tensor {
	if len(t.Shape) != 2 {
		panic("Transpose requires 2D tensor")
	}
	m, n := t.Shape[0], t.Shape[1]
	result := NewTensor(n, m)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			result.Data[j*m+i] = t.Data[i*n+j]
		}
	}
	return result
}

func numElements(shape []int) int {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return size
}
