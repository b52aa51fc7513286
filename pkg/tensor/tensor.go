// Package tensor provides the dense float32 tensor used by the preprocessing
// and inference pipeline. Data is stored row-major; images use CHW layout.
package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Tensor is a dense row-major float32 tensor.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New allocates a zero-filled tensor of the given shape.
func New(shape ...int) *Tensor {
	return &Tensor{
		Shape: append([]int(nil), shape...),
		Data:  make([]float32, NumElements(shape)),
	}
}

// FromData wraps data without copying. The length must match the shape.
func FromData(data []float32, shape ...int) (*Tensor, error) {
	if n := NumElements(shape); n != len(data) {
		return nil, fmt.Errorf("shape %v needs %d elements, got %d", shape, n, len(data))
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

// NumElements returns the product of the dimensions.
func NumElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Len returns the number of elements.
func (t *Tensor) Len() int {
	return len(t.Data)
}

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int {
	return len(t.Shape)
}

// SameShape reports whether both tensors have identical dimensions.
func (t *Tensor) SameShape(shape []int) bool {
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

// Float64s widens x to float64.
func Float64s(x []float32) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = float64(v)
	}
	return out
}

// Softmax normalises logits into a probability distribution, computed as
// exp(l - logsumexp(logits)) so large logits cannot overflow.
func Softmax(logits []float32) []float64 {
	if len(logits) == 0 {
		return []float64{}
	}
	probs := Float64s(logits)
	lse := floats.LogSumExp(probs)
	for i, l := range probs {
		probs[i] = math.Exp(l - lse)
	}
	return probs
}

// Argmax returns the index and value of the largest element. Ties resolve to
// the lowest index and NaNs are ignored. It returns -1 for an empty or
// all-NaN slice.
func Argmax(values []float64) (int, float64) {
	if len(values) == 0 {
		return -1, 0
	}
	idx := floats.MaxIdx(values)
	if math.IsNaN(values[idx]) {
		return -1, 0
	}
	return idx, values[idx]
}
