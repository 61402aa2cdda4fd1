package tensor

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
)

// New allocates a zero-filled tensor. It panics on a non-positive dimension,
// which is always a programming error in the callers.
func New(shape ...int) *Tensor {
	if err := validateShape(shape); err != nil {
		panic(err)
	}
	return &Tensor{
		Shape: append([]int(nil), shape...),
		Data:  make([]float32, calculateNumElements(shape)),
	}
}

// FromSlice wraps data without copying.
func FromSlice(data []float32, shape ...int) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	if n := calculateNumElements(shape); n != len(data) {
		return nil, errors.Errorf("data length %d does not match shape %v (%d elements)", len(data), shape, n)
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

// Full allocates a tensor with every element set to value.
func Full(value float32, shape ...int) *Tensor {
	t := New(shape...)
	t.Fill(value)
	return t
}

// GlorotUniform fills a kernel of the given fan-in and fan-out with samples
// from U(-limit, limit), limit = sqrt(6 / (fanIn + fanOut)).
func GlorotUniform(rng *rand.Rand, fanIn, fanOut int, shape ...int) *Tensor {
	t := New(shape...)
	limit := math.Sqrt(6.0 / float64(fanIn+fanOut))
	for i := range t.Data {
		t.Data[i] = float32((rng.Float64()*2 - 1) * limit)
	}
	return t
}
