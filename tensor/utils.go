package tensor

import "github.com/pkg/errors"

// Fill sets every element to value.
func (t *Tensor) Fill(value float32) {
	for i := range t.Data {
		t.Data[i] = value
	}
}

// Zero clears the tensor in place.
func (t *Tensor) Zero() {
	for i := range t.Data {
		t.Data[i] = 0
	}
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		Shape: append([]int(nil), t.Shape...),
		Data:  append([]float32(nil), t.Data...),
	}
}

// Reshape returns a view sharing t's storage.
func (t *Tensor) Reshape(newShape ...int) (*Tensor, error) {
	if calculateNumElements(newShape) != len(t.Data) {
		return nil, errors.Errorf("cannot reshape %v to %v", t.Shape, newShape)
	}
	return &Tensor{Shape: append([]int(nil), newShape...), Data: t.Data}, nil
}

// Sample returns a view of the i-th entry along the first dimension.
func (t *Tensor) Sample(i int) []float32 {
	stride := len(t.Data) / t.Shape[0]
	return t.Data[i*stride : (i+1)*stride]
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// AddScaled computes dst += alpha * src element-wise.
func AddScaled(dst, src []float32, alpha float32) {
	for i, v := range src {
		dst[i] += alpha * v
	}
}
