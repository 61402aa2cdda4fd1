package tensor

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Tensor is a dense, row-major float32 array. Image batches use NCHW layout.
type Tensor struct {
	Shape []int
	Data  []float32
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, elements=%d)", t.Shape, len(t.Data))
}

// Numel returns the number of elements.
func (t *Tensor) Numel() int {
	return len(t.Data)
}

// Dim returns the number of dimensions.
func (t *Tensor) Dim() int {
	return len(t.Shape)
}

// Size returns a copy of the shape.
func (t *Tensor) Size() []int {
	return append([]int(nil), t.Shape...)
}

// ShapeString formats a shape the way layer summaries print it, with the
// batch dimension shown as None.
func ShapeString(shape []int) string {
	if len(shape) == 0 {
		return "()"
	}
	parts := make([]string, len(shape))
	parts[0] = "None"
	for i := 1; i < len(shape); i++ {
		parts[i] = fmt.Sprintf("%d", shape[i])
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	for i, dim := range shape {
		if dim <= 0 {
			return errors.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

func errShape(msg string, a, b []int) error {
	return errors.Errorf("%s: %v and %v", msg, a, b)
}
