package training

import (
	"math"

	"github.com/tsawler/go-xray/tensor"
)

// scalarModel predicts sigmoid(w) for every sample and learns w with SGD.
type scalarModel struct {
	w, grad float32
	lr      float64
	frozen  bool
	steps   int
	loss    Loss
}

func newScalarModel() *scalarModel {
	return &scalarModel{lr: 0.1, loss: NewBinaryCrossEntropyLoss()}
}

func (m *scalarModel) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	out := tensor.New(x.Shape[0], 1)
	out.Fill(float32(1 / (1 + math.Exp(-float64(m.w)))))
	return out, nil
}

func (m *scalarModel) Backward(grad *tensor.Tensor) error {
	p := float32(1 / (1 + math.Exp(-float64(m.w))))
	for _, g := range grad.Data {
		m.grad += g * p * (1 - p)
	}
	return nil
}

func (m *scalarModel) Step() error {
	if !m.frozen {
		m.w -= float32(m.lr) * m.grad
	}
	m.grad = 0
	m.steps++
	return nil
}

func (m *scalarModel) Loss() Loss                 { return m.loss }
func (m *scalarModel) LearningRate() float64      { return m.lr }
func (m *scalarModel) SetLearningRate(lr float64) { m.lr = lr }
func (m *scalarModel) Weights() [][]float32       { return [][]float32{{m.w}} }
func (m *scalarModel) SetWeights(w [][]float32) error {
	m.w = w[0][0]
	return nil
}

// sliceSource serves fixed labels in order, wrapping after the last batch.
type sliceSource struct {
	labels []float32
	batch  int
	pos    int
	resets int
}

func (s *sliceSource) BatchesPerEpoch() int {
	return (len(s.labels) + s.batch - 1) / s.batch
}

func (s *sliceSource) NextBatch() (*tensor.Tensor, []float32, error) {
	if s.pos >= len(s.labels) {
		s.pos = 0
	}
	end := s.pos + s.batch
	if end > len(s.labels) {
		end = len(s.labels)
	}
	labels := s.labels[s.pos:end]
	s.pos = end
	return tensor.New(len(labels), 1), labels, nil
}

func (s *sliceSource) Reset() {
	s.pos = 0
	s.resets++
}

func ones(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = 1
	}
	return out
}
