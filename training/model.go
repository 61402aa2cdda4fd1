package training

import "github.com/tsawler/go-xray/tensor"

// Model is a compiled network with its loss and optimizer.
type Model interface {
	// Forward returns one probability per sample, shape [N, 1].
	Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error)
	// Backward accumulates gradients for dL/d(output).
	Backward(grad *tensor.Tensor) error
	// Step applies the optimizer to the trainable parameters and clears
	// the accumulated gradients.
	Step() error

	Loss() Loss
	LearningRate() float64
	SetLearningRate(lr float64)

	Weights() [][]float32
	SetWeights(weights [][]float32) error
}

// BatchSource yields batches of images and binary labels.
type BatchSource interface {
	// BatchesPerEpoch is the number of batches in one full pass.
	BatchesPerEpoch() int
	NextBatch() (*tensor.Tensor, []float32, error)
	// Reset rewinds to the start of a pass.
	Reset()
}
