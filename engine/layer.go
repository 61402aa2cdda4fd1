package engine

import (
	"math/rand"

	"github.com/pkg/errors"
	"github.com/tsawler/go-xray/layers"
	"github.com/tsawler/go-xray/tensor"
)

// Param is a learnable tensor with its accumulated gradient.
type Param struct {
	Name  string
	Value *tensor.Tensor
	Grad  *tensor.Tensor
}

// Layer executes one compiled layer spec on CPU.
type Layer interface {
	Spec() *layers.LayerSpec
	Params() []*Param
	Trainable() bool
	SetTrainable(trainable bool)

	// Forward computes the layer output. keep asks the layer to retain
	// what it needs for a later Backward call.
	Forward(x *tensor.Tensor, training, keep bool) (*tensor.Tensor, error)

	// Backward receives dL/d(output). Parameter gradients are accumulated
	// when paramGrads is set; dL/d(input) is returned when inputGrad is set.
	Backward(grad *tensor.Tensor, paramGrads, inputGrad bool) (*tensor.Tensor, error)
}

type baseLayer struct {
	spec      *layers.LayerSpec
	trainable bool
}

func (b *baseLayer) Spec() *layers.LayerSpec     { return b.spec }
func (b *baseLayer) Params() []*Param            { return nil }
func (b *baseLayer) Trainable() bool             { return b.trainable }
func (b *baseLayer) SetTrainable(trainable bool) { b.trainable = trainable }

// newLayer instantiates the executor for a compiled spec.
func newLayer(spec *layers.LayerSpec, initRng, dropoutRng *rand.Rand) (Layer, error) {
	base := baseLayer{spec: spec, trainable: true}
	switch spec.Type {
	case layers.Input:
		return &inputLayer{baseLayer: base}, nil
	case layers.Conv2D:
		return newConv2D(base, initRng)
	case layers.Dense:
		return newDense(base, initRng)
	case layers.MaxPool2D:
		return &maxPool2D{
			baseLayer: base,
			pool:      layers.GetIntParam(spec.Parameters, "pool_size", 2),
			stride:    layers.GetIntParam(spec.Parameters, "stride", 2),
		}, nil
	case layers.Flatten:
		return &flatten{baseLayer: base}, nil
	case layers.Dropout:
		return &dropout{
			baseLayer: base,
			rate:      float32(layers.GetFloatParam(spec.Parameters, "rate", 0)),
			rng:       dropoutRng,
		}, nil
	default:
		return nil, errors.Errorf("unsupported layer type: %s", spec.Type)
	}
}

// applyActivation applies a fused activation in place.
func applyActivation(act string, data []float32) {
	switch act {
	case layers.ReLU:
		for i, v := range data {
			if v < 0 {
				data[i] = 0
			}
		}
	case layers.Sigmoid:
		for i, v := range data {
			data[i] = sigmoid(v)
		}
	}
}

// activationGrad returns grad multiplied by the activation derivative,
// computed from the activation output.
func activationGrad(act string, grad, out []float32) []float32 {
	if act == layers.Linear || act == "" {
		return grad
	}
	g := make([]float32, len(grad))
	switch act {
	case layers.ReLU:
		for i, v := range out {
			if v > 0 {
				g[i] = grad[i]
			}
		}
	case layers.Sigmoid:
		for i, v := range out {
			g[i] = grad[i] * v * (1 - v)
		}
	}
	return g
}
