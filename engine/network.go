package engine

import (
	"math/rand"

	"github.com/pkg/errors"
	"github.com/tsawler/go-xray/layers"
	"github.com/tsawler/go-xray/tensor"
)

// Network executes a compiled ModelSpec on the CPU.
type Network struct {
	spec   *layers.ModelSpec
	layers []Layer
}

// NewNetwork instantiates every layer of spec. initRng seeds the kernel
// initialisers and dropoutRng drives the dropout masks.
func NewNetwork(spec *layers.ModelSpec, initRng, dropoutRng *rand.Rand) (*Network, error) {
	if spec == nil || !spec.Compiled {
		return nil, errors.Errorf("model spec is not compiled")
	}
	net := &Network{spec: spec, layers: make([]Layer, len(spec.Layers))}
	for i := range spec.Layers {
		layer, err := newLayer(&spec.Layers[i], initRng, dropoutRng)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to create layer %d (%s)", i, spec.Layers[i].Name)
		}
		net.layers[i] = layer
	}
	return net, nil
}

// Spec returns the compiled specification.
func (n *Network) Spec() *layers.ModelSpec { return n.spec }

// Layers returns the executable layers in order.
func (n *Network) Layers() []Layer { return n.layers }

// Layer looks a layer up by name.
func (n *Network) Layer(name string) (Layer, bool) {
	for _, l := range n.layers {
		if l.Spec().Name == name {
			return l, true
		}
	}
	return nil, false
}

// lowestTrainable is the index of the first trainable layer that owns
// parameters, or -1 when nothing is trainable.
func (n *Network) lowestTrainable() int {
	for i, l := range n.layers {
		if l.Trainable() && len(l.Params()) > 0 {
			return i
		}
	}
	return -1
}

// Forward runs x through every layer. In training mode the layers at or
// above the lowest trainable one retain their activations for Backward;
// frozen layers below it never need them.
func (n *Network) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	want := n.spec.InputShape
	if x.Dim() != len(want) {
		return nil, errors.Errorf("input rank %d does not match model input %v", x.Dim(), want)
	}
	for i := 1; i < len(want); i++ {
		if x.Shape[i] != want[i] {
			return nil, errors.Errorf("input shape %v does not match model input %v", x.Shape, want)
		}
	}

	lowest := n.lowestTrainable()
	out := x
	for i, l := range n.layers {
		keep := training && lowest >= 0 && i >= lowest
		var err error
		out, err = l.Forward(out, training, keep)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Backward propagates dL/d(output) down to the lowest trainable layer,
// accumulating gradients into the trainable parameters.
func (n *Network) Backward(grad *tensor.Tensor) error {
	lowest := n.lowestTrainable()
	if lowest < 0 {
		return nil
	}
	for i := len(n.layers) - 1; i >= lowest; i-- {
		l := n.layers[i]
		paramGrads := l.Trainable() && len(l.Params()) > 0
		var err error
		grad, err = l.Backward(grad, paramGrads, i > lowest)
		if err != nil {
			return err
		}
	}
	return nil
}

// Params returns every parameter in layer order.
func (n *Network) Params() []*Param {
	var params []*Param
	for _, l := range n.layers {
		params = append(params, l.Params()...)
	}
	return params
}

// TrainableParams returns the parameters of trainable layers.
func (n *Network) TrainableParams() []*Param {
	var params []*Param
	for _, l := range n.layers {
		if l.Trainable() {
			params = append(params, l.Params()...)
		}
	}
	return params
}

// ZeroGrad clears all accumulated gradients.
func (n *Network) ZeroGrad() {
	for _, p := range n.Params() {
		p.Grad.Zero()
	}
}

// TrainableFlags returns one flag per layer.
func (n *Network) TrainableFlags() []bool {
	flags := make([]bool, len(n.layers))
	for i, l := range n.layers {
		flags[i] = l.Trainable()
	}
	return flags
}

// SetTrainableFlags restores per-layer flags, e.g. from a checkpoint.
func (n *Network) SetTrainableFlags(flags []bool) error {
	if len(flags) != len(n.layers) {
		return errors.Errorf("got %d trainable flags for %d layers", len(flags), len(n.layers))
	}
	for i, l := range n.layers {
		l.SetTrainable(flags[i])
	}
	return nil
}

// TrainableParamCount counts scalars in trainable layers.
func (n *Network) TrainableParamCount() int64 {
	return countParams(n.layers, true)
}

// NonTrainableParamCount counts scalars in frozen layers.
func (n *Network) NonTrainableParamCount() int64 {
	return countParams(n.layers, false)
}

func countParams(ls []Layer, trainable bool) int64 {
	var count int64
	for _, l := range ls {
		if l.Trainable() != trainable {
			continue
		}
		for _, p := range l.Params() {
			count += int64(p.Value.Numel())
		}
	}
	return count
}

// Weights returns a deep copy of every parameter, in Params order.
func (n *Network) Weights() [][]float32 {
	params := n.Params()
	weights := make([][]float32, len(params))
	for i, p := range params {
		weights[i] = p.Value.Clone().Data
	}
	return weights
}

// SetWeights overwrites every parameter from a Weights snapshot.
func (n *Network) SetWeights(weights [][]float32) error {
	params := n.Params()
	if len(weights) != len(params) {
		return errors.Errorf("got %d weight tensors, model has %d", len(weights), len(params))
	}
	for i, p := range params {
		if len(weights[i]) != p.Value.Numel() {
			return errors.Errorf("%s: got %d values, want %d", p.Name, len(weights[i]), p.Value.Numel())
		}
	}
	for i, p := range params {
		copy(p.Value.Data, weights[i])
	}
	return nil
}

// Summary renders the model table with the current trainable flags.
func (n *Network) Summary(name string) string {
	return n.spec.Summary(name, n.TrainableFlags())
}

// SubModel is a contiguous run of layers inside a Network, such as a
// pretrained feature extractor. It shares the network's layers.
type SubModel struct {
	net        *Network
	start, end int
}

// SubModel returns the layers in [start, end).
func (n *Network) SubModel(start, end int) (*SubModel, error) {
	if start < 0 || end > len(n.layers) || start >= end {
		return nil, errors.Errorf("invalid sub-model range [%d, %d) for %d layers", start, end, len(n.layers))
	}
	return &SubModel{net: n, start: start, end: end}, nil
}

// Layers returns the sub-model's layers in order.
func (s *SubModel) Layers() []Layer { return s.net.layers[s.start:s.end] }

// Len is the number of layers.
func (s *SubModel) Len() int { return s.end - s.start }

// SetTrainable sets every layer's flag.
func (s *SubModel) SetTrainable(trainable bool) {
	for _, l := range s.Layers() {
		l.SetTrainable(trainable)
	}
}

// TrainableParamCount counts scalars in trainable layers.
func (s *SubModel) TrainableParamCount() int64 {
	return countParams(s.Layers(), true)
}

// NonTrainableParamCount counts scalars in frozen layers.
func (s *SubModel) NonTrainableParamCount() int64 {
	return countParams(s.Layers(), false)
}
