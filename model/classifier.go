package model

import (
	"math/rand"

	"github.com/pkg/errors"
	"github.com/tsawler/go-xray/checkpoints"
	"github.com/tsawler/go-xray/engine"
	"github.com/tsawler/go-xray/layers"
	"github.com/tsawler/go-xray/optimizer"
	"github.com/tsawler/go-xray/tensor"
	"github.com/tsawler/go-xray/training"
)

// State is the lifecycle stage of a Classifier.
type State int

const (
	// Built: backbone frozen, head untrained.
	Built State = iota
	// FrozenTrained: the head has been trained on top of the frozen backbone.
	FrozenTrained
	// Unfrozen: the top backbone layers are trainable and the optimizer was reset.
	Unfrozen
	// FineTuned: the fine-tuning phase has completed.
	FineTuned
)

var stateNames = []string{"built", "frozen_trained", "unfrozen", "fine_tuned"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// ParseState is the inverse of State.String.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return 0, errors.Errorf("unknown model state %q", name)
}

// ErrInvalidTransition is returned when an operation is not allowed in the
// classifier's current state.
var ErrInvalidTransition = errors.New("invalid model state transition")

// BuildSpec describes the classifier to build.
type BuildSpec struct {
	Name         string
	InputShape   []int // height, width, channels
	Backbone     Backbone
	DenseUnits   int
	DropoutRate  float64
	LearningRate float64
	ClassNames   []string
}

// Classifier is a frozen feature extractor with a binary classification
// head, compiled with binary cross-entropy and Adam. It implements
// training.Model.
type Classifier struct {
	name       string
	net        *engine.Network
	backbone   *engine.SubModel
	optimizer  *optimizer.Adam
	loss       training.Loss
	state      State
	classNames []string
}

// Build assembles backbone and head, freezes the backbone and compiles the
// model at spec.LearningRate. initRng seeds weight initialisation and
// dropoutRng the dropout masks.
func Build(spec BuildSpec, initRng, dropoutRng *rand.Rand) (*Classifier, error) {
	if len(spec.InputShape) != 3 {
		return nil, errors.Errorf("input shape must be [height, width, channels], got %v", spec.InputShape)
	}
	if len(spec.Backbone.Blocks) == 0 {
		return nil, errors.New("backbone has no blocks")
	}
	h, w, ch := spec.InputShape[0], spec.InputShape[1], spec.InputShape[2]

	mb := spec.Backbone.addTo(layers.NewModelBuilder([]int{1, ch, h, w}))
	mb.AddFlatten("flatten").
		AddDense(spec.DenseUnits, layers.ReLU, "dense").
		AddDropout(float32(spec.DropoutRate), "dropout").
		AddDense(1, layers.Sigmoid, "output")
	modelSpec, err := mb.Compile()
	if err != nil {
		return nil, errors.Wrap(err, "compile classifier")
	}

	net, err := engine.NewNetwork(modelSpec, initRng, dropoutRng)
	if err != nil {
		return nil, errors.Wrap(err, "create network")
	}
	backbone, err := net.SubModel(0, spec.Backbone.NumLayers())
	if err != nil {
		return nil, err
	}
	backbone.SetTrainable(false)

	name := spec.Name
	if name == "" {
		name = spec.Backbone.Name + "_pneumonia"
	}
	c := &Classifier{
		name:       name,
		net:        net,
		backbone:   backbone,
		classNames: append([]string(nil), spec.ClassNames...),
		state:      Built,
	}
	c.compile(spec.LearningRate)
	return c, nil
}

// compile attaches a fresh optimizer and the loss.
func (c *Classifier) compile(lr float64) {
	cfg := optimizer.DefaultAdamConfig()
	cfg.LearningRate = lr
	c.optimizer = optimizer.NewAdam(cfg)
	c.loss = training.NewBinaryCrossEntropyLoss()
}

// Name returns the model name.
func (c *Classifier) Name() string { return c.name }

// State returns the lifecycle stage.
func (c *Classifier) State() State { return c.state }

// ClassNames returns the label names, index 0 for output 0.
func (c *Classifier) ClassNames() []string { return append([]string(nil), c.classNames...) }

// Network exposes the underlying network.
func (c *Classifier) Network() *engine.Network { return c.net }

// Backbone returns the feature extractor sub-model.
func (c *Classifier) Backbone() *engine.SubModel { return c.backbone }

// Optimizer returns the current optimizer.
func (c *Classifier) Optimizer() *optimizer.Adam { return c.optimizer }

// Summary renders the layer table with trainable and frozen parameter counts.
func (c *Classifier) Summary() string { return c.net.Summary(c.name) }

// Forward returns P(positive class) per sample, shape [N, 1].
func (c *Classifier) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	return c.net.Forward(x, training)
}

// Backward accumulates gradients of the trainable layers.
func (c *Classifier) Backward(grad *tensor.Tensor) error {
	return c.net.Backward(grad)
}

// Step applies one Adam update to the trainable parameters and clears gradients.
func (c *Classifier) Step() error {
	if err := c.optimizer.Step(c.net.TrainableParams()); err != nil {
		return err
	}
	c.net.ZeroGrad()
	return nil
}

// Loss returns the compiled loss.
func (c *Classifier) Loss() training.Loss { return c.loss }

// LearningRate returns the optimizer's learning rate.
func (c *Classifier) LearningRate() float64 { return c.optimizer.LearningRate() }

// SetLearningRate overrides the optimizer's learning rate.
func (c *Classifier) SetLearningRate(lr float64) { c.optimizer.UpdateLearningRate(lr) }

// Weights snapshots every parameter.
func (c *Classifier) Weights() [][]float32 { return c.net.Weights() }

// SetWeights restores a Weights snapshot.
func (c *Classifier) SetWeights(weights [][]float32) error { return c.net.SetWeights(weights) }

// MarkTrained records the end of a training phase: Built becomes
// FrozenTrained and Unfrozen becomes FineTuned.
func (c *Classifier) MarkTrained() error {
	switch c.state {
	case Built:
		c.state = FrozenTrained
	case Unfrozen:
		c.state = FineTuned
	default:
		return errors.Wrapf(ErrInvalidTransition, "cannot mark a %s model as trained", c.state)
	}
	return nil
}

// FineTune makes the last k backbone layers trainable, keeps the rest
// frozen and recompiles with a fresh optimizer at lr. It is only allowed
// once the head has been trained on the frozen backbone.
func (c *Classifier) FineTune(k int, lr float64) (*Classifier, error) {
	if c.state != FrozenTrained {
		return nil, errors.Wrapf(ErrInvalidTransition, "fine-tuning requires a %s model, this one is %s", FrozenTrained, c.state)
	}
	if k < 0 {
		return nil, errors.Errorf("cannot unfreeze %d layers", k)
	}

	c.backbone.SetTrainable(true)
	all := c.backbone.Layers()
	for _, l := range all[:max(0, len(all)-k)] {
		l.SetTrainable(false)
	}

	c.compile(lr)
	c.state = Unfrozen
	return c, nil
}

// Checkpoint captures architecture, weights, trainable flags and optimizer state.
func (c *Classifier) Checkpoint() (*checkpoints.Checkpoint, error) {
	optState, err := c.optimizer.GetState()
	if err != nil {
		return nil, err
	}
	return &checkpoints.Checkpoint{
		ModelSpec: c.net.Spec(),
		Weights:   checkpoints.ExtractWeights(c.net),
		Trainable: c.net.TrainableFlags(),
		Model: checkpoints.ModelInfo{
			Name:           c.name,
			State:          c.state.String(),
			BackboneLayers: c.backbone.Len(),
			ClassNames:     c.ClassNames(),
		},
		TrainingState: checkpoints.TrainingState{
			Step:         int(c.optimizer.GetStepCount()),
			LearningRate: c.optimizer.LearningRate(),
		},
		OptimizerState: optState,
		Metadata: checkpoints.CheckpointMetadata{
			Description: "binary chest X-ray classifier, output is P(" + c.positiveClass() + ")",
			Tags:        []string{c.state.String()},
		},
	}, nil
}

func (c *Classifier) positiveClass() string {
	if len(c.classNames) == 2 {
		return c.classNames[1]
	}
	return "positive"
}

// FromCheckpoint rebuilds a classifier, including its optimizer state.
func FromCheckpoint(cp *checkpoints.Checkpoint, dropoutRng *rand.Rand) (*Classifier, error) {
	if cp.ModelSpec == nil {
		return nil, errors.New("checkpoint has no model spec")
	}
	net, err := engine.NewNetwork(cp.ModelSpec, rand.New(rand.NewSource(0)), dropoutRng)
	if err != nil {
		return nil, err
	}
	if err := checkpoints.LoadWeights(net, cp.Weights); err != nil {
		return nil, err
	}
	if cp.Trainable != nil {
		if err := net.SetTrainableFlags(cp.Trainable); err != nil {
			return nil, err
		}
	}
	backbone, err := net.SubModel(0, cp.Model.BackboneLayers)
	if err != nil {
		return nil, errors.Wrap(err, "checkpoint backbone")
	}
	state, err := ParseState(cp.Model.State)
	if err != nil {
		return nil, err
	}

	c := &Classifier{
		name:       cp.Model.Name,
		net:        net,
		backbone:   backbone,
		classNames: cp.Model.ClassNames,
		state:      state,
	}
	c.compile(cp.TrainingState.LearningRate)
	if cp.OptimizerState != nil {
		if err := c.optimizer.LoadState(cp.OptimizerState); err != nil {
			return nil, errors.Wrap(err, "restore optimizer")
		}
	}
	return c, nil
}

// Save writes the classifier to path; a .onnx suffix selects ONNX, anything
// else the native JSON checkpoint.
func (c *Classifier) Save(path string) error {
	cp, err := c.Checkpoint()
	if err != nil {
		return err
	}
	return checkpoints.NewCheckpointSaver(checkpoints.FormatForPath(path)).SaveCheckpoint(cp, path)
}

// Load reads a classifier saved by Save in the native format.
func Load(path string, dropoutRng *rand.Rand) (*Classifier, error) {
	cp, err := checkpoints.NewCheckpointSaver(checkpoints.FormatJSON).LoadCheckpoint(path)
	if err != nil {
		return nil, err
	}
	return FromCheckpoint(cp, dropoutRng)
}
