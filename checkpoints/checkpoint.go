package checkpoints

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/tsawler/go-xray/engine"
	"github.com/tsawler/go-xray/layers"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatONNX
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatONNX:
		return "ONNX"
	default:
		return "Unknown"
	}
}

// FormatForPath picks the format from a file extension.
func FormatForPath(path string) CheckpointFormat {
	if filepath.Ext(path) == ".onnx" {
		return FormatONNX
	}
	return FormatJSON
}

// Checkpoint represents a complete model state including weights, optimizer state, and training metadata
type Checkpoint struct {
	// Model architecture and weights
	ModelSpec *layers.ModelSpec `json:"model_spec"`
	Weights   []WeightTensor    `json:"weights"`
	Trainable []bool            `json:"trainable"` // one flag per layer

	Model ModelInfo `json:"model"`

	// Training state
	TrainingState TrainingState `json:"training_state"`

	// Optimizer state (if available)
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	// Metadata
	Metadata CheckpointMetadata `json:"metadata"`
}

// ModelInfo describes how the layers are grouped and what the output means.
type ModelInfo struct {
	Name           string   `json:"name"`
	State          string   `json:"state"`
	BackboneLayers int      `json:"backbone_layers"`
	ClassNames     []string `json:"class_names"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "kernel" or "bias"
}

// TrainingState captures the current training progress
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	LearningRate float64 `json:"learning_rate"`
	BestLoss     float64 `json:"best_loss"`
	BestAccuracy float64 `json:"best_accuracy"`
}

// OptimizerState captures optimizer-specific state (momentum, variance, etc.)
type OptimizerState struct {
	Type       string                 `json:"type"` // "Adam"
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (momentum, variance, etc.)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "momentum" or "variance"
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// SaveCheckpoint saves a complete model checkpoint
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "go-xray"
		checkpoint.Metadata.Version = "1.0.0"
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	switch cs.format {
	case FormatJSON:
		return cs.saveJSON(checkpoint, path)
	case FormatONNX:
		return NewONNXExporter().ExportToONNX(checkpoint, path)
	default:
		return errors.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	switch cs.format {
	case FormatJSON:
		return cs.loadJSON(path)
	case FormatONNX:
		return NewONNXImporter().ImportFromONNX(path)
	default:
		return nil, errors.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// saveJSON writes to a temporary file and renames it into place, so a
// failed save never leaves a truncated model behind.
func (cs *CheckpointSaver) saveJSON(checkpoint *Checkpoint, path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return errors.Wrap(err, "failed to create checkpoint file")
	}
	defer os.Remove(tmp.Name())

	encoder := json.NewEncoder(tmp)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(checkpoint); err != nil {
		tmp.Close()
		return errors.Wrap(err, "failed to encode checkpoint")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to write checkpoint file")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrap(err, "failed to move checkpoint into place")
	}
	return nil
}

// loadJSON loads checkpoint from JSON format
func (cs *CheckpointSaver) loadJSON(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open checkpoint file")
	}
	defer file.Close()

	var checkpoint Checkpoint
	if err := json.NewDecoder(file).Decode(&checkpoint); err != nil {
		return nil, errors.Wrap(err, "failed to decode checkpoint")
	}
	if checkpoint.ModelSpec == nil {
		return nil, errors.Errorf("checkpoint %s has no model spec", path)
	}

	// JSON turns integer parameters into float64; recompiling restores
	// derived shapes and validates the architecture
	spec, err := layers.CompileLayers(checkpoint.ModelSpec.InputShape, checkpoint.ModelSpec.Layers)
	if err != nil {
		return nil, errors.Wrapf(err, "checkpoint %s has an invalid model spec", path)
	}
	checkpoint.ModelSpec = spec
	return &checkpoint, nil
}

// ExtractWeights copies every parameter of net into WeightTensors.
func ExtractWeights(net *engine.Network) []WeightTensor {
	var weights []WeightTensor
	for _, l := range net.Layers() {
		params := l.Params()
		for i, p := range params {
			kind := "kernel"
			if i == 1 {
				kind = "bias"
			}
			snap := p.Value.Clone()
			weights = append(weights, WeightTensor{
				Name:  p.Name,
				Shape: snap.Shape,
				Data:  snap.Data,
				Layer: l.Spec().Name,
				Type:  kind,
			})
		}
	}
	return weights
}

// LoadWeights copies weights into the parameters of net, matching by name.
// Every parameter must be present with the right shape.
func LoadWeights(net *engine.Network, weights []WeightTensor) error {
	byName := make(map[string]WeightTensor, len(weights))
	for _, w := range weights {
		byName[w.Name] = w
	}
	params := net.Params()
	for _, p := range params {
		w, ok := byName[p.Name]
		if !ok {
			return errors.Errorf("checkpoint has no weights for %s", p.Name)
		}
		if len(w.Data) != p.Value.Numel() {
			return errors.Errorf("%s: checkpoint has %d values, model expects %d", p.Name, len(w.Data), p.Value.Numel())
		}
	}
	for _, p := range params {
		copy(p.Value.Data, byName[p.Name].Data)
	}
	return nil
}
