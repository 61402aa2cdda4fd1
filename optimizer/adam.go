package optimizer

import (
	"math"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/tsawler/go-xray/checkpoints"
	"github.com/tsawler/go-xray/engine"
)

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
}

// DefaultAdamConfig returns the Keras Adam defaults
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-7,
	}
}

// Adam keeps first and second moment estimates per parameter, keyed by
// parameter name. Moments are created lazily on a parameter's first update,
// so a parameter that becomes trainable later starts from zero.
type Adam struct {
	config   AdamConfig
	momentum map[string][]float32
	variance map[string][]float32
	shapes   map[string][]int

	// Step tracking for bias correction
	StepCount uint64
}

// NewAdam creates an Adam optimizer with empty state.
func NewAdam(config AdamConfig) *Adam {
	return &Adam{
		config:   config,
		momentum: make(map[string][]float32),
		variance: make(map[string][]float32),
		shapes:   make(map[string][]int),
	}
}

// Step performs a single optimization step on params
func (adam *Adam) Step(params []*engine.Param) error {
	adam.StepCount++
	t := float64(adam.StepCount)
	b1, b2 := adam.config.Beta1, adam.config.Beta2
	lrT := float32(adam.config.LearningRate * math.Sqrt(1-math.Pow(b2, t)) / (1 - math.Pow(b1, t)))
	eps := float32(adam.config.Epsilon)
	fb1, fb2 := float32(b1), float32(b2)

	for _, p := range params {
		if len(p.Grad.Data) != len(p.Value.Data) {
			return errors.Errorf("gradient size %d does not match parameter %s size %d", len(p.Grad.Data), p.Name, len(p.Value.Data))
		}
		m, ok := adam.momentum[p.Name]
		if !ok {
			m = make([]float32, len(p.Value.Data))
			adam.momentum[p.Name] = m
			adam.variance[p.Name] = make([]float32, len(p.Value.Data))
			adam.shapes[p.Name] = append([]int(nil), p.Value.Shape...)
		}
		v := adam.variance[p.Name]

		for i, g := range p.Grad.Data {
			m[i] = fb1*m[i] + (1-fb1)*g
			v[i] = fb2*v[i] + (1-fb2)*g*g
			p.Value.Data[i] -= lrT * m[i] / (float32(math.Sqrt(float64(v[i]))) + eps)
		}
	}
	return nil
}

// LearningRate returns the current learning rate
func (adam *Adam) LearningRate() float64 {
	return adam.config.LearningRate
}

// UpdateLearningRate updates the learning rate used by subsequent steps
func (adam *Adam) UpdateLearningRate(lr float64) {
	adam.config.LearningRate = lr
}

// GetStepCount returns the current step count
func (adam *Adam) GetStepCount() uint64 {
	return adam.StepCount
}

// GetState extracts optimizer state for checkpointing
func (adam *Adam) GetState() (*checkpoints.OptimizerState, error) {
	state := &checkpoints.OptimizerState{
		Type: "Adam",
		Parameters: map[string]interface{}{
			"learning_rate": adam.config.LearningRate,
			"beta1":         adam.config.Beta1,
			"beta2":         adam.config.Beta2,
			"epsilon":       adam.config.Epsilon,
			"step_count":    adam.StepCount,
		},
	}
	for _, name := range sortedKeys(adam.momentum) {
		shape := adam.shapes[name]
		state.StateData = append(state.StateData,
			checkpoints.OptimizerTensor{
				Name:      "momentum_" + name,
				Shape:     shape,
				Data:      append([]float32(nil), adam.momentum[name]...),
				StateType: "momentum",
			},
			checkpoints.OptimizerTensor{
				Name:      "variance_" + name,
				Shape:     shape,
				Data:      append([]float32(nil), adam.variance[name]...),
				StateType: "variance",
			},
		)
	}
	return state, nil
}

// LoadState restores optimizer state from checkpoint
func (adam *Adam) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}

	config := AdamConfig{
		LearningRate: extractFloatParam(state.Parameters, "learning_rate", adam.config.LearningRate),
		Beta1:        extractFloatParam(state.Parameters, "beta1", adam.config.Beta1),
		Beta2:        extractFloatParam(state.Parameters, "beta2", adam.config.Beta2),
		Epsilon:      extractFloatParam(state.Parameters, "epsilon", adam.config.Epsilon),
	}

	momentum := make(map[string][]float32)
	variance := make(map[string][]float32)
	shapes := make(map[string][]int)
	for _, t := range state.StateData {
		switch t.StateType {
		case "momentum":
			name := strings.TrimPrefix(t.Name, "momentum_")
			momentum[name] = append([]float32(nil), t.Data...)
			shapes[name] = t.Shape
		case "variance":
			variance[strings.TrimPrefix(t.Name, "variance_")] = append([]float32(nil), t.Data...)
		default:
			return errors.Errorf("unknown Adam state tensor type %q", t.StateType)
		}
	}
	for name, m := range momentum {
		if v, ok := variance[name]; !ok || len(v) != len(m) {
			return errors.Errorf("Adam state for %s is incomplete", name)
		}
	}

	adam.config = config
	adam.momentum, adam.variance, adam.shapes = momentum, variance, shapes
	adam.StepCount = extractUint64Param(state.Parameters, "step_count", 0)
	return nil
}

func sortedKeys(m map[string][]float32) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
