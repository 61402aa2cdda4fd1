package optimizer

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/tsawler/go-xray/checkpoints"
	"github.com/tsawler/go-xray/engine"
	"github.com/tsawler/go-xray/tensor"
)

func newParam(name string, values ...float32) *engine.Param {
	v, _ := tensor.FromSlice(append([]float32(nil), values...), len(values))
	return &engine.Param{Name: name, Value: v, Grad: tensor.New(len(values))}
}

func TestAdamFirstStepMovesByLearningRate(t *testing.T) {
	// With bias correction the first update is lr * g/|g| for every element
	adam := NewAdam(AdamConfig{LearningRate: 0.1, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-7})
	p := newParam("w", 1, 1, 1)
	copy(p.Grad.Data, []float32{0.5, -2, 10})

	if err := adam.Step([]*engine.Param{p}); err != nil {
		t.Fatal(err)
	}
	want := []float32{0.9, 1.1, 0.9}
	for i := range want {
		if math.Abs(float64(p.Value.Data[i]-want[i])) > 1e-5 {
			t.Fatalf("after one step: %v, want %v", p.Value.Data, want)
		}
	}
	if adam.GetStepCount() != 1 {
		t.Errorf("step count = %d", adam.GetStepCount())
	}
}

func TestAdamMinimisesQuadratic(t *testing.T) {
	adam := NewAdam(AdamConfig{LearningRate: 0.05, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-7})
	p := newParam("x", 5)
	for i := 0; i < 500; i++ {
		p.Grad.Data[0] = 2 * (p.Value.Data[0] - 3) // d/dx (x-3)^2
		if err := adam.Step([]*engine.Param{p}); err != nil {
			t.Fatal(err)
		}
	}
	if math.Abs(float64(p.Value.Data[0]-3)) > 0.05 {
		t.Errorf("x = %v, want ~3", p.Value.Data[0])
	}
}

func TestAdamLearningRate(t *testing.T) {
	adam := NewAdam(DefaultAdamConfig())
	if adam.LearningRate() != 0.001 {
		t.Fatalf("default lr = %v", adam.LearningRate())
	}
	adam.UpdateLearningRate(1e-5)
	if adam.LearningRate() != 1e-5 {
		t.Errorf("lr = %v after update", adam.LearningRate())
	}
}

func TestAdamStateRoundTrip(t *testing.T) {
	adam := NewAdam(DefaultAdamConfig())
	a := newParam("a", 1, 2)
	b := newParam("b", 3)
	a.Grad.Fill(0.1)
	b.Grad.Fill(-0.2)
	for i := 0; i < 3; i++ {
		if err := adam.Step([]*engine.Param{a, b}); err != nil {
			t.Fatal(err)
		}
	}

	state, err := adam.GetState()
	if err != nil {
		t.Fatal(err)
	}
	if len(state.StateData) != 4 {
		t.Fatalf("expected 4 state tensors, got %d", len(state.StateData))
	}

	// Through JSON, as a checkpoint would store it
	data, _ := json.Marshal(state)
	var decoded checkpoints.OptimizerState
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}

	restored := NewAdam(AdamConfig{LearningRate: 1})
	if err := restored.LoadState(&decoded); err != nil {
		t.Fatal(err)
	}
	if restored.GetStepCount() != 3 || restored.LearningRate() != 0.001 {
		t.Fatalf("restored step %d lr %v", restored.GetStepCount(), restored.LearningRate())
	}

	// Both optimizers must now produce identical updates
	a2 := newParam("a", a.Value.Data...)
	copy(a2.Grad.Data, a.Grad.Data)
	if err := adam.Step([]*engine.Param{a}); err != nil {
		t.Fatal(err)
	}
	if err := restored.Step([]*engine.Param{a2}); err != nil {
		t.Fatal(err)
	}
	for i := range a.Value.Data {
		if a.Value.Data[i] != a2.Value.Data[i] {
			t.Fatalf("diverged after restore: %v vs %v", a.Value.Data, a2.Value.Data)
		}
	}

	if err := restored.LoadState(&checkpoints.OptimizerState{Type: "SGD"}); err == nil {
		t.Error("expected type mismatch error")
	}
}
