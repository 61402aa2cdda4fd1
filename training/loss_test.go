package training

import (
	"math"
	"testing"

	"github.com/tsawler/go-xray/tensor"
)

func TestBinaryCrossEntropyForward(t *testing.T) {
	loss := NewBinaryCrossEntropyLoss()
	pred, _ := tensor.FromSlice([]float32{0.9, 0.2}, 2, 1)

	got, err := loss.Forward(pred, []float32{1, 0})
	if err != nil {
		t.Fatal(err)
	}
	want := -(math.Log(0.9) + math.Log(0.8)) / 2
	if math.Abs(got-want) > 1e-6 {
		t.Errorf("loss = %v, want %v", got, want)
	}
}

func TestBinaryCrossEntropyClipsSaturatedProbabilities(t *testing.T) {
	loss := NewBinaryCrossEntropyLoss()
	pred, _ := tensor.FromSlice([]float32{0, 1}, 2, 1)

	got, err := loss.Forward(pred, []float32{1, 0})
	if err != nil {
		t.Fatal(err)
	}
	if math.IsInf(got, 0) || math.IsNaN(got) {
		t.Fatalf("loss must stay finite, got %v", got)
	}
	if math.Abs(got+math.Log(1e-7)) > 1e-3 {
		t.Errorf("loss = %v, want -log(1e-7)", got)
	}

	grad, err := loss.Backward(pred, []float32{1, 0})
	if err != nil {
		t.Fatal(err)
	}
	for _, g := range grad.Data {
		if math.IsInf(float64(g), 0) || math.IsNaN(float64(g)) {
			t.Errorf("gradient must stay finite, got %v", grad.Data)
		}
	}
}

func TestBinaryCrossEntropyBackwardThroughSigmoid(t *testing.T) {
	// chained with the sigmoid derivative the gradient is (p - y) / N
	loss := NewBinaryCrossEntropyLoss()
	probs := []float32{0.3, 0.8, 0.6}
	labels := []float32{1, 0, 1}
	pred, _ := tensor.FromSlice(probs, 3, 1)

	grad, err := loss.Backward(pred, labels)
	if err != nil {
		t.Fatal(err)
	}
	for i, p := range probs {
		got := grad.Data[i] * p * (1 - p)
		want := (p - labels[i]) / 3
		if math.Abs(float64(got-want)) > 1e-5 {
			t.Errorf("sample %d: %v, want %v", i, got, want)
		}
	}
}

func TestBinaryCrossEntropyBackwardBeyondClip(t *testing.T) {
	loss := NewBinaryCrossEntropyLoss()
	p := float32(1e-9)
	pred, _ := tensor.FromSlice([]float32{p}, 1, 1)

	grad, err := loss.Backward(pred, []float32{1})
	if err != nil {
		t.Fatal(err)
	}
	// dL/dp is evaluated at the clipped 1e-7, so the chained gradient is
	// about p/1e-7 * (p - y) rather than p - y
	chained := float64(grad.Data[0]) * float64(p) * (1 - float64(p))
	if math.Abs(chained-(-0.01)) > 1e-4 {
		t.Errorf("chained gradient = %v, want about -0.01", chained)
	}
}

func TestBinaryCrossEntropyShapeMismatch(t *testing.T) {
	pred, _ := tensor.FromSlice([]float32{0.5, 0.5}, 2, 1)
	if _, err := NewBinaryCrossEntropyLoss().Forward(pred, []float32{1}); err == nil {
		t.Error("expected error for mismatched targets")
	}
}

func TestBinaryAccuracyThreshold(t *testing.T) {
	pred, _ := tensor.FromSlice([]float32{0.5, 0.51, 0.1, 0.9}, 4, 1)
	// 0.5 itself is class 0
	if acc := BinaryAccuracy(pred, []float32{0, 1, 0, 0}); acc != 0.75 {
		t.Errorf("accuracy = %v, want 0.75", acc)
	}
}
