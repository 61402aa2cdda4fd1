package training

import (
	"math"

	"github.com/pkg/errors"
	"github.com/tsawler/go-xray/tensor"
)

// Loss interface defines methods that all loss functions must implement.
// predicted is the model output, target holds one label per output value.
type Loss interface {
	Name() string
	Forward(predicted *tensor.Tensor, target []float32) (float64, error)
	Backward(predicted *tensor.Tensor, target []float32) (*tensor.Tensor, error)
}

// BinaryCrossEntropyLoss implements binary cross-entropy on sigmoid
// probabilities: L = -(1/N) * sum(y*log(p) + (1-y)*log(1-p))
type BinaryCrossEntropyLoss struct {
	epsilon float64
}

// NewBinaryCrossEntropyLoss clips probabilities to [1e-7, 1-1e-7].
func NewBinaryCrossEntropyLoss() *BinaryCrossEntropyLoss {
	return &BinaryCrossEntropyLoss{epsilon: 1e-7}
}

func (bce *BinaryCrossEntropyLoss) Name() string { return "binary_crossentropy" }

func (bce *BinaryCrossEntropyLoss) clip(p float32) float64 {
	return math.Min(math.Max(float64(p), bce.epsilon), 1-bce.epsilon)
}

// Forward computes the mean loss over the batch
func (bce *BinaryCrossEntropyLoss) Forward(predicted *tensor.Tensor, target []float32) (float64, error) {
	if err := checkTargets(predicted, target); err != nil {
		return 0, err
	}
	sum := 0.0
	for i, p := range predicted.Data {
		pc := bce.clip(p)
		y := float64(target[i])
		sum -= y*math.Log(pc) + (1-y)*math.Log(1-pc)
	}
	return sum / float64(len(target)), nil
}

// Backward computes dL/dp = (p - y) / (p(1-p)) / N on the clipped
// probabilities. Chained through the sigmoid derivative this is (p - y) / N
// only while p lies inside [epsilon, 1-epsilon]. Beyond the clip the
// gradient is scaled down by the sigmoid derivative, reaching 0 when a
// float32 sigmoid saturates to exactly 0 or 1.
func (bce *BinaryCrossEntropyLoss) Backward(predicted *tensor.Tensor, target []float32) (*tensor.Tensor, error) {
	if err := checkTargets(predicted, target); err != nil {
		return nil, err
	}
	grad := tensor.New(predicted.Shape...)
	n := float64(len(target))
	for i, p := range predicted.Data {
		pc := bce.clip(p)
		grad.Data[i] = float32((pc - float64(target[i])) / (pc * (1 - pc)) / n)
	}
	return grad, nil
}

func checkTargets(predicted *tensor.Tensor, target []float32) error {
	if predicted.Numel() != len(target) {
		return errors.Errorf("predicted has %d values but %d targets were given", predicted.Numel(), len(target))
	}
	if len(target) == 0 {
		return errors.Errorf("empty batch")
	}
	return nil
}

// BinaryAccuracy counts predictions on the right side of 0.5.
func BinaryAccuracy(predicted *tensor.Tensor, target []float32) float64 {
	return float64(binaryCorrect(predicted.Data, target)) / float64(len(target))
}

func binaryCorrect(probs, target []float32) int {
	correct := 0
	for i, p := range probs {
		if (p > 0.5) == (target[i] > 0.5) {
			correct++
		}
	}
	return correct
}
