package report

import (
	"github.com/pkg/errors"
	"github.com/tsawler/go-xray/training"
)

// DecisionThreshold turns a probability into the positive class when exceeded.
const DecisionThreshold = 0.5

// Source is an ordered test stream whose labels are known up front.
type Source interface {
	training.BatchSource
	Labels() ([]int, error)
}

// Evaluation is the outcome of scoring a model on the test split.
type Evaluation struct {
	Loss     float64
	Accuracy float64
	AUC      float64

	Probabilities []float32
	Labels        []int
	Predictions   []int
	ClassNames    []string
	Matrix        *training.ConfusionMatrix
}

// Evaluate computes loss and accuracy over one full pass of test, then
// predicts every sample in a second pass and compares the thresholded
// predictions with test.Labels().
func Evaluate(model training.Model, test Source, classNames []string) (*Evaluation, error) {
	if len(classNames) != 2 {
		return nil, errors.Errorf("binary evaluation needs 2 class names, got %v", classNames)
	}

	loss, acc, err := training.Evaluate(model, test)
	if err != nil {
		return nil, errors.Wrap(err, "evaluate")
	}
	probs, err := training.Predict(model, test)
	if err != nil {
		return nil, errors.Wrap(err, "predict")
	}
	labels, err := test.Labels()
	if err != nil {
		return nil, errors.Wrap(err, "test labels")
	}
	if len(labels) != len(probs) {
		return nil, errors.Errorf("got %d predictions for %d labels", len(probs), len(labels))
	}

	preds := training.Threshold(probs, DecisionThreshold)
	cm := training.NewConfusionMatrix(2)
	if err := cm.Update(labels, preds); err != nil {
		return nil, err
	}

	return &Evaluation{
		Loss:          loss,
		Accuracy:      acc,
		AUC:           training.CalculateAUCROC(probs, labels),
		Probabilities: probs,
		Labels:        labels,
		Predictions:   preds,
		ClassNames:    append([]string(nil), classNames...),
		Matrix:        cm,
	}, nil
}
