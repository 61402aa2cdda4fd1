package training

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// FitConfig holds configuration for one training phase
type FitConfig struct {
	Epochs       int
	LearningRate float64 // forced onto the optimizer before the first epoch
	Callbacks    []Callback
	Output       io.Writer // progress bars and epoch summaries; nil means stdout
}

// EpochResult holds the loss and accuracy of one pass
type EpochResult struct {
	Loss     float64
	Accuracy float64
	Samples  int
	Batches  int
	Duration time.Duration
}

// Fit trains model on train for up to cfg.Epochs epochs, validating on val
// after each one, and returns the per-epoch history. Each epoch is one full
// pass of BatchesPerEpoch batches.
func Fit(model Model, train, val BatchSource, cfg FitConfig) (*History, error) {
	if cfg.Epochs < 1 {
		return nil, errors.Errorf("epochs must be at least 1, got %d", cfg.Epochs)
	}
	if cfg.LearningRate <= 0 {
		return nil, errors.Errorf("learning rate must be positive, got %g", cfg.LearningRate)
	}
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	model.SetLearningRate(cfg.LearningRate)
	klog.V(1).Infof("Training for %d epochs at learning rate %g", cfg.Epochs, cfg.LearningRate)

	for _, cb := range cfg.Callbacks {
		cb.OnTrainBegin(model)
	}

	history := NewHistory()
	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		lr := model.LearningRate()
		fmt.Fprintf(out, "Epoch %d/%d\n", epoch, cfg.Epochs)

		bar := NewProgressBar(out, "", train.BatchesPerEpoch())
		trainRes, err := trainEpoch(model, train, bar)
		if err != nil {
			return nil, errors.Wrapf(err, "epoch %d", epoch)
		}

		valRes, err := evaluatePass(model, val)
		if err != nil {
			return nil, errors.Wrapf(err, "epoch %d validation", epoch)
		}

		logs := Logs{
			MetricLoss:        trainRes.Loss,
			MetricAccuracy:    trainRes.Accuracy,
			MetricValLoss:     valRes.Loss,
			MetricValAccuracy: valRes.Accuracy,
			MetricLR:          lr,
		}
		bar.metrics = logs
		bar.Finish()
		history.Append(epoch, logs)

		stop := false
		for _, cb := range cfg.Callbacks {
			s, err := cb.OnEpochEnd(epoch, logs, model)
			if err != nil {
				return nil, errors.Wrapf(err, "epoch %d callback", epoch)
			}
			stop = stop || s
		}
		if stop {
			break
		}
	}

	for _, cb := range cfg.Callbacks {
		if err := cb.OnTrainEnd(model); err != nil {
			return nil, err
		}
	}
	return history, nil
}

// trainEpoch runs one optimisation pass. Loss and accuracy are averaged
// over samples.
func trainEpoch(model Model, src BatchSource, bar *ProgressBar) (EpochResult, error) {
	start := time.Now()
	steps := src.BatchesPerEpoch()
	if steps == 0 {
		return EpochResult{}, errors.New("training data is empty")
	}
	loss := model.Loss()

	var lossSum float64
	var correct, samples int
	for step := 1; step <= steps; step++ {
		x, labels, err := src.NextBatch()
		if err != nil {
			return EpochResult{}, errors.Wrap(err, "load training batch")
		}

		out, err := model.Forward(x, true)
		if err != nil {
			return EpochResult{}, errors.Wrap(err, "forward")
		}
		batchLoss, err := loss.Forward(out, labels)
		if err != nil {
			return EpochResult{}, err
		}
		grad, err := loss.Backward(out, labels)
		if err != nil {
			return EpochResult{}, err
		}
		if err := model.Backward(grad); err != nil {
			return EpochResult{}, errors.Wrap(err, "backward")
		}
		if err := model.Step(); err != nil {
			return EpochResult{}, errors.Wrap(err, "optimizer step")
		}

		lossSum += batchLoss * float64(len(labels))
		correct += binaryCorrect(out.Data, labels)
		samples += len(labels)
		bar.Update(step, map[string]float64{
			MetricLoss:     lossSum / float64(samples),
			MetricAccuracy: float64(correct) / float64(samples),
		})
	}

	return EpochResult{
		Loss:     lossSum / float64(samples),
		Accuracy: float64(correct) / float64(samples),
		Samples:  samples,
		Batches:  steps,
		Duration: time.Since(start),
	}, nil
}

// evaluatePass runs one inference pass from the start of src.
func evaluatePass(model Model, src BatchSource) (EpochResult, error) {
	res, _, err := inferencePass(model, src, false)
	return res, err
}

func inferencePass(model Model, src BatchSource, keep bool) (EpochResult, []float32, error) {
	start := time.Now()
	src.Reset()
	steps := src.BatchesPerEpoch()
	if steps == 0 {
		return EpochResult{}, nil, errors.New("evaluation data is empty")
	}
	loss := model.Loss()

	var probs []float32
	var lossSum float64
	var correct, samples int
	for step := 0; step < steps; step++ {
		x, labels, err := src.NextBatch()
		if err != nil {
			return EpochResult{}, nil, errors.Wrap(err, "load evaluation batch")
		}
		out, err := model.Forward(x, false)
		if err != nil {
			return EpochResult{}, nil, errors.Wrap(err, "forward")
		}
		batchLoss, err := loss.Forward(out, labels)
		if err != nil {
			return EpochResult{}, nil, err
		}
		lossSum += batchLoss * float64(len(labels))
		correct += binaryCorrect(out.Data, labels)
		samples += len(labels)
		if keep {
			probs = append(probs, out.Data...)
		}
	}
	return EpochResult{
		Loss:     lossSum / float64(samples),
		Accuracy: float64(correct) / float64(samples),
		Samples:  samples,
		Batches:  steps,
		Duration: time.Since(start),
	}, probs, nil
}

// Evaluate returns the mean loss and accuracy over one full pass of src.
func Evaluate(model Model, src BatchSource) (float64, float64, error) {
	res, err := evaluatePass(model, src)
	if err != nil {
		return 0, 0, err
	}
	return res.Loss, res.Accuracy, nil
}

// Predict returns one probability per sample, in the order src yields them.
func Predict(model Model, src BatchSource) ([]float32, error) {
	_, probs, err := inferencePass(model, src, true)
	return probs, err
}
