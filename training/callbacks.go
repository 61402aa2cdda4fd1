package training

import (
	"math"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Callback observes a Fit call. Fit resets every callback through
// OnTrainBegin, so one instance can serve several phases.
type Callback interface {
	OnTrainBegin(model Model)
	// OnEpochEnd returns true to stop training after this epoch.
	OnEpochEnd(epoch int, logs Logs, model Model) (bool, error)
	OnTrainEnd(model Model) error
}

// monitorMode picks "max" for accuracy metrics and "min" otherwise.
func monitorMode(monitor string) string {
	if strings.Contains(monitor, "acc") {
		return "max"
	}
	return "min"
}

func worst(mode string) float64 {
	if mode == "max" {
		return math.Inf(-1)
	}
	return math.Inf(1)
}

func improved(mode string, current, best, minDelta float64) bool {
	if mode == "max" {
		return current-minDelta > best
	}
	return current+minDelta < best
}

// EarlyStopping stops training once the monitored metric has not improved
// for Patience consecutive epochs.
type EarlyStopping struct {
	Monitor            string
	Patience           int
	MinDelta           float64
	RestoreBestWeights bool

	// StoppedEpoch is the epoch training stopped at, 0 if it ran to the end.
	StoppedEpoch int
	// BestEpoch is the epoch with the best monitored value.
	BestEpoch int

	mode        string
	best        float64
	wait        int
	bestWeights [][]float32
}

// NewEarlyStopping creates an early stopping callback
func NewEarlyStopping(monitor string, patience int, restoreBestWeights bool) *EarlyStopping {
	return &EarlyStopping{
		Monitor:            monitor,
		Patience:           patience,
		RestoreBestWeights: restoreBestWeights,
	}
}

func (es *EarlyStopping) OnTrainBegin(model Model) {
	es.mode = monitorMode(es.Monitor)
	es.best = worst(es.mode)
	es.wait = 0
	es.bestWeights = nil
	es.StoppedEpoch = 0
	es.BestEpoch = 0
}

func (es *EarlyStopping) OnEpochEnd(epoch int, logs Logs, model Model) (bool, error) {
	current, ok := logs[es.Monitor]
	if !ok {
		return false, errors.Errorf("early stopping monitors %q, which is not logged", es.Monitor)
	}
	if es.RestoreBestWeights && es.bestWeights == nil {
		es.bestWeights = model.Weights()
	}

	es.wait++
	if improved(es.mode, current, es.best, es.MinDelta) {
		es.best = current
		es.BestEpoch = epoch
		if es.RestoreBestWeights {
			es.bestWeights = model.Weights()
		}
		es.wait = 0
		return false, nil
	}

	if es.wait >= es.Patience && epoch > 1 {
		es.StoppedEpoch = epoch
		if es.RestoreBestWeights && es.bestWeights != nil {
			klog.Infof("Restoring model weights from the end of the best epoch: %d", es.BestEpoch)
			if err := model.SetWeights(es.bestWeights); err != nil {
				return true, errors.Wrap(err, "failed to restore best weights")
			}
		}
		return true, nil
	}
	return false, nil
}

func (es *EarlyStopping) OnTrainEnd(model Model) error {
	if es.StoppedEpoch > 0 {
		klog.Infof("Epoch %d: early stopping", es.StoppedEpoch)
	}
	es.bestWeights = nil
	return nil
}
