package training

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ReduceLROnPlateau reduces the learning rate when a metric has stopped
// improving. It is a Callback; Step holds the scheduling decision.
type ReduceLROnPlateau struct {
	Monitor   string
	Factor    float64 // Factor by which the learning rate will be reduced
	Patience  int     // Number of epochs with no improvement after which LR will be reduced
	MinLR     float64 // Lower bound on the learning rate
	Threshold float64 // Threshold for measuring the new optimum

	mode       string
	bestMetric float64
	badEpochs  int
}

// NewReduceLROnPlateau creates a plateau-based scheduler. factor must lie
// in (0, 1) and patience must not be negative.
func NewReduceLROnPlateau(monitor string, factor float64, patience int, minLR float64) (*ReduceLROnPlateau, error) {
	if factor <= 0 || factor >= 1 {
		return nil, errors.Errorf("reduce lr factor must be in (0, 1), got %g", factor)
	}
	if patience < 0 {
		return nil, errors.Errorf("reduce lr patience must not be negative, got %d", patience)
	}
	return &ReduceLROnPlateau{
		Monitor:   monitor,
		Factor:    factor,
		Patience:  patience,
		MinLR:     minLR,
		Threshold: 1e-4,
	}, nil
}

func (s *ReduceLROnPlateau) reset() {
	s.mode = monitorMode(s.Monitor)
	s.bestMetric = worst(s.mode)
	s.badEpochs = 0
}

// Step checks if LR should be reduced based on metric
// This is called once per epoch with the validation metric
func (s *ReduceLROnPlateau) Step(metric float64, currentLR float64) float64 {
	if s.mode == "" {
		s.reset()
	}

	if improved(s.mode, metric, s.bestMetric, s.Threshold) {
		s.bestMetric = metric
		s.badEpochs = 0
		return currentLR
	}

	s.badEpochs++
	if s.badEpochs >= s.Patience && currentLR > s.MinLR {
		s.badEpochs = 0
		newLR := currentLR * s.Factor
		if newLR < s.MinLR {
			newLR = s.MinLR
		}
		return newLR
	}
	return currentLR
}

func (s *ReduceLROnPlateau) OnTrainBegin(model Model) {
	s.reset()
}

func (s *ReduceLROnPlateau) OnEpochEnd(epoch int, logs Logs, model Model) (bool, error) {
	current, ok := logs[s.Monitor]
	if !ok {
		return false, errors.Errorf("learning rate reduction monitors %q, which is not logged", s.Monitor)
	}
	lr := model.LearningRate()
	if newLR := s.Step(current, lr); newLR != lr {
		klog.Infof("Epoch %d: ReduceLROnPlateau reducing learning rate to %g", epoch, newLR)
		model.SetLearningRate(newLR)
	}
	return false, nil
}

func (s *ReduceLROnPlateau) OnTrainEnd(model Model) error { return nil }
