package training

import "github.com/pkg/errors"

// Metric names recorded per epoch.
const (
	MetricLoss        = "loss"
	MetricAccuracy    = "accuracy"
	MetricValLoss     = "val_loss"
	MetricValAccuracy = "val_accuracy"
	MetricLR          = "lr"
)

// Logs holds the metrics of one epoch.
type Logs map[string]float64

// History is the per-epoch record of one or more Fit calls.
type History struct {
	Epochs  []int
	Metrics map[string][]float64
}

// NewHistory returns an empty history.
func NewHistory() *History {
	return &History{Metrics: make(map[string][]float64)}
}

// Len is the number of recorded epochs.
func (h *History) Len() int { return len(h.Epochs) }

// Append records one epoch.
func (h *History) Append(epoch int, logs Logs) {
	h.Epochs = append(h.Epochs, epoch)
	for k, v := range logs {
		h.Metrics[k] = append(h.Metrics[k], v)
	}
}

// Metric returns the series for name, or nil.
func (h *History) Metric(name string) []float64 {
	return h.Metrics[name]
}

// Merge returns a new history with the epochs of h followed by those of
// other, metric by metric.
func (h *History) Merge(other *History) (*History, error) {
	merged := NewHistory()
	merged.Epochs = append(append(merged.Epochs, h.Epochs...), other.Epochs...)
	for k, v := range h.Metrics {
		if len(v) != h.Len() {
			return nil, errors.Errorf("metric %s has %d values for %d epochs", k, len(v), h.Len())
		}
		merged.Metrics[k] = append([]float64(nil), v...)
	}
	for k, v := range other.Metrics {
		if len(v) != other.Len() {
			return nil, errors.Errorf("metric %s has %d values for %d epochs", k, len(v), other.Len())
		}
		if _, ok := merged.Metrics[k]; !ok && h.Len() > 0 {
			return nil, errors.Errorf("metric %s is missing from the first history", k)
		}
		merged.Metrics[k] = append(merged.Metrics[k], v...)
	}
	for k := range h.Metrics {
		if _, ok := other.Metrics[k]; !ok && other.Len() > 0 {
			return nil, errors.Errorf("metric %s is missing from the second history", k)
		}
	}
	return merged, nil
}
