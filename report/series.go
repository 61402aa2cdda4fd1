package report

import "github.com/tsawler/go-xray/training"

// Series is one named curve.
type Series struct {
	Name string
	X    []float64
	Y    []float64
}

// Panel groups the curves drawn on one set of axes.
type Panel struct {
	Title  string
	XLabel string
	YLabel string
	Series []Series
}

// TrainingCurves returns the accuracy and loss panels of a history, each
// with its training and validation series. Epochs are numbered 1..n over
// the merged phases.
func TrainingCurves(h *training.History) (accuracy, loss Panel) {
	x := make([]float64, h.Len())
	for i := range x {
		x[i] = float64(i + 1)
	}
	pick := func(names ...string) []Series {
		labels := map[string]string{
			training.MetricAccuracy:    "Train Accuracy",
			training.MetricValAccuracy: "Validation Accuracy",
			training.MetricLoss:        "Train Loss",
			training.MetricValLoss:     "Validation Loss",
		}
		var out []Series
		for _, n := range names {
			if y := h.Metric(n); len(y) == len(x) && len(y) > 0 {
				out = append(out, Series{Name: labels[n], X: x, Y: y})
			}
		}
		return out
	}

	accuracy = Panel{
		Title:  "Model Accuracy",
		XLabel: "Epoch",
		YLabel: "Accuracy",
		Series: pick(training.MetricAccuracy, training.MetricValAccuracy),
	}
	loss = Panel{
		Title:  "Model Loss",
		XLabel: "Epoch",
		YLabel: "Loss",
		Series: pick(training.MetricLoss, training.MetricValLoss),
	}
	return accuracy, loss
}

// ROCPanel returns the ROC curve of an evaluation, or a panel without
// series when the test labels hold a single class.
func ROCPanel(e *Evaluation) Panel {
	p := Panel{Title: "ROC Curve", XLabel: "False Positive Rate", YLabel: "True Positive Rate"}
	points := training.ROCCurve(e.Probabilities, e.Labels)
	if points == nil {
		return p
	}
	s := Series{Name: "ROC"}
	for _, pt := range points {
		s.X = append(s.X, pt.FPR)
		s.Y = append(s.Y, pt.TPR)
	}
	p.Series = []Series{s, {Name: "Chance", X: []float64{0, 1}, Y: []float64{0, 1}}}
	return p
}
