package report

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/tsawler/go-xray/training"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"
)

// Files lists what Render wrote.
type Files struct {
	History         string
	ConfusionMatrix string
	ROC             string
	Dashboard       string
}

// Render writes the training history, confusion matrix and ROC plots as PNG
// files and an HTML dashboard into dir. history may be nil when only an
// evaluation is available.
func Render(dir, title string, history *training.History, e *Evaluation) (*Files, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create %s", dir)
	}
	if history == nil {
		history = training.NewHistory()
	}

	files := &Files{
		History:         filepath.Join(dir, "training_history.png"),
		ConfusionMatrix: filepath.Join(dir, "confusion_matrix.png"),
		Dashboard:       filepath.Join(dir, "report.html"),
	}

	accuracy, loss := TrainingCurves(history)
	if history.Len() > 0 {
		if err := WritePanelsPNG(files.History, 12*vg.Inch, 5*vg.Inch, accuracy, loss); err != nil {
			return nil, err
		}
	} else {
		files.History = ""
	}

	if err := WriteConfusionMatrixPNG(files.ConfusionMatrix, e); err != nil {
		return nil, err
	}

	roc := ROCPanel(e)
	if len(roc.Series) > 0 {
		files.ROC = filepath.Join(dir, "roc_curve.png")
		if err := WritePanelsPNG(files.ROC, 6*vg.Inch, 5*vg.Inch, roc); err != nil {
			return nil, err
		}
	}

	if err := WriteDashboard(files.Dashboard, title, accuracy, loss, roc, e); err != nil {
		return nil, err
	}
	klog.Infof("Report written to %s", dir)
	return files, nil
}
