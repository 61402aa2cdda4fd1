package report

import (
	"fmt"
	"io"
	"strings"
)

// PrintSummary writes the headline test metrics.
func (e *Evaluation) PrintSummary(w io.Writer) {
	fmt.Fprintf(w, "Test Loss: %.4f\n", e.Loss)
	fmt.Fprintf(w, "Test Accuracy: %.4f\n", e.Accuracy)
	if len(e.Probabilities) > 0 {
		fmt.Fprintf(w, "Test ROC AUC: %.4f\n", e.AUC)
	}
}

// PrintConfusionMatrix writes the matrix with true labels as rows and
// predicted labels as columns.
func (e *Evaluation) PrintConfusionMatrix(w io.Writer) {
	width := 9
	for _, n := range e.ClassNames {
		if len(n) > width {
			width = len(n)
		}
	}

	fmt.Fprintln(w, "Confusion Matrix (rows: true, columns: predicted)")
	fmt.Fprintf(w, "%*s", width, "")
	for _, n := range e.ClassNames {
		fmt.Fprintf(w, "  %*s", width, n)
	}
	fmt.Fprintln(w)
	for i, row := range e.Matrix.Matrix {
		fmt.Fprintf(w, "%*s", width, e.ClassNames[i])
		for _, v := range row {
			fmt.Fprintf(w, "  %*d", width, v)
		}
		fmt.Fprintln(w)
	}
}

// ClassificationReport renders per-class precision, recall, F1 and
// support followed by accuracy, macro and weighted averages.
func (e *Evaluation) ClassificationReport() string {
	cm := e.Matrix
	width := len("weighted avg")
	for _, n := range e.ClassNames {
		if len(n) > width {
			width = len(n)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%*s  %9s %9s %9s %9s\n\n", width, "", "precision", "recall", "f1-score", "support")

	total := 0
	var macro, weighted [3]float64
	for c, name := range e.ClassNames {
		p, r, f := cm.ClassPrecision(c), cm.ClassRecall(c), cm.ClassF1(c)
		s := cm.Support(c)
		fmt.Fprintf(&b, "%*s  %9.2f %9.2f %9.2f %9d\n", width, name, p, r, f, s)

		total += s
		for i, v := range []float64{p, r, f} {
			macro[i] += v / float64(len(e.ClassNames))
			weighted[i] += v * float64(s)
		}
	}
	if total > 0 {
		for i := range weighted {
			weighted[i] /= float64(total)
		}
	}

	b.WriteString("\n")
	fmt.Fprintf(&b, "%*s  %9s %9s %9.2f %9d\n", width, "accuracy", "", "", cm.GetAccuracy(), total)
	fmt.Fprintf(&b, "%*s  %9.2f %9.2f %9.2f %9d\n", width, "macro avg", macro[0], macro[1], macro[2], total)
	fmt.Fprintf(&b, "%*s  %9.2f %9.2f %9.2f %9d\n", width, "weighted avg", weighted[0], weighted[1], weighted[2], total)
	return b.String()
}

// Print writes the summary, confusion matrix and classification report.
func (e *Evaluation) Print(w io.Writer) {
	e.PrintSummary(w)
	fmt.Fprintln(w)
	e.PrintConfusionMatrix(w)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Classification Report")
	fmt.Fprint(w, e.ClassificationReport())
}
