package training

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

// MetricType represents different evaluation metrics
type MetricType int

const (
	// Binary classification metrics, class 1 is positive
	Precision MetricType = iota
	Recall
	F1Score
	Specificity
	NPV // Negative Predictive Value

	// Averaged over classes
	MacroPrecision
	MacroRecall
	MacroF1
	WeightedPrecision
	WeightedRecall
	WeightedF1
)

func (mt MetricType) String() string {
	switch mt {
	case Precision:
		return "Precision"
	case Recall:
		return "Recall"
	case F1Score:
		return "F1Score"
	case Specificity:
		return "Specificity"
	case NPV:
		return "NPV"
	case MacroPrecision:
		return "MacroPrecision"
	case MacroRecall:
		return "MacroRecall"
	case MacroF1:
		return "MacroF1"
	case WeightedPrecision:
		return "WeightedPrecision"
	case WeightedRecall:
		return "WeightedRecall"
	case WeightedF1:
		return "WeightedF1"
	default:
		return fmt.Sprintf("Unknown(%d)", int(mt))
	}
}

// ConfusionMatrix represents a confusion matrix for classification tasks
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int // [true_class][predicted_class]
	TotalSamples int
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{
		NumClasses: numClasses,
		Matrix:     matrix,
	}
}

// Reset clears the confusion matrix
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] = 0
		}
	}
	cm.TotalSamples = 0
}

// Update adds one (true, predicted) pair per sample.
func (cm *ConfusionMatrix) Update(trueLabels, predicted []int) error {
	if len(trueLabels) != len(predicted) {
		return errors.Errorf("got %d labels and %d predictions", len(trueLabels), len(predicted))
	}
	for i, t := range trueLabels {
		p := predicted[i]
		if t < 0 || t >= cm.NumClasses || p < 0 || p >= cm.NumClasses {
			return errors.Errorf("sample %d: class out of range (true %d, predicted %d)", i, t, p)
		}
		cm.Matrix[t][p]++
		cm.TotalSamples++
	}
	return nil
}

// UpdateFromProbabilities thresholds single-output sigmoid probabilities:
// p > threshold is class 1.
func (cm *ConfusionMatrix) UpdateFromProbabilities(probs []float32, trueLabels []int, threshold float32) error {
	return cm.Update(trueLabels, Threshold(probs, threshold))
}

// Threshold maps probabilities to class indices.
func Threshold(probs []float32, threshold float32) []int {
	out := make([]int, len(probs))
	for i, p := range probs {
		if p > threshold {
			out[i] = 1
		}
	}
	return out
}

// Support is the number of samples whose true class is c.
func (cm *ConfusionMatrix) Support(c int) int {
	n := 0
	for _, v := range cm.Matrix[c] {
		n += v
	}
	return n
}

func (cm *ConfusionMatrix) predictedCount(c int) int {
	n := 0
	for i := range cm.Matrix {
		n += cm.Matrix[i][c]
	}
	return n
}

// ClassPrecision treats c as the positive class. Zero when nothing was
// predicted as c.
func (cm *ConfusionMatrix) ClassPrecision(c int) float64 {
	pred := cm.predictedCount(c)
	if pred == 0 {
		return 0
	}
	return float64(cm.Matrix[c][c]) / float64(pred)
}

// ClassRecall treats c as the positive class.
func (cm *ConfusionMatrix) ClassRecall(c int) float64 {
	support := cm.Support(c)
	if support == 0 {
		return 0
	}
	return float64(cm.Matrix[c][c]) / float64(support)
}

// ClassF1 is the harmonic mean of ClassPrecision and ClassRecall.
func (cm *ConfusionMatrix) ClassF1(c int) float64 {
	p, r := cm.ClassPrecision(c), cm.ClassRecall(c)
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

// GetMetric calculates an evaluation metric
func (cm *ConfusionMatrix) GetMetric(metric MetricType) float64 {
	switch metric {
	case Precision:
		return cm.binary(cm.ClassPrecision, 1)
	case Recall:
		return cm.binary(cm.ClassRecall, 1)
	case F1Score:
		return cm.binary(cm.ClassF1, 1)
	case Specificity:
		return cm.binary(cm.ClassRecall, 0)
	case NPV:
		return cm.binary(cm.ClassPrecision, 0)
	case MacroPrecision:
		return cm.macro(cm.ClassPrecision)
	case MacroRecall:
		return cm.macro(cm.ClassRecall)
	case MacroF1:
		return cm.macro(cm.ClassF1)
	case WeightedPrecision:
		return cm.weighted(cm.ClassPrecision)
	case WeightedRecall:
		return cm.weighted(cm.ClassRecall)
	case WeightedF1:
		return cm.weighted(cm.ClassF1)
	default:
		return 0.0
	}
}

func (cm *ConfusionMatrix) binary(fn func(int) float64, class int) float64 {
	if cm.NumClasses != 2 {
		return 0.0 // Only valid for binary classification
	}
	return fn(class)
}

func (cm *ConfusionMatrix) macro(fn func(int) float64) float64 {
	if cm.NumClasses == 0 {
		return 0
	}
	sum := 0.0
	for c := 0; c < cm.NumClasses; c++ {
		sum += fn(c)
	}
	return sum / float64(cm.NumClasses)
}

func (cm *ConfusionMatrix) weighted(fn func(int) float64) float64 {
	if cm.TotalSamples == 0 {
		return 0
	}
	sum := 0.0
	for c := 0; c < cm.NumClasses; c++ {
		sum += fn(c) * float64(cm.Support(c))
	}
	return sum / float64(cm.TotalSamples)
}

// GetAccuracy returns overall classification accuracy
func (cm *ConfusionMatrix) GetAccuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0.0
	}
	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.TotalSamples)
}

// ROCPoint represents a point on the ROC curve
type ROCPoint struct {
	Threshold float32
	TPR       float64 // True Positive Rate (Recall)
	FPR       float64 // False Positive Rate (1 - Specificity)
}

// ROCCurve returns the curve from (0,0) to (1,1), one point per distinct score.
// Nil when the labels hold only one class.
func ROCCurve(probs []float32, trueLabels []int) []ROCPoint {
	if len(probs) != len(trueLabels) {
		return nil
	}

	type predLabel struct {
		score float32
		label int
	}
	pairs := make([]predLabel, len(probs))
	totalPos, totalNeg := 0, 0
	for i, p := range probs {
		pairs[i] = predLabel{score: p, label: trueLabels[i]}
		if trueLabels[i] == 1 {
			totalPos++
		} else {
			totalNeg++
		}
	}
	if totalPos == 0 || totalNeg == 0 {
		return nil
	}

	// Sort by prediction score (descending)
	sort.SliceStable(pairs, func(i, j int) bool {
		return pairs[i].score > pairs[j].score
	})

	points := []ROCPoint{{Threshold: 1, TPR: 0, FPR: 0}}
	tp, fp := 0, 0
	for i, pair := range pairs {
		if pair.label == 1 {
			tp++
		} else {
			fp++
		}
		// tied scores form a single step
		if i+1 < len(pairs) && pairs[i+1].score == pair.score {
			continue
		}
		points = append(points, ROCPoint{
			Threshold: pair.score,
			TPR:       float64(tp) / float64(totalPos),
			FPR:       float64(fp) / float64(totalNeg),
		})
	}
	return points
}

// CalculateAUCROC calculates Area Under ROC Curve using the trapezoidal rule
func CalculateAUCROC(probs []float32, trueLabels []int) float64 {
	points := ROCCurve(probs, trueLabels)
	auc := 0.0
	for i := 1; i < len(points); i++ {
		auc += (points[i].FPR - points[i-1].FPR) * (points[i].TPR + points[i-1].TPR) / 2.0
	}
	return auc
}
