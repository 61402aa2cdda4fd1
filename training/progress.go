package training

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// ProgressBar provides Keras-style per-epoch progress. Redraws are
// throttled; Finish always draws the final state.
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	metrics     map[string]float64
	redraw      *rate.Sometimes
}

// NewProgressBar creates a new progress bar writing to out
func NewProgressBar(out io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       30,
		metrics:     make(map[string]float64),
		redraw:      &rate.Sometimes{Interval: 100 * time.Millisecond},
	}
}

// Update advances the progress bar
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	pb.metrics = metrics
	pb.redraw.Do(pb.render)
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	pb.current = pb.total
	pb.render()
	fmt.Fprintln(pb.out)
}

// render draws the progress bar
func (pb *ProgressBar) render() {
	percentage := 1.0
	if pb.total > 0 {
		percentage = float64(pb.current) / float64(pb.total)
	}
	if percentage > 1.0 {
		percentage = 1.0
	}

	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("=", filled) + strings.Repeat(".", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	var eta time.Duration
	if pb.current > 0 && percentage > 0 {
		eta = time.Duration(float64(elapsed)/percentage) - elapsed
	}

	line := fmt.Sprintf("\r%s %d/%d [%s] %s<%s", pb.description, pb.current, pb.total, bar,
		formatDuration(elapsed), formatDuration(eta))
	line += formatMetrics(pb.metrics)

	// Print the line (carriage return overwrites previous line)
	fmt.Fprint(pb.out, line)
}

// formatMetrics renders metrics in a stable order, " - name: value".
func formatMetrics(metrics map[string]float64) string {
	keys := make([]string, 0, len(metrics))
	for k := range metrics {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return metricOrder(keys[i]) < metricOrder(keys[j]) })

	var b strings.Builder
	for _, k := range keys {
		if k == MetricLR {
			fmt.Fprintf(&b, " - %s: %.4g", k, metrics[k])
		} else {
			fmt.Fprintf(&b, " - %s: %.4f", k, metrics[k])
		}
	}
	return b.String()
}

func metricOrder(name string) string {
	switch name {
	case MetricLoss:
		return "0"
	case MetricAccuracy:
		return "1"
	case MetricValLoss:
		return "2"
	case MetricValAccuracy:
		return "3"
	case MetricLR:
		return "4"
	}
	return "5" + name
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}
