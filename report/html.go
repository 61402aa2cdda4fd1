package report

import (
	"os"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/pkg/errors"
)

func lineChart(panel Panel) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Width:  "600px",
			Height: "420px",
		}),
		charts.WithTitleOpts(opts.Title{
			Title: panel.Title,
		}),
		charts.WithTooltipOpts(opts.Tooltip{
			Show:    opts.Bool(true),
			Trigger: "axis",
		}),
		charts.WithLegendOpts(opts.Legend{
			Show: opts.Bool(true),
			Top:  "bottom",
		}),
		charts.WithXAxisOpts(opts.XAxis{
			Name: panel.XLabel,
			Type: "value",
		}),
		charts.WithYAxisOpts(opts.YAxis{
			Name: panel.YLabel,
			Type: "value",
		}),
	)

	for _, s := range panel.Series {
		data := make([]opts.LineData, len(s.X))
		for i := range s.X {
			data[i] = opts.LineData{Value: []interface{}{s.X[i], s.Y[i]}}
		}
		line.AddSeries(s.Name, data)
	}
	return line
}

func heatMapChart(e *Evaluation) *charts.HeatMap {
	names := e.ClassNames
	yNames := make([]string, len(names))
	for i, n := range names {
		yNames[len(names)-1-i] = n
	}

	maxCount := 1
	var data []opts.HeatMapData
	for t, row := range e.Matrix.Matrix {
		for p, v := range row {
			data = append(data, opts.HeatMapData{Value: [3]interface{}{p, len(names) - 1 - t, v}})
			if v > maxCount {
				maxCount = v
			}
		}
	}

	hm := charts.NewHeatMap()
	hm.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Width:  "520px",
			Height: "420px",
		}),
		charts.WithTitleOpts(opts.Title{
			Title: "Confusion Matrix",
		}),
		charts.WithXAxisOpts(opts.XAxis{
			Name: "Predicted",
			Type: "category",
			Data: names,
		}),
		charts.WithYAxisOpts(opts.YAxis{
			Name: "True",
			Type: "category",
			Data: yNames,
		}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        float32(maxCount),
			InRange: &opts.VisualMapInRange{
				Color: []string{"#f7fbff", "#6baed6", "#08306b"},
			},
		}),
	)
	hm.SetXAxis(names).
		AddSeries("count", data).
		SetSeriesOptions(
			charts.WithLabelOpts(opts.Label{
				Show: opts.Bool(true),
			}),
		)
	return hm
}

// WriteDashboard renders the training curves, ROC curve and confusion
// matrix into a single interactive HTML page.
func WriteDashboard(path, title string, accuracy, loss, roc Panel, e *Evaluation) error {
	page := components.NewPage()
	page.PageTitle = title
	page.SetLayout(components.PageFlexLayout)
	page.AddCharts(lineChart(accuracy), lineChart(loss))
	if len(roc.Series) > 0 {
		page.AddCharts(lineChart(roc))
	}
	page.AddCharts(heatMapChart(e))

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	if err := page.Render(f); err != nil {
		f.Close()
		return errors.Wrapf(err, "render %s", path)
	}
	return f.Close()
}
