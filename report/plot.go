package report

import (
	"fmt"
	"math"
	"os"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

func newPlot(panel Panel) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = panel.Title
	p.X.Label.Text = panel.XLabel
	p.Y.Label.Text = panel.YLabel
	p.Legend.Top = true
	p.Add(plotter.NewGrid())

	for i, s := range panel.Series {
		xys := make(plotter.XYs, len(s.X))
		for j := range s.X {
			xys[j].X, xys[j].Y = s.X[j], s.Y[j]
		}
		l, err := plotter.NewLine(xys)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: %s", panel.Title, s.Name)
		}
		l.Width = vg.Points(2)
		l.Color = plotutil.Color(i)
		p.Add(l)
		p.Legend.Add(s.Name, l)
	}
	return p, nil
}

// WritePanelsPNG draws the panels side by side into a PNG file.
func WritePanelsPNG(path string, width, height vg.Length, panels ...Panel) error {
	row := make([]*plot.Plot, len(panels))
	for i, panel := range panels {
		p, err := newPlot(panel)
		if err != nil {
			return err
		}
		row[i] = p
	}

	img := vgimg.New(width, height)
	dc := draw.New(img)
	tiles := draw.Tiles{
		Rows:      1,
		Cols:      len(panels),
		PadX:      vg.Millimeter * 6,
		PadTop:    vg.Millimeter * 2,
		PadBottom: vg.Millimeter * 2,
		PadLeft:   vg.Millimeter * 2,
		PadRight:  vg.Millimeter * 2,
	}
	canvases := plot.Align([][]*plot.Plot{row}, tiles, dc)
	for i, p := range row {
		p.Draw(canvases[0][i])
	}

	return writePNG(path, img)
}

func writePNG(path string, img *vgimg.Canvas) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	if _, err := (vgimg.PngCanvas{Canvas: img}).WriteTo(f); err != nil {
		f.Close()
		return errors.Wrapf(err, "write %s", path)
	}
	return f.Close()
}

// matrixGrid adapts a confusion matrix to plotter.GridXYZ with the first
// true class drawn at the top.
type matrixGrid [][]int

func (g matrixGrid) Dims() (c, r int)   { return len(g[0]), len(g) }
func (g matrixGrid) Z(c, r int) float64 { return float64(g[len(g)-1-r][c]) }
func (g matrixGrid) X(c int) float64    { return float64(c) }
func (g matrixGrid) Y(r int) float64    { return float64(r) }

// WriteConfusionMatrixPNG renders the confusion matrix as an annotated
// heat map, predicted labels along x and true labels along y.
func WriteConfusionMatrixPNG(path string, e *Evaluation) error {
	grid := matrixGrid(e.Matrix.Matrix)
	p := plot.New()
	p.Title.Text = "Confusion Matrix"
	p.X.Label.Text = "Predicted Label"
	p.Y.Label.Text = "True Label"
	// a fixed range keeps the colour scale defined when every cell is equal
	hm := plotter.NewHeatMap(grid, palette.Heat(12, 1))
	hm.Min = 0
	hm.Max = 1
	for _, row := range grid {
		for _, v := range row {
			hm.Max = math.Max(hm.Max, float64(v))
		}
	}
	p.Add(hm)

	var xys plotter.XYs
	var labels []string
	cols, rows := grid.Dims()
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			xys = append(xys, plotter.XY{X: grid.X(c), Y: grid.Y(r)})
			labels = append(labels, fmt.Sprintf("%d", int(grid.Z(c, r))))
		}
	}
	annotations, err := plotter.NewLabels(plotter.XYLabels{XYs: xys, Labels: labels})
	if err != nil {
		return errors.Wrap(err, "confusion matrix labels")
	}
	p.Add(annotations)

	yNames := make([]string, len(e.ClassNames))
	for i, n := range e.ClassNames {
		yNames[len(yNames)-1-i] = n
	}
	p.NominalX(e.ClassNames...)
	p.NominalY(yNames...)

	if err := p.Save(6*vg.Inch, 5*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "save %s", path)
	}
	return nil
}
