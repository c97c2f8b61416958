package focus

import (
	"fmt"
	"html/template"
	"math"
	"os"
	"strings"
)

const (
	plotWidth  = 640.0
	plotHeight = 400.0
	plotMargin = 50.0
	curveSteps = 100
)

type plotPoint struct {
	X, Y float64
}

type plotData struct {
	Title  string
	Width  float64
	Height float64
	Margin float64
	Right  float64
	Bottom float64
	Points []plotPoint
	Curve  string
	Vertex *plotPoint
	XMin   int
	XMax   int
	YMin   string
	YMax   string
}

// writePlot renders the samples and the fitted parabola as an SVG.
func writePlot(tmpl *template.Template, path string, samples []Sample, fit *Fit) error {
	if len(samples) == 0 {
		return fmt.Errorf("no samples to plot")
	}

	xmin, xmax := samples[0].Position, samples[0].Position
	ymin, ymax := samples[0].FWHM, samples[0].FWHM
	for _, s := range samples {
		xmin, xmax = min(xmin, s.Position), max(xmax, s.Position)
		ymin, ymax = math.Min(ymin, s.FWHM), math.Max(ymax, s.FWHM)
	}
	if fit != nil {
		ymin = math.Min(ymin, fit.MinFWHM)
	}
	if xmax == xmin {
		xmax = xmin + 1
	}
	if ymax == ymin {
		ymax = ymin + 1
	}

	sx := func(x float64) float64 {
		return plotMargin + (x-float64(xmin))/float64(xmax-xmin)*(plotWidth-2*plotMargin)
	}
	sy := func(y float64) float64 {
		return plotHeight - plotMargin - (y-ymin)/(ymax-ymin)*(plotHeight-2*plotMargin)
	}

	data := plotData{
		Title:  "Focus Positions Graph",
		Width:  plotWidth,
		Height: plotHeight,
		Margin: plotMargin,
		Right:  plotWidth - plotMargin,
		Bottom: plotHeight - plotMargin,
		XMin:   xmin,
		XMax:   xmax,
		YMin:   fmt.Sprintf("%.2f", ymin),
		YMax:   fmt.Sprintf("%.2f", ymax),
	}
	for _, s := range samples {
		data.Points = append(data.Points, plotPoint{X: sx(float64(s.Position)), Y: sy(s.FWHM)})
	}

	if fit != nil {
		var b strings.Builder
		step := float64(xmax-xmin) / curveSteps
		for i := 0; i <= curveSteps; i++ {
			x := float64(xmin) + float64(i)*step
			y := math.Max(math.Min(fit.Eval(x), ymax), ymin)
			fmt.Fprintf(&b, "%.1f,%.1f ", sx(x), sy(y))
		}
		data.Curve = strings.TrimSpace(b.String())
		if fit.MinPosition > 0 {
			data.Vertex = &plotPoint{X: sx(float64(fit.MinPosition)), Y: sy(fit.MinFWHM)}
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := tmpl.ExecuteTemplate(f, "focus_plot.svg", data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
