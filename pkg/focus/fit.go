package focus

import (
	"fmt"
	"math"
	"sort"

	"github.com/go-gl/mathgl/mgl64"
)

// Sample is one measured point of the focus curve.
type Sample struct {
	Position int     `json:"position"`
	FWHM     float64 `json:"fwhm"`
}

// Fit is the least-squares parabola FWHM = A·u² + B·u + C with u = position - Center.
type Fit struct {
	A      float64 `json:"a"`
	B      float64 `json:"b"`
	C      float64 `json:"c"`
	Center float64 `json:"center"`

	MinPosition int     `json:"min_position"`
	MinFWHM     float64 `json:"min_fwhm"`
	Low         int     `json:"low"`
	High        int     `json:"high"`
}

func (f Fit) Eval(position float64) float64 {
	u := position - f.Center
	return f.A*u*u + f.B*u + f.C
}

// Vertex returns the analytic turning point of the parabola.
func (f Fit) Vertex() float64 {
	return f.Center - f.B/(2*f.A)
}

func sortSamples(samples []Sample) []Sample {
	sorted := append([]Sample(nil), samples...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Position < sorted[j].Position
	})
	return sorted
}

// FitParabola fits a degree-2 polynomial to the samples and locates its
// minimum on the integer grid spanning the sampled positions. The fit is
// rejected when the grid minimum equals the value at either end of the grid.
func FitParabola(samples []Sample) (Fit, error) {
	if len(samples) < 3 {
		return Fit{}, fmt.Errorf("%w: have %d, need 3", ErrTooFewSamples, len(samples))
	}
	sorted := sortSamples(samples)

	distinct := 1
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Position != sorted[i-1].Position {
			distinct++
		}
	}
	if distinct < 3 {
		return Fit{}, fmt.Errorf("%w: only %d distinct positions", ErrFitRejected, distinct)
	}

	var center float64
	for _, s := range sorted {
		center += float64(s.Position)
	}
	center /= float64(len(sorted))

	// Normal equations of the centred least-squares problem.
	var n, su, su2, su3, su4, sy, suy, su2y float64
	for _, s := range sorted {
		u := float64(s.Position) - center
		u2 := u * u
		n++
		su += u
		su2 += u2
		su3 += u2 * u
		su4 += u2 * u2
		sy += s.FWHM
		suy += u * s.FWHM
		su2y += u2 * s.FWHM
	}

	m := mgl64.Mat3{
		su4, su3, su2,
		su3, su2, su,
		su2, su, n,
	}
	det := m.Det()
	if det == 0 || math.IsNaN(det) || math.IsInf(det, 0) {
		return Fit{}, fmt.Errorf("%w: singular normal equations", ErrFitRejected)
	}
	coef := m.Inv().Mul3x1(mgl64.Vec3{su2y, suy, sy})

	fit := Fit{
		A:      coef[0],
		B:      coef[1],
		C:      coef[2],
		Center: center,
		Low:    sorted[0].Position,
		High:   sorted[len(sorted)-1].Position,
	}

	pos, fwhm, err := fit.gridMinimum()
	if err != nil {
		return fit, err
	}
	fit.MinPosition = pos
	fit.MinFWHM = fwhm
	return fit, nil
}

func (f Fit) gridMinimum() (int, float64, error) {
	first := f.Eval(float64(f.Low))
	last := f.Eval(float64(f.High))

	minPos, minVal := f.Low, first
	for p := f.Low + 1; p <= f.High; p++ {
		if v := f.Eval(float64(p)); v < minVal {
			minPos, minVal = p, v
		}
	}

	if minVal == first || minVal == last {
		return minPos, minVal, fmt.Errorf("%w: minimum at edge of range %d..%d", ErrFitRejected, f.Low, f.High)
	}
	return minPos, minVal, nil
}
