package focus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func curve(best, min, k float64, positions ...int) []Sample {
	var out []Sample
	for _, p := range positions {
		d := float64(p) - best
		out = append(out, Sample{Position: p, FWHM: min + k*d*d})
	}
	return out
}

func span(from, to, step int) []int {
	var out []int
	for p := from; p <= to; p += step {
		out = append(out, p)
	}
	return out
}

func TestFitParabolaFindsMinimum(t *testing.T) {
	tests := []struct {
		name string
		best float64
	}{
		{"integer vertex", 1000},
		{"fractional vertex", 1003.3},
		{"off centre", 975},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			samples := curve(tt.best, 2.1, 0.001, span(940, 1060, 10)...)
			fit, err := FitParabola(samples)
			require.NoError(t, err)

			assert.InDelta(t, tt.best, float64(fit.MinPosition), 1)
			assert.InDelta(t, tt.best, fit.Vertex(), 1e-3)
			assert.InDelta(t, 2.1, fit.MinFWHM, 0.01)
			assert.Equal(t, 940, fit.Low)
			assert.Equal(t, 1060, fit.High)
		})
	}
}

func TestFitParabolaIgnoresSampleOrder(t *testing.T) {
	samples := curve(1000, 2.1, 0.001, 1000, 980, 970, 960, 950, 940, 1020, 1030, 1040, 1050, 1060)
	fit, err := FitParabola(samples)
	require.NoError(t, err)
	assert.Equal(t, 1000, fit.MinPosition)
}

func TestFitParabolaRejects(t *testing.T) {
	tests := []struct {
		name    string
		samples []Sample
		want    error
	}{
		{
			name:    "too few samples",
			samples: curve(1000, 2, 0.001, 990, 1000),
			want:    ErrTooFewSamples,
		},
		{
			name:    "no samples",
			samples: nil,
			want:    ErrTooFewSamples,
		},
		{
			name:    "repeated positions",
			samples: curve(1000, 2, 0.001, 990, 990, 1000, 1000),
			want:    ErrFitRejected,
		},
		{
			name:    "monotonic decreasing",
			samples: curve(2000, 2, 0.001, span(940, 1060, 10)...),
			want:    ErrFitRejected,
		},
		{
			name:    "monotonic increasing",
			samples: curve(0, 2, 0.001, span(940, 1060, 10)...),
			want:    ErrFitRejected,
		},
		{
			name: "opening downwards",
			samples: []Sample{
				{Position: 990, FWHM: 2},
				{Position: 1000, FWHM: 3},
				{Position: 1010, FWHM: 2},
			},
			want: ErrFitRejected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FitParabola(tt.samples)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestFitParabolaEdgeRejectionKeepsCurve(t *testing.T) {
	fit, err := FitParabola(curve(2000, 2, 0.001, span(940, 1060, 10)...))
	require.ErrorIs(t, err, ErrFitRejected)
	assert.Equal(t, 1060, fit.MinPosition)
	assert.Greater(t, fit.A, 0.0)
}
