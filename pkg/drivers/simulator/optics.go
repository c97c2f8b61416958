// Package simulator provides device drivers that need no hardware. The
// camera writes small JSON frames recording where the focuser was, and
// Optics turns such a frame back into a FWHM using a parabolic focus curve.
package simulator

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sync"
	"time"

	"observatory/pkg/config"
)

// ErrNoStars is returned for frames with nothing to measure, such as darks.
var ErrNoStars = errors.New("no stars found")

// Frame is the content of a simulated image file.
type Frame struct {
	Position int       `json:"position"`
	Best     float64   `json:"best_focus"`
	Exposure float64   `json:"exposure"`
	Filter   string    `json:"filter"`
	Kind     string    `json:"kind"`
	Taken    time.Time `json:"taken"`
}

// Optics is the simulated telescope optics shared by the camera and the
// focuser. Best focus drifts by DriftPerImage with every exposure.
type Optics struct {
	cfg config.SimulatorConfig

	mu       sync.Mutex
	position int
	images   int
	rng      *rand.Rand
	blind    int
}

func NewOptics(cfg config.SimulatorConfig) *Optics {
	return &Optics{
		cfg:      cfg,
		position: cfg.StartPosition,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (o *Optics) Position() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.position
}

func (o *Optics) setPosition(p int) {
	o.mu.Lock()
	o.position = p
	o.mu.Unlock()
}

// BestFocus is the current position of best focus, drift included.
func (o *Optics) BestFocus() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.bestFocus()
}

func (o *Optics) bestFocus() float64 {
	return float64(o.cfg.BestFocus) + o.cfg.DriftPerImage*float64(o.images)
}

// Blind makes the next n measurements fail as if clouds covered the field.
func (o *Optics) Blind(n int) {
	o.mu.Lock()
	o.blind = n
	o.mu.Unlock()
}

// FWHM evaluates the focus curve at a position for the given best focus.
func (o *Optics) FWHM(position int, best float64) float64 {
	d := float64(position) - best
	v := o.cfg.MinFWHM + o.cfg.Curvature*d*d
	if o.cfg.Noise > 0 {
		o.mu.Lock()
		v += o.rng.NormFloat64() * o.cfg.Noise
		o.mu.Unlock()
	}
	return math.Max(v, 0.1)
}

// capture returns the frame for an exposure taken now and advances drift.
func (o *Optics) capture(e float64, filter, kind string) Frame {
	o.mu.Lock()
	defer o.mu.Unlock()

	f := Frame{
		Position: o.position,
		Best:     o.bestFocus(),
		Exposure: e,
		Filter:   filter,
		Kind:     kind,
		Taken:    time.Now(),
	}
	o.images++
	return f
}

// MeasureSharpness reads a frame written by the simulated camera. Values at
// or above saturation are treated as undefined when saturation is set.
func (o *Optics) MeasureSharpness(path string, saturation float64) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return 0, fmt.Errorf("decode frame %s: %w", path, err)
	}

	o.mu.Lock()
	blind := o.blind > 0
	if blind {
		o.blind--
	}
	o.mu.Unlock()

	if blind || f.Kind != "light" {
		return 0, ErrNoStars
	}

	v := o.FWHM(f.Position, f.Best)
	if saturation > 0 && v >= saturation {
		return 0, fmt.Errorf("saturated frame: %.2f", v)
	}
	return v, nil
}
