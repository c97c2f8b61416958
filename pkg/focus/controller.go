// Package focus finds and holds the best focus of the imaging train.
//
// The Controller drives a camera actor and a focuser actor. StartupFocus
// brackets the current focuser position, fits a parabola to the measured
// FWHM values and moves to its minimum, or back to where it started when
// the fit is unusable. RunContinuous nudges focus during science imaging
// until StopContinuous is called from another goroutine.
package focus

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"observatory/pkg/config"
	"observatory/pkg/device"
)

// Camera is the part of a camera actor the controller needs.
type Camera interface {
	device.Crashable
	Expose(e device.Expose) error
	ImageDone() *device.Event
	LastImage() string
}

// Focuser is the part of a focuser actor the controller needs.
type Focuser interface {
	device.Crashable
	QueryPosition() error
	MoveTo(position int) error
	Adjust(dir device.Direction) error
	SetStepSize(delta int) error
	Adjusted() *device.Event
	Position() int
}

// Measurer computes the FWHM of an image. Any error means the value is undefined.
type Measurer interface {
	MeasureSharpness(path string, saturation float64) (float64, error)
}

// Observer is told about samples, finished runs and continuous corrections.
type Observer interface {
	FocusSample(s Sample)
	FocusResult(r Result)
	FocusCorrection(c Correction)
}

type Option func(*Controller)

func WithSchedule(s Schedule) Option {
	return func(c *Controller) { c.schedule = s }
}

// WithPolicy replaces the crash recovery policy built from the configuration.
func WithPolicy(p device.Policy) Option {
	return func(c *Controller) { c.policy = p }
}

func WithObserver(o Observer) Option {
	return func(c *Controller) { c.observers = append(c.observers, o) }
}

// WithPlot enables the diagnostic plot, rendered from the "focus_plot.svg" template.
func WithPlot(tmpl *template.Template) Option {
	return func(c *Controller) { c.plot = tmpl }
}

type Controller struct {
	camera    Camera
	focuser   Focuser
	measurer  Measurer
	cfg       config.FocusConfig
	logger    log.FieldLogger
	schedule  Schedule
	policy    device.Policy
	observers []Observer
	plot      *template.Template

	focused *device.Event

	mu      sync.Mutex
	fwhm    float64
	hasFWHM bool

	continuous atomic.Bool
	running    atomic.Bool
	stopMu     sync.Mutex
	stopCh     chan struct{}
}

func NewController(camera Camera, focuser Focuser, measurer Measurer, cfg config.FocusConfig, logger log.FieldLogger, opts ...Option) *Controller {
	c := &Controller{
		camera:   camera,
		focuser:  focuser,
		measurer: measurer,
		cfg:      cfg,
		logger:   logger.WithField("component", "focus"),
		schedule: DefaultSchedule{N: cfg.Samples},
		policy: device.Policy{
			MaxRetries:    cfg.CrashRetries,
			RetryInterval: cfg.CrashRetryInterval.Std(),
		},
		focused: device.NewEvent(),
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.policy.Logger == nil {
		c.policy.Logger = c.logger
	}
	return c
}

// Focused is set when a startup focus run has finished, whatever its outcome.
func (c *Controller) Focused() *device.Event {
	return c.focused
}

// FWHM returns the reference FWHM used by continuous focusing.
func (c *Controller) FWHM() (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fwhm, c.hasFWHM
}

func (c *Controller) setFWHM(v float64, ok bool) {
	c.mu.Lock()
	c.fwhm, c.hasFWHM = v, ok
	c.mu.Unlock()
}

func (c *Controller) crashed() bool {
	return c.camera.Crashed().IsSet() || c.focuser.Crashed().IsSet()
}

// focuserDo clears Adjusted, submits a focuser command and waits for it
// at most timeout. A crash during the command is handed to the recovery
// budget and the command is submitted again once the focuser is back.
func (c *Controller) focuserDo(ctx context.Context, rec *device.Recovery, timeout time.Duration, what string, submit func() error) error {
	for {
		if err := rec.Await(ctx, c.focuser); err != nil {
			return err
		}

		c.focuser.Adjusted().Clear()
		if err := submit(); err != nil {
			return fmt.Errorf("%s: %w", what, err)
		}

		err := c.waitFocuser(ctx, timeout)
		if errors.Is(err, device.ErrDeviceCrashed) {
			c.logger.Warnf("Focuser crashed during %s", what)
			continue
		}
		return err
	}
}

// waitFocuser waits for Adjusted. An expired timeout is only logged; the
// caller inspects the position to decide what to do.
func (c *Controller) waitFocuser(ctx context.Context, timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-c.focuser.Adjusted().Done():
		return nil
	case <-c.focuser.Crashed().Done():
		return fmt.Errorf("%s: %w", c.focuser.Name(), device.ErrDeviceCrashed)
	case <-t.C:
		c.logger.Warnf("Focuser did not report completion within %v", timeout)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) notifySample(s Sample) {
	for _, o := range c.observers {
		o.FocusSample(s)
	}
}

func (c *Controller) notifyResult(r Result) {
	for _, o := range c.observers {
		o.FocusResult(r)
	}
}

func (c *Controller) notifyCorrection(corr Correction) {
	for _, o := range c.observers {
		o.FocusCorrection(corr)
	}
}
