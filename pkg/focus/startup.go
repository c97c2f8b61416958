package focus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"observatory/pkg/device"
)

// Outcome is the terminal state of a startup focus run. OutcomeFailed means
// the run could not start and the focuser was not moved.
type Outcome int

const (
	OutcomeFailed Outcome = iota
	OutcomeConverged
	OutcomeReverted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeConverged:
		return "converged"
	case OutcomeReverted:
		return "reverted"
	}
	return "failed"
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *Outcome) UnmarshalText(b []byte) error {
	switch string(b) {
	case "converged":
		*o = OutcomeConverged
	case "reverted":
		*o = OutcomeReverted
	case "failed":
		*o = OutcomeFailed
	default:
		return fmt.Errorf("unknown focus outcome %q", b)
	}
	return nil
}

// Request describes the focus frames to take.
type Request struct {
	Exposure       time.Duration
	Filter         string
	ImageDir       string
	CalibrationDir string // subdirectory of ImageDir, created if missing
	PlotName       string
}

// Result reports a finished startup focus run. Reason is set whenever the
// run reverted.
type Result struct {
	Outcome         Outcome   `json:"outcome"`
	Filter          string    `json:"filter"`
	InitialPosition int       `json:"initial_position"`
	FinalPosition   int       `json:"final_position"`
	FWHM            float64   `json:"fwhm,omitempty"`
	Samples         []Sample  `json:"samples"`
	Fit             *Fit      `json:"fit,omitempty"`
	Reason          error     `json:"-"`
	ReasonText      string    `json:"reason,omitempty"`
	Started         time.Time `json:"started"`
	Finished        time.Time `json:"finished"`
}

// run holds the state of one startup focus invocation.
type run struct {
	c        *Controller
	req      Request
	calib    string
	rec      *device.Recovery
	initial  int
	stepSize int
	samples  []Sample
}

// StartupFocus searches for best focus before a session. It always ends
// with the focuser commanded either to the fitted minimum or back to its
// initial position. The error is non-nil only when that final move could
// not be made, or the run could not start at all.
func (c *Controller) StartupFocus(ctx context.Context, req Request) (Result, error) {
	c.focused.Clear()
	defer c.focused.Set()

	if req.CalibrationDir == "" {
		req.CalibrationDir = "focuser_calibration_images"
	}
	r := &run{
		c:     c,
		req:   req,
		calib: filepath.Join(req.ImageDir, req.CalibrationDir),
		rec:   c.policy.Begin(),
	}
	res := Result{Filter: req.Filter, Started: time.Now()}

	if err := os.MkdirAll(r.calib, 0o755); err != nil {
		return c.fail(res, fmt.Errorf("create calibration directory: %w", err))
	}

	r.stepSize = c.cfg.InitialFocusDelta
	if err := c.focuserDo(ctx, r.rec, c.cfg.AdjustTimeout.Std(), "set step size", func() error {
		return c.focuser.SetStepSize(r.stepSize)
	}); err != nil {
		return c.fail(res, fmt.Errorf("prepare focuser: %w", err))
	}
	if err := c.focuserDo(ctx, r.rec, c.cfg.AdjustTimeout.Std(), "query position", c.focuser.QueryPosition); err != nil {
		return c.fail(res, fmt.Errorf("read initial position: %w", err))
	}
	r.initial = c.focuser.Position()
	res.InitialPosition = r.initial
	c.logger.Infof("Starting focus run at position %d", r.initial)

	fit, err := r.search(ctx)
	res.Samples = r.samples
	res.Fit = fit

	if err == nil {
		err = r.converge(ctx, fit)
		if err == nil {
			res.Outcome = OutcomeConverged
			res.FWHM = fit.MinFWHM
			res.FinalPosition = c.focuser.Position()
			c.setFWHM(fit.MinFWHM, true)
			c.logger.Infof("Focus converged at %d (fitted FWHM %.2f)", res.FinalPosition, fit.MinFWHM)
			return c.finish(res), nil
		}
	}

	res.Outcome = OutcomeReverted
	res.Reason = err
	res.ReasonText = err.Error()
	c.logger.Errorf("Focus failed, resetting to initial position %d: %v", r.initial, err)
	c.setFWHM(0, false)

	revertErr := c.revert(context.WithoutCancel(ctx), r.initial)
	res.FinalPosition = c.focuser.Position()
	return c.finish(res), revertErr
}

func (c *Controller) finish(res Result) Result {
	res.Finished = time.Now()
	c.notifyResult(res)
	return res
}

// fail ends a run that never moved the focuser.
func (c *Controller) fail(res Result, err error) (Result, error) {
	res.Outcome = OutcomeFailed
	res.Reason = err
	res.ReasonText = err.Error()
	res.InitialPosition = c.focuser.Position()
	res.FinalPosition = res.InitialPosition
	c.logger.Errorf("Focus run could not start: %v", err)
	return c.finish(res), err
}

// revert moves the focuser back to initial with a fresh recovery budget.
// Repeating it leaves the focuser at initial.
func (c *Controller) revert(ctx context.Context, initial int) error {
	rec := c.policy.Begin()
	err := c.focuserDo(ctx, rec, c.cfg.MoveTimeout.Std(), "revert", func() error {
		return c.focuser.MoveTo(initial)
	})
	if err != nil {
		return fmt.Errorf("revert focuser to %d: %w", initial, err)
	}
	return nil
}

// search collects the samples and fits them. Any error means revert.
func (r *run) search(ctx context.Context) (*Fit, error) {
	c := r.c
	budget := c.schedule.Samples()
	misses := 0

	for step := 0; step < budget; {
		name := fmt.Sprintf("FocuserImage_%.3fs-%04d.fits", r.req.Exposure.Seconds(), step+1)
		path := filepath.Join(r.calib, name)

		if err := r.expose(ctx, path); err != nil {
			return nil, err
		}
		if err := c.focuserDo(ctx, r.rec, c.cfg.AdjustTimeout.Std(), "query position", c.focuser.QueryPosition); err != nil {
			return nil, err
		}
		pos := c.focuser.Position()
		fwhm, merr := c.measurer.MeasureSharpness(path, c.cfg.Saturation)

		if dist := abs(pos - r.initial); dist > c.cfg.FocusMaxDistance {
			return nil, fmt.Errorf("%w: position %d is %d from %d", ErrRunawayGuard, pos, dist, r.initial)
		}

		if merr != nil {
			misses++
			if misses > c.cfg.MeasurementRetries {
				return nil, fmt.Errorf("%w: step %d: %v", ErrMeasurementUndefined, step, merr)
			}
			c.logger.Warnf("No FWHM for %s, trying again: %v", name, merr)
			continue
		}
		misses = 0

		if err := r.apply(ctx, c.schedule.Next(step, r.initial, c.cfg.InitialFocusDelta)); err != nil {
			return nil, err
		}

		s := Sample{Position: pos, FWHM: fwhm}
		r.samples = append(r.samples, s)
		c.notifySample(s)
		c.logger.Debugf("Found FWHM %.3f at position %d", fwhm, pos)
		step++
	}

	fit, err := FitParabola(r.samples)
	if len(r.samples) >= 3 {
		r.writePlot(fit, err)
	}
	if err != nil {
		if fit.High > fit.Low {
			return &fit, err
		}
		return nil, err
	}

	c.logger.Infof("Theoretical minimum focus at position %d", fit.MinPosition)
	if dist := abs(fit.MinPosition - r.initial); dist > c.cfg.FocusMaxDistance {
		return &fit, fmt.Errorf("%w: minimum %d is %d from %d", ErrFitRejected, fit.MinPosition, dist, r.initial)
	}
	return &fit, nil
}

// expose takes one focus frame. A camera crash while waiting goes back
// through the recovery budget and the frame is taken again.
func (r *run) expose(ctx context.Context, path string) error {
	c := r.c
	for {
		if err := r.rec.Await(ctx, c.camera, c.focuser); err != nil {
			return err
		}

		c.camera.ImageDone().Clear()
		err := c.camera.Expose(device.Expose{
			Duration: r.req.Exposure,
			Filter:   r.req.Filter,
			SavePath: path,
			Frame:    device.FrameLight,
		})
		if err != nil {
			return fmt.Errorf("expose: %w", err)
		}

		select {
		case <-c.camera.ImageDone().Done():
			return nil
		case <-c.camera.Crashed().Done():
			c.logger.Warnf("Camera crashed while exposing %s", filepath.Base(path))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *run) apply(ctx context.Context, m Move) error {
	c := r.c
	if m.StepSize > 0 && m.StepSize != r.stepSize {
		if err := c.focuserDo(ctx, r.rec, c.cfg.AdjustTimeout.Std(), "set step size", func() error {
			return c.focuser.SetStepSize(m.StepSize)
		}); err != nil {
			return err
		}
		r.stepSize = m.StepSize
	}

	if m.Absolute {
		return c.focuserDo(ctx, r.rec, c.cfg.MoveTimeout.Std(), "absolute move", func() error {
			return c.focuser.MoveTo(m.Position)
		})
	}
	return c.focuserDo(ctx, r.rec, c.cfg.AdjustTimeout.Std(), "adjust "+m.Direction.String(), func() error {
		return c.focuser.Adjust(m.Direction)
	})
}

func (r *run) converge(ctx context.Context, fit *Fit) error {
	c := r.c
	return c.focuserDo(ctx, r.rec, c.cfg.MoveTimeout.Std(), "move to minimum", func() error {
		return c.focuser.MoveTo(fit.MinPosition)
	})
}

func (r *run) writePlot(fit Fit, fitErr error) {
	c := r.c
	if c.plot == nil {
		return
	}
	name := r.req.PlotName
	if name == "" {
		name = "focus_plot.svg"
	}
	path := filepath.Join(r.calib, name)

	var curve *Fit
	if fitErr == nil || errors.Is(fitErr, ErrFitRejected) && fit.High > fit.Low {
		curve = &fit
	}
	if err := writePlot(c.plot, path, r.samples, curve); err != nil {
		c.logger.Warnf("Could not write focus plot: %v", err)
		return
	}
	c.logger.Debugf("Focus plot written to %s", path)
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
