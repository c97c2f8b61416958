package focus

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"observatory/pkg/device"
)

// Correction records one continuous focus adjustment.
type Correction struct {
	Time      time.Time        `json:"time"`
	Direction device.Direction `json:"direction"`
	Before    float64          `json:"before"`
	After     float64          `json:"after"`
	Reversed  bool             `json:"reversed"`
}

// ContinuousFocusing reports whether continuous focusing has been started
// and not yet stopped.
func (c *Controller) ContinuousFocusing() bool {
	return c.continuous.Load()
}

// RunContinuous keeps focus during science imaging. It blocks until
// StopContinuous is called, ctx ends, or a device stays crashed beyond the
// recovery budget. Only StopContinuous clears the focusing flag.
//
// Each measurement uses the camera's last image, read after ImageDone.
// images is consulted only when the camera has not reported a path, for
// frames written by another program; it may be nil.
func (c *Controller) RunContinuous(ctx context.Context, images ImageLocator) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer c.running.Store(false)

	c.stopMu.Lock()
	stop := make(chan struct{})
	c.stopCh = stop
	c.continuous.Store(true)
	c.stopMu.Unlock()

	m := &maintainer{
		c:      c,
		images: images,
		stop:   stop,
		dir:    device.DirIn,
	}

	delta := max(c.cfg.InitialFocusDelta/3, c.cfg.MinContinuousDelta, 1)
	if err := c.focuserDo(ctx, c.policy.Begin(), c.cfg.AdjustTimeout.Std(), "set step size", func() error {
		return c.focuser.SetStepSize(delta)
	}); err != nil {
		c.logger.Errorf("Continuous focusing could not start: %v", err)
		return err
	}
	c.logger.Infof("Continuous focusing started with step size %d", delta)

	for c.continuous.Load() {
		if c.crashed() {
			if err := c.policy.Await(ctx, c.camera, c.focuser); err != nil {
				c.logger.Errorf("Continuous focusing halted: %v", err)
				return err
			}
		}

		err := m.cycle(ctx)
		switch {
		case err == nil:
		case errors.Is(err, errStopped):
			// stop requested while waiting
		case errors.Is(err, device.ErrDeviceCrashed):
			c.logger.Warnf("Continuous focusing interrupted: %v", err)
		default:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Errorf("Continuous focusing cycle failed: %v", err)
		}
	}

	c.logger.Info("Continuous focusing stopped")
	return nil
}

// StopContinuous clears the focusing flag and wakes the loop. It must be
// called from outside the loop's goroutine. A call made before RunContinuous
// has raised the flag is not remembered; cancel the context passed to
// RunContinuous to end a loop that may not have started yet.
func (c *Controller) StopContinuous() {
	c.stopMu.Lock()
	defer c.stopMu.Unlock()

	if !c.continuous.Swap(false) {
		return
	}
	c.logger.Debug("Stopping continuous focusing")
	close(c.stopCh)
}

// maintainer is the state of one continuous focusing loop.
type maintainer struct {
	c      *Controller
	images ImageLocator
	stop   <-chan struct{}
	dir    device.Direction
}

func (m *maintainer) cycle(ctx context.Context) error {
	c := m.c
	c.logger.Debug("Continuous focusing procedure is active")

	for i := 0; i < c.cfg.ContinuousExposures; i++ {
		if err := m.waitImage(ctx); err != nil {
			return err
		}
	}

	fwhm, ok := m.measureNewest()
	if !ok {
		return nil
	}

	base, ok := c.FWHM()
	if !ok {
		c.logger.Infof("Adopting FWHM %.3f as continuous focus reference", fwhm)
		c.setFWHM(fwhm, true)
		return nil
	}
	if math.Abs(fwhm-base) < c.cfg.QuickFocusTolerance {
		return nil
	}

	if err := m.adjust(ctx, m.dir); err != nil {
		return err
	}
	if err := m.waitImage(ctx); err != nil {
		return err
	}
	next, ok := m.measureNewest()
	if !ok {
		return nil
	}

	corr := Correction{Time: time.Now(), Direction: m.dir, Before: fwhm, After: next}
	if next > fwhm {
		m.dir = m.dir.Reverse()
		corr.Reversed = true
		c.logger.Infof("FWHM worsened %.3f -> %.3f, reversing to %s", fwhm, next, m.dir)
		if err := m.adjust(ctx, m.dir); err != nil {
			return err
		}
	}
	c.notifyCorrection(corr)
	return nil
}

// waitImage waits for the next exposure written by the camera.
func (m *maintainer) waitImage(ctx context.Context) error {
	cam := m.c.camera
	cam.ImageDone().Clear()

	select {
	case <-cam.ImageDone().Done():
		return nil
	case <-cam.Crashed().Done():
		return fmt.Errorf("%s: %w", cam.Name(), device.ErrDeviceCrashed)
	case <-m.stop:
		return errStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *maintainer) adjust(ctx context.Context, dir device.Direction) error {
	c := m.c
	if c.focuser.Crashed().IsSet() {
		return fmt.Errorf("%s: %w", c.focuser.Name(), device.ErrDeviceCrashed)
	}

	c.focuser.Adjusted().Clear()
	if err := c.focuser.Adjust(dir); err != nil {
		return err
	}
	return c.waitFocuser(ctx, c.cfg.AdjustTimeout.Std())
}

// measureNewest reports false when the FWHM is undefined; the cycle is skipped.
func (m *maintainer) measureNewest() (float64, bool) {
	c := m.c
	path, err := m.newest()
	if err != nil {
		c.logger.Debugf("No image to measure: %v", err)
		return 0, false
	}

	fwhm, err := c.measurer.MeasureSharpness(path, c.cfg.Saturation)
	if err != nil {
		c.logger.Debugf("Could not find a FWHM for %s, skipping: %v", path, err)
		return 0, false
	}
	return fwhm, true
}

// newest is only called after waitImage, so the camera's last image is the
// frame that set ImageDone.
func (m *maintainer) newest() (string, error) {
	if path := m.c.camera.LastImage(); path != "" {
		return path, nil
	}
	if m.images == nil {
		return "", ErrNoImages
	}
	return m.images.Newest()
}
