package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"observatory/pkg/config"
	"observatory/pkg/device"
	"observatory/pkg/focus"
)

const (
	commandTimeout = 2 * time.Minute
	readoutSlack   = 30 * time.Second
)

// filterSetter is implemented by observers that tag data with the filter.
type filterSetter interface {
	SetFilter(filter string)
}

// session runs one night: open up, focus, image with continuous focus,
// close up.
type session struct {
	cfg    *config.Config
	logger log.FieldLogger
	policy device.Policy

	camera    *device.Camera
	focuser   *device.Focuser
	telescope *device.Telescope
	dome      *device.Dome
	focus     *focus.Controller

	// images returns the locator used by continuous focusing for dir.
	images  func(dir string) (focus.ImageLocator, func(), error)
	filters []filterSetter
}

func (s *session) actors() []interface {
	Start()
	Stop(context.Context) error
} {
	return []interface {
		Start()
		Stop(context.Context) error
	}{s.camera, s.focuser, s.telescope, s.dome}
}

func (s *session) start() {
	for _, a := range s.actors() {
		a.Start()
	}
}

func (s *session) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, a := range s.actors() {
		if err := a.Stop(ctx); err != nil {
			s.logger.Warnf("Error stopping actor: %v", err)
		}
	}
}

// run always tries to close up, even when ctx was cancelled.
func (s *session) run(ctx context.Context) error {
	err := s.observe(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Errorf("Session aborted: %v", err)
	}

	if cerr := s.closeUp(context.WithoutCancel(ctx)); cerr != nil {
		s.logger.Errorf("Close up failed: %v", cerr)
		if err == nil {
			err = cerr
		}
	}
	return err
}

func (s *session) observe(ctx context.Context) error {
	if err := s.openUp(ctx); err != nil {
		return fmt.Errorf("open up: %w", err)
	}

	sc := s.cfg.Session
	for _, f := range s.filters {
		f.SetFilter(sc.Filter)
	}

	res, err := s.focus.StartupFocus(ctx, focus.Request{
		Exposure:       s.cfg.FocusExposure(),
		Filter:         sc.Filter,
		ImageDir:       s.cfg.Images.DataDirectory,
		CalibrationDir: s.cfg.Images.CalibrationDir,
		PlotName:       s.cfg.Images.PlotName,
	})
	if err != nil {
		return fmt.Errorf("startup focus: %w", err)
	}
	if res.Outcome == focus.OutcomeConverged {
		s.logger.Infof("Focused at %d, FWHM %.2f", res.FinalPosition, res.FWHM)
	} else {
		s.logger.Warnf("Focus reverted to %d: %v", res.FinalPosition, res.Reason)
	}

	return s.science(ctx)
}

func (s *session) openUp(ctx context.Context) error {
	if err := s.camera.SetCooler(s.cfg.Focus.CoolerSetpoint); err != nil {
		return err
	}
	if err := s.do(ctx, "unpark telescope", s.telescope, s.telescope.SlewDone(), s.telescope.Unpark); err != nil {
		return err
	}
	if err := s.do(ctx, "home dome", s.dome, s.dome.SlewDone(), s.dome.FindHome); err != nil {
		return err
	}
	if err := s.do(ctx, "open shutter", s.dome, s.dome.ShutterDone(), func() error { return s.dome.SetShutter(true) }); err != nil {
		return err
	}

	sc := s.cfg.Session
	s.logger.Infof("Slewing to %s (RA %.4f, Dec %.4f)", sc.Target, sc.RA, sc.Dec)
	if err := s.do(ctx, "slew", s.telescope, s.telescope.SlewDone(), func() error { return s.telescope.SlewTo(sc.RA, sc.Dec) }); err != nil {
		return err
	}
	return s.dome.SetSlaved(true)
}

// science takes the science frames while continuous focusing runs next to
// them.
func (s *session) science(ctx context.Context) error {
	sc := s.cfg.Session
	dir := filepath.Join(s.cfg.Images.DataDirectory, safeName(sc.Target))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	cctx, stopContinuous := context.WithCancel(gctx)
	defer stopContinuous()

	if sc.Continuous {
		images, closeImages, err := s.images(dir)
		if err != nil {
			return fmt.Errorf("image locator: %w", err)
		}
		defer closeImages()

		g.Go(func() error {
			err := s.focus.RunContinuous(cctx, images)
			switch {
			case errors.Is(err, device.ErrDeviceUnrecoverable):
				// imaging goes on without focus corrections
				s.logger.Errorf("Continuous focusing gave up: %v", err)
				return nil
			case errors.Is(err, context.Canceled) && gctx.Err() == nil:
				return nil
			}
			return err
		})
	}

	g.Go(func() error {
		// the cancel covers a loop that has not raised its flag yet
		defer stopContinuous()
		defer s.focus.StopContinuous()

		for i := 1; i <= sc.Count; i++ {
			name := fmt.Sprintf("%s_%s_%.3fs-%04d.fits", safeName(sc.Target), sc.Filter, sc.Exposure.Std().Seconds(), i)
			e := device.Expose{
				Duration: sc.Exposure.Std(),
				Filter:   sc.Filter,
				SavePath: filepath.Join(dir, name),
				Frame:    device.FrameLight,
			}
			if err := s.doTimeout(gctx, "expose "+name, s.camera, s.camera.ImageDone(), e.Duration+readoutSlack, func() error {
				return s.camera.Expose(e)
			}); err != nil {
				return err
			}
			s.logger.Infof("Science frame %d/%d written", i, sc.Count)
		}
		return nil
	})

	err := g.Wait()
	s.focus.StopContinuous()
	return err
}

func (s *session) closeUp(ctx context.Context) error {
	s.logger.Info("Closing up")
	var errs []error

	if err := s.dome.SetSlaved(false); err != nil {
		errs = append(errs, err)
	}
	if err := s.do(ctx, "park telescope", s.telescope, s.telescope.SlewDone(), s.telescope.Park); err != nil {
		errs = append(errs, err)
	}
	if err := s.do(ctx, "park dome", s.dome, s.dome.SlewDone(), s.dome.Park); err != nil {
		errs = append(errs, err)
	}
	if err := s.do(ctx, "close shutter", s.dome, s.dome.ShutterDone(), func() error { return s.dome.SetShutter(false) }); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *session) do(ctx context.Context, what string, dev device.Crashable, ev *device.Event, submit func() error) error {
	return s.doTimeout(ctx, what, dev, ev, commandTimeout, submit)
}

// doTimeout submits a command and waits for ev. When dev crashes the
// recovery policy decides whether the command is submitted again.
func (s *session) doTimeout(ctx context.Context, what string, dev device.Crashable, ev *device.Event, timeout time.Duration, submit func() error) error {
	rec := s.policy.Begin()
	for {
		if err := rec.Await(ctx, dev); err != nil {
			return fmt.Errorf("%s: %w", what, err)
		}

		ev.Clear()
		done, crashed := ev.Done(), dev.Crashed().Done()
		if err := submit(); err != nil {
			return fmt.Errorf("%s: %w", what, err)
		}

		t := time.NewTimer(timeout)
		select {
		case <-done:
			t.Stop()
			return nil
		case <-crashed:
			t.Stop()
			s.logger.Warnf("%s crashed during %s", dev.Name(), what)
		case <-t.C:
			return fmt.Errorf("%s: no completion after %v", what, timeout)
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}
