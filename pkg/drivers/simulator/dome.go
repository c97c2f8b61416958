package simulator

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"observatory/pkg/config"
)

// DomeState is what the simulated dome reports.
type DomeState struct {
	Azimuth     float64
	AtHome      bool
	AtPark      bool
	ShutterOpen bool
	Slaved      bool
}

// Dome is a dome that slews instantly between azimuths.
type Dome struct {
	logger log.FieldLogger
	config config.DomeConfig
	faults faults

	mu     sync.Mutex
	status DomeState
}

func NewDome(cfg config.DomeConfig, logger log.FieldLogger) *Dome {
	return &Dome{
		logger: logger.WithField("driver", "dome simulator"),
		config: cfg,
		status: DomeState{
			AtPark:  true,
			Azimuth: cfg.ParkPosition,
		},
	}
}

func (d *Dome) FailNext(n int) { d.faults.set(n) }

func (d *Dome) Status() DomeState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

func (d *Dome) SetSlaved(slaved bool) error {
	if err := d.faults.check("set slaved"); err != nil {
		return err
	}
	d.logger.Infof("Dome slaved: %v", slaved)
	d.mu.Lock()
	d.status.Slaved = slaved
	d.mu.Unlock()
	return nil
}

func (d *Dome) SlewToAzimuth(azimuth float64) error {
	if err := d.faults.check("slew"); err != nil {
		return err
	}
	if azimuth < 0 || azimuth >= 360 {
		return fmt.Errorf("azimuth out of range: %f", azimuth)
	}
	d.logger.Infof("Slewing to azimuth: %f", azimuth)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.status.Azimuth = azimuth
	d.status.AtHome = azimuth == d.config.HomePosition
	d.status.AtPark = azimuth == d.config.ParkPosition
	return nil
}

func (d *Dome) FindHome() error {
	if err := d.faults.check("find home"); err != nil {
		return err
	}
	d.logger.Info("Finding home")

	d.mu.Lock()
	defer d.mu.Unlock()
	d.status.AtHome = true
	d.status.AtPark = d.config.HomePosition == d.config.ParkPosition
	d.status.Azimuth = d.config.HomePosition
	return nil
}

func (d *Dome) Park() error {
	return d.SlewToAzimuth(d.config.ParkPosition)
}

func (d *Dome) SetShutter(open bool) error {
	if err := d.faults.check("shutter"); err != nil {
		return err
	}
	if !d.config.UseShutter {
		d.logger.Debug("Shutter not in use, ignoring shutter command")
		return nil
	}
	d.logger.Infof("Setting shutter open=%v", open)
	d.mu.Lock()
	d.status.ShutterOpen = open
	d.mu.Unlock()
	return nil
}
