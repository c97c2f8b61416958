package device

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

type DomeDriver interface {
	SlewToAzimuth(az float64) error
	FindHome() error
	Park() error
	SetShutter(open bool) error
	SetSlaved(slaved bool) error
}

type DomeCommand interface {
	domeCommand()
}

type SlewToAzimuth struct {
	Azimuth float64
}

type FindHome struct{}

type ParkDome struct{}

type SetShutter struct {
	Open bool
}

// SetSlaved couples the dome azimuth to the telescope.
type SetSlaved struct {
	Slaved bool
}

func (SlewToAzimuth) domeCommand() {}
func (FindHome) domeCommand()      {}
func (ParkDome) domeCommand()      {}
func (SetShutter) domeCommand()    {}
func (SetSlaved) domeCommand()     {}

// DomeStatus is what the dome actor knows after its last completed command.
type DomeStatus struct {
	Azimuth     float64
	AtHome      bool
	AtPark      bool
	ShutterOpen bool
	Slaved      bool
}

// Dome is the actor for the dome. SlewDone follows azimuth moves and
// ShutterDone follows shutter commands.
type Dome struct {
	*Actor[DomeCommand]

	driver      DomeDriver
	slewDone    *Event
	shutterDone *Event

	mu     sync.Mutex
	status DomeStatus
}

func NewDome(name string, driver DomeDriver, logger log.FieldLogger, opts ...Option) *Dome {
	d := &Dome{
		driver:      driver,
		slewDone:    NewEvent(),
		shutterDone: NewEvent(),
	}
	d.Actor = NewActor[DomeCommand](KindDome, name, d.execute, logger, opts...)
	return d
}

func (d *Dome) execute(cmd DomeCommand) error {
	switch cmd := cmd.(type) {
	case SlewToAzimuth:
		if err := d.driver.SlewToAzimuth(cmd.Azimuth); err != nil {
			return fmt.Errorf("slew to azimuth %.1f: %v", cmd.Azimuth, err)
		}
		d.update(func(s *DomeStatus) {
			s.Azimuth = cmd.Azimuth
			s.AtHome = false
			s.AtPark = false
		})
		d.slewDone.Set()

	case FindHome:
		if err := d.driver.FindHome(); err != nil {
			return fmt.Errorf("find home: %v", err)
		}
		d.update(func(s *DomeStatus) {
			s.AtHome = true
			s.AtPark = false
		})
		d.slewDone.Set()

	case ParkDome:
		if err := d.driver.Park(); err != nil {
			return fmt.Errorf("park: %v", err)
		}
		d.update(func(s *DomeStatus) {
			s.AtHome = false
			s.AtPark = true
		})
		d.slewDone.Set()

	case SetShutter:
		if err := d.driver.SetShutter(cmd.Open); err != nil {
			return fmt.Errorf("set shutter: %v", err)
		}
		d.update(func(s *DomeStatus) { s.ShutterOpen = cmd.Open })
		d.shutterDone.Set()

	case SetSlaved:
		if err := d.driver.SetSlaved(cmd.Slaved); err != nil {
			return fmt.Errorf("set slaved: %v", err)
		}
		d.update(func(s *DomeStatus) { s.Slaved = cmd.Slaved })

	default:
		return fmt.Errorf("unknown dome command %T", cmd)
	}
	return nil
}

func (d *Dome) update(fn func(*DomeStatus)) {
	d.mu.Lock()
	fn(&d.status)
	d.mu.Unlock()
}

func (d *Dome) SlewToAzimuth(az float64) error { return d.Submit(SlewToAzimuth{Azimuth: az}) }
func (d *Dome) FindHome() error                { return d.Submit(FindHome{}) }
func (d *Dome) Park() error                    { return d.Submit(ParkDome{}) }
func (d *Dome) SetShutter(open bool) error     { return d.Submit(SetShutter{Open: open}) }
func (d *Dome) SetSlaved(slaved bool) error    { return d.Submit(SetSlaved{Slaved: slaved}) }

func (d *Dome) SlewDone() *Event    { return d.slewDone }
func (d *Dome) ShutterDone() *Event { return d.shutterDone }

func (d *Dome) Status() DomeStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}
