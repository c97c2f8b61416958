package device

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

type TelescopeDriver interface {
	SlewTo(ra, dec float64) error
	Park() error
	Unpark() error
}

type TelescopeCommand interface {
	telescopeCommand()
}

// SlewTo points the telescope at J2000 coordinates, RA in hours and Dec in degrees.
type SlewTo struct {
	RA  float64
	Dec float64
}

type ParkTelescope struct{}

type UnparkTelescope struct{}

func (SlewTo) telescopeCommand()          {}
func (ParkTelescope) telescopeCommand()   {}
func (UnparkTelescope) telescopeCommand() {}

type Telescope struct {
	*Actor[TelescopeCommand]

	driver   TelescopeDriver
	slewDone *Event

	mu     sync.Mutex
	ra     float64
	dec    float64
	parked bool
}

func NewTelescope(name string, driver TelescopeDriver, logger log.FieldLogger, opts ...Option) *Telescope {
	t := &Telescope{
		driver:   driver,
		slewDone: NewEvent(),
		parked:   true,
	}
	t.Actor = NewActor[TelescopeCommand](KindTelescope, name, t.execute, logger, opts...)
	return t
}

func (t *Telescope) execute(cmd TelescopeCommand) error {
	switch cmd := cmd.(type) {
	case SlewTo:
		if t.Parked() {
			return fmt.Errorf("cannot slew while parked")
		}
		if err := t.driver.SlewTo(cmd.RA, cmd.Dec); err != nil {
			return fmt.Errorf("slew to %.4f %.4f: %v", cmd.RA, cmd.Dec, err)
		}
		t.mu.Lock()
		t.ra, t.dec = cmd.RA, cmd.Dec
		t.mu.Unlock()

	case ParkTelescope:
		if err := t.driver.Park(); err != nil {
			return fmt.Errorf("park: %v", err)
		}
		t.setParked(true)

	case UnparkTelescope:
		if err := t.driver.Unpark(); err != nil {
			return fmt.Errorf("unpark: %v", err)
		}
		t.setParked(false)

	default:
		return fmt.Errorf("unknown telescope command %T", cmd)
	}

	t.slewDone.Set()
	return nil
}

func (t *Telescope) SlewTo(ra, dec float64) error {
	return t.Submit(SlewTo{RA: ra, Dec: dec})
}

func (t *Telescope) Park() error {
	return t.Submit(ParkTelescope{})
}

func (t *Telescope) Unpark() error {
	return t.Submit(UnparkTelescope{})
}

func (t *Telescope) SlewDone() *Event {
	return t.slewDone
}

func (t *Telescope) Parked() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.parked
}

func (t *Telescope) Coordinates() (ra, dec float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ra, t.dec
}

func (t *Telescope) setParked(parked bool) {
	t.mu.Lock()
	t.parked = parked
	t.mu.Unlock()
}
