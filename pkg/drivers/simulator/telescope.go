package simulator

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Telescope is a mount that slews instantly.
type Telescope struct {
	logger log.FieldLogger
	faults faults

	mu       sync.Mutex
	ra, dec  float64
	parked   bool
	tracking bool
}

func NewTelescope(logger log.FieldLogger) *Telescope {
	return &Telescope{
		logger: logger.WithField("driver", "telescope simulator"),
		parked: true,
	}
}

func (t *Telescope) FailNext(n int) { t.faults.set(n) }

func (t *Telescope) SlewTo(ra, dec float64) error {
	if err := t.faults.check("slew"); err != nil {
		return err
	}
	if ra < 0 || ra >= 24 || dec < -90 || dec > 90 {
		return fmt.Errorf("coordinates out of range: ra=%f dec=%f", ra, dec)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.parked {
		return fmt.Errorf("telescope is parked")
	}
	t.ra, t.dec = ra, dec
	t.tracking = true
	t.logger.Infof("Slewed to RA %.4f Dec %.4f", ra, dec)
	return nil
}

func (t *Telescope) Park() error {
	if err := t.faults.check("park"); err != nil {
		return err
	}
	t.mu.Lock()
	t.parked, t.tracking = true, false
	t.mu.Unlock()
	t.logger.Info("Parked")
	return nil
}

func (t *Telescope) Unpark() error {
	if err := t.faults.check("unpark"); err != nil {
		return err
	}
	t.mu.Lock()
	t.parked = false
	t.mu.Unlock()
	t.logger.Info("Unparked")
	return nil
}

func (t *Telescope) Tracking() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tracking
}
