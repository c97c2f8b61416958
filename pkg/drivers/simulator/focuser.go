package simulator

import (
	log "github.com/sirupsen/logrus"

	"observatory/pkg/device"
)

// Focuser moves the simulated optics. Moving in decreases the position.
type Focuser struct {
	optics *Optics
	logger log.FieldLogger
	faults faults
}

func NewFocuser(optics *Optics, logger log.FieldLogger) *Focuser {
	return &Focuser{
		optics: optics,
		logger: logger.WithField("driver", "focuser simulator"),
	}
}

func (f *Focuser) FailNext(n int) { f.faults.set(n) }

func (f *Focuser) Reconnect() error {
	f.faults.set(0)
	return nil
}

func (f *Focuser) Position() (int, error) {
	if err := f.faults.check("read position"); err != nil {
		return 0, err
	}
	return f.optics.Position(), nil
}

func (f *Focuser) MoveTo(position int) error {
	if err := f.faults.check("move"); err != nil {
		return err
	}
	f.logger.Debugf("Moving to %d", position)
	f.optics.setPosition(position)
	return nil
}

func (f *Focuser) Move(dir device.Direction, steps int) error {
	if err := f.faults.check("move"); err != nil {
		return err
	}
	pos := f.optics.Position()
	if dir == device.DirIn {
		pos -= steps
	} else {
		pos += steps
	}
	f.logger.Debugf("Moving %s %d steps to %d", dir, steps, pos)
	f.optics.setPosition(pos)
	return nil
}
