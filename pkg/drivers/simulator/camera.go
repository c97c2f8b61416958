package simulator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"observatory/pkg/device"
)

// Camera is a camera driver that sleeps for a scaled exposure time and
// writes a Frame as JSON to the requested path.
type Camera struct {
	optics *Optics
	scale  float64
	logger log.FieldLogger
	faults faults

	cooler float64
}

func NewCamera(optics *Optics, logger log.FieldLogger) *Camera {
	return &Camera{
		optics: optics,
		scale:  optics.cfg.ExposureSeconds,
		logger: logger.WithField("driver", "camera simulator"),
	}
}

// FailNext makes the next n driver calls return an error.
func (c *Camera) FailNext(n int) { c.faults.set(n) }

// Reconnect always succeeds and clears pending faults.
func (c *Camera) Reconnect() error {
	c.faults.set(0)
	return nil
}

func (c *Camera) Expose(e device.Expose) error {
	if err := c.faults.check("expose"); err != nil {
		return err
	}
	if e.SavePath == "" {
		return fmt.Errorf("no save path")
	}

	time.Sleep(time.Duration(float64(e.Duration) * c.scale))

	f := c.optics.capture(e.Duration.Seconds(), e.Filter, e.Frame.String())
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(e.SavePath), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(e.SavePath, data, 0o644); err != nil {
		return err
	}
	c.logger.Debugf("Wrote %s frame at position %d to %s", e.Frame, f.Position, filepath.Base(e.SavePath))
	return nil
}

func (c *Camera) SetCoolerTemperature(celsius float64) error {
	if err := c.faults.check("set cooler"); err != nil {
		return err
	}
	c.cooler = celsius
	c.logger.Infof("Cooler set to %.1f C", celsius)
	return nil
}
