package device

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// FrameKind is the type of exposure the camera takes.
type FrameKind int

const (
	FrameLight FrameKind = iota
	FrameDark
)

func (f FrameKind) String() string {
	if f == FrameDark {
		return "dark"
	}
	return "light"
}

// CameraDriver is the vendor adapter behind a camera actor.
type CameraDriver interface {
	Expose(e Expose) error
	SetCoolerTemperature(celsius float64) error
}

// CameraCommand is one of Expose or SetCooler.
type CameraCommand interface {
	cameraCommand()
}

// Expose takes an image and writes it to SavePath.
type Expose struct {
	Duration time.Duration
	Filter   string
	SavePath string
	Frame    FrameKind
}

type SetCooler struct {
	Celsius float64
}

func (Expose) cameraCommand()    {}
func (SetCooler) cameraCommand() {}

// Camera is the actor for an imaging camera. ImageDone is set each time an
// exposure has been written to disk.
type Camera struct {
	*Actor[CameraCommand]

	driver    CameraDriver
	imageDone *Event

	mu        sync.Mutex
	lastImage string
}

func NewCamera(name string, driver CameraDriver, logger log.FieldLogger, opts ...Option) *Camera {
	c := &Camera{
		driver:    driver,
		imageDone: NewEvent(),
	}
	c.Actor = NewActor[CameraCommand](KindCamera, name, c.execute, logger, opts...)
	return c
}

func (c *Camera) execute(cmd CameraCommand) error {
	switch cmd := cmd.(type) {
	case Expose:
		if err := c.driver.Expose(cmd); err != nil {
			return fmt.Errorf("expose %s: %v", cmd.SavePath, err)
		}
		c.mu.Lock()
		c.lastImage = cmd.SavePath
		c.mu.Unlock()
		c.imageDone.Set()
		return nil

	case SetCooler:
		return c.driver.SetCoolerTemperature(cmd.Celsius)

	default:
		return fmt.Errorf("unknown camera command %T", cmd)
	}
}

func (c *Camera) Expose(e Expose) error {
	return c.Submit(e)
}

func (c *Camera) SetCooler(celsius float64) error {
	return c.Submit(SetCooler{Celsius: celsius})
}

func (c *Camera) ImageDone() *Event {
	return c.imageDone
}

// LastImage returns the path of the most recent successful exposure. Read it
// only after waiting on ImageDone.
func (c *Camera) LastImage() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastImage
}
