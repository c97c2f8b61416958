package device

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Direction is the sense of a relative focuser move.
type Direction int

const (
	DirIn Direction = iota
	DirOut
)

func (d Direction) String() string {
	if d == DirOut {
		return "out"
	}
	return "in"
}

func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Direction) UnmarshalText(b []byte) error {
	switch string(b) {
	case "in":
		*d = DirIn
	case "out":
		*d = DirOut
	default:
		return fmt.Errorf("unknown direction %q", b)
	}
	return nil
}

func (d Direction) Reverse() Direction {
	if d == DirOut {
		return DirIn
	}
	return DirOut
}

// FocuserDriver is the vendor adapter behind a focuser actor. Move steps
// the focuser by a number of device units in the given direction.
type FocuserDriver interface {
	Position() (int, error)
	MoveTo(position int) error
	Move(dir Direction, steps int) error
}

// FocuserCommand is one of QueryPosition, AbsoluteMove, RelativeAdjust or
// SetStepSize.
type FocuserCommand interface {
	focuserCommand()
}

type QueryPosition struct{}

type AbsoluteMove struct {
	Position int
}

// RelativeAdjust moves one step of the current step size.
type RelativeAdjust struct {
	Direction Direction
}

type SetStepSize struct {
	Delta int
}

func (QueryPosition) focuserCommand()  {}
func (AbsoluteMove) focuserCommand()   {}
func (RelativeAdjust) focuserCommand() {}
func (SetStepSize) focuserCommand()    {}

// Focuser is the actor for a focuser. Adjusted is set after every command
// that completes successfully.
type Focuser struct {
	*Actor[FocuserCommand]

	driver   FocuserDriver
	adjusted *Event

	mu       sync.Mutex
	position int
	stepSize int
}

func NewFocuser(name string, driver FocuserDriver, logger log.FieldLogger, opts ...Option) *Focuser {
	f := &Focuser{
		driver:   driver,
		adjusted: NewEvent(),
		stepSize: 1,
	}
	f.Actor = NewActor[FocuserCommand](KindFocuser, name, f.execute, logger, opts...)
	return f
}

func (f *Focuser) execute(cmd FocuserCommand) error {
	switch cmd := cmd.(type) {
	case QueryPosition:
		// position is refreshed below

	case AbsoluteMove:
		if err := f.driver.MoveTo(cmd.Position); err != nil {
			return fmt.Errorf("move to %d: %v", cmd.Position, err)
		}

	case RelativeAdjust:
		if err := f.driver.Move(cmd.Direction, f.StepSize()); err != nil {
			return fmt.Errorf("move %s: %v", cmd.Direction, err)
		}

	case SetStepSize:
		if cmd.Delta <= 0 {
			return fmt.Errorf("invalid step size: %d", cmd.Delta)
		}
		f.mu.Lock()
		f.stepSize = cmd.Delta
		f.mu.Unlock()
		f.adjusted.Set()
		return nil

	default:
		return fmt.Errorf("unknown focuser command %T", cmd)
	}

	pos, err := f.driver.Position()
	if err != nil {
		return fmt.Errorf("read position: %v", err)
	}
	f.mu.Lock()
	f.position = pos
	f.mu.Unlock()
	f.adjusted.Set()
	return nil
}

func (f *Focuser) QueryPosition() error {
	return f.Submit(QueryPosition{})
}

func (f *Focuser) MoveTo(position int) error {
	return f.Submit(AbsoluteMove{Position: position})
}

func (f *Focuser) Adjust(dir Direction) error {
	return f.Submit(RelativeAdjust{Direction: dir})
}

func (f *Focuser) SetStepSize(delta int) error {
	return f.Submit(SetStepSize{Delta: delta})
}

func (f *Focuser) Adjusted() *Event {
	return f.adjusted
}

// Position is the position reported by the last completed command. Read it
// only after waiting on Adjusted.
func (f *Focuser) Position() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.position
}

func (f *Focuser) StepSize() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stepSize
}
