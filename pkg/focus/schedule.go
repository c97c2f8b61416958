package focus

import "observatory/pkg/device"

// Move is the focuser command issued after a sample has been taken.
type Move struct {
	Absolute  bool
	Position  int
	Direction device.Direction
	StepSize  int
}

// Schedule decides where the focuser goes after each sample of the
// startup search. It never sees measurements, only the step index.
type Schedule interface {
	Samples() int
	Next(step, initial, delta int) Move
}

// DefaultSchedule brackets the starting position: inward steps for the
// first half (the first one doubled), a jump to initial+2·delta at the
// midpoint, then outward steps.
type DefaultSchedule struct {
	N int
}

func (s DefaultSchedule) Samples() int {
	return s.N
}

func (s DefaultSchedule) Next(step, initial, delta int) Move {
	mid := s.N / 2

	switch {
	case step < mid:
		size := delta
		if step == 0 {
			size = 2 * delta
		}
		return Move{Direction: device.DirIn, StepSize: size}
	case step == mid:
		return Move{Absolute: true, Position: initial + 2*delta, StepSize: delta}
	default:
		return Move{Direction: device.DirOut, StepSize: delta}
	}
}
