package focus

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"observatory/pkg/device"
)

// walk applies the schedule to a focuser that lands exactly where it is told.
func walk(s Schedule, initial, delta int) []int {
	pos := initial
	var sampled []int
	for step := 0; step < s.Samples(); step++ {
		sampled = append(sampled, pos)
		m := s.Next(step, initial, delta)
		switch {
		case m.Absolute:
			pos = m.Position
		case m.Direction == device.DirIn:
			pos -= m.StepSize
		default:
			pos += m.StepSize
		}
	}
	return sampled
}

func TestDefaultScheduleBracketsInitial(t *testing.T) {
	got := walk(DefaultSchedule{N: 11}, 1000, 10)
	assert.Equal(t, []int{1000, 980, 970, 960, 950, 940, 1020, 1030, 1040, 1050, 1060}, got)
}

func TestDefaultScheduleSteps(t *testing.T) {
	s := DefaultSchedule{N: 11}

	first := s.Next(0, 500, 7)
	assert.Equal(t, Move{Direction: device.DirIn, StepSize: 14}, first)

	assert.Equal(t, Move{Direction: device.DirIn, StepSize: 7}, s.Next(3, 500, 7))
	assert.Equal(t, Move{Absolute: true, Position: 514, StepSize: 7}, s.Next(5, 500, 7))
	assert.Equal(t, Move{Direction: device.DirOut, StepSize: 7}, s.Next(6, 500, 7))
	assert.Equal(t, 11, s.Samples())
}
