package device

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFocuser struct {
	mu       sync.Mutex
	position int
	fail     bool
	moves    []Direction
}

func (s *stubFocuser) Position() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position, nil
}

func (s *stubFocuser) MoveTo(position int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("stalled")
	}
	s.position = position
	return nil
}

func (s *stubFocuser) Move(dir Direction, steps int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.moves = append(s.moves, dir)
	if dir == DirIn {
		s.position -= steps
	} else {
		s.position += steps
	}
	return nil
}

func TestFocuserCommandsUpdatePosition(t *testing.T) {
	drv := &stubFocuser{position: 1000}
	f := NewFocuser("focuser", drv, testLogger())
	f.Start()
	defer stop(t, f)

	run := func(submit func() error) {
		f.Adjusted().Clear()
		require.NoError(t, submit())
		require.True(t, f.Adjusted().WaitTimeout(time.Second))
	}

	run(f.QueryPosition)
	assert.Equal(t, 1000, f.Position())

	run(func() error { return f.SetStepSize(25) })
	assert.Equal(t, 25, f.StepSize())

	run(func() error { return f.Adjust(DirIn) })
	assert.Equal(t, 975, f.Position())

	run(func() error { return f.Adjust(DirOut) })
	run(func() error { return f.Adjust(DirOut) })
	assert.Equal(t, 1025, f.Position())

	run(func() error { return f.MoveTo(900) })
	assert.Equal(t, 900, f.Position())
	assert.Equal(t, []Direction{DirIn, DirOut, DirOut}, drv.moves)
}

func TestFocuserFailedMoveCrashes(t *testing.T) {
	drv := &stubFocuser{position: 10, fail: true}
	f := NewFocuser("focuser", drv, testLogger())
	f.Start()
	defer stop(t, f)

	require.NoError(t, f.MoveTo(500))
	assert.True(t, f.Crashed().WaitTimeout(time.Second))
	assert.False(t, f.Adjusted().IsSet())
}

func TestFocuserRejectsZeroStep(t *testing.T) {
	f := NewFocuser("focuser", &stubFocuser{}, testLogger())
	f.Start()
	defer stop(t, f)

	require.NoError(t, f.SetStepSize(0))
	assert.True(t, f.Crashed().WaitTimeout(time.Second))
}

func TestDirectionReverse(t *testing.T) {
	assert.Equal(t, DirOut, DirIn.Reverse())
	assert.Equal(t, DirIn, DirOut.Reverse())
	assert.Equal(t, "in", DirIn.String())
	assert.Equal(t, "out", DirOut.String())
}
