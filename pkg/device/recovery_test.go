package device

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCrashable struct {
	name    string
	crashed *Event
}

func newFakeCrashable(name string, crashed bool) *fakeCrashable {
	f := &fakeCrashable{name: name, crashed: NewEvent()}
	if crashed {
		f.crashed.Set()
	}
	return f
}

func (f *fakeCrashable) Name() string    { return f.name }
func (f *fakeCrashable) Crashed() *Event { return f.crashed }

func countingPolicy(max int, sleeps *int, onSleep func(n int)) Policy {
	return Policy{
		MaxRetries:    max,
		RetryInterval: 10 * time.Second,
		Logger:        testLogger(),
		Sleep: func(ctx context.Context, d time.Duration) error {
			*sleeps++
			if onSleep != nil {
				onSleep(*sleeps)
			}
			return nil
		},
	}
}

func TestAwaitUnrecoverableAfterExactlyMaxRetries(t *testing.T) {
	for _, max := range []int{0, 1, 5} {
		sleeps := 0
		dev := newFakeCrashable("camera", true)

		err := countingPolicy(max, &sleeps, nil).Await(context.Background(), dev)
		assert.ErrorIs(t, err, ErrDeviceUnrecoverable)
		assert.Equal(t, max, sleeps)
	}
}

func TestAwaitReturnsWhenRecovered(t *testing.T) {
	sleeps := 0
	dev := newFakeCrashable("focuser", true)

	p := countingPolicy(5, &sleeps, func(n int) {
		if n == 3 {
			dev.crashed.Clear()
		}
	})
	require.NoError(t, p.Await(context.Background(), newFakeCrashable("camera", false), dev))
	assert.Equal(t, 3, sleeps)
}

func TestAwaitNoCrashDoesNotSleep(t *testing.T) {
	sleeps := 0
	require.NoError(t, countingPolicy(5, &sleeps, nil).Await(context.Background(), newFakeCrashable("camera", false)))
	assert.Zero(t, sleeps)
}

func TestRecoveryBudgetIsShared(t *testing.T) {
	sleeps := 0
	dev := newFakeCrashable("camera", true)
	p := countingPolicy(5, &sleeps, func(n int) {
		if n == 2 {
			dev.crashed.Clear()
		}
	})

	r := p.Begin()
	require.NoError(t, r.Await(context.Background(), dev))
	assert.Equal(t, 2, r.Cycles())

	dev.crashed.Set()
	assert.ErrorIs(t, r.Await(context.Background(), dev), ErrDeviceUnrecoverable)
	assert.Equal(t, 5, sleeps)
}

func TestAwaitHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := Policy{MaxRetries: 5, RetryInterval: time.Hour, Logger: testLogger()}
	err := p.Await(ctx, newFakeCrashable("dome", true))
	assert.ErrorIs(t, err, context.Canceled)
}
