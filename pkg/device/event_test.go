package device

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEventSetClear(t *testing.T) {
	e := NewEvent()
	assert.False(t, e.IsSet())

	e.Set()
	e.Set()
	assert.True(t, e.IsSet())
	assert.True(t, e.WaitTimeout(time.Millisecond))

	e.Clear()
	assert.False(t, e.IsSet())
	assert.False(t, e.WaitTimeout(10*time.Millisecond), "timeout must report false, not fail")
}

func TestEventWaitReleasedBySet(t *testing.T) {
	e := NewEvent()
	done := make(chan error, 1)

	go func() {
		done <- e.Wait(context.Background())
	}()

	time.Sleep(10 * time.Millisecond)
	e.Set()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter was not released")
	}
}

func TestEventWaitContext(t *testing.T) {
	e := NewEvent()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, e.Wait(ctx), context.DeadlineExceeded)
}

func TestEventDoneGeneration(t *testing.T) {
	e := NewEvent()
	e.Set()
	old := e.Done()
	e.Clear()

	select {
	case <-old:
	default:
		t.Fatal("channel of a set generation must stay closed")
	}

	select {
	case <-e.Done():
		t.Fatal("new generation must be open after Clear")
	default:
	}
}
