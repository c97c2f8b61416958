package device

import (
	"context"
	"sync"
	"time"
)

// Event is a flag that goroutines can wait on. It stays set until it is
// explicitly cleared, so a waiter that wants the next occurrence must
// Clear it before issuing the command that sets it.
type Event struct {
	mu  sync.Mutex
	set bool
	ch  chan struct{} // closed while the event is set
}

func NewEvent() *Event {
	return &Event{ch: make(chan struct{})}
}

// Set marks the event and releases every waiter.
func (e *Event) Set() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.set {
		return
	}
	e.set = true
	close(e.ch)
}

// Clear resets the event. Waiters arriving afterwards block until the next Set.
func (e *Event) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.set {
		return
	}
	e.set = false
	e.ch = make(chan struct{})
}

func (e *Event) IsSet() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.set
}

// Done returns a channel that is closed once the event is set. The channel
// belongs to the current generation: a later Clear does not reopen it.
func (e *Event) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ch
}

// Wait blocks until the event is set or the context ends.
func (e *Event) Wait(ctx context.Context) error {
	select {
	case <-e.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitTimeout blocks until the event is set or the timeout expires. It
// reports whether the event was set; an expired timeout is not an error.
func (e *Event) WaitTimeout(timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-e.Done():
		return true
	case <-t.C:
		return false
	}
}
