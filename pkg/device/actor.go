package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Kind identifies the physical device an actor wraps.
type Kind int

const (
	KindCamera Kind = iota
	KindFocuser
	KindTelescope
	KindDome
)

func (k Kind) String() string {
	switch k {
	case KindCamera:
		return "Camera"
	case KindFocuser:
		return "Focuser"
	case KindTelescope:
		return "Telescope"
	case KindDome:
		return "Dome"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Command is a queued operation together with the time it was submitted.
type Command[C any] struct {
	Payload  C
	Enqueued time.Time
}

// State is a point-in-time snapshot of an actor.
type State struct {
	Kind     Kind
	Name     string
	Busy     bool
	Crashed  bool
	Queued   int
	Executed uint64
	Crashes  uint64
}

type Option func(*options)

type options struct {
	reconnect         func() error
	reconnectInterval time.Duration
}

// WithReconnect makes a crashed actor try to heal itself by calling fn every
// interval until it succeeds or the actor is stopped.
func WithReconnect(fn func() error, interval time.Duration) Option {
	return func(o *options) {
		o.reconnect = fn
		o.reconnectInterval = interval
	}
}

// Actor owns one device. Commands are executed one at a time, in submission
// order, by a single worker goroutine. A failing command raises the crashed
// event; the rest of the queue waits until the event is cleared.
type Actor[C any] struct {
	kind    Kind
	name    string
	exec    func(C) error
	logger  log.FieldLogger
	opts    options
	crashed *Event

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []Command[C]
	busy     bool
	started  bool
	stopping bool
	executed uint64
	crashes  uint64

	stop chan struct{}
	done chan struct{}
}

func NewActor[C any](kind Kind, name string, exec func(C) error, logger log.FieldLogger, opts ...Option) *Actor[C] {
	a := &Actor[C]{
		kind:    kind,
		name:    name,
		exec:    exec,
		logger:  logger.WithField("device", name),
		crashed: NewEvent(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(&a.opts)
	}
	a.cond = sync.NewCond(&a.mu)
	return a
}

func (a *Actor[C]) Kind() Kind            { return a.kind }
func (a *Actor[C]) Name() string          { return a.name }
func (a *Actor[C]) Crashed() *Event       { return a.crashed }
func (a *Actor[C]) Done() <-chan struct{} { return a.done }

// Start launches the worker goroutine. Calling it twice has no effect.
func (a *Actor[C]) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return
	}
	a.started = true
	go a.run()
	a.logger.Debugf("%s actor started", a.kind)
}

// Submit appends cmd to the queue and returns immediately. Commands sent to
// a crashed actor stay queued until it recovers.
func (a *Actor[C]) Submit(cmd C) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopping {
		return fmt.Errorf("%s: %w", a.name, ErrActorStopped)
	}
	a.queue = append(a.queue, Command[C]{Payload: cmd, Enqueued: time.Now()})
	if a.crashed.IsSet() {
		a.logger.Debugf("Queued %T on crashed actor (%d pending)", cmd, len(a.queue))
	}
	a.cond.Signal()
	return nil
}

// Recover clears the crashed event and resumes the queue.
func (a *Actor[C]) Recover() {
	a.crashed.Clear()

	a.mu.Lock()
	a.cond.Broadcast()
	a.mu.Unlock()
	a.logger.Infof("%s recovered", a.name)
}

// Stop lets the worker finish the queued commands and then exits. A crashed
// actor discards its queue. Stop returns early if ctx ends first.
func (a *Actor[C]) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.stopping {
		a.stopping = true
		close(a.stop)
	}
	started := a.started
	a.cond.Broadcast()
	a.mu.Unlock()

	if !started {
		return nil
	}

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Actor[C]) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()

	return State{
		Kind:     a.kind,
		Name:     a.name,
		Busy:     a.busy,
		Crashed:  a.crashed.IsSet(),
		Queued:   len(a.queue),
		Executed: a.executed,
		Crashes:  a.crashes,
	}
}

func (a *Actor[C]) run() {
	defer close(a.done)

	for {
		cmd, ok := a.next()
		if !ok {
			return
		}

		err := a.execute(cmd)

		a.mu.Lock()
		a.busy = false
		a.executed++
		if err != nil {
			a.crashes++
		}
		a.mu.Unlock()

		if err != nil {
			a.crashed.Set()
			a.logger.Errorf("%T failed: %v", cmd.Payload, err)
			if a.opts.reconnect != nil {
				a.heal()
			}
		}
	}
}

// next blocks until a command may run or the actor is shutting down.
func (a *Actor[C]) next() (Command[C], bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for !a.stopping && (len(a.queue) == 0 || a.crashed.IsSet()) {
		a.cond.Wait()
	}

	if a.stopping && (len(a.queue) == 0 || a.crashed.IsSet()) {
		if n := len(a.queue); n > 0 {
			a.logger.Warnf("Discarding %d queued commands", n)
		}
		a.queue = nil
		a.logger.Debugf("%s actor stopped", a.kind)
		return Command[C]{}, false
	}

	cmd := a.queue[0]
	a.queue[0] = Command[C]{}
	a.queue = a.queue[1:]
	a.busy = true
	return cmd, true
}

func (a *Actor[C]) execute(cmd Command[C]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrDeviceCrashed, r)
		}
	}()

	a.logger.Debugf("Executing %T (queued %v)", cmd.Payload, time.Since(cmd.Enqueued).Round(time.Millisecond))
	if err := a.exec(cmd.Payload); err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceCrashed, err)
	}
	return nil
}

// heal retries the reconnect hook until the device comes back, someone else
// recovers it, or the actor is stopped.
func (a *Actor[C]) heal() {
	t := time.NewTicker(a.opts.reconnectInterval)
	defer t.Stop()

	for a.crashed.IsSet() {
		select {
		case <-a.stop:
			return
		case <-t.C:
		}

		if !a.crashed.IsSet() {
			return
		}
		if err := a.opts.reconnect(); err != nil {
			a.logger.Warnf("Reconnect failed: %v", err)
			continue
		}
		a.Recover()
	}
}
