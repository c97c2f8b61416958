package device

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// Crashable is anything with a crash signal, typically an actor.
type Crashable interface {
	Name() string
	Crashed() *Event
}

// Policy bounds how long a caller waits for crashed devices to recover.
type Policy struct {
	MaxRetries    int
	RetryInterval time.Duration
	Logger        log.FieldLogger

	// Sleep replaces the interruptible wait between checks. Tests use it to
	// count cycles without sleeping.
	Sleep func(ctx context.Context, d time.Duration) error
}

var DefaultPolicy = Policy{
	MaxRetries:    5,
	RetryInterval: 10 * time.Second,
}

// Await waits for every device to leave the crashed state. See Recovery.Await.
func (p Policy) Await(ctx context.Context, devices ...Crashable) error {
	return p.Begin().Await(ctx, devices...)
}

// Begin starts a recovery budget that successive Await calls share.
func (p Policy) Begin() *Recovery {
	if p.Logger == nil {
		p.Logger = log.StandardLogger()
	}
	if p.Sleep == nil {
		p.Sleep = sleepContext
	}
	return &Recovery{policy: p}
}

// Recovery counts crash-wait cycles against Policy.MaxRetries.
type Recovery struct {
	policy Policy
	cycles int
}

func (r *Recovery) Cycles() int {
	return r.cycles
}

// Await returns nil once no device is crashed. While one is, it sleeps
// RetryInterval and checks again. When the budget has been used up and a
// device is still crashed it returns ErrDeviceUnrecoverable.
func (r *Recovery) Await(ctx context.Context, devices ...Crashable) error {
	for {
		dev := firstCrashed(devices)
		if dev == nil {
			return nil
		}

		if r.cycles >= r.policy.MaxRetries {
			r.policy.Logger.Errorf("%s has not recovered after %d retries", dev.Name(), r.cycles)
			return fmt.Errorf("%w: %s crashed, %d retries exhausted", ErrDeviceUnrecoverable, dev.Name(), r.cycles)
		}

		r.policy.Logger.Warnf("%s has crashed, waiting %v for recovery (%d/%d)",
			dev.Name(), r.policy.RetryInterval, r.cycles+1, r.policy.MaxRetries)
		if err := r.policy.Sleep(ctx, r.policy.RetryInterval); err != nil {
			return err
		}
		r.cycles++
	}
}

func firstCrashed(devices []Crashable) Crashable {
	for _, dev := range devices {
		if dev.Crashed().IsSet() {
			return dev
		}
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
