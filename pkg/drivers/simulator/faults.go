package simulator

import (
	"errors"
	"fmt"
	"sync"
)

var ErrInjected = errors.New("simulated device fault")

type faults struct {
	mu      sync.Mutex
	pending int
}

func (f *faults) set(n int) {
	f.mu.Lock()
	f.pending = n
	f.mu.Unlock()
}

func (f *faults) check(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending == 0 {
		return nil
	}
	f.pending--
	return fmt.Errorf("%s: %w", op, ErrInjected)
}
