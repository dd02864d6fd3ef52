package filelock

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrBusy is returned when a pipeline already holds the guard in this
// process. It wraps ErrLocked so callers can test for either.
var ErrBusy = fmt.Errorf("%w: pipeline already running in this process", ErrLocked)

// Guard admits one holder at a time across the process and across every
// process sharing the lock file. The in-process flag rejects a second caller
// before any filesystem work happens.
type Guard struct {
	path    string
	running atomic.Bool

	mu      sync.Mutex
	lock    *Lock
	purpose string
}

func NewGuard(lockPath string) *Guard {
	return &Guard{path: lockPath}
}

// Acquire takes the guard or fails immediately with ErrBusy or ErrLocked.
// Callers defer Release right after a successful Acquire.
func (g *Guard) Acquire(purpose string) error {
	if !g.running.CompareAndSwap(false, true) {
		return ErrBusy
	}

	lock, err := Acquire(g.path, purpose)
	if err != nil {
		g.running.Store(false)
		return err
	}

	g.mu.Lock()
	g.lock = lock
	g.purpose = purpose
	g.mu.Unlock()
	return nil
}

// Release drops the file lock and clears the flag. Releasing a guard that is
// not held is a no-op.
func (g *Guard) Release() error {
	g.mu.Lock()
	lock := g.lock
	g.lock = nil
	g.purpose = ""
	g.mu.Unlock()

	if lock == nil {
		return nil
	}
	err := lock.Release()
	g.running.Store(false)
	return err
}

// Running reports whether this process holds the guard.
func (g *Guard) Running() bool {
	return g.running.Load()
}

// Busy reports whether any process, this one included, holds the guard.
func (g *Guard) Busy() bool {
	return g.running.Load() || IsHeld(g.path)
}

// Purpose returns what the current holder in this process is doing.
func (g *Guard) Purpose() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.purpose
}
