package clock

import (
	"sync"
	"time"
)

// Clock provides current time abstraction for deterministic tests.
// Params: none.
// Returns: current wall-clock time.
type Clock interface {
	Now() time.Time
}

// RealClock reads current UTC time from system clock.
// Params: none.
// Returns: current UTC timestamp.
type RealClock struct{}

// Now returns current UTC time.
// Params: none.
// Returns: current UTC timestamp.
func (RealClock) Now() time.Time {
	return time.Now().UTC()
}

// FakeClock is a manually advanced clock for deterministic tests.
// Params: mutable current instant guarded by mutex.
// Returns: controllable time source.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock creates fake clock frozen at the given instant.
// Params: initial instant.
// Returns: initialized fake clock.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start.UTC()}
}

// Now returns the frozen current instant.
// Params: none.
// Returns: current fake timestamp.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the fake clock forward.
// Params: positive duration step.
// Returns: new current instant.
func (c *FakeClock) Advance(step time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(step)
	return c.now
}
