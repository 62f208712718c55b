// Package clock lets time-dependent code run against the wall clock in
// production and against a manually advanced clock in tests.
//
// Structs that schedule work hold a Clock field instead of calling
// time.Now, time.AfterFunc or time.NewTicker directly:
//
//	st := store.NewMemoryStore(clock.Real(), lifetime, onExpire)
//
// and tests swap in a fake:
//
//	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	st := store.NewMemoryStore(clk, lifetime, onExpire)
//	clk.Advance(30 * time.Second) // fires due timers synchronously
package clock

import "time"

// Clock is the subset of the time package used by the session store and
// its sweepers.
type Clock interface {
	Now() time.Time

	// AfterFunc calls f once d has elapsed. The real clock runs f in its
	// own goroutine; the fake clock runs it inside Advance.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker panics if d <= 0, like time.NewTicker.
	NewTicker(d time.Duration) *Ticker
}

// Timer is a handle on a pending AfterFunc call.
type Timer struct {
	stop func() bool
}

// Stop cancels the pending call. It reports false if the call already
// ran or was already stopped.
func (t *Timer) Stop() bool { return t.stop() }

// Ticker delivers ticks on C. The channel has capacity 1 and ticks are
// dropped when the reader falls behind.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns the ticker off. C is not closed.
func (t *Ticker) Stop() { t.stop() }
