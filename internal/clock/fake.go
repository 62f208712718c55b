package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock only moves when Advance is called. It is safe for concurrent
// use.
//
// AfterFunc callbacks run synchronously on the goroutine calling Advance,
// in deadline order. A callback must not call Advance.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*pendingTimer
}

type pendingTimer struct {
	at       time.Time
	fn       func()
	ch       chan time.Time
	every    time.Duration
	canceled bool
	done     bool
}

// Fake returns a FakeClock reading initial.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{now: initial}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc registers f to run once the clock has been advanced by d.
// Unlike the wall clock, a non-positive d still waits for the next
// Advance so callers holding locks never re-enter themselves.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := &pendingTimer{at: c.now.Add(d), fn: f}
	c.pending = append(c.pending, p)

	return &Timer{stop: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if p.canceled || p.done {
			return false
		}
		p.canceled = true
		return true
	}}
}

func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	p := &pendingTimer{at: c.now.Add(d), ch: ch, every: d}
	c.pending = append(c.pending, p)

	return &Ticker{C: ch, stop: func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		p.canceled = true
	}}
}

// Advance moves the clock forward by d and fires everything that came
// due, including timers scheduled by callbacks fired along the way.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now
	c.mu.Unlock()

	for {
		due := c.takeDue(target)
		if len(due) == 0 {
			return
		}
		for _, p := range due {
			if p.fn != nil {
				p.fn()
				continue
			}
			select {
			case p.ch <- target:
			default:
			}
		}
	}
}

// Pending reports how many timers and tickers are still armed.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, p := range c.pending {
		if !p.canceled {
			n++
		}
	}
	return n
}

func (c *FakeClock) takeDue(target time.Time) []*pendingTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due, keep []*pendingTimer
	for _, p := range c.pending {
		switch {
		case p.canceled:
		case p.at.After(target):
			keep = append(keep, p)
		default:
			due = append(due, p)
		}
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })

	for _, p := range due {
		if p.every > 0 {
			p.at = p.at.Add(p.every)
			keep = append(keep, p)
		} else {
			p.done = true
		}
	}
	c.pending = keep

	return due
}
