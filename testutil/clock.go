package testutil

import (
	"sort"
	"sync"
	"time"

	"github.com/David-ssnd/rayz-web-sub000/device"
)

// FakeClock is a manually advanced device.Clock. Timers fire synchronously
// inside Advance, in deadline order.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
	seq    int
}

type fakeTimer struct {
	clock *FakeClock
	at    time.Time
	seq   int
	f     func()
	done  bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

// NewFakeClock creates a clock starting at a fixed instant
func NewFakeClock() *FakeClock {
	return &FakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

// Now implements device.Clock
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc implements device.Clock
func (c *FakeClock) AfterFunc(d time.Duration, f func()) device.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &fakeTimer{clock: c, at: c.now.Add(d), seq: c.seq, f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward by d, firing every timer that comes due,
// including timers armed by callbacks during the advance
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		next := c.nextLocked()
		if next == nil || next.at.After(target) {
			c.now = target
			c.mu.Unlock()
			return
		}
		next.done = true
		c.now = next.at
		c.mu.Unlock()

		next.f()
	}
}

// Pending returns the delays, from now, of every active timer, soonest first
func (c *FakeClock) Pending() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.compactLocked()

	active := make([]*fakeTimer, len(c.timers))
	copy(active, c.timers)
	sort.Slice(active, func(i, j int) bool { return active[i].at.Before(active[j].at) })

	delays := make([]time.Duration, 0, len(active))
	for _, t := range active {
		delays = append(delays, t.at.Sub(c.now))
	}
	return delays
}

func (c *FakeClock) nextLocked() *fakeTimer {
	c.compactLocked()
	var next *fakeTimer
	for _, t := range c.timers {
		if next == nil || t.at.Before(next.at) || (t.at.Equal(next.at) && t.seq < next.seq) {
			next = t
		}
	}
	return next
}

func (c *FakeClock) compactLocked() {
	live := c.timers[:0]
	for _, t := range c.timers {
		if !t.done {
			live = append(live, t)
		}
	}
	c.timers = live
}
