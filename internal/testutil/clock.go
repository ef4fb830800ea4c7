// Package testutil provides deterministic test doubles shared across packages.
package testutil

import (
	"sort"
	"sync"
	"time"

	"github.com/kimhsiao/chatsync/backend/internal/clock"
)

// FakeClock is a manually advanced clock.Clock.
//
// Timers fire synchronously inside Advance, on the caller's goroutine, in
// deadline order. Timers scheduled by a firing callback run in the same
// Advance call if they fall within the window.
//
// Thread-safety: All methods are safe for concurrent use.
type FakeClock struct {
	mu        sync.Mutex
	now       time.Time
	seq       int64
	timers    map[int64]*fakeTimer
	scheduled []time.Duration
}

type fakeTimer struct {
	c   *FakeClock
	id  int64
	at  time.Time
	fn  func()
	dur time.Duration
}

// NewFakeClock creates a clock frozen at start.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start, timers: make(map[int64]*fakeTimer)}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc schedules f at Now()+d.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &fakeTimer{c: c, id: c.seq, at: c.now.Add(d), fn: f, dur: d}
	c.timers[t.id] = t
	c.scheduled = append(c.scheduled, d)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if _, ok := t.c.timers[t.id]; !ok {
		return false
	}
	delete(t.c.timers, t.id)
	return true
}

// Advance moves time forward by d, firing every timer that comes due.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	for {
		next := c.nextDueLocked(target)
		if next == nil {
			break
		}
		delete(c.timers, next.id)
		if next.at.After(c.now) {
			c.now = next.at
		}
		c.mu.Unlock()
		next.fn()
		c.mu.Lock()
	}
	if target.After(c.now) {
		c.now = target
	}
	c.mu.Unlock()
}

func (c *FakeClock) nextDueLocked(target time.Time) *fakeTimer {
	var next *fakeTimer
	for _, t := range c.timers {
		if t.at.After(target) {
			continue
		}
		if next == nil || t.at.Before(next.at) || (t.at.Equal(next.at) && t.id < next.id) {
			next = t
		}
	}
	return next
}

// Pending returns the remaining delay of every live timer, shortest first.
func (c *FakeClock) Pending() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, 0, len(c.timers))
	for _, t := range c.timers {
		out = append(out, t.at.Sub(c.now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Scheduled returns every delay ever passed to AfterFunc, in call order.
func (c *FakeClock) Scheduled() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.scheduled...)
}

// FireNext advances exactly to the earliest pending timer and fires it.
// It reports false when nothing is pending.
func (c *FakeClock) FireNext() bool {
	c.mu.Lock()
	var next *fakeTimer
	for _, t := range c.timers {
		if next == nil || t.at.Before(next.at) || (t.at.Equal(next.at) && t.id < next.id) {
			next = t
		}
	}
	if next == nil {
		c.mu.Unlock()
		return false
	}
	d := next.at.Sub(c.now)
	c.mu.Unlock()
	c.Advance(d)
	return true
}
