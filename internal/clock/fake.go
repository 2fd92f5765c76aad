package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a manually advanced clock for tests. Callbacks scheduled with
// AfterFunc fire synchronously during Advance, in deadline order.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *FakeClock
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start.UTC()}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	timer := &fakeTimer{clock: c, at: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, timer)
	return timer
}

// Advance moves the clock forward and fires every due callback. Callbacks run
// without the clock lock held so they may schedule new timers.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	for {
		timer := c.nextDueLocked(target)
		if timer == nil {
			break
		}
		if c.now.Before(timer.at) {
			c.now = timer.at
		}
		timer.fired = true
		fn := timer.fn
		c.mu.Unlock()
		fn()
		c.mu.Lock()
	}
	c.now = target
	c.mu.Unlock()
}

func (c *FakeClock) nextDueLocked(until time.Time) *fakeTimer {
	pending := make([]*fakeTimer, 0, len(c.timers))
	for _, timer := range c.timers {
		if !timer.stopped && !timer.fired && !timer.at.After(until) {
			pending = append(pending, timer)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].at.Before(pending[j].at) })
	return pending[0]
}

// PendingTimers counts scheduled callbacks that have neither fired nor been
// stopped.
func (c *FakeClock) PendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, timer := range c.timers {
		if !timer.stopped && !timer.fired {
			count++
		}
	}
	return count
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}
