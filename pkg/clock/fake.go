package clock

import (
	"context"
	"sync"
	"time"
)

// Fake is a manually driven Clock. Sleeps return immediately and advance
// the fake time; timers fire only when the test calls Fire or Advance.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
	timers []*fakeTimer
	ticks  []*fakeTicker
}

type fakeTicker struct {
	clock   *Fake
	period  time.Duration
	next    time.Time
	c       chan time.Time
	stopped bool
}

type fakeTimer struct {
	clock   *Fake
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

// NewFake returns a fake clock starting at now.
func NewFake(now time.Time) *Fake {
	return &Fake{now: now}
}

// Now returns the fake time.
func (c *Fake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Sleep records d, advances the fake time and returns without blocking.
func (c *Fake) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

// AfterFunc registers f to run when the fake time reaches now+d.
func (c *Fake) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// NewTicker returns a ticker that ticks when Advance passes its period or
// when the test calls Tick.
func (c *Fake) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTicker{clock: c, period: d, next: c.now.Add(d), c: make(chan time.Time, 1)}
	c.ticks = append(c.ticks, t)
	return t
}

// Tick delivers one tick to every live ticker and returns how many
// received it. A ticker whose previous tick is still unread is skipped.
func (c *Fake) Tick() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.ticks {
		if !t.stopped && t.send(c.now) {
			n++
		}
	}
	return n
}

// Sleeps returns every duration passed to Sleep so far.
func (c *Fake) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.sleeps))
	copy(out, c.sleeps)
	return out
}

// Pending returns the number of timers that have neither fired nor been stopped.
func (c *Fake) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// Advance moves the fake time forward and synchronously runs every timer
// that became due, in registration order.
func (c *Fake) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	due := c.collectDue()
	for _, t := range c.ticks {
		if !t.stopped && !t.next.After(c.now) {
			t.send(c.now)
			t.next = c.now.Add(t.period)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.f()
	}
}

// Fire runs every pending timer regardless of its deadline.
func (c *Fake) Fire() int {
	c.mu.Lock()
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.f()
	}
	return len(due)
}

func (c *Fake) collectDue() []*fakeTimer {
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	return due
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

func (t *fakeTicker) send(now time.Time) bool {
	select {
	case t.c <- now:
		return true
	default:
		return false
	}
}

func (t *fakeTicker) C() <-chan time.Time { return t.c }

func (t *fakeTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.stopped = true
}
