// Package monitor periodically probes the browser session and hands
// detected failures to crash recovery, once per failure.
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/entrhq/consolepilot/pkg/browser"
	"github.com/entrhq/consolepilot/pkg/clock"
	"github.com/entrhq/consolepilot/pkg/logging"
)

// DefaultInterval is the health check period.
const DefaultInterval = 60 * time.Second

// Checker is the part of the session the monitor probes.
type Checker interface {
	IsInitialized() bool
	CheckHealth(ctx context.Context) error
}

// Recoverer starts crash recovery. Trigger must not block.
type Recoverer interface {
	Trigger(reason error) bool
}

// Reclaimer takes back leases that were never released.
type Reclaimer interface {
	ReclaimIdle() int
}

// Recorder receives the outcome of every tick.
type Recorder interface {
	ObserveHealthCheck(result string)
}

// Result is the outcome of one tick.
type Result string

const (
	ResultSkipped   Result = "skipped"
	ResultHealthy   Result = "healthy"
	ResultUnhealthy Result = "unhealthy"
	// ResultPending means the check failed but recovery was already requested.
	ResultPending Result = "pending"
)

// Monitor runs health checks on a fixed interval.
type Monitor struct {
	checker   Checker
	recoverer Recoverer
	reclaimer Reclaimer
	recorder  Recorder
	interval  time.Duration
	clock     clock.Clock
	logger    *logging.Logger

	mu          sync.Mutex
	paused      bool
	failing     bool
	lastFailure time.Time
	lastErr     error
}

// Option customises a Monitor.
type Option func(*Monitor)

// WithReclaimer reclaims idle leases after each healthy tick.
func WithReclaimer(r Reclaimer) Option {
	return func(m *Monitor) { m.reclaimer = r }
}

// WithRecorder reports tick outcomes.
func WithRecorder(r Recorder) Option {
	return func(m *Monitor) { m.recorder = r }
}

// New creates a Monitor.
func New(checker Checker, recoverer Recoverer, interval time.Duration, clk clock.Clock, logger *logging.Logger, opts ...Option) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	m := &Monitor{
		checker:   checker,
		recoverer: recoverer,
		interval:  interval,
		clock:     clk,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run ticks until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Infof("Health monitor started (interval %s)", m.interval)
	for {
		select {
		case <-ctx.Done():
			m.logger.Infof("Health monitor stopped")
			return
		case <-ticker.C():
			m.Tick(ctx)
		}
	}
}

// Tick performs one health check.
func (m *Monitor) Tick(ctx context.Context) Result {
	result := m.tick(ctx)
	if m.recorder != nil {
		m.recorder.ObserveHealthCheck(string(result))
	}
	return result
}

func (m *Monitor) tick(ctx context.Context) Result {
	m.mu.Lock()
	paused := m.paused
	m.mu.Unlock()

	if paused || !m.checker.IsInitialized() {
		m.logger.Debugf("Session not initialized, skipping health check")
		return ResultSkipped
	}

	err := m.checker.CheckHealth(ctx)
	if err == nil {
		m.mu.Lock()
		m.failing = false
		m.mu.Unlock()
		if m.reclaimer != nil {
			if n := m.reclaimer.ReclaimIdle(); n > 0 {
				m.logger.Warnf("Reclaimed %d idle execution contexts", n)
			}
		}
		return ResultHealthy
	}
	if errors.Is(err, browser.ErrNotInitialized) {
		return ResultSkipped
	}

	m.mu.Lock()
	already := m.failing
	m.failing = true
	m.lastFailure = m.clock.Now()
	m.lastErr = err
	m.mu.Unlock()

	if already {
		m.logger.Debugf("Health check still failing, recovery already requested: %v", err)
		return ResultPending
	}

	m.logger.Errorf("Browser health check failed: %v", err)
	m.recoverer.Trigger(err)
	return ResultUnhealthy
}

// OnSessionEvent pauses the monitor while the session is closed and clears
// the outstanding failure once it is initialized again.
func (m *Monitor) OnSessionEvent(ev browser.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch ev.Type {
	case browser.EventInitialized:
		m.paused = false
		m.failing = false
	case browser.EventDisconnected:
		// Recovery is triggered by the event itself
		m.failing = true
		m.lastFailure = ev.At
	case browser.EventClosed:
		m.paused = true
	}
}

// LastFailure returns the time and cause of the most recent failed check.
func (m *Monitor) LastFailure() (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastFailure, m.lastErr
}
