package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/entrhq/consolepilot/pkg/clock"
	"github.com/entrhq/consolepilot/pkg/credentials"
	"github.com/entrhq/consolepilot/pkg/logging"
)

// Default session settings.
const (
	DefaultMaxContexts        = 3
	DefaultOperationTimeout   = 30 * time.Second
	DefaultHealthProbeTimeout = 5 * time.Second
	DefaultIdleTimeout        = 5 * time.Minute
)

// DefaultBlockedResources are aborted on every leased page.
var DefaultBlockedResources = []string{"image", "stylesheet", "font", "media"}

// Options configures a Session.
type Options struct {
	// MaxContexts is the ceiling on simultaneously leased execution contexts.
	MaxContexts int
	// OperationTimeout is the default per-operation timeout of leased pages.
	OperationTimeout time.Duration
	// HealthProbeTimeout bounds the liveness probe in CheckHealth.
	HealthProbeTimeout time.Duration
	// IdleTimeout is how long a lease may be held before ReclaimIdle takes it back. Zero disables.
	IdleTimeout      time.Duration
	BlockedResources []string
}

func (o *Options) applyDefaults() {
	if o.MaxContexts <= 0 {
		o.MaxContexts = DefaultMaxContexts
	}
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = DefaultOperationTimeout
	}
	if o.HealthProbeTimeout <= 0 {
		o.HealthProbeTimeout = DefaultHealthProbeTimeout
	}
	if o.BlockedResources == nil {
		o.BlockedResources = DefaultBlockedResources
	}
}

// ExecutionContext is one leased page. It belongs to a single task and is
// closed, never reused, when released.
type ExecutionContext struct {
	ID         string
	Page       Page
	AcquiredAt time.Time

	released atomic.Bool
}

// Status is a point-in-time snapshot of the session.
type Status struct {
	Initialized     bool      `json:"initialized"`
	Connected       bool      `json:"connected"`
	Leased          int       `json:"leased"`
	PeakLeased      int       `json:"peak_leased"`
	Ceiling         int       `json:"ceiling"`
	LastHealthCheck time.Time `json:"last_health_check"`
	ReauthInFlight  bool      `json:"reauth_in_flight"`
}

// Session owns one browser process and the pages leased from it.
// All state changes go through its methods.
type Session struct {
	driver Driver
	auth   Authenticator
	opts   Options
	clock  clock.Clock
	logger *logging.Logger

	// sem enforces the lease ceiling. Reauthenticate takes all of it.
	sem *semaphore.Weighted

	// authMu is the single (re)authentication slot.
	authMu     sync.Mutex
	authActive atomic.Bool

	mu              sync.Mutex
	browser         Browser
	generation      uint64
	initialized     bool
	leased          map[string]*ExecutionContext
	peakLeased      int
	lastHealthCheck time.Time

	obsMu     sync.RWMutex
	observers []Observer
}

// NewSession creates an uninitialized session.
func NewSession(driver Driver, auth Authenticator, opts Options, clk clock.Clock, logger *logging.Logger) *Session {
	opts.applyDefaults()
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Session{
		driver: driver,
		auth:   auth,
		opts:   opts,
		clock:  clk,
		logger: logger,
		sem:    semaphore.NewWeighted(int64(opts.MaxContexts)),
		leased: make(map[string]*ExecutionContext),
	}
}

// Subscribe registers an observer for lifecycle events.
func (s *Session) Subscribe(o Observer) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.observers = append(s.observers, o)
}

func (s *Session) emit(t EventType) {
	ev := Event{Type: t, At: s.clock.Now()}
	s.obsMu.RLock()
	observers := append([]Observer(nil), s.observers...)
	s.obsMu.RUnlock()
	for _, o := range observers {
		o.OnSessionEvent(ev)
	}
}

// IsInitialized reports whether the session holds a live, authenticated browser.
func (s *Session) IsInitialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// Ceiling returns the lease ceiling.
func (s *Session) Ceiling() int {
	return s.opts.MaxContexts
}

// Initialize launches the browser and signs in. It waits for the auth slot
// if a reauthentication is running. Calling it on an initialized session is
// a no-op.
func (s *Session) Initialize(ctx context.Context, creds credentials.Source) error {
	s.authMu.Lock()
	defer s.authMu.Unlock()
	s.authActive.Store(true)
	defer s.authActive.Store(false)

	if s.IsInitialized() {
		return nil
	}

	s.logger.Infof("Initializing browser and logging in")

	b, err := s.driver.Launch(ctx)
	if err != nil {
		return &InitializationError{Stage: StageLaunch, Err: err}
	}

	s.mu.Lock()
	stale := s.browser
	s.generation++
	gen := s.generation
	s.browser = b
	s.mu.Unlock()

	if stale != nil {
		// Leftover from a disconnect that nobody closed
		if err := stale.Close(); err != nil {
			s.logger.Debugf("Closing stale browser: %v", err)
		}
	}

	b.OnDisconnected(func() { s.handleDisconnect(gen) })

	page, err := b.NewPage(ctx)
	if err != nil {
		s.discard(b)
		return &InitializationError{Stage: StageContext, Err: err}
	}
	page.SetTimeout(s.opts.OperationTimeout)

	err = s.auth.Login(ctx, page, creds, false)
	s.closePage(page)
	if err != nil {
		s.discard(b)
		return &InitializationError{Stage: StageAuthenticate, Err: err}
	}

	s.mu.Lock()
	if s.browser != b {
		// Closed underneath us
		s.mu.Unlock()
		s.discard(b)
		return &InitializationError{Stage: StageAuthenticate, Err: ErrNotInitialized}
	}
	s.initialized = true
	s.lastHealthCheck = s.clock.Now()
	s.mu.Unlock()

	s.logger.Infof("Browser initialized and logged in")
	s.emit(EventInitialized)
	return nil
}

// discard closes b and forgets it if it is still the current browser.
func (s *Session) discard(b Browser) {
	s.mu.Lock()
	if s.browser == b {
		s.browser = nil
		s.initialized = false
	}
	s.mu.Unlock()

	if err := b.Close(); err != nil {
		s.logger.Warnf("Failed to close browser after failed initialization: %v", err)
	}
}

func (s *Session) handleDisconnect(gen uint64) {
	s.mu.Lock()
	if gen != s.generation || s.browser == nil || !s.initialized {
		s.mu.Unlock()
		return
	}
	s.initialized = false
	s.mu.Unlock()

	s.logger.Errorf("Browser disconnected unexpectedly")
	s.emit(EventDisconnected)
}

// AcquireContext leases a fresh page. It blocks while the ceiling is
// reached or a reauthentication is draining leases.
func (s *Session) AcquireContext(ctx context.Context) (*ExecutionContext, error) {
	if !s.IsInitialized() {
		return nil, ErrNotInitialized
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for execution context: %w", err)
	}

	s.mu.Lock()
	b := s.browser
	ok := s.initialized && b != nil
	s.mu.Unlock()
	if !ok {
		s.sem.Release(1)
		return nil, ErrNotInitialized
	}

	page, err := b.NewPage(ctx)
	if err != nil {
		s.sem.Release(1)
		return nil, fmt.Errorf("failed to open page: %w", err)
	}

	if err := page.BlockResources(s.opts.BlockedResources); err != nil {
		s.closePage(page)
		s.sem.Release(1)
		return nil, fmt.Errorf("failed to harden page: %w", err)
	}
	page.SetTimeout(s.opts.OperationTimeout)

	ec := &ExecutionContext{
		ID:         uuid.NewString(),
		Page:       page,
		AcquiredAt: s.clock.Now(),
	}

	s.mu.Lock()
	if !s.initialized || s.browser != b {
		s.mu.Unlock()
		s.closePage(page)
		s.sem.Release(1)
		return nil, ErrNotInitialized
	}
	s.leased[ec.ID] = ec
	if n := len(s.leased); n > s.peakLeased {
		s.peakLeased = n
	}
	s.mu.Unlock()

	s.logger.Debugf("Leased execution context %s", ec.ID)
	return ec, nil
}

// ReleaseContext closes the page and frees its slot. Releasing twice, or
// releasing nil, is a no-op.
func (s *Session) ReleaseContext(ec *ExecutionContext) {
	if ec == nil || !ec.released.CompareAndSwap(false, true) {
		return
	}

	s.mu.Lock()
	delete(s.leased, ec.ID)
	s.mu.Unlock()

	s.closePage(ec.Page)
	s.sem.Release(1)
	s.logger.Debugf("Released execution context %s", ec.ID)
}

func (s *Session) closePage(p Page) {
	if p == nil {
		return
	}
	if err := p.Close(); err != nil {
		s.logger.Debugf("Error closing page: %v", err)
	}
}

// ReclaimIdle releases leases held longer than the idle timeout and returns
// how many were reclaimed.
func (s *Session) ReclaimIdle() int {
	if s.opts.IdleTimeout <= 0 {
		return 0
	}
	cutoff := s.clock.Now().Add(-s.opts.IdleTimeout)

	s.mu.Lock()
	var stale []*ExecutionContext
	for _, ec := range s.leased {
		if ec.AcquiredAt.Before(cutoff) {
			stale = append(stale, ec)
		}
	}
	s.mu.Unlock()

	for _, ec := range stale {
		s.logger.Warnf("Reclaiming execution context %s idle since %s", ec.ID, ec.AcquiredAt.Format(time.RFC3339))
		s.ReleaseContext(ec)
	}
	return len(stale)
}

// CheckHealth probes the browser. It returns *UnhealthyError when the
// browser is disconnected or the probe fails or times out.
func (s *Session) CheckHealth(ctx context.Context) error {
	s.mu.Lock()
	b := s.browser
	initialized := s.initialized
	s.mu.Unlock()

	if !initialized || b == nil {
		return ErrNotInitialized
	}
	if !b.IsConnected() {
		return &UnhealthyError{Reason: "browser disconnected"}
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.opts.HealthProbeTimeout)
	defer cancel()

	version, err := b.Version(probeCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(probeCtx.Err(), context.DeadlineExceeded) {
			return &UnhealthyError{Reason: "liveness probe timed out", Err: ErrTimeout}
		}
		return &UnhealthyError{Reason: "liveness probe failed", Err: err}
	}

	s.mu.Lock()
	s.lastHealthCheck = s.clock.Now()
	s.mu.Unlock()

	s.logger.Debugf("Health check passed (version %s)", version)
	return nil
}

// Reauthenticate signs in again on the running browser. It fails fast with
// ErrReauthInProgress if another authentication holds the slot. All leases
// are drained first and new ones wait until it returns.
func (s *Session) Reauthenticate(ctx context.Context, creds credentials.Source, forceLogout bool) error {
	if !s.authMu.TryLock() {
		return ErrReauthInProgress
	}
	defer s.authMu.Unlock()
	s.authActive.Store(true)
	defer s.authActive.Store(false)

	s.mu.Lock()
	b := s.browser
	initialized := s.initialized
	s.mu.Unlock()

	if !initialized || b == nil {
		return ErrNotInitialized
	}
	if !b.IsConnected() {
		return &UnhealthyError{Reason: "browser disconnected"}
	}

	s.logger.Infof("Reauthenticating (force logout: %t)", forceLogout)

	ceiling := int64(s.opts.MaxContexts)
	if err := s.sem.Acquire(ctx, ceiling); err != nil {
		return fmt.Errorf("waiting for leases to drain: %w", err)
	}
	defer s.sem.Release(ceiling)

	page, err := b.NewPage(ctx)
	if err != nil {
		return fmt.Errorf("failed to open page: %w", err)
	}
	page.SetTimeout(s.opts.OperationTimeout)
	defer s.closePage(page)

	if err := s.auth.Login(ctx, page, creds, forceLogout); err != nil {
		s.logger.Errorf("Reauthentication failed: %v", err)
		return err
	}

	s.mu.Lock()
	s.lastHealthCheck = s.clock.Now()
	s.mu.Unlock()

	s.logger.Infof("Reauthentication succeeded")
	s.emit(EventReauthenticated)
	return nil
}

// Close releases every lease, closes the browser and marks the session
// uninitialized. It is safe to call repeatedly.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	b := s.browser
	s.browser = nil
	s.initialized = false
	leases := make([]*ExecutionContext, 0, len(s.leased))
	for _, ec := range s.leased {
		leases = append(leases, ec)
	}
	s.mu.Unlock()

	for _, ec := range leases {
		s.ReleaseContext(ec)
	}

	var err error
	if b != nil {
		s.logger.Infof("Closing browser (%d leased contexts released)", len(leases))
		if cerr := b.Close(); cerr != nil {
			err = fmt.Errorf("failed to close browser: %w", cerr)
		}
	}

	s.emit(EventClosed)
	return err
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	connected := s.browser != nil && s.browser.IsConnected()
	return Status{
		Initialized:     s.initialized,
		Connected:       connected,
		Leased:          len(s.leased),
		PeakLeased:      s.peakLeased,
		Ceiling:         s.opts.MaxContexts,
		LastHealthCheck: s.lastHealthCheck,
		ReauthInFlight:  s.authActive.Load(),
	}
}
