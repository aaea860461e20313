// Package recovery restarts the browser session after a crash or a failed
// health check, up to a bounded number of consecutive attempts.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/entrhq/consolepilot/pkg/browser"
	"github.com/entrhq/consolepilot/pkg/clock"
	"github.com/entrhq/consolepilot/pkg/credentials"
	"github.com/entrhq/consolepilot/pkg/logging"
)

var (
	// ErrRecoveryExhausted is returned once the consecutive attempt budget is spent.
	ErrRecoveryExhausted = errors.New("crash recovery attempts exhausted")
	// ErrRecoveryInProgress is returned by Recover while another invocation runs.
	ErrRecoveryInProgress = errors.New("crash recovery already in progress")
	// ErrStopped is returned after Stop.
	ErrStopped = errors.New("crash recovery stopped")
)

// Defaults.
const (
	DefaultMaxAttempts = 3
	DefaultCoolDown    = 5 * time.Second
	DefaultRetryDelay  = 10 * time.Second
)

// State is the controller's position in the recovery cycle.
type State int

const (
	StateIdle State = iota
	StateRecovering
	StateWaiting
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecovering:
		return "recovering"
	case StateWaiting:
		return "waiting"
	case StateExhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Session is what recovery tears down and brings back up.
type Session interface {
	Initialize(ctx context.Context, creds credentials.Source) error
	Close(ctx context.Context) error
}

// Recorder receives the result of every invocation.
type Recorder interface {
	ObserveRecovery(result string)
}

// Options bounds the controller.
type Options struct {
	MaxAttempts int
	// CoolDown is the pause between closing the old browser and launching a new one.
	CoolDown time.Duration
	// RetryDelay is the wait before the next invocation after a failed one.
	RetryDelay time.Duration
}

// Controller serialises recovery attempts for one session.
type Controller struct {
	session  Session
	creds    credentials.Source
	opts     Options
	clock    clock.Clock
	logger   *logging.Logger
	recorder Recorder

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu          sync.Mutex
	state       State
	attempts    int
	invocations int
	fatalLogged bool
	stopped     bool
	timer       clock.Timer
}

// New creates a Controller. Zero option fields take the defaults.
func New(session Session, creds credentials.Source, opts Options, clk clock.Clock, logger *logging.Logger) *Controller {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.CoolDown < 0 {
		opts.CoolDown = 0
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		session: session,
		creds:   creds,
		opts:    opts,
		clock:   clk,
		logger:  logger,
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// SetRecorder reports invocation results. Call before the controller is used.
func (c *Controller) SetRecorder(r Recorder) {
	c.recorder = r
}

// Trigger starts recovery in the background. It returns false when a
// recovery is already running or scheduled, the budget is exhausted, or the
// controller has been stopped.
func (c *Controller) Trigger(reason error) bool {
	c.mu.Lock()
	if c.stopped || c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		c.logger.Debugf("Ignoring recovery trigger in state %s: %v", state, reason)
		return false
	}
	c.state = StateRecovering
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.Warnf("Crash recovery triggered: %v", reason)
	go func() {
		defer c.wg.Done()
		_ = c.run(c.baseCtx)
	}()
	return true
}

// Recover runs one invocation synchronously.
func (c *Controller) Recover(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.stopped:
		c.mu.Unlock()
		return ErrStopped
	case c.state == StateRecovering:
		c.mu.Unlock()
		return ErrRecoveryInProgress
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.state = StateRecovering
	c.mu.Unlock()

	return c.run(ctx)
}

// run is one invocation. The caller has already moved the state to Recovering.
func (c *Controller) run(ctx context.Context) error {
	c.mu.Lock()
	c.invocations++
	if c.attempts >= c.opts.MaxAttempts {
		c.state = StateExhausted
		first := !c.fatalLogged
		c.fatalLogged = true
		attempts := c.attempts
		c.mu.Unlock()

		if first {
			c.logger.Fatalf("Crash recovery gave up after %d consecutive attempts; manual intervention required", attempts)
		}
		c.observe("exhausted")
		return ErrRecoveryExhausted
	}
	c.attempts++
	attempt := c.attempts
	c.mu.Unlock()

	c.logger.Infof("Crash recovery attempt %d/%d", attempt, c.opts.MaxAttempts)

	if err := c.session.Close(ctx); err != nil {
		c.logger.Warnf("Ignoring error while closing crashed session: %v", err)
	}

	err := c.clock.Sleep(ctx, c.opts.CoolDown)
	if err == nil {
		err = c.session.Initialize(ctx, c.creds)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err == nil {
		c.attempts = 0
		c.fatalLogged = false
		c.state = StateIdle
		c.logger.Infof("Crash recovery succeeded on attempt %d", attempt)
		c.observe("success")
		return nil
	}

	c.logger.Errorf("Crash recovery attempt %d failed: %v", attempt, err)
	c.observe("failure")
	if c.stopped || ctx.Err() != nil {
		c.state = StateIdle
		return err
	}
	c.state = StateWaiting
	c.timer = c.clock.AfterFunc(c.opts.RetryDelay, c.retry)
	return err
}

func (c *Controller) retry() {
	c.mu.Lock()
	if c.stopped || c.state != StateWaiting {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.state = StateRecovering
	c.wg.Add(1)
	c.mu.Unlock()

	defer c.wg.Done()
	_ = c.run(c.baseCtx)
}

func (c *Controller) observe(result string) {
	if c.recorder != nil {
		c.recorder.ObserveRecovery(result)
	}
}

// OnSessionEvent keeps the attempt budget in step with the session lifecycle.
func (c *Controller) OnSessionEvent(ev browser.Event) {
	switch ev.Type {
	case browser.EventDisconnected:
		c.Trigger(errors.New("browser disconnected"))
	case browser.EventInitialized:
		c.mu.Lock()
		c.attempts = 0
		c.fatalLogged = false
		if c.state == StateWaiting || c.state == StateExhausted {
			c.stopTimerLocked()
			c.state = StateIdle
		}
		c.mu.Unlock()
	case browser.EventReauthenticated:
		c.mu.Lock()
		c.attempts = 0
		c.mu.Unlock()
	case browser.EventClosed:
		c.mu.Lock()
		if c.state == StateWaiting {
			c.stopTimerLocked()
			c.state = StateIdle
		}
		c.mu.Unlock()
	}
}

func (c *Controller) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// Stop cancels any scheduled retry and waits for a running invocation.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.stopTimerLocked()
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns the consecutive failed-or-running attempt count.
func (c *Controller) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Invocations returns how many times recovery has run in total.
func (c *Controller) Invocations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invocations
}
