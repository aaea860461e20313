// Package auth drives the console sign-in as an explicit state machine:
// entry navigation, identifier, password, then zero or more one-time-code
// challenges, verified by the final page location.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/entrhq/consolepilot/pkg/browser"
	"github.com/entrhq/consolepilot/pkg/clock"
	"github.com/entrhq/consolepilot/pkg/credentials"
	"github.com/entrhq/consolepilot/pkg/logging"
)

// Options bounds the login state machine.
type Options struct {
	// MaxRetries is the number of full attempts before giving up.
	MaxRetries int
	// MaxCodeAttempts is the number of codes submitted per attempt.
	MaxCodeAttempts int
	// StepTimeout bounds every navigation, form step and code submission.
	StepTimeout  time.Duration
	RetryBackoff time.Duration
	// LogoutPause lets the server finish tearing down the old session.
	LogoutPause time.Duration
}

// DefaultOptions returns the production limits.
func DefaultOptions() Options {
	return Options{
		MaxRetries:      3,
		MaxCodeAttempts: 5,
		StepTimeout:     15 * time.Second,
		RetryBackoff:    2 * time.Second,
		LogoutPause:     3 * time.Second,
	}
}

// Authenticator implements browser.Authenticator on top of a Flow.
type Authenticator struct {
	flow     Flow
	opts     Options
	clock    clock.Clock
	logger   *logging.Logger
	observer func(Transition)
}

var _ browser.Authenticator = (*Authenticator)(nil)

// New creates an Authenticator. Zero option fields take the defaults.
func New(flow Flow, opts Options, clk clock.Clock, logger *logging.Logger) *Authenticator {
	def := DefaultOptions()
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = def.MaxRetries
	}
	if opts.MaxCodeAttempts <= 0 {
		opts.MaxCodeAttempts = def.MaxCodeAttempts
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = def.StepTimeout
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Authenticator{flow: flow, opts: opts, clock: clk, logger: logger}
}

// OnTransition registers fn to receive every phase change. Not safe to call
// concurrently with Login.
func (a *Authenticator) OnTransition(fn func(Transition)) {
	a.observer = fn
}

// Login runs the state machine up to MaxRetries times. The terminal error is
// a *LoginFailedError wrapping the last attempt's cause.
func (a *Authenticator) Login(ctx context.Context, page browser.Page, creds credentials.Source, forceLogout bool) error {
	var cause error
	attempts := 0

	for attempts < a.opts.MaxRetries {
		attempts++
		cause = a.attempt(ctx, page, creds, forceLogout, attempts)
		if cause == nil {
			a.logger.Infof("Login succeeded on attempt %d", attempts)
			return nil
		}

		a.logger.Warnf("Login attempt %d/%d failed: %v", attempts, a.opts.MaxRetries, cause)
		if ctx.Err() != nil || attempts >= a.opts.MaxRetries {
			break
		}
		if err := a.clock.Sleep(ctx, a.opts.RetryBackoff); err != nil {
			break
		}
	}

	return &LoginFailedError{Attempts: attempts, Cause: cause}
}

func (a *Authenticator) attempt(ctx context.Context, page browser.Page, creds credentials.Source, forceLogout bool, n int) (err error) {
	codes := 0
	defer func() {
		if err != nil {
			a.enter(Transition{Attempt: n, Phase: PhaseFailed, Challenge: codes, Err: err})
		}
	}()

	primary, err := creds.Primary()
	if err != nil {
		return fmt.Errorf("failed to read credentials: %w", err)
	}

	a.enter(Transition{Attempt: n, Phase: PhaseNavigatingToEntry})
	if forceLogout {
		if err := a.step(ctx, PhaseNavigatingToEntry, func(ctx context.Context) error {
			return a.flow.Logout(ctx, page)
		}); err != nil {
			return err
		}
		if err := a.clock.Sleep(ctx, a.opts.LogoutPause); err != nil {
			return err
		}
	}
	if err := a.step(ctx, PhaseNavigatingToEntry, func(ctx context.Context) error {
		return a.flow.OpenEntry(ctx, page, forceLogout)
	}); err != nil {
		return err
	}

	a.enter(Transition{Attempt: n, Phase: PhaseEnteringIdentifier})
	if err := a.step(ctx, PhaseEnteringIdentifier, func(ctx context.Context) error {
		return a.flow.SubmitIdentifier(ctx, page, primary.Identifier)
	}); err != nil {
		return err
	}

	a.enter(Transition{Attempt: n, Phase: PhaseEnteringPassword})
	if err := a.step(ctx, PhaseEnteringPassword, func(ctx context.Context) error {
		return a.flow.SubmitSecret(ctx, page, primary.Secret)
	}); err != nil {
		return err
	}

	for {
		var present bool
		if err := a.step(ctx, PhaseAwaitingChallenge, func(ctx context.Context) error {
			var perr error
			present, perr = a.flow.ChallengePresent(ctx, page)
			return perr
		}); err != nil {
			return err
		}
		if !present {
			break
		}
		if codes >= a.opts.MaxCodeAttempts {
			return fmt.Errorf("%w: still challenged after %d codes", ErrTooManyChallenges, codes)
		}

		codes++
		a.enter(Transition{Attempt: n, Phase: PhaseAwaitingChallenge, Challenge: codes})

		// Codes live for one window, so derive it right before submitting
		code, err := creds.OneTimeCode(a.clock.Now())
		if err != nil {
			return err
		}
		if err := a.step(ctx, PhaseAwaitingChallenge, func(ctx context.Context) error {
			return a.flow.SubmitCode(ctx, page, code)
		}); err != nil {
			return err
		}
	}

	var (
		ok       bool
		location string
	)
	if err := a.step(ctx, PhaseLoggedIn, func(ctx context.Context) error {
		var verr error
		ok, location, verr = a.flow.Verify(ctx, page)
		return verr
	}); err != nil {
		return err
	}
	if !ok {
		return &VerificationFailedError{Location: location}
	}

	a.enter(Transition{Attempt: n, Phase: PhaseLoggedIn, Challenge: codes})
	return nil
}

// step runs fn under the step timeout. A step that runs out of time becomes
// a *ChallengeTimeoutError; cancellation of the parent ctx is returned as-is.
func (a *Authenticator) step(ctx context.Context, phase Phase, fn func(context.Context) error) error {
	stepCtx, cancel := context.WithTimeout(ctx, a.opts.StepTimeout)
	defer cancel()

	err := fn(stepCtx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, browser.ErrTimeout) {
		return &ChallengeTimeoutError{Phase: phase, Err: err}
	}
	return err
}

func (a *Authenticator) enter(t Transition) {
	if t.Phase == PhaseAwaitingChallenge {
		a.logger.Debugf("Attempt %d: %s (code %d)", t.Attempt, t.Phase, t.Challenge)
	} else {
		a.logger.Debugf("Attempt %d: %s", t.Attempt, t.Phase)
	}
	if a.observer != nil {
		a.observer(t)
	}
}
