// Package service assembles the session, its supervisors and the batch
// executor into one process lifecycle.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/entrhq/consolepilot/pkg/actions"
	"github.com/entrhq/consolepilot/pkg/auth"
	"github.com/entrhq/consolepilot/pkg/batch"
	"github.com/entrhq/consolepilot/pkg/browser"
	"github.com/entrhq/consolepilot/pkg/clock"
	"github.com/entrhq/consolepilot/pkg/config"
	"github.com/entrhq/consolepilot/pkg/credentials"
	"github.com/entrhq/consolepilot/pkg/logging"
	"github.com/entrhq/consolepilot/pkg/metrics"
	"github.com/entrhq/consolepilot/pkg/monitor"
	"github.com/entrhq/consolepilot/pkg/notify"
	"github.com/entrhq/consolepilot/pkg/recovery"
	"github.com/entrhq/consolepilot/pkg/roster"
	"github.com/entrhq/consolepilot/pkg/scheduler"
)

// Deps are the external collaborators of a Supervisor. Publisher, Clock and
// Authenticator may be nil; a nil Authenticator selects the console sign-in
// flow.
type Deps struct {
	Driver        browser.Driver
	Authenticator browser.Authenticator
	Creds         credentials.Source
	Roster        *roster.Roster
	Publisher     notify.Publisher
	Clock         clock.Clock
	Logger        *logging.Logger
}

// Supervisor owns every long-running component.
type Supervisor struct {
	cfg       *config.Config
	creds     credentials.Source
	logger    *logging.Logger
	publisher notify.Publisher

	flow      *auth.ConsoleFlow
	session   *browser.Session
	monitor   *monitor.Monitor
	recovery  *recovery.Controller
	scheduler *scheduler.Scheduler
	executor  *batch.Executor
	roster    *roster.Roster
	metrics   *metrics.Metrics

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
}

// New wires the components. Nothing runs until Start.
func New(cfg *config.Config, deps Deps) (*Supervisor, error) {
	if deps.Driver == nil || deps.Creds == nil || deps.Roster == nil {
		return nil, errors.New("driver, credentials and roster are required")
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = notify.NewLogPublisher(logger.Component("notify"))
	}

	flow, err := auth.NewConsoleFlow(auth.ConsoleFlowOptions{
		BaseURL:     cfg.Console.BaseURL,
		LoginURL:    cfg.Console.LoginURL,
		LogoutURL:   cfg.Console.LogoutURL,
		SettleDelay: cfg.Auth.SettleDelay,
	}, clk, logger.Component("auth"))
	if err != nil {
		return nil, err
	}
	authenticator := deps.Authenticator
	if authenticator == nil {
		authenticator = auth.New(flow, auth.Options{
			MaxRetries:      cfg.Auth.MaxRetries,
			MaxCodeAttempts: cfg.Auth.MaxCodeAttempts,
			StepTimeout:     cfg.Auth.StepTimeout,
			RetryBackoff:    cfg.Auth.RetryBackoff,
			LogoutPause:     cfg.Auth.LogoutPause,
		}, clk, logger.Component("auth"))
	}

	session := browser.NewSession(deps.Driver, authenticator, browser.Options{
		MaxContexts:        cfg.Session.MaxContexts,
		OperationTimeout:   cfg.Session.OperationTimeout,
		HealthProbeTimeout: cfg.Session.HealthProbeTimeout,
		IdleTimeout:        cfg.Session.IdleTimeout,
		BlockedResources:   cfg.Session.BlockedResources,
	}, clk, logger.Component("session"))

	m := metrics.New("consolepilot", func() (int, int, bool) {
		st := session.Status()
		return st.Leased, st.Ceiling, st.Initialized
	})

	rc := recovery.New(session, deps.Creds, recovery.Options{
		MaxAttempts: cfg.Recovery.MaxAttempts,
		CoolDown:    cfg.Recovery.CoolDown,
		RetryDelay:  cfg.Recovery.RetryDelay,
	}, clk, logger.Component("recovery"))
	rc.SetRecorder(m)

	mon := monitor.New(session, rc, cfg.Monitor.Interval, clk, logger.Component("monitor"),
		monitor.WithReclaimer(session),
		monitor.WithRecorder(m),
	)

	var sched *scheduler.Scheduler
	if cfg.Relogin.Enabled {
		loc, err := cfg.Relogin.Location()
		if err != nil {
			return nil, err
		}
		sched, err = scheduler.New(session, deps.Creds, rc, scheduler.Options{
			Schedule: cfg.Relogin.Schedule,
			Location: loc,
		}, logger.Component("scheduler"))
		if err != nil {
			return nil, err
		}
		sched.SetRecorder(m)
	}

	action := actions.NewTurnOffLoginChallenge(cfg.Console.BaseURL, 0, logger.Component("actions"))
	exec := batch.New(session, deps.Roster, action, publisher, batch.Options{
		Size:    cfg.Batch.Size,
		Delay:   cfg.Batch.Delay,
		Channel: cfg.Notify.Channel,
	}, clk, logger.Component("batch"))
	exec.SetRecorder(m)

	session.Subscribe(rc)
	session.Subscribe(mon)

	return &Supervisor{
		cfg:       cfg,
		creds:     deps.Creds,
		logger:    logger,
		publisher: publisher,
		flow:      flow,
		session:   session,
		monitor:   mon,
		recovery:  rc,
		scheduler: sched,
		executor:  exec,
		roster:    deps.Roster,
		metrics:   m,
	}, nil
}

// Start initializes the session and starts the monitor and the scheduler.
// A failed initialization is returned and handed to crash recovery, which
// keeps retrying within its attempt budget; Relogin also brings the session
// up.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("supervisor already started")
	}
	s.started = true
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.monitor.Run(runCtx)
	}()
	if s.scheduler != nil {
		s.scheduler.Start()
	}

	if err := s.session.Initialize(ctx, s.creds); err != nil {
		s.logger.Errorf("Initial login failed: %v", err)
		s.recovery.Trigger(fmt.Errorf("initial login failed: %w", err))
		return err
	}
	return nil
}

// Shutdown stops the scheduler, recovery and monitor, closes the session and
// the publisher. Safe to call more than once.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	var errs []error
	s.shutdown.Do(func() {
		s.logger.Infof("Shutting down")

		if s.scheduler != nil {
			if err := s.scheduler.Stop(ctx); err != nil {
				errs = append(errs, fmt.Errorf("scheduler: %w", err))
			}
		}
		s.recovery.Stop()

		s.mu.Lock()
		cancel := s.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		s.wg.Wait()

		if err := s.session.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("session: %w", err))
		}
		if err := s.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("publisher: %w", err))
		}
	})
	return errors.Join(errs...)
}

// EnsureLoggedIn opens the console entry page and relogs in when it lands in
// the sign-in flow.
func (s *Supervisor) EnsureLoggedIn(ctx context.Context) (bool, error) {
	ec, err := s.session.AcquireContext(ctx)
	if err != nil {
		return false, err
	}
	err = ec.Page.Goto(ctx, s.cfg.Console.BaseURL)
	location := ec.Page.URL()
	s.session.ReleaseContext(ec)
	if err != nil {
		return false, fmt.Errorf("failed to open console: %w", err)
	}

	if !s.flow.InSignInFlow(location) {
		return true, nil
	}

	s.logger.Warnf("Console redirected to sign-in (%s), logging in again", location)
	if err := s.session.Reauthenticate(ctx, s.creds, false); err != nil {
		return false, err
	}
	return false, nil
}

// Relogin performs a manual forced relogin. An uninitialized session, after
// a failed start or exhausted recovery, is initialized from scratch instead.
func (s *Supervisor) Relogin(ctx context.Context) error {
	s.logger.Infof("Manual relogin requested")
	err := s.session.Reauthenticate(ctx, s.creds, true)
	if !errors.Is(err, browser.ErrNotInitialized) {
		return err
	}
	s.logger.Warnf("Session is not initialized, starting a fresh login")
	return s.session.Initialize(ctx, s.creds)
}

// Run executes one turn-off batch.
func (s *Supervisor) Run(ctx context.Context, keys []string) (*batch.Result, error) {
	return s.executor.Run(ctx, keys)
}

func (s *Supervisor) Session() *browser.Session { return s.session }

func (s *Supervisor) Roster() *roster.Roster { return s.roster }

func (s *Supervisor) Metrics() *metrics.Metrics { return s.metrics }

func (s *Supervisor) Recovery() *recovery.Controller { return s.recovery }

func (s *Supervisor) Monitor() *monitor.Monitor { return s.monitor }

func (s *Supervisor) Scheduler() *scheduler.Scheduler { return s.scheduler }
