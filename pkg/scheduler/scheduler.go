// Package scheduler forces a fresh login on a cron schedule so the console
// session never reaches its server-side expiry.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"
	// DefaultTimeZone must resolve on hosts without a zoneinfo database
	_ "time/tzdata"

	"github.com/robfig/cron/v3"

	"github.com/entrhq/consolepilot/pkg/browser"
	"github.com/entrhq/consolepilot/pkg/credentials"
	"github.com/entrhq/consolepilot/pkg/logging"
)

// Defaults.
const (
	DefaultSchedule = "*/40 0 * * *"
	DefaultTimeZone = "Asia/Jakarta"
	DefaultTimeout  = 5 * time.Minute
)

// Reauthenticator is the session operation the scheduler drives.
type Reauthenticator interface {
	Reauthenticate(ctx context.Context, creds credentials.Source, forceLogout bool) error
}

// Recoverer takes over when a scheduled relogin fails.
type Recoverer interface {
	Trigger(reason error) bool
}

// Recorder receives the result of every fire.
type Recorder interface {
	ObserveRelogin(result string)
}

// Options configures the schedule.
type Options struct {
	// Schedule is a five-field cron expression or a descriptor such as @daily.
	Schedule string
	Location *time.Location
	// Timeout bounds one relogin.
	Timeout time.Duration
}

// Scheduler runs forced relogins.
type Scheduler struct {
	session   Reauthenticator
	creds     credentials.Source
	recoverer Recoverer
	recorder  Recorder
	opts      Options
	logger    *logging.Logger

	cron    *cron.Cron
	entryID cron.EntryID

	// baseCtx parents every scheduled fire; Stop cancels it.
	baseCtx context.Context
	cancel  context.CancelFunc
}

// Parser accepts standard five-field expressions and descriptors.
var Parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New validates the schedule and registers the job. Nothing fires until Start.
func New(session Reauthenticator, creds credentials.Source, recoverer Recoverer, opts Options, logger *logging.Logger) (*Scheduler, error) {
	if opts.Schedule == "" {
		opts.Schedule = DefaultSchedule
	}
	if opts.Location == nil {
		loc, err := time.LoadLocation(DefaultTimeZone)
		if err != nil {
			return nil, fmt.Errorf("failed to load time zone %s: %w", DefaultTimeZone, err)
		}
		opts.Location = loc
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	s := &Scheduler{
		session:   session,
		creds:     creds,
		recoverer: recoverer,
		opts:      opts,
		logger:    logger,
	}
	s.baseCtx, s.cancel = context.WithCancel(context.Background())
	s.cron = cron.New(
		cron.WithLocation(opts.Location),
		cron.WithParser(Parser),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger})),
	)

	id, err := s.cron.AddFunc(opts.Schedule, s.fireScheduled)
	if err != nil {
		return nil, fmt.Errorf("invalid relogin schedule %q: %w", opts.Schedule, err)
	}
	s.entryID = id
	return s, nil
}

// SetRecorder reports fire results. Call before Start.
func (s *Scheduler) SetRecorder(r Recorder) {
	s.recorder = r
}

// Start begins firing on the schedule.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Infof("Relogin scheduled %q (%s), next at %s", s.opts.Schedule, s.opts.Location, s.Next().Format(time.RFC3339))
}

// Stop stops the schedule, cancels a running relogin and waits for it to
// return or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()

	select {
	case <-done.Done():
		s.logger.Infof("Relogin scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next returns the next scheduled fire time.
func (s *Scheduler) Next() time.Time {
	if e := s.cron.Entry(s.entryID); e.Valid() && !e.Next.IsZero() {
		return e.Next
	}
	sched, err := Parser.Parse(s.opts.Schedule)
	if err != nil {
		return time.Time{}
	}
	return sched.Next(time.Now().In(s.opts.Location))
}

func (s *Scheduler) fireScheduled() {
	_ = s.Fire(s.baseCtx)
}

// Fire performs one forced relogin. A relogin already in flight is skipped;
// any other failure hands the session to crash recovery.
func (s *Scheduler) Fire(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	s.logger.Infof("Starting scheduled relogin")
	err := s.session.Reauthenticate(ctx, s.creds, true)
	switch {
	case err == nil:
		s.logger.Infof("Scheduled relogin succeeded")
		s.observe("success")
		return nil
	case errors.Is(err, browser.ErrReauthInProgress):
		s.logger.Warnf("Skipping scheduled relogin: %v", err)
		s.observe("skipped")
		return err
	default:
		s.logger.Errorf("Scheduled relogin failed, starting crash recovery: %v", err)
		s.observe("failure")
		if s.recoverer != nil {
			s.recoverer.Trigger(fmt.Errorf("scheduled relogin failed: %w", err))
		}
		return err
	}
}

func (s *Scheduler) observe(result string) {
	if s.recorder != nil {
		s.recorder.ObserveRelogin(result)
	}
}

// cronLogger adapts logging.Logger to cron.Logger.
type cronLogger struct {
	l *logging.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugf("cron: %s %v", msg, keysAndValues)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorf("cron: %s: %v %v", msg, err, keysAndValues)
}
