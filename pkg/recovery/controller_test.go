package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/entrhq/consolepilot/pkg/browser"
	"github.com/entrhq/consolepilot/pkg/browser/browsertest"
	"github.com/entrhq/consolepilot/pkg/clock"
	"github.com/entrhq/consolepilot/pkg/logging"
)

type fixture struct {
	driver  *browsertest.Driver
	auth    *browsertest.Authenticator
	session *browser.Session
	clock   *clock.Fake
	ctrl    *Controller
	logs    *observer.ObservedLogs
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	logger := logging.NewWithCore("recovery", core)

	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	driver := browsertest.NewDriver()
	auth := &browsertest.Authenticator{}
	session := browser.NewSession(driver, auth, browser.Options{}, clk, logging.NewNop())
	ctrl := New(session, browsertest.Credentials{}, opts, clk, logger)
	session.Subscribe(ctrl)
	t.Cleanup(ctrl.Stop)

	return &fixture{driver: driver, auth: auth, session: session, clock: clk, ctrl: ctrl, logs: logs}
}

func (f *fixture) fatalCount() int {
	return f.logs.FilterMessageSnippet("Crash recovery gave up").Len()
}

type results struct{ got []string }

func (r *results) ObserveRecovery(result string) { r.got = append(r.got, result) }

func TestRecoverSucceeds(t *testing.T) {
	f := newFixture(t, Options{CoolDown: 5 * time.Second})
	rec := &results{}
	f.ctrl.SetRecorder(rec)

	require.NoError(t, f.ctrl.Recover(context.Background()))

	assert.True(t, f.session.IsInitialized())
	assert.Equal(t, StateIdle, f.ctrl.State())
	assert.Equal(t, 0, f.ctrl.Attempts())
	assert.Equal(t, []time.Duration{5 * time.Second}, f.clock.Sleeps(), "cool-down before relaunch")
	assert.Equal(t, []string{"success"}, rec.got)
}

func TestRecoverClosesOldBrowserFirst(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	require.NoError(t, f.session.Initialize(ctx, browsertest.Credentials{}))
	first := f.driver.Last()

	first.SetVersionErr(errors.New("target closed"))
	require.NoError(t, f.ctrl.Recover(ctx))

	assert.True(t, first.Closed())
	assert.Equal(t, 2, f.driver.Launches())
	assert.NotSame(t, first, f.driver.Last())
}

func TestRecoverIgnoresCloseError(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	require.NoError(t, f.session.Initialize(ctx, browsertest.Credentials{}))
	f.driver.Last().CloseErr = errors.New("already gone")

	require.NoError(t, f.ctrl.Recover(ctx))
	assert.Equal(t, 1, f.logs.FilterMessageSnippet("Ignoring error while closing").Len())
}

func TestRecoveryExhaustsAndLogsFatalOnce(t *testing.T) {
	f := newFixture(t, Options{MaxAttempts: 3, RetryDelay: 10 * time.Second})
	rec := &results{}
	f.ctrl.SetRecorder(rec)
	f.auth.SetErr(errors.New("wrong password"))
	ctx := context.Background()

	err := f.ctrl.Recover(ctx)
	var initErr *browser.InitializationError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, StateWaiting, f.ctrl.State())
	assert.Equal(t, 1, f.ctrl.Attempts())
	assert.Equal(t, 1, f.clock.Pending())

	// scheduled retries run through the clock
	require.Equal(t, 1, f.clock.Fire())
	assert.Equal(t, 2, f.ctrl.Attempts())
	require.Equal(t, 1, f.clock.Fire())
	assert.Equal(t, 3, f.ctrl.Attempts())
	assert.Equal(t, StateWaiting, f.ctrl.State())

	require.Equal(t, 1, f.clock.Fire())
	assert.Equal(t, StateExhausted, f.ctrl.State())
	assert.Equal(t, 0, f.clock.Pending(), "no retry after exhaustion")
	assert.Equal(t, 1, f.fatalCount())
	assert.Equal(t, 3, f.driver.Launches())

	// further invocations do not log again
	assert.ErrorIs(t, f.ctrl.Recover(ctx), ErrRecoveryExhausted)
	assert.ErrorIs(t, f.ctrl.Recover(ctx), ErrRecoveryExhausted)
	assert.False(t, f.ctrl.Trigger(errors.New("again")))
	assert.Equal(t, 1, f.fatalCount())
	assert.Equal(t, 3, f.driver.Launches())
	assert.Equal(t, 6, f.ctrl.Invocations())

	assert.Equal(t, []string{"failure", "failure", "failure", "exhausted", "exhausted", "exhausted"}, rec.got)
}

func TestInitializedEventResetsExhaustion(t *testing.T) {
	f := newFixture(t, Options{MaxAttempts: 1})
	f.driver.SetLaunchErr(errors.New("chromium missing"))
	ctx := context.Background()

	require.Error(t, f.ctrl.Recover(ctx))
	f.clock.Fire()
	require.Equal(t, StateExhausted, f.ctrl.State())
	require.Equal(t, 1, f.fatalCount())

	// an operator brings the session back by hand
	f.driver.SetLaunchErr(nil)
	require.NoError(t, f.session.Initialize(ctx, browsertest.Credentials{}))

	assert.Equal(t, StateIdle, f.ctrl.State())
	assert.Equal(t, 0, f.ctrl.Attempts())

	// and a later exhaustion is reported again
	f.driver.SetLaunchErr(errors.New("chromium missing"))
	require.Error(t, f.ctrl.Recover(ctx))
	f.clock.Fire()
	assert.Equal(t, 2, f.fatalCount())
}

func TestClosedEventCancelsScheduledRetry(t *testing.T) {
	f := newFixture(t, Options{})
	f.driver.SetLaunchErr(errors.New("chromium missing"))
	ctx := context.Background()

	require.Error(t, f.ctrl.Recover(ctx))
	require.Equal(t, 1, f.clock.Pending())

	require.NoError(t, f.session.Close(ctx))

	assert.Equal(t, 0, f.clock.Pending())
	assert.Equal(t, StateIdle, f.ctrl.State())
}

func TestStopCancelsScheduledRetry(t *testing.T) {
	f := newFixture(t, Options{})
	f.driver.SetLaunchErr(errors.New("chromium missing"))

	require.Error(t, f.ctrl.Recover(context.Background()))
	f.ctrl.Stop()

	assert.Equal(t, 0, f.clock.Pending())
	assert.False(t, f.ctrl.Trigger(errors.New("late")))
	assert.ErrorIs(t, f.ctrl.Recover(context.Background()), ErrStopped)
}

func TestDisconnectTriggersRecovery(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.session.Initialize(context.Background(), browsertest.Credentials{}))
	first := f.driver.Last()

	first.Crash()

	require.Eventually(t, func() bool {
		return f.driver.Launches() == 2 && f.session.IsInitialized() && f.ctrl.State() == StateIdle
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, f.ctrl.Attempts())
}

func TestTriggerCoalesces(t *testing.T) {
	f := newFixture(t, Options{})
	block := make(chan struct{})
	started := make(chan struct{}, 1)
	f.auth.Block = block
	f.auth.Started = started

	assert.True(t, f.ctrl.Trigger(errors.New("probe failed")))
	<-started

	assert.False(t, f.ctrl.Trigger(errors.New("probe failed again")))
	assert.ErrorIs(t, f.ctrl.Recover(context.Background()), ErrRecoveryInProgress)
	assert.Equal(t, StateRecovering, f.ctrl.State())

	close(block)
	require.Eventually(t, func() bool { return f.ctrl.State() == StateIdle }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.driver.Launches())
	assert.Equal(t, 1, f.ctrl.Invocations())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "waiting", StateWaiting.String())
	assert.Equal(t, "State(9)", State(9).String())
}
