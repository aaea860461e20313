package browser_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/consolepilot/pkg/browser"
	"github.com/entrhq/consolepilot/pkg/browser/browsertest"
	"github.com/entrhq/consolepilot/pkg/clock"
	"github.com/entrhq/consolepilot/pkg/logging"
)

type recorder struct {
	mu     sync.Mutex
	events []browser.EventType
}

func (r *recorder) OnSessionEvent(ev browser.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev.Type)
}

func (r *recorder) Events() []browser.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]browser.EventType(nil), r.events...)
}

type fixture struct {
	driver  *browsertest.Driver
	auth    *browsertest.Authenticator
	clock   *clock.Fake
	session *browser.Session
	events  *recorder
}

func newFixture(t *testing.T, opts browser.Options) *fixture {
	t.Helper()
	f := &fixture{
		driver: browsertest.NewDriver(),
		auth:   &browsertest.Authenticator{},
		clock:  clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		events: &recorder{},
	}
	f.session = browser.NewSession(f.driver, f.auth, opts, f.clock, logging.NewNop())
	f.session.Subscribe(f.events)
	return f
}

func (f *fixture) init(t *testing.T) {
	t.Helper()
	require.NoError(t, f.session.Initialize(context.Background(), browsertest.Credentials{}))
}

func TestInitialize(t *testing.T) {
	f := newFixture(t, browser.Options{})
	f.init(t)

	assert.True(t, f.session.IsInitialized())
	assert.Equal(t, []bool{false}, f.auth.Calls())
	assert.Equal(t, []browser.EventType{browser.EventInitialized}, f.events.Events())

	// the scratch login page is closed afterwards
	pages := f.driver.Last().Pages()
	require.Len(t, pages, 1)
	assert.True(t, pages[0].Closed())

	// second call is a no-op
	require.NoError(t, f.session.Initialize(context.Background(), browsertest.Credentials{}))
	assert.Equal(t, 1, f.driver.Launches())
}

func TestInitializeFailures(t *testing.T) {
	t.Run("launch failure", func(t *testing.T) {
		f := newFixture(t, browser.Options{})
		f.driver.SetLaunchErr(errors.New("no chromium"))

		err := f.session.Initialize(context.Background(), browsertest.Credentials{})

		var initErr *browser.InitializationError
		require.ErrorAs(t, err, &initErr)
		assert.Equal(t, browser.StageLaunch, initErr.Stage)
		assert.False(t, f.session.IsInitialized())
		assert.Empty(t, f.events.Events())
	})

	t.Run("login failure closes browser", func(t *testing.T) {
		f := newFixture(t, browser.Options{})
		loginErr := errors.New("bad password")
		f.auth.SetErr(loginErr)

		err := f.session.Initialize(context.Background(), browsertest.Credentials{})

		var initErr *browser.InitializationError
		require.ErrorAs(t, err, &initErr)
		assert.Equal(t, browser.StageAuthenticate, initErr.Stage)
		assert.ErrorIs(t, err, loginErr)
		assert.True(t, f.driver.Last().Closed())
		assert.False(t, f.session.IsInitialized())
		// closing a half-built browser is not a disconnect
		assert.Empty(t, f.events.Events())
	})
}

func TestAcquireContext(t *testing.T) {
	t.Run("not initialized", func(t *testing.T) {
		f := newFixture(t, browser.Options{})
		_, err := f.session.AcquireContext(context.Background())
		assert.ErrorIs(t, err, browser.ErrNotInitialized)
	})

	t.Run("applies hardening", func(t *testing.T) {
		f := newFixture(t, browser.Options{OperationTimeout: 12 * time.Second})
		f.init(t)

		ec, err := f.session.AcquireContext(context.Background())
		require.NoError(t, err)
		defer f.session.ReleaseContext(ec)

		page := ec.Page.(*browsertest.Page)
		assert.Equal(t, browser.DefaultBlockedResources, page.Blocked())
		assert.Equal(t, 12*time.Second, page.Timeout())
		assert.NotEmpty(t, ec.ID)
		assert.Equal(t, 1, f.session.Status().Leased)
	})

	t.Run("hardening failure frees the slot", func(t *testing.T) {
		f := newFixture(t, browser.Options{MaxContexts: 1})
		f.driver.PageFactory = func() *browsertest.Page {
			p := browsertest.NewPage()
			p.BlockErr = errors.New("route failed")
			return p
		}
		f.init(t)

		_, err := f.session.AcquireContext(context.Background())
		require.Error(t, err)
		assert.Equal(t, 0, f.session.Status().Leased)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, err = f.session.AcquireContext(ctx)
		assert.NotErrorIs(t, err, context.DeadlineExceeded, "slot must have been returned")
	})
}

func TestAcquireContextWaitsAtCeiling(t *testing.T) {
	f := newFixture(t, browser.Options{MaxContexts: 2})
	f.init(t)
	ctx := context.Background()

	first, err := f.session.AcquireContext(ctx)
	require.NoError(t, err)
	second, err := f.session.AcquireContext(ctx)
	require.NoError(t, err)

	acquired := make(chan *browser.ExecutionContext)
	go func() {
		ec, err := f.session.AcquireContext(ctx)
		if err == nil {
			acquired <- ec
		}
	}()

	select {
	case <-acquired:
		t.Fatal("third lease should wait at the ceiling")
	case <-time.After(50 * time.Millisecond):
	}

	f.session.ReleaseContext(first)

	select {
	case third := <-acquired:
		assert.Equal(t, 2, f.session.Status().Leased)
		f.session.ReleaseContext(third)
	case <-time.After(time.Second):
		t.Fatal("third lease never acquired")
	}

	f.session.ReleaseContext(second)
	status := f.session.Status()
	assert.Equal(t, 0, status.Leased)
	assert.Equal(t, 2, status.PeakLeased)
}

func TestAcquireContextHonoursCancellation(t *testing.T) {
	f := newFixture(t, browser.Options{MaxContexts: 1})
	f.init(t)

	ec, err := f.session.AcquireContext(context.Background())
	require.NoError(t, err)
	defer f.session.ReleaseContext(ec)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.session.AcquireContext(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReleaseContextIsIdempotent(t *testing.T) {
	f := newFixture(t, browser.Options{MaxContexts: 1})
	f.init(t)

	ec, err := f.session.AcquireContext(context.Background())
	require.NoError(t, err)
	ec.Page.(*browsertest.Page).CloseErr = errors.New("already closed")

	f.session.ReleaseContext(ec)
	f.session.ReleaseContext(ec)
	f.session.ReleaseContext(nil)

	assert.True(t, ec.Page.(*browsertest.Page).Closed())
	assert.Equal(t, 0, f.session.Status().Leased)

	// a double release must not inflate the ceiling
	a, err := f.session.AcquireContext(context.Background())
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.session.AcquireContext(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	f.session.ReleaseContext(a)
}

func TestCheckHealth(t *testing.T) {
	t.Run("not initialized", func(t *testing.T) {
		f := newFixture(t, browser.Options{})
		assert.ErrorIs(t, f.session.CheckHealth(context.Background()), browser.ErrNotInitialized)
	})

	t.Run("healthy records time", func(t *testing.T) {
		f := newFixture(t, browser.Options{})
		f.init(t)
		f.clock.Advance(time.Minute)

		require.NoError(t, f.session.CheckHealth(context.Background()))
		assert.Equal(t, f.clock.Now(), f.session.Status().LastHealthCheck)
	})

	t.Run("disconnected", func(t *testing.T) {
		f := newFixture(t, browser.Options{})
		f.init(t)
		f.driver.Last().Hang()

		var unhealthy *browser.UnhealthyError
		require.ErrorAs(t, f.session.CheckHealth(context.Background()), &unhealthy)
		assert.Equal(t, "browser disconnected", unhealthy.Reason)
	})

	t.Run("probe error", func(t *testing.T) {
		f := newFixture(t, browser.Options{})
		f.init(t)
		f.driver.Last().SetVersionErr(errors.New("protocol error"))

		var unhealthy *browser.UnhealthyError
		require.ErrorAs(t, f.session.CheckHealth(context.Background()), &unhealthy)
		assert.Equal(t, "liveness probe failed", unhealthy.Reason)
	})

	t.Run("probe timeout", func(t *testing.T) {
		f := newFixture(t, browser.Options{HealthProbeTimeout: 20 * time.Millisecond})
		f.init(t)
		f.driver.Last().SetVersionDelay(time.Second)

		err := f.session.CheckHealth(context.Background())
		var unhealthy *browser.UnhealthyError
		require.ErrorAs(t, err, &unhealthy)
		assert.ErrorIs(t, err, browser.ErrTimeout)
	})
}

func TestDisconnectEmitsEvent(t *testing.T) {
	f := newFixture(t, browser.Options{})
	f.init(t)

	f.driver.Last().Crash()

	assert.False(t, f.session.IsInitialized())
	assert.Equal(t, []browser.EventType{browser.EventInitialized, browser.EventDisconnected}, f.events.Events())

	_, err := f.session.AcquireContext(context.Background())
	assert.ErrorIs(t, err, browser.ErrNotInitialized)
}

func TestReauthenticate(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		f := newFixture(t, browser.Options{})
		f.init(t)

		require.NoError(t, f.session.Reauthenticate(context.Background(), browsertest.Credentials{}, true))
		assert.Equal(t, []bool{false, true}, f.auth.Calls())
		assert.Contains(t, f.events.Events(), browser.EventReauthenticated)
	})

	t.Run("refreshes last health check", func(t *testing.T) {
		f := newFixture(t, browser.Options{})
		f.init(t)
		initAt := f.session.Status().LastHealthCheck
		f.clock.Advance(time.Minute)

		require.NoError(t, f.session.Reauthenticate(context.Background(), browsertest.Credentials{}, true))

		assert.Equal(t, initAt.Add(time.Minute), f.session.Status().LastHealthCheck)
	})

	t.Run("not initialized", func(t *testing.T) {
		f := newFixture(t, browser.Options{})
		err := f.session.Reauthenticate(context.Background(), browsertest.Credentials{}, true)
		assert.ErrorIs(t, err, browser.ErrNotInitialized)
	})

	t.Run("propagates login error", func(t *testing.T) {
		f := newFixture(t, browser.Options{})
		f.init(t)
		loginErr := errors.New("login failed")
		f.auth.SetErr(loginErr)

		err := f.session.Reauthenticate(context.Background(), browsertest.Credentials{}, true)
		assert.ErrorIs(t, err, loginErr)
		assert.NotContains(t, f.events.Events(), browser.EventReauthenticated)
	})
}

func TestReauthenticateIsExclusive(t *testing.T) {
	f := newFixture(t, browser.Options{})
	f.init(t)

	f.auth.Block = make(chan struct{})
	f.auth.Started = make(chan struct{}, 1)

	done := make(chan error, 1)
	go func() {
		done <- f.session.Reauthenticate(context.Background(), browsertest.Credentials{}, true)
	}()
	<-f.auth.Started

	assert.True(t, f.session.Status().ReauthInFlight)
	err := f.session.Reauthenticate(context.Background(), browsertest.Credentials{}, true)
	assert.ErrorIs(t, err, browser.ErrReauthInProgress)

	close(f.auth.Block)
	require.NoError(t, <-done)
	assert.False(t, f.session.Status().ReauthInFlight)
}

func TestReauthenticateDrainsLeases(t *testing.T) {
	f := newFixture(t, browser.Options{MaxContexts: 2})
	f.init(t)

	ec, err := f.session.AcquireContext(context.Background())
	require.NoError(t, err)

	f.auth.Started = make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		done <- f.session.Reauthenticate(context.Background(), browsertest.Credentials{}, true)
	}()

	select {
	case <-f.auth.Started:
		t.Fatal("login started while a lease was outstanding")
	case <-time.After(50 * time.Millisecond):
	}

	f.session.ReleaseContext(ec)
	select {
	case <-f.auth.Started:
	case <-time.After(time.Second):
		t.Fatal("login never started after drain")
	}
	require.NoError(t, <-done)
}

func TestClose(t *testing.T) {
	f := newFixture(t, browser.Options{MaxContexts: 3})
	f.init(t)
	b := f.driver.Last()

	a, err := f.session.AcquireContext(context.Background())
	require.NoError(t, err)
	c, err := f.session.AcquireContext(context.Background())
	require.NoError(t, err)

	require.NoError(t, f.session.Close(context.Background()))

	assert.False(t, f.session.IsInitialized())
	assert.True(t, b.Closed())
	assert.True(t, a.Page.(*browsertest.Page).Closed())
	assert.True(t, c.Page.(*browsertest.Page).Closed())
	assert.Equal(t, 0, f.session.Status().Leased)

	// late release by the task that held the lease is harmless
	f.session.ReleaseContext(a)

	require.NoError(t, f.session.Close(context.Background()))
	assert.Equal(t, 1, b.CloseCount())

	events := f.events.Events()
	assert.Equal(t, []browser.EventType{browser.EventInitialized, browser.EventClosed, browser.EventClosed}, events)
	assert.NotContains(t, events, browser.EventDisconnected)
}

func TestCloseReportsBrowserError(t *testing.T) {
	f := newFixture(t, browser.Options{})
	f.init(t)
	f.driver.Last().CloseErr = errors.New("pipe broken")

	err := f.session.Close(context.Background())
	require.Error(t, err)
	assert.False(t, f.session.IsInitialized())
}

func TestReinitializeAfterClose(t *testing.T) {
	f := newFixture(t, browser.Options{})
	f.init(t)
	require.NoError(t, f.session.Close(context.Background()))

	f.init(t)
	assert.True(t, f.session.IsInitialized())
	assert.Equal(t, 2, f.driver.Launches())
}

func TestReclaimIdle(t *testing.T) {
	f := newFixture(t, browser.Options{IdleTimeout: 5 * time.Minute})
	f.init(t)

	old, err := f.session.AcquireContext(context.Background())
	require.NoError(t, err)
	f.clock.Advance(4 * time.Minute)
	fresh, err := f.session.AcquireContext(context.Background())
	require.NoError(t, err)
	f.clock.Advance(2 * time.Minute)

	assert.Equal(t, 1, f.session.ReclaimIdle())
	assert.True(t, old.Page.(*browsertest.Page).Closed())
	assert.False(t, fresh.Page.(*browsertest.Page).Closed())
	assert.Equal(t, 1, f.session.Status().Leased)

	f.session.ReleaseContext(fresh)
}
