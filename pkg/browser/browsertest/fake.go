// Package browsertest provides in-memory fakes of the browser driver, browser
// and page for tests in other packages.
package browsertest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/entrhq/consolepilot/pkg/browser"
	"github.com/entrhq/consolepilot/pkg/credentials"
)

// Driver hands out FakeBrowsers. LaunchErr, when set, fails the next launches.
type Driver struct {
	mu          sync.Mutex
	LaunchErr   error
	// PageFactory builds pages for launched browsers. Defaults to NewPage.
	PageFactory func() *Page
	launched    []*Browser
}

// NewDriver returns a driver whose launches succeed.
func NewDriver() *Driver {
	return &Driver{}
}

// Launch implements browser.Driver.
func (d *Driver) Launch(ctx context.Context) (browser.Browser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.LaunchErr != nil {
		return nil, d.LaunchErr
	}
	b := NewBrowser()
	if d.PageFactory != nil {
		b.PageFactory = d.PageFactory
	}
	d.launched = append(d.launched, b)
	return b, nil
}

// SetLaunchErr changes the launch error under the driver lock.
func (d *Driver) SetLaunchErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.LaunchErr = err
}

// Launches returns how many browsers were launched.
func (d *Driver) Launches() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.launched)
}

// Last returns the most recently launched browser, or nil.
func (d *Driver) Last() *Browser {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.launched) == 0 {
		return nil
	}
	return d.launched[len(d.launched)-1]
}

// Browser is a controllable fake browser.
type Browser struct {
	mu           sync.Mutex
	connected    bool
	closed       bool
	closeCount   int
	VersionErr   error
	VersionDelay time.Duration
	NewPageErr   error
	CloseErr     error
	PageFactory  func() *Page
	pages        []*Page
	onDisconnect []func()
}

// NewBrowser returns a connected fake browser.
func NewBrowser() *Browser {
	return &Browser{connected: true}
}

func (b *Browser) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *Browser) Version(ctx context.Context) (string, error) {
	b.mu.Lock()
	err, delay := b.VersionErr, b.VersionDelay
	b.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	return "fake/1.0", nil
}

// SetVersionErr makes the liveness probe fail.
func (b *Browser) SetVersionErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.VersionErr = err
}

// SetVersionDelay makes the liveness probe slow.
func (b *Browser) SetVersionDelay(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.VersionDelay = d
}

func (b *Browser) NewPage(ctx context.Context) (browser.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.NewPageErr != nil {
		return nil, b.NewPageErr
	}
	if !b.connected {
		return nil, errors.New("browser disconnected")
	}
	var p *Page
	if b.PageFactory != nil {
		p = b.PageFactory()
	} else {
		p = NewPage()
	}
	b.pages = append(b.pages, p)
	return p, nil
}

func (b *Browser) OnDisconnected(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDisconnect = append(b.onDisconnect, fn)
}

func (b *Browser) Close() error {
	b.mu.Lock()
	b.closeCount++
	wasConnected := b.connected
	b.connected = false
	b.closed = true
	err := b.CloseErr
	callbacks := append([]func(){}, b.onDisconnect...)
	b.mu.Unlock()

	if wasConnected {
		for _, fn := range callbacks {
			fn()
		}
	}
	return err
}

// Crash simulates the browser process dying.
func (b *Browser) Crash() {
	b.mu.Lock()
	b.connected = false
	callbacks := append([]func(){}, b.onDisconnect...)
	b.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}

// Hang marks the browser disconnected without firing disconnect callbacks,
// as when the process stops responding but the pipe stays open.
func (b *Browser) Hang() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
}

// Closed reports whether Close was called.
func (b *Browser) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// CloseCount returns the number of Close calls.
func (b *Browser) CloseCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closeCount
}

// Pages returns every page opened so far.
func (b *Browser) Pages() []*Page {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Page(nil), b.pages...)
}

// Page is a scriptable fake page. Hooks override default behaviour; the
// defaults succeed and record calls.
type Page struct {
	mu      sync.Mutex
	url     string
	content string
	visible map[string]bool
	calls   []string
	blocked []string
	timeout time.Duration

	closed    atomic.Bool
	CloseErr  error
	GotoHook  func(ctx context.Context, url string) error
	FillHook  func(ctx context.Context, selector, value string) error
	ClickHook func(ctx context.Context, selector string) error
	WaitHook  func(ctx context.Context, selector string) error
	PressHook func(ctx context.Context, key string) error
	VisibleFn func(selector string) bool
	ContentFn func() string
	BlockErr  error
}

// NewPage returns a blank fake page.
func NewPage() *Page {
	return &Page{url: "about:blank", visible: make(map[string]bool)}
}

func (p *Page) record(call string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
}

// Calls returns the recorded calls in order, e.g. "goto <url>", "fill <sel>=<val>".
func (p *Page) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// SetURL moves the page to url without recording a navigation.
func (p *Page) SetURL(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = url
}

// SetContent sets the HTML returned by Content.
func (p *Page) SetContent(html string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.content = html
}

// SetVisible marks a selector visible or hidden.
func (p *Page) SetVisible(selector string, visible bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.visible[selector] = visible
}

func (p *Page) Goto(ctx context.Context, url string) error {
	p.record("goto " + url)
	if p.GotoHook != nil {
		if err := p.GotoHook(ctx, url); err != nil {
			return err
		}
	}
	p.SetURL(url)
	return ctx.Err()
}

func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *Page) Fill(ctx context.Context, selector, value string) error {
	p.record("fill " + selector + "=" + value)
	if p.FillHook != nil {
		return p.FillHook(ctx, selector, value)
	}
	return ctx.Err()
}

func (p *Page) Click(ctx context.Context, selector string) error {
	p.record("click " + selector)
	if p.ClickHook != nil {
		return p.ClickHook(ctx, selector)
	}
	return ctx.Err()
}

func (p *Page) WaitVisible(ctx context.Context, selector string) error {
	p.record("wait " + selector)
	if p.WaitHook != nil {
		return p.WaitHook(ctx, selector)
	}
	return ctx.Err()
}

func (p *Page) Visible(ctx context.Context, selector string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if p.VisibleFn != nil {
		return p.VisibleFn(selector), nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.visible[selector], nil
}

func (p *Page) Content(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if p.ContentFn != nil {
		return p.ContentFn(), nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.content, nil
}

func (p *Page) Press(ctx context.Context, key string) error {
	p.record("press " + key)
	if p.PressHook != nil {
		return p.PressHook(ctx, key)
	}
	return ctx.Err()
}

func (p *Page) BlockResources(types []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blocked = append([]string(nil), types...)
	return p.BlockErr
}

// Blocked returns the resource types passed to BlockResources.
func (p *Page) Blocked() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.blocked...)
}

func (p *Page) SetTimeout(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeout = d
}

// Timeout returns the value passed to SetTimeout.
func (p *Page) Timeout() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timeout
}

func (p *Page) Close() error {
	p.closed.Store(true)
	return p.CloseErr
}

// Closed reports whether Close was called.
func (p *Page) Closed() bool {
	return p.closed.Load()
}

// Authenticator is a fake browser.Authenticator.
type Authenticator struct {
	mu      sync.Mutex
	calls   []bool
	Err     error
	// Block, when non-nil, holds Login until it is closed.
	Block   chan struct{}
	// Started receives one value per Login entry when non-nil.
	Started chan struct{}
}

// Login implements browser.Authenticator.
func (a *Authenticator) Login(ctx context.Context, page browser.Page, creds credentials.Source, forceLogout bool) error {
	a.mu.Lock()
	a.calls = append(a.calls, forceLogout)
	err, block, started := a.Err, a.Block, a.Started
	a.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// SetErr changes the Login result.
func (a *Authenticator) SetErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Err = err
}

// Calls returns the forceLogout flag of each Login call.
func (a *Authenticator) Calls() []bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]bool(nil), a.calls...)
}

// Credentials is a fixed credentials.Source.
type Credentials struct {
	Code string
}

func (c Credentials) Primary() (credentials.Primary, error) {
	return credentials.Primary{Identifier: "admin@example.com", Secret: "secret"}, nil
}

func (c Credentials) OneTimeCode(time.Time) (string, error) {
	if c.Code == "" {
		return "123456", nil
	}
	return c.Code, nil
}

var (
	_ browser.Driver        = (*Driver)(nil)
	_ browser.Browser       = (*Browser)(nil)
	_ browser.Page          = (*Page)(nil)
	_ browser.Authenticator = (*Authenticator)(nil)
	_ credentials.Source    = Credentials{}
)
