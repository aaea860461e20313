package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

// Default viewport dimensions
const (
	DefaultViewportWidth  = 1280
	DefaultViewportHeight = 800
)

// DefaultLaunchArgs keeps Chromium lean and stable for long-running headless use.
var DefaultLaunchArgs = []string{
	"--no-sandbox",
	"--disable-setuid-sandbox",
	"--disable-dev-shm-usage",
	"--disable-accelerated-2d-canvas",
	"--no-first-run",
	"--no-zygote",
	"--disable-gpu",
	"--disable-background-timer-throttling",
	"--disable-backgrounding-occluded-windows",
	"--disable-renderer-backgrounding",
	"--disable-ipc-flooding-protection",
	"--disable-crash-reporter",
	"--disable-logging",
	"--disable-plugins",
	"--disable-default-apps",
	"--disable-sync",
	"--disable-translate",
	"--hide-scrollbars",
	"--mute-audio",
	"--no-default-browser-check",
	"--disable-component-extensions-with-background-pages",
	"--disable-background-networking",
	"--disable-client-side-phishing-detection",
	"--disable-hang-monitor",
	"--disable-prompt-on-repost",
	"--disable-domain-reliability",
	"--disable-features=TranslateUI,VizDisplayCompositor",
}

// PlaywrightOptions configures PlaywrightDriver.
type PlaywrightOptions struct {
	Headless bool
	// Install downloads the driver and Chromium before the first launch.
	Install       bool
	LaunchTimeout time.Duration
	Args          []string
}

// PlaywrightDriver launches Chromium through playwright-go. Each Launch runs
// its own playwright driver process, stopped again when the browser closes.
type PlaywrightDriver struct {
	opts        PlaywrightOptions
	installOnce sync.Once
	installErr  error
}

// NewPlaywrightDriver creates a driver.
func NewPlaywrightDriver(opts PlaywrightOptions) *PlaywrightDriver {
	if opts.Args == nil {
		opts.Args = DefaultLaunchArgs
	}
	if opts.LaunchTimeout <= 0 {
		opts.LaunchTimeout = 60 * time.Second
	}
	return &PlaywrightDriver{opts: opts}
}

func runOptions() *playwright.RunOptions {
	// Keep driver chatter out of the service logs
	return &playwright.RunOptions{
		Browsers: []string{"chromium"},
		Verbose:  false,
		Stdout:   io.Discard,
		Stderr:   io.Discard,
	}
}

// Launch starts playwright, Chromium and one browsing context.
func (d *PlaywrightDriver) Launch(ctx context.Context) (Browser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if d.opts.Install {
		d.installOnce.Do(func() {
			if err := playwright.Install(runOptions()); err != nil {
				d.installErr = fmt.Errorf("failed to install playwright: %w", err)
			}
		})
		if d.installErr != nil {
			return nil, d.installErr
		}
	}

	pw, err := playwright.Run(runOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	b, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless:          playwright.Bool(d.opts.Headless),
		Args:              d.opts.Args,
		Timeout:           playwright.Float(millis(d.opts.LaunchTimeout)),
		HandleSIGINT:      playwright.Bool(false),
		HandleSIGTERM:     playwright.Bool(false),
		HandleSIGHUP:      playwright.Bool(false),
		IgnoreDefaultArgs: []string{"--disable-extensions"},
	})
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	bctx, err := b.NewContext(playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{
			Width:  DefaultViewportWidth,
			Height: DefaultViewportHeight,
		},
	})
	if err != nil {
		_ = b.Close()
		_ = pw.Stop()
		return nil, fmt.Errorf("failed to create context: %w", err)
	}

	return &pwBrowser{pw: pw, browser: b, context: bctx}, nil
}

type pwBrowser struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	context playwright.BrowserContext

	closeOnce sync.Once
	closeErr  error
}

func (b *pwBrowser) IsConnected() bool {
	return b.browser.IsConnected()
}

func (b *pwBrowser) Version(ctx context.Context) (string, error) {
	done := make(chan string, 1)
	go func() {
		done <- b.browser.Version()
	}()

	select {
	case v := <-done:
		if v == "" {
			return "", errors.New("empty browser version")
		}
		return v, nil
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	}
}

func (b *pwBrowser) NewPage(ctx context.Context) (Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := b.context.NewPage()
	if err != nil {
		return nil, translate(err)
	}
	return &pwPage{page: p, timeout: DefaultOperationTimeout}, nil
}

func (b *pwBrowser) OnDisconnected(fn func()) {
	b.browser.OnDisconnected(func(playwright.Browser) { fn() })
}

func (b *pwBrowser) Close() error {
	b.closeOnce.Do(func() {
		var errs []error
		if err := b.context.Close(); err != nil && !errors.Is(err, playwright.ErrTargetClosed) {
			errs = append(errs, err)
		}
		if err := b.browser.Close(); err != nil && !errors.Is(err, playwright.ErrTargetClosed) {
			errs = append(errs, err)
		}
		if err := b.pw.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop playwright: %w", err))
		}
		b.closeErr = errors.Join(errs...)
	})
	return b.closeErr
}

type pwPage struct {
	page    playwright.Page
	timeout time.Duration
}

// budget converts the ctx deadline into a playwright timeout in milliseconds.
func (p *pwPage) budget(ctx context.Context) *float64 {
	d := p.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < d {
			d = left
		}
	}
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return playwright.Float(millis(d))
}

func (p *pwPage) Goto(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := p.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   p.budget(ctx),
	})
	if err != nil {
		return fmt.Errorf("navigation to %s failed: %w", url, translate(err))
	}
	return nil
}

func (p *pwPage) URL() string {
	return p.page.URL()
}

func (p *pwPage) Fill(ctx context.Context, selector, value string) error {
	err := locate(p.page, selector).Fill(value, playwright.LocatorFillOptions{Timeout: p.budget(ctx)})
	if err != nil {
		return fmt.Errorf("fill %s failed: %w", selector, translate(err))
	}
	return nil
}

func (p *pwPage) Click(ctx context.Context, selector string) error {
	err := locate(p.page, selector).Click(playwright.LocatorClickOptions{Timeout: p.budget(ctx)})
	if err != nil {
		return fmt.Errorf("click %s failed: %w", selector, translate(err))
	}
	return nil
}

func (p *pwPage) WaitVisible(ctx context.Context, selector string) error {
	err := locate(p.page, selector).WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: p.budget(ctx),
	})
	if err != nil {
		return fmt.Errorf("wait for %s failed: %w", selector, translate(err))
	}
	return nil
}

func (p *pwPage) Visible(ctx context.Context, selector string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	visible, err := locate(p.page, selector).IsVisible()
	if err != nil {
		return false, translate(err)
	}
	return visible, nil
}

func (p *pwPage) Content(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	content, err := p.page.Content()
	if err != nil {
		return "", translate(err)
	}
	return content, nil
}

func (p *pwPage) Press(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.page.Keyboard().Press(key); err != nil {
		return fmt.Errorf("press %s failed: %w", key, translate(err))
	}
	return nil
}

func (p *pwPage) BlockResources(types []string) error {
	if len(types) == 0 {
		return nil
	}
	blocked := make(map[string]bool, len(types))
	for _, t := range types {
		blocked[strings.ToLower(t)] = true
	}

	return p.page.Route("**/*", func(route playwright.Route) {
		if blocked[route.Request().ResourceType()] {
			_ = route.Abort()
			return
		}
		_ = route.Continue()
	})
}

func (p *pwPage) SetTimeout(d time.Duration) {
	p.timeout = d
	p.page.SetDefaultTimeout(millis(d))
	p.page.SetDefaultNavigationTimeout(millis(d))
}

func (p *pwPage) Close() error {
	if p.page.IsClosed() {
		return nil
	}
	return p.page.Close()
}

// locate resolves CSS or "//" XPath selectors to the first match.
func locate(page playwright.Page, selector string) playwright.Locator {
	if strings.HasPrefix(selector, "//") {
		selector = "xpath=" + selector
	}
	return page.Locator(selector).First()
}

func translate(err error) error {
	if errors.Is(err, playwright.ErrTimeout) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
