package browser

import (
	"context"
	"time"

	"github.com/entrhq/consolepilot/pkg/credentials"
)

// Driver starts browser processes.
type Driver interface {
	Launch(ctx context.Context) (Browser, error)
}

// Browser is a running browser process with one shared browsing context.
// Pages opened from it share cookies, so a single sign-in covers them all.
type Browser interface {
	IsConnected() bool
	// Version is the liveness probe. It must honour ctx cancellation.
	Version(ctx context.Context) (string, error)
	NewPage(ctx context.Context) (Page, error)
	// OnDisconnected registers fn to run when the process goes away.
	OnDisconnected(fn func())
	Close() error
}

// Page is one tab. Selector-taking methods bound their wait by the ctx
// deadline, falling back to the page default timeout.
type Page interface {
	Goto(ctx context.Context, url string) error
	URL() string
	Fill(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string) error
	WaitVisible(ctx context.Context, selector string) error
	Visible(ctx context.Context, selector string) (bool, error)
	Content(ctx context.Context) (string, error)
	Press(ctx context.Context, key string) error
	// BlockResources aborts requests of the given resource types
	// (image, stylesheet, font, media, ...).
	BlockResources(types []string) error
	SetTimeout(d time.Duration)
	Close() error
}

// Authenticator signs a page in to the console.
type Authenticator interface {
	Login(ctx context.Context, page Page, creds credentials.Source, forceLogout bool) error
}
