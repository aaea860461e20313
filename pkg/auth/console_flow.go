package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gobwas/glob"

	"github.com/entrhq/consolepilot/pkg/browser"
	"github.com/entrhq/consolepilot/pkg/clock"
	"github.com/entrhq/consolepilot/pkg/logging"
)

// Sign-in form selectors.
const (
	identifierInput  = "#identifierId"
	identifierSubmit = "#identifierNext"
	passwordInput    = `input[type="password"]`
	passwordSubmit   = "#passwordNext"
)

// codeInputSelectors locate the one-time-code field, in order of preference.
var codeInputSelectors = []string{
	`input[type="tel"]`,
	`input[autocomplete="one-time-code"]`,
	"#totpPin",
	`input[aria-label*="code"]`,
	`input[aria-label*="verification"]`,
	`input[placeholder*="code"]`,
	`input[maxlength="6"]`,
	`input[maxlength="8"]`,
	`input[name*="totp"]`,
	`input[id*="totp"]`,
}

var codeSubmitSelectors = []string{
	"#totpNext",
	`button[type="submit"]`,
	`[data-primary-action-label="Next"]`,
	`[data-primary-action-label="Verify"]`,
	`div[role="button"][data-primary-action-label]`,
}

// challengeMarkers are page texts shown on the second-factor screen.
var challengeMarkers = []string{
	"2-Step Verification",
	"verification code",
	"Google Authenticator",
}

// ConsoleFlowOptions configures ConsoleFlow.
type ConsoleFlowOptions struct {
	BaseURL   string
	LoginURL  string
	LogoutURL string
	// SettleDelay is waited after each form submission for redirects to land.
	SettleDelay time.Duration
	// CodeFieldWait bounds the wait for the code field to render.
	CodeFieldWait time.Duration
}

// ConsoleFlow is the selector-driven Flow for the admin console sign-in.
type ConsoleFlow struct {
	opts      ConsoleFlowOptions
	clock     clock.Clock
	logger    *logging.Logger
	signIn    glob.Glob
	challenge glob.Glob
}

var _ Flow = (*ConsoleFlow)(nil)

// Location patterns of the sign-in and challenge pages.
const (
	signInPattern    = "{*accounts.google.com/signin*,*accounts.google.com/v3/signin*,*accounts.google.com/ServiceLogin*}"
	challengePattern = "{*accounts.google.com/*challenge*,*accounts.google.com/challenge*}"
)

// NewConsoleFlow creates a ConsoleFlow.
func NewConsoleFlow(opts ConsoleFlowOptions, clk clock.Clock, logger *logging.Logger) (*ConsoleFlow, error) {
	if opts.BaseURL == "" || opts.LoginURL == "" || opts.LogoutURL == "" {
		return nil, fmt.Errorf("console flow requires base, login and logout URLs")
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if opts.CodeFieldWait <= 0 {
		opts.CodeFieldWait = 5 * time.Second
	}

	signIn, err := glob.Compile(signInPattern)
	if err != nil {
		return nil, fmt.Errorf("invalid sign-in pattern: %w", err)
	}
	challenge, err := glob.Compile(challengePattern)
	if err != nil {
		return nil, fmt.Errorf("invalid challenge pattern: %w", err)
	}

	return &ConsoleFlow{
		opts:      opts,
		clock:     clk,
		logger:    logger,
		signIn:    signIn,
		challenge: challenge,
	}, nil
}

// InSignInFlow reports whether location is a sign-in or challenge page.
func (f *ConsoleFlow) InSignInFlow(location string) bool {
	return f.signIn.Match(location) || f.challenge.Match(location)
}

func (f *ConsoleFlow) Logout(ctx context.Context, page browser.Page) error {
	f.logger.Debugf("Logging out via %s", f.opts.LogoutURL)
	return page.Goto(ctx, f.opts.LogoutURL)
}

func (f *ConsoleFlow) OpenEntry(ctx context.Context, page browser.Page, afterLogout bool) error {
	if afterLogout {
		return page.Goto(ctx, f.opts.LoginURL)
	}
	return page.Goto(ctx, f.opts.BaseURL)
}

func (f *ConsoleFlow) SubmitIdentifier(ctx context.Context, page browser.Page, identifier string) error {
	return f.submitField(ctx, page, identifierInput, identifier, identifierSubmit)
}

func (f *ConsoleFlow) SubmitSecret(ctx context.Context, page browser.Page, secret string) error {
	if err := f.submitField(ctx, page, passwordInput, secret, passwordSubmit); err != nil {
		return err
	}
	return f.clock.Sleep(ctx, f.opts.SettleDelay)
}

func (f *ConsoleFlow) submitField(ctx context.Context, page browser.Page, input, value, submit string) error {
	if err := page.WaitVisible(ctx, input); err != nil {
		return err
	}
	if err := page.Fill(ctx, input, value); err != nil {
		return err
	}
	return page.Click(ctx, submit)
}

// ChallengePresent checks the location first, then the page text, then
// looks for a visible code field while still on a sign-in page.
func (f *ConsoleFlow) ChallengePresent(ctx context.Context, page browser.Page) (bool, error) {
	location := page.URL()
	if f.challenge.Match(location) {
		return true, nil
	}

	content, err := page.Content(ctx)
	if err != nil {
		return false, err
	}
	text, err := pageText(content)
	if err != nil {
		return false, fmt.Errorf("failed to parse page: %w", err)
	}
	if containsAny(text, challengeMarkers) {
		return true, nil
	}

	if !f.signIn.Match(location) {
		return false, nil
	}
	for _, sel := range codeInputSelectors {
		visible, err := page.Visible(ctx, sel)
		if err != nil {
			return false, err
		}
		if visible {
			return true, nil
		}
	}
	return false, nil
}

// SubmitCode fills the first visible code field and submits it, falling back
// to Enter when no submit control is visible.
func (f *ConsoleFlow) SubmitCode(ctx context.Context, page browser.Page, code string) error {
	waitCtx, cancel := context.WithTimeout(ctx, f.opts.CodeFieldWait)
	if err := page.WaitVisible(waitCtx, strings.Join(codeInputSelectors, ", ")); err != nil {
		f.logger.Debugf("Code field not visible yet: %v", err)
	}
	cancel()

	input, err := firstVisible(ctx, page, codeInputSelectors)
	if err != nil {
		return err
	}
	if input == "" {
		return fmt.Errorf("no one-time-code field found at %s", page.URL())
	}
	if err := page.Fill(ctx, input, code); err != nil {
		return err
	}

	submit, err := firstVisible(ctx, page, codeSubmitSelectors)
	if err != nil {
		return err
	}
	if submit != "" {
		err = page.Click(ctx, submit)
	} else {
		err = page.Press(ctx, "Enter")
	}
	if err != nil {
		return err
	}

	return f.clock.Sleep(ctx, f.opts.SettleDelay)
}

func (f *ConsoleFlow) Verify(ctx context.Context, page browser.Page) (bool, string, error) {
	if err := f.clock.Sleep(ctx, f.opts.SettleDelay); err != nil {
		return false, "", err
	}
	location := page.URL()
	return !f.InSignInFlow(location), location, nil
}

func firstVisible(ctx context.Context, page browser.Page, selectors []string) (string, error) {
	for _, sel := range selectors {
		visible, err := page.Visible(ctx, sel)
		if err != nil {
			return "", err
		}
		if visible {
			return sel, nil
		}
	}
	return "", nil
}
