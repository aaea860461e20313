// Package actions holds the console operations the batch executor performs
// on a leased page.
package actions

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/entrhq/consolepilot/pkg/browser"
	"github.com/entrhq/consolepilot/pkg/logging"
	"github.com/entrhq/consolepilot/pkg/roster"
)

// Action is one operation against one roster entry.
type Action interface {
	Name() string
	Perform(ctx context.Context, page browser.Page, entry roster.Entry) error
}

// Selectors on the user security page.
const (
	LoginChallengeSelector = "//div[contains(text(),'Turn off identity questions for 10 minutes after a')]"
	TurnOffSelector        = "//*[contains(text(), 'Turn off for 10 mins')]"
)

// DefaultElementTimeout bounds each wait for a control to appear.
const DefaultElementTimeout = 10 * time.Second

// TurnOffLoginChallenge disables the login challenge of a user for ten minutes.
type TurnOffLoginChallenge struct {
	baseURL        string
	elementTimeout time.Duration
	logger         *logging.Logger
}

// NewTurnOffLoginChallenge creates the action for the console at baseURL.
func NewTurnOffLoginChallenge(baseURL string, elementTimeout time.Duration, logger *logging.Logger) *TurnOffLoginChallenge {
	if elementTimeout <= 0 {
		elementTimeout = DefaultElementTimeout
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &TurnOffLoginChallenge{
		baseURL:        strings.TrimRight(baseURL, "/"),
		elementTimeout: elementTimeout,
		logger:         logger,
	}
}

func (a *TurnOffLoginChallenge) Name() string { return "turn_off" }

// SecurityURL is the security page of a console user.
func (a *TurnOffLoginChallenge) SecurityURL(userID string) string {
	return fmt.Sprintf("%s/ac/users/%s/security", a.baseURL, url.PathEscape(userID))
}

func (a *TurnOffLoginChallenge) Perform(ctx context.Context, page browser.Page, entry roster.Entry) error {
	if entry.ID == "" {
		return fmt.Errorf("entry %s has no console id", entry.Key)
	}

	target := a.SecurityURL(entry.ID)
	a.logger.Infof("Opening security page for %s: %s", entry.DisplayName(), target)
	if err := page.Goto(ctx, target); err != nil {
		return fmt.Errorf("failed to open security page: %w", err)
	}

	if err := a.clickWhenVisible(ctx, page, LoginChallengeSelector); err != nil {
		return fmt.Errorf("login challenge control not found: %w", err)
	}
	if err := a.clickWhenVisible(ctx, page, TurnOffSelector); err != nil {
		return fmt.Errorf("'Turn off for 10 mins' control not found: %w", err)
	}

	a.logger.Infof("Turned off login challenge for %s", entry.DisplayName())
	return nil
}

func (a *TurnOffLoginChallenge) clickWhenVisible(ctx context.Context, page browser.Page, selector string) error {
	waitCtx, cancel := context.WithTimeout(ctx, a.elementTimeout)
	defer cancel()

	if err := page.WaitVisible(waitCtx, selector); err != nil {
		return err
	}
	return page.Click(ctx, selector)
}
