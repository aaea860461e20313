package auth

import (
	"context"

	"github.com/entrhq/consolepilot/pkg/browser"
)

// Flow is the console-specific half of a login: how to reach the entry
// point, fill each form and recognise where the page ended up. The
// Authenticator sequences these calls and owns retries and timeouts.
type Flow interface {
	Logout(ctx context.Context, page browser.Page) error
	OpenEntry(ctx context.Context, page browser.Page, afterLogout bool) error
	SubmitIdentifier(ctx context.Context, page browser.Page, identifier string) error
	SubmitSecret(ctx context.Context, page browser.Page, secret string) error
	ChallengePresent(ctx context.Context, page browser.Page) (bool, error)
	SubmitCode(ctx context.Context, page browser.Page, code string) error
	// Verify reports whether the page left the sign-in flow, and where it is.
	Verify(ctx context.Context, page browser.Page) (bool, string, error)
}
