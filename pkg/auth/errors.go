package auth

import (
	"errors"
	"fmt"
)

// ErrTooManyChallenges is returned when the console keeps asking for codes
// after the configured number of submissions.
var ErrTooManyChallenges = errors.New("too many one-time-code challenges")

// LoginFailedError is the terminal error after all retries are spent.
type LoginFailedError struct {
	Attempts int
	Cause    error
}

func (e *LoginFailedError) Error() string {
	return fmt.Sprintf("login failed after %d attempts: %v", e.Attempts, e.Cause)
}

func (e *LoginFailedError) Unwrap() error { return e.Cause }

// ChallengeTimeoutError reports a step that did not finish within the step timeout.
type ChallengeTimeoutError struct {
	Phase Phase
	Err   error
}

func (e *ChallengeTimeoutError) Error() string {
	return fmt.Sprintf("timed out during %s: %v", e.Phase, e.Err)
}

func (e *ChallengeTimeoutError) Unwrap() error { return e.Err }

// VerificationFailedError reports a login that finished without error but
// left the page inside the sign-in or challenge flow.
type VerificationFailedError struct {
	Location string
}

func (e *VerificationFailedError) Error() string {
	return "login not verified, still at " + e.Location
}
