// Package credentials supplies the console account's login material and
// derives time-windowed one-time codes from a shared TOTP seed.
package credentials

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// ErrMissingSeed is returned when no TOTP seed is configured.
var ErrMissingSeed = errors.New("credentials: totp seed is not configured")

// Primary is the identifier and secret used for the first two login steps.
type Primary struct {
	Identifier string
	Secret     string
}

// Source provides credentials to the authenticator.
type Source interface {
	Primary() (Primary, error)
	// OneTimeCode derives the code valid at the given instant. Callers ask
	// for a new code at each submission; codes are never cached.
	OneTimeCode(at time.Time) (string, error)
}

// Static holds fixed credentials and a base32 TOTP seed.
type Static struct {
	identifier string
	secret     string
	seed       string
	digits     otp.Digits
	period     uint
}

// Option customises a Static source.
type Option func(*Static)

// WithDigits sets the code length (6 or 8).
func WithDigits(n int) Option {
	return func(s *Static) {
		if n == 8 {
			s.digits = otp.DigitsEight
		} else {
			s.digits = otp.DigitsSix
		}
	}
}

// NewStatic builds a Static source. The seed is normalised (spaces removed,
// upper-cased) so seeds copied from enrolment screens work as-is.
func NewStatic(identifier, secret, seed string, opts ...Option) (*Static, error) {
	seed = strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(seed), " ", ""))
	if seed == "" {
		return nil, ErrMissingSeed
	}
	if identifier == "" || secret == "" {
		return nil, errors.New("credentials: identifier and secret are required")
	}

	s := &Static{
		identifier: identifier,
		secret:     secret,
		seed:       seed,
		digits:     otp.DigitsSix,
		period:     30,
	}
	for _, opt := range opts {
		opt(s)
	}

	// Reject seeds that are not valid base32 up front rather than at the first challenge
	if _, err := s.OneTimeCode(time.Unix(0, 0)); err != nil {
		return nil, err
	}
	return s, nil
}

// FromEnv reads CONSOLE_USERNAME, CONSOLE_PASSWORD and CONSOLE_TOTP_SECRET,
// falling back to the GOOGLE_ADMIN_* / GOOGLE_TOTP_SECRET names.
func FromEnv(opts ...Option) (*Static, error) {
	return NewStatic(
		firstEnv("CONSOLE_USERNAME", "GOOGLE_ADMIN_USERNAME"),
		firstEnv("CONSOLE_PASSWORD", "GOOGLE_ADMIN_PASSWORD"),
		firstEnv("CONSOLE_TOTP_SECRET", "GOOGLE_TOTP_SECRET"),
		opts...,
	)
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// Primary returns the identifier and secret.
func (s *Static) Primary() (Primary, error) {
	return Primary{Identifier: s.identifier, Secret: s.secret}, nil
}

// OneTimeCode returns the TOTP code for the window containing at.
func (s *Static) OneTimeCode(at time.Time) (string, error) {
	code, err := totp.GenerateCodeCustom(s.seed, at, totp.ValidateOpts{
		Period:    s.period,
		Skew:      1,
		Digits:    s.digits,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", fmt.Errorf("credentials: failed to generate one-time code: %w", err)
	}
	return code, nil
}

// String hides the secret material.
func (s *Static) String() string {
	return fmt.Sprintf("credentials.Static{identifier: %q}", s.identifier)
}
