package browser

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInitialized is returned when the session has no live, authenticated browser.
	ErrNotInitialized = errors.New("browser session not initialized")

	// ErrReauthInProgress is returned when another (re)authentication holds the auth slot.
	ErrReauthInProgress = errors.New("reauthentication already in progress")

	// ErrTimeout is returned by Page and Browser operations that exceed their deadline.
	ErrTimeout = errors.New("browser operation timed out")
)

// Stage names the step of Initialize that failed.
type Stage string

const (
	StageLaunch       Stage = "launch"
	StageContext      Stage = "context"
	StageAuthenticate Stage = "authenticate"
)

// InitializationError reports a failed Initialize.
type InitializationError struct {
	Stage Stage
	Err   error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("browser initialization failed at %s: %v", e.Stage, e.Err)
}

func (e *InitializationError) Unwrap() error { return e.Err }

// UnhealthyError reports a failed health check.
type UnhealthyError struct {
	Reason string
	Err    error
}

func (e *UnhealthyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("browser unhealthy: %s: %v", e.Reason, e.Err)
	}
	return "browser unhealthy: " + e.Reason
}

func (e *UnhealthyError) Unwrap() error { return e.Err }
