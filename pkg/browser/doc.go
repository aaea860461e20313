// Package browser owns the single long-lived automation session: one browser
// process, its authenticated state, and the execution contexts leased from it.
//
// # Session lifecycle
//
// A Session starts uninitialized. Initialize launches the browser through a
// Driver and signs in through an Authenticator. Once initialized, callers
// lease pages with AcquireContext and must hand them back with
// ReleaseContext:
//
//	ec, err := session.AcquireContext(ctx)
//	if err != nil {
//		return err
//	}
//	defer session.ReleaseContext(ec)
//
//	err = ec.Page.Goto(ctx, "https://admin.example.com")
//
// At most MaxContexts pages are leased at once. Further AcquireContext calls
// wait for a free slot instead of failing.
//
// # Authentication
//
// Initialize and Reauthenticate share a single authentication slot.
// Reauthenticate does not queue: if the slot is taken it returns
// ErrReauthInProgress. While reauthenticating, the session drains all leases
// first and new leases wait until it finishes.
//
// # Events
//
// Components that react to lifecycle changes (health monitor, crash
// recovery, metrics) register an Observer with Subscribe instead of hooking
// browser callbacks directly.
//
// # Drivers
//
// PlaywrightDriver launches Chromium through playwright-go. Tests substitute
// the fakes in the browsertest package.
package browser
