package browser

import "time"

// EventType identifies a session lifecycle event.
type EventType int

const (
	// EventInitialized fires after a successful Initialize.
	EventInitialized EventType = iota
	// EventReauthenticated fires after a successful Reauthenticate.
	EventReauthenticated
	// EventDisconnected fires when the browser process goes away while initialized.
	EventDisconnected
	// EventClosed fires on every Close.
	EventClosed
)

func (t EventType) String() string {
	switch t {
	case EventInitialized:
		return "initialized"
	case EventReauthenticated:
		return "reauthenticated"
	case EventDisconnected:
		return "disconnected"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is delivered to observers synchronously, outside session locks.
type Event struct {
	Type EventType
	At   time.Time
}

// Observer receives session events. Implementations must not block.
type Observer interface {
	OnSessionEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// OnSessionEvent calls f(ev).
func (f ObserverFunc) OnSessionEvent(ev Event) { f(ev) }
