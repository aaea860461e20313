package auth

import "fmt"

// Phase is a state of the login state machine.
type Phase int

const (
	PhaseNavigatingToEntry Phase = iota
	PhaseEnteringIdentifier
	PhaseEnteringPassword
	PhaseAwaitingChallenge
	PhaseLoggedIn
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseNavigatingToEntry:
		return "NavigatingToEntry"
	case PhaseEnteringIdentifier:
		return "EnteringIdentifier"
	case PhaseEnteringPassword:
		return "EnteringPassword"
	case PhaseAwaitingChallenge:
		return "AwaitingChallenge"
	case PhaseLoggedIn:
		return "LoggedIn"
	case PhaseFailed:
		return "Failed"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Transition describes entering a phase. Challenge counts codes submitted
// so far in this attempt; Err is set when entering PhaseFailed.
type Transition struct {
	Attempt   int
	Phase     Phase
	Challenge int
	Err       error
}
