package session

import "fmt"

// Phase is the lifecycle state of one plugin session. Apart from the
// Idle/AwaitingAction request loop, a phase only ever advances; the
// three terminal phases are never left.
type Phase int

const (
	// PhaseSpawning: process started, config handshake being written.
	PhaseSpawning Phase = iota
	// PhaseAwaitingSubscription: waiting for the events: line.
	PhaseAwaitingSubscription
	// PhaseAwaitingInitialChoices: waiting for the first choice list.
	PhaseAwaitingInitialChoices
	// PhaseIdle: established, ready to forward one event.
	PhaseIdle
	// PhaseAwaitingAction: one event in flight, reading the response.
	PhaseAwaitingAction
	// PhaseDetached: process released to the OS after a fork action.
	PhaseDetached
	// PhaseClosing: wait_and_close received, waiting for process exit.
	PhaseClosing
	// PhaseTerminated: process exited or was killed.
	PhaseTerminated
)

// Terminal reports whether the session is past its request loop.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseDetached, PhaseClosing, PhaseTerminated:
		return true
	}
	return false
}

func (p Phase) String() string {
	switch p {
	case PhaseSpawning:
		return "spawning"
	case PhaseAwaitingSubscription:
		return "awaiting_subscription"
	case PhaseAwaitingInitialChoices:
		return "awaiting_initial_choices"
	case PhaseIdle:
		return "idle"
	case PhaseAwaitingAction:
		return "awaiting_action"
	case PhaseDetached:
		return "detached"
	case PhaseClosing:
		return "closing"
	case PhaseTerminated:
		return "terminated"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// PhaseError rejects an operation that is illegal in the session's
// current phase, such as sending an event while one is in flight.
type PhaseError struct {
	Op    string
	Phase Phase
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s not allowed in phase %s", e.Op, e.Phase)
}
