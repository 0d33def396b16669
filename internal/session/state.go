package session

import "fmt"

// State is the lifecycle state of a client session.
type State string

// Event drives a session from one State to the next.
type Event string

const (
	StateConnected  State = "connected"
	StateProcessing State = "processing"
	StateClosed     State = "closed"
)

const (
	EventCommand    Event = "command"
	EventReplied    Event = "replied"
	EventDisconnect Event = "disconnect"
)

// Transition returns the state following event. Disconnecting is valid from
// any live state; a closed session accepts nothing.
func Transition(current State, event Event) (State, error) {
	if event == EventDisconnect && current != StateClosed {
		return StateClosed, nil
	}

	switch current {
	case StateConnected:
		if event == EventCommand {
			return StateProcessing, nil
		}
	case StateProcessing:
		if event == EventReplied {
			return StateConnected, nil
		}
	}
	return current, invalidTransition(current, event)
}

func invalidTransition(current State, event Event) error {
	return fmt.Errorf("invalid transition: state=%s event=%s", current, event)
}
