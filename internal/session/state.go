package session

import "fmt"

type State int

const (
	StateDisconnected State = iota
	StateHandshaking
	StateConnected
	StateReading
	StateInstructing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateConnected:
		return "CONNECTED"
	case StateReading:
		return "READING"
	case StateInstructing:
		return "INSTRUCTING"
	default:
		return "UNKNOWN"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func ValidateTransition(from, to State) error {
	validTransitions := map[State][]State{
		StateDisconnected: {StateHandshaking},
		StateHandshaking:  {StateConnected, StateDisconnected},
		StateConnected:    {StateReading, StateInstructing, StateDisconnected},
		StateReading:      {StateInstructing, StateDisconnected},
		StateInstructing:  {StateReading, StateDisconnected},
	}

	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("invalid current state: %s", from)
	}

	for _, validTo := range allowed {
		if validTo == to {
			return nil
		}
	}

	return fmt.Errorf("invalid state transition: %s -> %s", from, to)
}
