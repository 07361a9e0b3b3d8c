package voice

import (
	"errors"
	"fmt"
)

// State is the conversational phase of a voice session.
type State int

const (
	StateIdle State = iota
	StateListening
	StateProcessing
	StateSpeaking
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateProcessing:
		return "processing"
	case StateSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrInvalidTransition is returned for a state change the table does not allow.
var ErrInvalidTransition = errors.New("voice: invalid state transition")

var transitions = map[State][]State{
	StateIdle:       {StateListening, StateSpeaking},
	StateListening:  {StateIdle, StateProcessing, StateSpeaking},
	StateProcessing: {StateSpeaking, StateIdle},
	StateSpeaking:   {StateIdle, StateListening},
}

// CanTransitionTo reports whether s may move to next.
func (s State) CanTransitionTo(next State) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

func transitionError(from, to State) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
