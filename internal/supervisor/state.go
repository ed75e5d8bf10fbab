package supervisor

import (
	"fmt"
	"time"
)

// State is the connection lifecycle state of the single robot session.
type State int

const (
	StateIdle State = iota
	StateAuthenticating
	StateNegotiating
	StateConnected
	StateReconnecting
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAuthenticating:
		return "authenticating"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Transition is reported to observers on every state change.
type Transition struct {
	From    State
	To      State
	Attempt int
	// Err is the cause of a move to Reconnecting or Terminated.
	Err error
	At  time.Time
}

// Status is a point-in-time snapshot for status endpoints.
type Status struct {
	State     State     `json:"state"`
	Since     time.Time `json:"since"`
	Attempt   int       `json:"attempt"`
	Connects  int       `json:"connects"`
	LastError string    `json:"lastError,omitempty"`
}
