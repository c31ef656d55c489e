package domain

import "time"

// LoginState is the position of a login attempt in the two-step flow.
type LoginState int

const (
	StateUnauthenticated LoginState = iota
	StatePasswordVerified
	StateAwaitingSecondFactor
	StateAuthenticated
)

func (s LoginState) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StatePasswordVerified:
		return "password_verified"
	case StateAwaitingSecondFactor:
		return "awaiting_second_factor"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// Principal identifies the account a password verification resolved to,
// and the external session that verification opened.
type Principal struct {
	AccountID string
	SessionID string
}

// EventKind names an outbound login flow event.
type EventKind string

const (
	EventLoginSucceeded       EventKind = "login_succeeded"
	EventSecondFactorRequired EventKind = "second_factor_required"
	EventSecondFactorCleared  EventKind = "second_factor_cleared"
	EventSignedOut            EventKind = "signed_out"
)

// Event is emitted by the login coordinator and the enrollment service.
type Event struct {
	Kind      EventKind `json:"kind"`
	AccountID string    `json:"account_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	At        time.Time `json:"at"`
}
