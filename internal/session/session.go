// Package session implements the client-side biometric session: a single event
// loop that owns all session state, gates detection probes, guards terminal
// requests, and turns matcher results into state transitions.
package session

import (
	"errors"
	"fmt"

	"github.com/andresmejia3/irisgate/internal/auth"
	"github.com/andresmejia3/irisgate/internal/types"
)

// State is the session state. Enrolling and Authenticating are the busy states.
type State int

const (
	Idle State = iota
	Connected
	Enrolling
	Authenticating
	Disconnected
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connected:
		return "connected"
	case Enrolling:
		return "enrolling"
	case Authenticating:
		return "authenticating"
	case Disconnected:
		return "disconnected"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Busy reports whether a terminal request is in flight.
func (s State) Busy() bool { return s == Enrolling || s == Authenticating }

// Online reports whether the channel is up in this state.
func (s State) Online() bool { return s == Connected || s.Busy() }

// Kind of a user-facing Status.
type Kind string

const (
	KindInfo     Kind = "info"
	KindScanning Kind = "scanning"
	KindSuccess  Kind = "success"
	KindError    Kind = "error"
)

// Category names the error class behind an error Status.
type Category string

const (
	CategoryNone               Category = ""
	CategorySourceUnavailable  Category = "source-unavailable"
	CategoryChannelUnavailable Category = "channel-unavailable"
	CategoryValidation         Category = "validation-rejected"
	CategoryProtocolViolation  Category = "protocol-violation"
	CategoryMismatch           Category = "mismatch"
	CategoryRejected           Category = "rejected" // matcher-reported error
)

// Status is the user-facing message for the last transition.
type Status struct {
	Kind     Kind
	Category Category
	Text     string
}

// ErrValidationRejected is the category of every guard failure.
var ErrValidationRejected = errors.New("validation rejected")

// ErrClosed is returned by Client methods once the loop has exited.
var ErrClosed = errors.New("session closed")

// ValidationError carries the message shown to the user for a failed guard.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func (e *ValidationError) Unwrap() error { return ErrValidationRejected }

// Guard messages.
const (
	msgBusy        = "Request already in progress"
	msgNoEye       = "No eye detected. Please position your eye correctly."
	msgNoIdentity  = "Please enter a username."
	msgNoCamera    = "Camera access denied. Please grant permissions."
	msgNoChannel   = "Not connected to the iris service"
	msgChannelLost = "Connection to the iris service lost"
)

// Snapshot is a copy of the session state handed to observers.
type Snapshot struct {
	State     State
	Identity  string
	Detection *types.DetectionResult
	Enrolled  bool
	Status    Status
	Percent   *float64 // similarity of the last authentication, as a percentage
	Epoch     uint64
}

// Connected reports the connectivity signal as the session last saw it.
func (s Snapshot) Connected() bool { return s.State.Online() }

// Busy reports whether a terminal request is in flight.
func (s Snapshot) Busy() bool { return s.State.Busy() }

// EyePresent reports whether the last detection found an eye.
func (s Snapshot) EyePresent() bool { return s.Detection != nil && s.Detection.Present }

// RequestKind distinguishes the two terminal requests.
type RequestKind int

const (
	RequestNone RequestKind = iota
	RequestEnroll
	RequestAuthenticate
)

func (k RequestKind) String() string {
	switch k {
	case RequestEnroll:
		return "enroll"
	case RequestAuthenticate:
		return "authenticate"
	}
	return "none"
}

// Result is published once per terminal request: when its reply arrives, or
// when the channel drops while it is pending.
type Result struct {
	Kind    RequestKind
	Verdict *auth.Verdict        // authenticate only
	Enroll  *types.EnrollOutcome // enroll only
	User    *auth.CurrentUser    // set when a credential was issued
	Err     error                // nil on success
}
