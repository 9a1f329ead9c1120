package session

import "errors"

// State is a lifecycle state of a [Session].
type State int

const (
	// StateIdle holds no resources.
	StateIdle State = iota

	// StateConnecting is acquiring devices and opening the transport.
	StateConnecting

	// StateActive is streaming in both directions.
	StateActive

	// StateError holds no resources and carries the failure in [Status.Err].
	StateError
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

var (
	// ErrDeviceAcquisition wraps microphone permission or hardware failures.
	ErrDeviceAcquisition = errors.New("session: audio device unavailable")

	// ErrTransportOpen wraps failures to open the transport.
	ErrTransportOpen = errors.New("session: transport open failed")

	// ErrTransportRuntime wraps errors reported by an open transport.
	ErrTransportRuntime = errors.New("session: transport failed")

	// ErrBusy is returned by Start while a session is connecting or active.
	ErrBusy = errors.New("session: already running")

	// ErrStartAborted is returned by Start when Stop or Teardown ran before
	// the start completed.
	ErrStartAborted = errors.New("session: start aborted")
)

// Status is the observable state of a [Session].
type Status struct {
	State State

	// Err is set in StateError.
	Err error
}

// Message returns the user-facing status line for s.
func (s Status) Message() string {
	switch s.State {
	case StateConnecting:
		return "Connecting..."
	case StateActive:
		return "Listening..."
	case StateError:
		return "An error occurred. Tap to retry."
	default:
		return "Tap to start conversation"
	}
}
