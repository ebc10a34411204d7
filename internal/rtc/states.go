package rtc

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

var (
	// ErrMediaAccessDenied means the local capture device is unavailable.
	// Fatal-local: surfaced before any Offer is sent, never retried.
	ErrMediaAccessDenied = errors.New("rtc: media access denied")

	// ErrRemoteDescriptionRejected means the remote SDP could not be applied.
	// Fatal-remote: the call fails and queue re-entry is offered upstream.
	ErrRemoteDescriptionRejected = errors.New("rtc: remote description rejected")

	// ErrConnectivityLost means ICE restarts were exhausted without recovery.
	ErrConnectivityLost = errors.New("rtc: connectivity lost after restart attempts")

	// ErrInvalidState reports an operation attempted from the wrong state.
	ErrInvalidState = errors.New("rtc: invalid state for operation")
)

// Role is the party asymmetry used to break signaling glare: when both sides
// offer in the same round, the representative's offer is processed and the
// customer's is discarded. This is part of the protocol, not a timing guess.
type Role int

const (
	RoleCustomer Role = iota
	RoleRepresentative
)

func (r Role) String() string {
	if r == RoleRepresentative {
		return "representative"
	}
	return "customer"
}

// State is the signaling state of one call session. Idle is initial; Ended
// and Failed are terminal.
type State int32

const (
	StateIdle State = iota
	StateAwaitingCredential
	StateOffering
	StateAwaitingAnswer
	StateAnsweringOffer
	StateConnected
	StateReconnecting
	StateEnded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateAwaitingCredential:
		return "AwaitingCredential"
	case StateOffering:
		return "Offering"
	case StateAwaitingAnswer:
		return "AwaitingAnswer"
	case StateAnsweringOffer:
		return "AnsweringOffer"
	case StateConnected:
		return "Connected"
	case StateReconnecting:
		return "Reconnecting"
	case StateEnded:
		return "Ended"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed
}

// EventKind enumerates negotiator events surfaced to the controller.
type EventKind int

const (
	EventStateChanged EventKind = iota
	EventConnected
	EventReconnecting
	EventEnded
	EventFailed
	EventRemoteTrack
)

// Event is a typed negotiator notification. Err is set for EventFailed;
// Track is set for EventRemoteTrack.
type Event struct {
	Kind  EventKind
	State State
	Err   error
	Track *webrtc.TrackRemote
}
