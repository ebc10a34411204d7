package signal

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
)

// Namespace identifies one logical channel on the signaling server. The
// names are stable contracts with the server and must not be renamed.
type Namespace string

const (
	NamespaceCalls         Namespace = "calls"
	NamespaceQueue         Namespace = "queue"
	NamespaceNotifications Namespace = "notifications"
	NamespaceTranscription Namespace = "transcription"
	NamespaceAnalytics     Namespace = "analytics"
)

// Event names per namespace.
const (
	// queue
	EventPositionUpdate = "position_update"
	EventYourTurn       = "your_turn"
	EventQueueUpdate    = "queue_update"

	// calls
	EventCallOffer    = "call-offer"
	EventCallAnswer   = "call-answer"
	EventIceCandidate = "ice-candidate"
	EventCallEnded    = "call_ended"

	// transcription
	EventAudioData          = "transcription:audio_data"
	EventTranscript         = "transcription:transcript"
	EventTranscriptionError = "transcription:error"

	// notifications
	EventNewNotification = "new_notification"

	// analytics
	EventMetricsUpdate = "metrics_update"
)

// PositionUpdate reports the client's current place in the queue.
type PositionUpdate struct {
	Position             int `json:"position"`
	EstimatedWaitSeconds int `json:"estimatedWaitSeconds"`
}

// SessionCredential is the short-lived token handed out when a turn is
// granted. It is completed by GET /calls/{id}/token before signaling starts.
type SessionCredential struct {
	SessionID            string    `json:"sessionId"`
	ChannelName          string    `json:"channelName"`
	Token                string    `json:"token"`
	ExpiresAt            time.Time `json:"expiresAt"`
	RemoteParticipantRef string    `json:"remoteParticipantRef"`
}

// YourTurn moves the client from the queue into a call.
type YourTurn struct {
	Credential SessionCredential `json:"sessionCredential"`
}

// CallOffer carries the initiator's session description.
type CallOffer struct {
	SDP                string `json:"sdp"`
	FromParticipantRef string `json:"fromParticipantRef"`
}

// CallAnswer carries the callee's session description.
type CallAnswer struct {
	SDP string `json:"sdp"`
}

// IceCandidate carries one connectivity candidate.
type IceCandidate struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// CallEnded signals remote call termination. Empty body by contract.
type CallEnded struct{}

// AudioData is one captured audio window pushed to the transcription
// consumer. Payload marshals as base64.
type AudioData struct {
	SessionID      string    `json:"sessionId"`
	ParticipantRef string    `json:"participantRef"`
	Sequence       uint64    `json:"sequence"`
	Payload        []byte    `json:"payload"`
	CapturedAt     time.Time `json:"capturedAt"`
}

// Transcript is one delivered transcription result.
type Transcript struct {
	SpeakerRef string    `json:"speakerRef"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
}

// TranscriptionError is a server-side pipeline failure notice.
type TranscriptionError struct {
	Message string `json:"message"`
}

// Notification is a user-facing toast-style message.
type Notification struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// MetricsUpdate is an opaque analytics payload; no component consumes it,
// it exists so the schema stays closed over the server's event list.
type MetricsUpdate struct {
	Metrics json.RawMessage `json:"metrics"`
}

// ErrUnknownEvent reports an event name outside the namespace's schema.
type ErrUnknownEvent struct {
	Namespace Namespace
	Event     string
}

func (e *ErrUnknownEvent) Error() string {
	return fmt.Sprintf("unknown event %q on namespace %q", e.Event, e.Namespace)
}

// Decode maps a raw event to its typed payload. The switch per namespace is
// exhaustive over the server's published event list.
func Decode(ns Namespace, event string, payload json.RawMessage) (interface{}, error) {
	var target interface{}

	switch ns {
	case NamespaceQueue:
		switch event {
		case EventPositionUpdate:
			target = &PositionUpdate{}
		case EventYourTurn:
			target = &YourTurn{}
		case EventQueueUpdate:
			target = &PositionUpdate{}
		}
	case NamespaceCalls:
		switch event {
		case EventCallOffer:
			target = &CallOffer{}
		case EventCallAnswer:
			target = &CallAnswer{}
		case EventIceCandidate:
			target = &IceCandidate{}
		case EventCallEnded:
			target = &CallEnded{}
		}
	case NamespaceTranscription:
		switch event {
		case EventAudioData:
			target = &AudioData{}
		case EventTranscript:
			target = &Transcript{}
		case EventTranscriptionError:
			target = &TranscriptionError{}
		}
	case NamespaceNotifications:
		if event == EventNewNotification {
			target = &Notification{}
		}
	case NamespaceAnalytics:
		if event == EventMetricsUpdate {
			target = &MetricsUpdate{}
		}
	}

	if target == nil {
		return nil, &ErrUnknownEvent{Namespace: ns, Event: event}
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, target); err != nil {
			return nil, fmt.Errorf("decode %s: %w", event, err)
		}
	}
	return target, nil
}
