package signal

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeKnownEvents(t *testing.T) {
	cases := []struct {
		ns      Namespace
		event   string
		payload string
		check   func(t *testing.T, v interface{})
	}{
		{
			ns: NamespaceQueue, event: EventPositionUpdate,
			payload: `{"position":2,"estimatedWaitSeconds":45}`,
			check: func(t *testing.T, v interface{}) {
				u, ok := v.(*PositionUpdate)
				if !ok || u.Position != 2 || u.EstimatedWaitSeconds != 45 {
					t.Fatalf("got %#v", v)
				}
			},
		},
		{
			ns: NamespaceQueue, event: EventYourTurn,
			payload: `{"sessionCredential":{"sessionId":"s-1","channelName":"room-7"}}`,
			check: func(t *testing.T, v interface{}) {
				turn, ok := v.(*YourTurn)
				if !ok || turn.Credential.SessionID != "s-1" || turn.Credential.ChannelName != "room-7" {
					t.Fatalf("got %#v", v)
				}
			},
		},
		{
			ns: NamespaceCalls, event: EventCallOffer,
			payload: `{"sdp":"v=0","fromParticipantRef":"rep-9"}`,
			check: func(t *testing.T, v interface{}) {
				offer, ok := v.(*CallOffer)
				if !ok || offer.SDP != "v=0" || offer.FromParticipantRef != "rep-9" {
					t.Fatalf("got %#v", v)
				}
			},
		},
		{
			ns: NamespaceCalls, event: EventCallEnded,
			payload: ``,
			check: func(t *testing.T, v interface{}) {
				if _, ok := v.(*CallEnded); !ok {
					t.Fatalf("got %#v", v)
				}
			},
		},
		{
			ns: NamespaceTranscription, event: EventTranscript,
			payload: `{"speakerRef":"cust-1","text":"hello"}`,
			check: func(t *testing.T, v interface{}) {
				tr, ok := v.(*Transcript)
				if !ok || tr.SpeakerRef != "cust-1" || tr.Text != "hello" {
					t.Fatalf("got %#v", v)
				}
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.event, func(t *testing.T) {
			v, err := Decode(tc.ns, tc.event, json.RawMessage(tc.payload))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			tc.check(t, v)
		})
	}
}

func TestDecodeRejectsUnknownEvent(t *testing.T) {
	_, err := Decode(NamespaceQueue, "call-offer", nil)
	var unknown *ErrUnknownEvent
	if !errors.As(err, &unknown) {
		t.Fatalf("err = %v, want ErrUnknownEvent", err)
	}
	if unknown.Namespace != NamespaceQueue || unknown.Event != "call-offer" {
		t.Fatalf("got %#v", unknown)
	}
}

func TestDecodeRejectsMalformedPayload(t *testing.T) {
	if _, err := Decode(NamespaceCalls, EventCallOffer, json.RawMessage(`{`)); err == nil {
		t.Fatal("expected decode error")
	}
}
