package rtc

import (
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"

	"github.com/mikeyg42/voicedesk/internal/config"
)

// AudioSender is the send-side handle for the local audio track; replacing
// the track with nil pauses sending (mute).
type AudioSender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
}

// Peer abstracts the slice of a peer connection the negotiator drives. The
// production implementation wraps pion's *webrtc.PeerConnection; tests
// substitute a fake.
type Peer interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddAudioTrack(track webrtc.TrackLocal) (AudioSender, error)
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	Close() error
}

type pionPeer struct {
	*webrtc.PeerConnection
}

func (p *pionPeer) AddAudioTrack(track webrtc.TrackLocal) (AudioSender, error) {
	transceiver, err := p.AddTransceiverFromTrack(track, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	})
	if err != nil {
		return nil, fmt.Errorf("add audio transceiver: %w", err)
	}
	return transceiver.Sender(), nil
}

// NewPeer builds a pion peer connection with the voice codec setup. The codec
// selector comes from the capture layer so the media engine and the
// microphone track agree on encoders; nil means default codecs only.
func NewPeer(cfg config.RTCConfig, selector *mediadevices.CodecSelector) (Peer, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register default codecs: %w", err)
	}

	// Opus benefits from transport-cc and nack feedback on lossy paths.
	mediaEngine.RegisterFeedback(webrtc.RTCPFeedback{Type: "transport-cc"}, webrtc.RTPCodecTypeAudio)
	mediaEngine.RegisterFeedback(webrtc.RTCPFeedback{Type: "nack"}, webrtc.RTPCodecTypeAudio)

	if selector != nil {
		selector.Populate(mediaEngine)
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepAliveInterval)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithSettingEngine(settingEngine),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: cfg.ICEServers},
		},
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	return &pionPeer{PeerConnection: pc}, nil
}
