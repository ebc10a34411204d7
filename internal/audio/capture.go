package audio

import (
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	_ "github.com/pion/mediadevices/pkg/driver/microphone" // This is required to register microphone adapter - DON'T REMOVE

	"github.com/mikeyg42/voicedesk/internal/config"
)

// ErrDeviceUnavailable means the local capture device could not be acquired.
var ErrDeviceUnavailable = errors.New("audio: capture device unavailable")

const rtpMTU = 1200

// Source produces encoded audio windows for one participant.
type Source interface {
	ID() string
	ReadChunk() ([]byte, error)
	Close() error
}

// MicrophoneSource owns the local capture handle. The negotiator only ever
// receives the track reference, never the device, so the microphone is
// acquired exactly once.
type MicrophoneSource struct {
	participantRef string
	track          mediadevices.Track
	reader         mediadevices.RTPReadCloser
	selector       *mediadevices.CodecSelector
}

// NewMicrophoneSource acquires the microphone with voice-call constraints
// (48 kHz mono 16-bit, 20 ms latency) and an Opus encoder.
func NewMicrophoneSource(cfg config.AudioConfig, participantRef string) (*MicrophoneSource, error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}
	opusParams.BitRate = 32_000
	opusParams.Latency = opus.Latency20ms // 20 ms frame size for real-time communication

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithAudioEncoders(&opusParams),
	)

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(cfg.SampleRate)
			c.ChannelCount = prop.Int(cfg.ChannelCount)
			c.SampleSize = prop.Int(16)
			c.IsFloat = prop.BoolExact(false)
			c.IsBigEndian = prop.BoolExact(false)
			c.IsInterleaved = prop.BoolExact(true)
			c.Latency = prop.Duration(cfg.CaptureLatency)
		},
		Codec: selector,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w: no audio track in stream", ErrDeviceUnavailable)
	}
	track, ok := tracks[0].(mediadevices.Track)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected track type", ErrDeviceUnavailable)
	}

	reader, err := track.NewRTPReader(webrtc.MimeTypeOpus, uint32(uuid.New().ID()), rtpMTU)
	if err != nil {
		track.Close()
		return nil, fmt.Errorf("%w: rtp reader: %v", ErrDeviceUnavailable, err)
	}

	return &MicrophoneSource{
		participantRef: participantRef,
		track:          track,
		reader:         reader,
		selector:       selector,
	}, nil
}

func (m *MicrophoneSource) ID() string { return m.participantRef }

// Track exposes the capture track for the peer connection. Callers hold only
// the reference; Close on the source is what releases the device.
func (m *MicrophoneSource) Track() webrtc.TrackLocal { return m.track }

// CodecSelector is shared with the peer's media engine so both sides of the
// track agree on the Opus encoder.
func (m *MicrophoneSource) CodecSelector() *mediadevices.CodecSelector { return m.selector }

// ReadChunk blocks for the next encoded window.
func (m *MicrophoneSource) ReadChunk() ([]byte, error) {
	packets, _, err := m.reader.Read()
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read microphone rtp: %w", err)
	}
	return flattenPayloads(packets), nil
}

func (m *MicrophoneSource) Close() error {
	m.reader.Close()
	return m.track.Close()
}

// RemoteSource reads the remote participant's audio off the peer connection
// track, mirroring the local capture path so both sides feed transcription.
type RemoteSource struct {
	participantRef string
	track          *webrtc.TrackRemote

	lastSeq  uint16
	haveSeq  bool
	GapCount uint64
}

func NewRemoteSource(track *webrtc.TrackRemote, participantRef string) *RemoteSource {
	return &RemoteSource{
		participantRef: participantRef,
		track:          track,
	}
}

func (r *RemoteSource) ID() string { return r.participantRef }

// ReadChunk blocks for the next RTP packet and returns its payload. Sequence
// gaps are counted, not recovered; transcription tolerates loss.
func (r *RemoteSource) ReadChunk() ([]byte, error) {
	pkt, _, err := r.track.ReadRTP()
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read remote rtp: %w", err)
	}

	if r.haveSeq && pkt.SequenceNumber != r.lastSeq+1 {
		r.GapCount++
	}
	r.lastSeq = pkt.SequenceNumber
	r.haveSeq = true

	return pkt.Payload, nil
}

// Close is a no-op: the remote track belongs to the peer connection.
func (r *RemoteSource) Close() error { return nil }

func flattenPayloads(packets []*rtp.Packet) []byte {
	if len(packets) == 1 {
		return packets[0].Payload
	}
	var total int
	for _, p := range packets {
		total += len(p.Payload)
	}
	out := make([]byte, 0, total)
	for _, p := range packets {
		out = append(out, p.Payload...)
	}
	return out
}
