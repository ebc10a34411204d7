package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/voicedesk/internal/api"
	"github.com/mikeyg42/voicedesk/internal/audio"
	"github.com/mikeyg42/voicedesk/internal/config"
	"github.com/mikeyg42/voicedesk/internal/queue"
	"github.com/mikeyg42/voicedesk/internal/recording"
	"github.com/mikeyg42/voicedesk/internal/rtc"
	"github.com/mikeyg42/voicedesk/internal/signal"
	"github.com/mikeyg42/voicedesk/internal/transcript"
)

// ErrCredentialExpired reports a call whose credential ran out before the
// transport ever linked.
var ErrCredentialExpired = errors.New("session: credential expired before call connected")

// EventKind enumerates controller notifications surfaced to the UI layer.
type EventKind int

const (
	EventQueuePosition EventKind = iota
	EventCallStarted
	EventCallEnded
	EventCallFailed
	EventTranscriptionDisabled
	EventTranscript
	EventNotification
)

// Event is one controller notification. Retry is set on EventCallFailed when
// the client may immediately rejoin the queue.
type Event struct {
	Kind         EventKind
	Err          error
	Retry        bool
	Session      CallSession
	Position     queue.Entry
	Transcript   signal.Transcript
	Notification signal.Notification
}

// CallSession is the identity of one granted call. It exists from credential
// grant until teardown completes.
type CallSession struct {
	ID                   string
	ChannelName          string
	LocalParticipantRef  string
	RemoteParticipantRef string
	Credential           signal.SessionCredential
}

// callAPI is the slice of the REST client the controller uses.
type callAPI interface {
	CallToken(ctx context.Context, callID string) (signal.SessionCredential, error)
	StartRecording(ctx context.Context, callID string) error
	StopRecording(ctx context.Context, callID string) error
}

// turnSource is the slice of the queue coordinator the controller uses.
type turnSource interface {
	Turns() <-chan signal.SessionCredential
	OnPositionUpdate(fn func(queue.Entry))
	CallEnded()
}

// negotiator is the slice of the signaling machine the controller drives.
type negotiator interface {
	AttachLocalTrack(track webrtc.TrackLocal) error
	StartAsCaller() error
	StartAsCallee() error
	SetMuted(muted bool) error
	End()
	Events() <-chan rtc.Event
	State() rtc.State
}

// pipeline is the slice of the audio pipeline the controller drives.
type pipeline interface {
	Attach(src audio.Source) error
	Stop()
	Events() <-chan audio.Event
	OnTranscriptDelivered(fn func(signal.Transcript))
	SetChunkTap(fn func(audio.Chunk))
}

// microphone is the local capture handle plus the track the peer sends.
type microphone interface {
	audio.Source
	Track() webrtc.TrackLocal
	CodecSelector() *mediadevices.CodecSelector
}

// Controller owns the call session lifecycle: it waits for granted turns,
// completes the credential, brings up media and signaling, runs the
// transcription pipeline alongside the call and tears everything down in
// reverse order. One call at a time; the queue coordinator guarantees turns
// arrive only while no call is active.
type Controller struct {
	cfg     *config.Config
	signals *signal.Manager
	rest    callAPI
	queue   turnSource
	logger  *zap.Logger

	role rtc.Role

	transcripts *transcript.Store
	recorder    *recording.Recorder
	archiver    *recording.Archiver

	// Factories, replaced by fakes in tests.
	newMicrophone func() (microphone, error)
	newNegotiator func(ctx context.Context, cred signal.SessionCredential, localRef string, selector *mediadevices.CodecSelector) (negotiator, error)
	newPipeline   func(ctx context.Context, sessionID string) (pipeline, error)

	mu       sync.Mutex
	localRef string
	current  *CallSession
	muted    bool
	neg      negotiator

	endReq chan struct{}
	events chan Event
}

// Deps carries the controller's collaborators. Transcripts, Recorder and
// Archiver are optional.
type Deps struct {
	Config      *config.Config
	Signals     *signal.Manager
	API         *api.Client
	Queue       *queue.Coordinator
	Transcripts *transcript.Store
	Recorder    *recording.Recorder
	Archiver    *recording.Archiver
	Logger      *zap.Logger
}

func NewController(d Deps) *Controller {
	role := rtc.RoleCustomer
	if d.Config.Role == "representative" {
		role = rtc.RoleRepresentative
	}

	c := &Controller{
		cfg:         d.Config,
		signals:     d.Signals,
		rest:        d.API,
		queue:       d.Queue,
		logger:      d.Logger.Named("session"),
		role:        role,
		transcripts: d.Transcripts,
		recorder:    d.Recorder,
		archiver:    d.Archiver,
		localRef:    "local",
		endReq:      make(chan struct{}, 1),
		events:      make(chan Event, 32),
	}

	c.newMicrophone = func() (microphone, error) {
		return audio.NewMicrophoneSource(c.cfg.AudioConfig, c.LocalParticipantRef())
	}
	c.newNegotiator = func(ctx context.Context, cred signal.SessionCredential, localRef string, selector *mediadevices.CodecSelector) (negotiator, error) {
		bus, err := c.signals.Channel(ctx, signal.NamespaceCalls)
		if err != nil {
			return nil, err
		}
		peer, err := rtc.NewPeer(c.cfg.RTCConfig, selector)
		if err != nil {
			return nil, err
		}
		return rtc.NewNegotiator(c.role, cred, localRef, peer, bus, c.cfg.RTCConfig.MaxICERestarts, c.logger), nil
	}
	c.newPipeline = func(ctx context.Context, sessionID string) (pipeline, error) {
		ch, err := c.signals.Channel(ctx, signal.NamespaceTranscription)
		if err != nil {
			return nil, err
		}
		return audio.NewPipeline(ch, sessionID, c.cfg.AudioConfig, c.logger), nil
	}

	d.Queue.OnPositionUpdate(func(e queue.Entry) {
		c.emit(Event{Kind: EventQueuePosition, Position: e})
	})
	return c
}

// Events delivers controller notifications.
func (c *Controller) Events() <-chan Event { return c.events }

// SetLocalParticipantRef records this client's participant identity, known
// after the queue join (customer) or sign-in (representative).
func (c *Controller) SetLocalParticipantRef(ref string) {
	c.mu.Lock()
	c.localRef = ref
	c.mu.Unlock()
}

// LocalParticipantRef reports this client's participant identity.
func (c *Controller) LocalParticipantRef() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localRef
}

// CurrentSession reports the active call, if any.
func (c *Controller) CurrentSession() (CallSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return CallSession{}, false
	}
	return *c.current, true
}

// SetMuted pauses or resumes the local audio track of the active call.
func (c *Controller) SetMuted(muted bool) error {
	c.mu.Lock()
	neg := c.neg
	c.mu.Unlock()
	if neg == nil {
		return errors.New("session: no active call")
	}
	if err := neg.SetMuted(muted); err != nil {
		return err
	}
	c.mu.Lock()
	c.muted = muted
	c.mu.Unlock()
	return nil
}

// EndCall requests teardown of the active call. A request while no call is
// active is a no-op, so it can never linger and consume a later granted turn.
// Idempotent; a second request while teardown is in flight is absorbed.
func (c *Controller) EndCall() {
	c.mu.Lock()
	active := c.current != nil
	c.mu.Unlock()
	if !active {
		return
	}
	select {
	case c.endReq <- struct{}{}:
	default:
	}
}

// Run consumes granted turns until the context ends. It blocks; callers run
// it on its own goroutine.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.watchNotifications(ctx); err != nil {
		// The call path works without toasts; log and continue.
		c.logger.Warn("Notifications unavailable", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cred := <-c.queue.Turns():
			c.runCall(ctx, cred)
			// Absorb an end request that raced call teardown.
			select {
			case <-c.endReq:
			default:
			}
		}
	}
}

func (c *Controller) watchNotifications(ctx context.Context) error {
	ch, err := c.signals.Channel(ctx, signal.NamespaceNotifications)
	if err != nil {
		return err
	}
	ch.On(signal.EventNewNotification, func(payload json.RawMessage) {
		var n signal.Notification
		if err := json.Unmarshal(payload, &n); err != nil {
			c.logger.Warn("Malformed notification", zap.Error(err))
			return
		}
		c.emit(Event{Kind: EventNotification, Notification: n})
	})
	return nil
}

// runCall drives one call from credential grant to teardown. Any failure
// before the transport ever links rolls the client back to NotQueued with
// retry offered, so a grant can never strand the customer with neither a
// queue position nor a call.
func (c *Controller) runCall(ctx context.Context, granted signal.SessionCredential) {
	logger := c.logger.With(zap.String("session_id", granted.SessionID))
	logger.Info("Turn granted", zap.String("channel", granted.ChannelName))

	cred, err := c.rest.CallToken(ctx, granted.SessionID)
	if err != nil {
		c.rollback(CallSession{ID: granted.SessionID}, fmt.Errorf("complete credential: %w", err))
		return
	}

	sess := CallSession{
		ID:                   cred.SessionID,
		ChannelName:          cred.ChannelName,
		LocalParticipantRef:  c.LocalParticipantRef(),
		RemoteParticipantRef: cred.RemoteParticipantRef,
		Credential:           cred,
	}

	mic, err := c.newMicrophone()
	if err != nil {
		c.rollback(sess, fmt.Errorf("%w: %v", rtc.ErrMediaAccessDenied, err))
		return
	}

	neg, err := c.newNegotiator(ctx, cred, sess.LocalParticipantRef, mic.CodecSelector())
	if err != nil {
		mic.Close()
		c.rollback(sess, fmt.Errorf("create negotiator: %w", err))
		return
	}

	pipe, err := c.newPipeline(ctx, cred.SessionID)
	if err != nil {
		mic.Close()
		neg.End()
		drainNegotiator(neg)
		c.rollback(sess, fmt.Errorf("create pipeline: %w", err))
		return
	}

	pipe.OnTranscriptDelivered(func(t signal.Transcript) {
		c.persistTranscript(sess.ID, t)
		c.emit(Event{Kind: EventTranscript, Session: sess, Transcript: t})
	})
	if c.recorder != nil {
		pipe.SetChunkTap(c.recorder.WriteChunk)
	}

	if err := neg.AttachLocalTrack(mic.Track()); err != nil {
		pipe.Stop()
		mic.Close()
		neg.End()
		drainNegotiator(neg)
		c.rollback(sess, fmt.Errorf("attach local track: %w", err))
		return
	}

	if c.role == rtc.RoleRepresentative {
		err = neg.StartAsCaller()
	} else {
		err = neg.StartAsCallee()
	}
	if err != nil {
		pipe.Stop()
		mic.Close()
		neg.End()
		drainNegotiator(neg)
		c.rollback(sess, fmt.Errorf("start signaling: %w", err))
		return
	}

	c.mu.Lock()
	c.current = &sess
	c.neg = neg
	c.mu.Unlock()

	c.callLoop(ctx, sess, neg, pipe, mic, logger)

	c.mu.Lock()
	c.current = nil
	c.neg = nil
	c.muted = false
	c.mu.Unlock()
}

// callLoop is the event loop of one active call.
func (c *Controller) callLoop(ctx context.Context, sess CallSession, neg negotiator, pipe pipeline, mic microphone, logger *zap.Logger) {
	var (
		connected        bool
		micAttached      bool
		recordingStarted bool
	)

	// Negotiation must finish inside the credential's validity window; a
	// stalled pre-connect phase rolls back through the retry path instead of
	// hanging past it. Once linked the deadline no longer applies.
	var credExpired <-chan time.Time
	if exp := sess.Credential.ExpiresAt; !exp.IsZero() {
		timer := time.NewTimer(time.Until(exp))
		defer timer.Stop()
		credExpired = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			neg.End()
			drainNegotiator(neg)
			c.teardown(sess, pipe, mic, micAttached, recordingStarted)
			c.emit(Event{Kind: EventCallEnded, Session: sess})
			return

		case <-credExpired:
			logger.Error("Credential expired before call connected")
			neg.End()
			drainNegotiator(neg)
			c.teardown(sess, pipe, mic, micAttached, recordingStarted)
			c.emit(Event{Kind: EventCallFailed, Session: sess, Err: ErrCredentialExpired, Retry: true})
			return

		case <-c.endReq:
			logger.Info("Local end requested")
			neg.End()
			drainNegotiator(neg)
			c.teardown(sess, pipe, mic, micAttached, recordingStarted)
			c.emit(Event{Kind: EventCallEnded, Session: sess})
			return

		case ev, ok := <-neg.Events():
			if !ok {
				// Terminal state raced the loop; treat as remote end.
				c.teardown(sess, pipe, mic, micAttached, recordingStarted)
				c.emit(Event{Kind: EventCallEnded, Session: sess})
				return
			}
			switch ev.Kind {
			case rtc.EventConnected:
				connected = true
				credExpired = nil
				logger.Info("Call media linked")
				if err := pipe.Attach(mic); err != nil {
					logger.Warn("Microphone transcription unavailable", zap.Error(err))
				} else {
					micAttached = true
				}
				recordingStarted = c.startRecording(ctx, sess)
				c.emit(Event{Kind: EventCallStarted, Session: sess})

			case rtc.EventRemoteTrack:
				if ev.Track == nil || ev.Track.Kind() != webrtc.RTPCodecTypeAudio {
					break
				}
				src := audio.NewRemoteSource(ev.Track, sess.RemoteParticipantRef)
				if err := pipe.Attach(src); err != nil {
					logger.Warn("Remote transcription unavailable", zap.Error(err))
				}

			case rtc.EventEnded:
				logger.Info("Call ended by remote party")
				c.teardown(sess, pipe, mic, micAttached, recordingStarted)
				c.emit(Event{Kind: EventCallEnded, Session: sess})
				return

			case rtc.EventFailed:
				c.teardown(sess, pipe, mic, micAttached, recordingStarted)
				if !connected {
					logger.Error("Call failed before connecting", zap.Error(ev.Err))
					c.emit(Event{Kind: EventCallFailed, Session: sess, Err: ev.Err, Retry: true})
				} else {
					logger.Error("Call failed", zap.Error(ev.Err))
					c.emit(Event{Kind: EventCallFailed, Session: sess, Err: ev.Err})
				}
				return
			}

		case pev := <-pipe.Events():
			if pev.Kind == audio.EventUnavailable {
				// The call outlives its transcription.
				logger.Warn("Transcription disabled for remainder of call", zap.Error(pev.Err))
				c.emit(Event{Kind: EventTranscriptionDisabled, Session: sess, Err: pev.Err})
			}
		}
	}
}

// teardown releases call resources in reverse acquisition order. The pipeline
// stops first so no chunk is emitted for a dead session; it closes every
// attached source, so the microphone needs an explicit close only when it was
// never attached.
func (c *Controller) teardown(sess CallSession, pipe pipeline, mic microphone, micAttached, recordingStarted bool) {
	pipe.Stop()
	if !micAttached {
		if err := mic.Close(); err != nil {
			c.logger.Warn("Microphone close", zap.Error(err))
		}
	}

	if c.recorder != nil {
		path, err := c.recorder.Stop()
		if err != nil {
			c.logger.Warn("Recording stop", zap.Error(err))
		}
		if path != "" && c.archiver != nil {
			uctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			if _, err := c.archiver.Upload(uctx, sess.ID, path); err != nil {
				c.logger.Warn("Recording upload", zap.Error(err))
			}
			cancel()
		}
	}

	if recordingStarted {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := c.rest.StopRecording(sctx, sess.ID); err != nil {
			c.logger.Warn("Server recording stop", zap.Error(err))
		}
		cancel()
	}

	c.queue.CallEnded()
}

func (c *Controller) startRecording(ctx context.Context, sess CallSession) bool {
	if c.recorder == nil {
		return false
	}
	if err := c.recorder.Start(sess.ID, sess.LocalParticipantRef, sess.RemoteParticipantRef); err != nil {
		c.logger.Warn("Recording start", zap.Error(err))
		return false
	}
	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := c.rest.StartRecording(sctx, sess.ID); err != nil {
		// Local capture proceeds; the server just won't mirror it.
		c.logger.Warn("Server recording start", zap.Error(err))
	}
	return true
}

// rollback returns the client to NotQueued after a failure that happened
// before the call ever connected.
func (c *Controller) rollback(sess CallSession, err error) {
	c.logger.Error("Call setup failed, rolling back to queue entry point",
		zap.String("session_id", sess.ID), zap.Error(err))
	c.queue.CallEnded()
	c.emit(Event{Kind: EventCallFailed, Session: sess, Err: err, Retry: true})
}

func (c *Controller) persistTranscript(sessionID string, t signal.Transcript) {
	if c.transcripts == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.transcripts.Append(ctx, sessionID, t.SpeakerRef, t.Text, t.Timestamp); err != nil {
		c.logger.Warn("Transcript persist", zap.Error(err))
	}
}

func (c *Controller) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("Dropping session event, consumer is slow", zap.Int("kind", int(ev.Kind)))
	}
}

// drainNegotiator waits for the negotiator's terminal cleanup by consuming
// its event stream to closure.
func drainNegotiator(neg negotiator) {
	for range neg.Events() {
	}
}
