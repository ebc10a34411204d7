package rtc

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/voicedesk/internal/signal"
)

// SignalBus is the slice of the calls-namespace channel the negotiator uses.
type SignalBus interface {
	On(event string, h signal.EventHandler) int64
	Off(event string, id int64)
	Send(event string, payload interface{}) error
}

// Negotiator runs the signaling state machine for one call session. All
// transitions execute on a single dispatch goroutine, run-to-completion, so
// state checks inside handlers are the only synchronization the machine
// needs; interleaving can happen only between posted messages, which mirrors
// the suspension points of the protocol (network sends, media awaits).
type Negotiator struct {
	role        Role
	sessionID   string
	localRef    string
	remoteRef   string
	peer        Peer
	bus         SignalBus
	logger      *zap.Logger
	maxRestarts int

	msgs   chan func()
	events chan Event
	done   chan struct{}

	// Loop-owned. Never touched off the dispatch goroutine.
	state       State
	pending     candidateQueue
	remoteSet   bool
	restarts    int
	everLinked  bool
	endNoticeTx bool
	localTrack  webrtc.TrackLocal
	audioSender AudioSender

	// Mirror for cheap external reads.
	stateAtomic atomic.Int32

	handlerRegs []busRegistration
}

type busRegistration struct {
	event string
	id    int64
}

// NewNegotiator wires the state machine to a peer and the calls channel and
// starts its dispatch loop. The negotiator holds only references to the call
// session; the controller owns the session lifetime.
func NewNegotiator(role Role, cred signal.SessionCredential, localRef string, peer Peer, bus SignalBus, maxRestarts int, logger *zap.Logger) *Negotiator {
	n := &Negotiator{
		role:        role,
		sessionID:   cred.SessionID,
		localRef:    localRef,
		remoteRef:   cred.RemoteParticipantRef,
		peer:        peer,
		bus:         bus,
		logger:      logger.Named("negotiator").With(zap.String("session_id", cred.SessionID)),
		maxRestarts: maxRestarts,
		msgs:        make(chan func(), 64),
		events:      make(chan Event, 32),
		done:        make(chan struct{}),
		state:       StateIdle,
	}

	n.handlerRegs = []busRegistration{
		{signal.EventCallOffer, bus.On(signal.EventCallOffer, n.onWireOffer)},
		{signal.EventCallAnswer, bus.On(signal.EventCallAnswer, n.onWireAnswer)},
		{signal.EventIceCandidate, bus.On(signal.EventIceCandidate, n.onWireCandidate)},
		{signal.EventCallEnded, bus.On(signal.EventCallEnded, n.onWireEnded)},
	}

	peer.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			// Gathering complete.
			return
		}
		if err := bus.Send(signal.EventIceCandidate, signal.IceCandidate{Candidate: c.ToJSON()}); err != nil {
			n.logger.Warn("Failed to send ICE candidate", zap.Error(err))
		}
	})

	peer.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		n.logger.Info("Remote track",
			zap.String("id", track.ID()),
			zap.String("kind", track.Kind().String()))
		n.emit(Event{Kind: EventRemoteTrack, State: n.State(), Track: track})
	})

	peer.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		n.post(func() { n.handleTransportState(st) })
	})

	go n.run()
	return n
}

// Events delivers negotiator notifications. Closed once a terminal state's
// cleanup completes.
func (n *Negotiator) Events() <-chan Event { return n.events }

// State reports the current signaling state.
func (n *Negotiator) State() State { return State(n.stateAtomic.Load()) }

// PendingCandidates reports how many ICE candidates await the remote
// description.
func (n *Negotiator) PendingCandidates() int {
	var count int
	if err := n.call(func() error {
		count = n.pending.Len()
		return nil
	}); err != nil {
		return 0
	}
	return count
}

// AttachLocalTrack hands the negotiator the capture layer's track reference.
// The negotiator never owns the device handle, only the track. Must be called
// before StartAsCaller or StartAsCallee.
func (n *Negotiator) AttachLocalTrack(track webrtc.TrackLocal) error {
	return n.call(func() error {
		if n.state != StateIdle {
			return fmt.Errorf("%w: attach track in %s", ErrInvalidState, n.state)
		}
		sender, err := n.peer.AddAudioTrack(track)
		if err != nil {
			return fmt.Errorf("attach local track: %w", err)
		}
		n.localTrack = track
		n.audioSender = sender
		return nil
	})
}

// StartAsCaller generates and sends the offer. Idle -> Offering ->
// AwaitingAnswer.
func (n *Negotiator) StartAsCaller() error {
	return n.call(func() error {
		if n.state != StateIdle {
			return fmt.Errorf("%w: start caller in %s", ErrInvalidState, n.state)
		}
		return n.sendOffer(false)
	})
}

// StartAsCallee arms the machine to answer the remote offer. State remains
// Idle until the offer arrives.
func (n *Negotiator) StartAsCallee() error {
	return n.call(func() error {
		if n.state != StateIdle {
			return fmt.Errorf("%w: start callee in %s", ErrInvalidState, n.state)
		}
		n.logger.Info("Awaiting remote offer")
		return nil
	})
}

// SetMuted pauses or resumes the local audio track.
func (n *Negotiator) SetMuted(muted bool) error {
	return n.call(func() error {
		if n.audioSender == nil {
			return fmt.Errorf("%w: no local track attached", ErrInvalidState)
		}
		if muted {
			return n.audioSender.ReplaceTrack(nil)
		}
		return n.audioSender.ReplaceTrack(n.localTrack)
	})
}

// End terminates the call locally. Idempotent: ending an ended call does
// nothing.
func (n *Negotiator) End() {
	n.post(func() { n.endCall(true) })
}

func (n *Negotiator) run() {
	for {
		select {
		case fn := <-n.msgs:
			fn()
			if n.state.Terminal() {
				// Drain synchronous callers before shutting the loop down.
				for {
					select {
					case fn := <-n.msgs:
						fn()
					default:
						close(n.done)
						close(n.events)
						return
					}
				}
			}
		case <-n.done:
			return
		}
	}
}

func (n *Negotiator) post(fn func()) {
	select {
	case n.msgs <- fn:
	case <-n.done:
	}
}

func (n *Negotiator) call(fn func() error) error {
	errc := make(chan error, 1)
	select {
	case n.msgs <- func() { errc <- fn() }:
	case <-n.done:
		return fmt.Errorf("%w: negotiator stopped", ErrInvalidState)
	}
	select {
	case err := <-errc:
		return err
	case <-n.done:
		// Loop shut down while the message was queued; treat as terminal.
		select {
		case err := <-errc:
			return err
		default:
			return fmt.Errorf("%w: negotiator stopped", ErrInvalidState)
		}
	}
}

func (n *Negotiator) setState(s State) {
	if n.state == s {
		return
	}
	n.logger.Info("Signaling state", zap.String("from", n.state.String()), zap.String("to", s.String()))
	n.state = s
	n.stateAtomic.Store(int32(s))
	n.emit(Event{Kind: EventStateChanged, State: s})
}

func (n *Negotiator) emit(ev Event) {
	select {
	case n.events <- ev:
	default:
		n.logger.Warn("Dropping negotiator event, consumer is slow", zap.Int("kind", int(ev.Kind)))
	}
}

// --- wire handlers: decode, then hop onto the dispatch loop ---

func (n *Negotiator) onWireOffer(payload json.RawMessage) {
	var offer signal.CallOffer
	if err := json.Unmarshal(payload, &offer); err != nil {
		n.logger.Warn("Malformed offer", zap.Error(err))
		return
	}
	n.post(func() { n.handleOffer(offer) })
}

func (n *Negotiator) onWireAnswer(payload json.RawMessage) {
	var answer signal.CallAnswer
	if err := json.Unmarshal(payload, &answer); err != nil {
		n.logger.Warn("Malformed answer", zap.Error(err))
		return
	}
	n.post(func() { n.handleAnswer(answer) })
}

func (n *Negotiator) onWireCandidate(payload json.RawMessage) {
	var cand signal.IceCandidate
	if err := json.Unmarshal(payload, &cand); err != nil {
		n.logger.Warn("Malformed ICE candidate", zap.Error(err))
		return
	}
	n.post(func() { n.handleCandidate(cand.Candidate) })
}

func (n *Negotiator) onWireEnded(payload json.RawMessage) {
	n.post(func() { n.endCall(false) })
}

// --- loop-side transitions ---

func (n *Negotiator) sendOffer(iceRestart bool) error {
	n.setState(StateOffering)

	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := n.peer.CreateOffer(opts)
	if err != nil {
		n.fail(fmt.Errorf("create offer: %w", err))
		return err
	}
	if err := n.peer.SetLocalDescription(offer); err != nil {
		n.fail(fmt.Errorf("set local offer: %w", err))
		return err
	}
	if err := n.bus.Send(signal.EventCallOffer, signal.CallOffer{
		SDP:                offer.SDP,
		FromParticipantRef: n.localRef,
	}); err != nil {
		n.fail(fmt.Errorf("send offer: %w", err))
		return err
	}

	if iceRestart {
		n.setState(StateReconnecting)
	} else {
		n.setState(StateAwaitingAnswer)
	}
	return nil
}

func (n *Negotiator) handleOffer(offer signal.CallOffer) {
	switch n.state {
	case StateIdle:
		n.setState(StateAnsweringOffer)
		n.answerOffer(offer)

	case StateOffering, StateAwaitingAnswer:
		// Glare: both parties offered in the same round. The representative's
		// offer wins; the customer rolls its own offer back and answers.
		if n.role == RoleRepresentative {
			n.logger.Info("Glare: discarding customer offer", zap.String("from", offer.FromParticipantRef))
			return
		}
		n.logger.Info("Glare: rolling back own offer", zap.String("from", offer.FromParticipantRef))
		if err := n.peer.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			n.fail(fmt.Errorf("glare rollback: %w", err))
			return
		}
		n.setState(StateAnsweringOffer)
		n.answerOffer(offer)

	case StateConnected, StateReconnecting:
		// Remote-initiated renegotiation (ICE restart round).
		n.answerOffer(offer)

	default:
		n.logger.Warn("Ignoring offer", zap.String("state", n.state.String()))
	}
}

func (n *Negotiator) answerOffer(offer signal.CallOffer) {
	if err := n.applyRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		return
	}

	answer, err := n.peer.CreateAnswer(nil)
	if err != nil {
		n.fail(fmt.Errorf("create answer: %w", err))
		return
	}
	if err := n.peer.SetLocalDescription(answer); err != nil {
		n.fail(fmt.Errorf("set local answer: %w", err))
		return
	}
	if err := n.bus.Send(signal.EventCallAnswer, signal.CallAnswer{SDP: answer.SDP}); err != nil {
		n.fail(fmt.Errorf("send answer: %w", err))
		return
	}

	if n.state == StateAnsweringOffer {
		// Connected pending ICE completion; the transport callback reports
		// actual connectivity.
		n.setState(StateConnected)
	}
}

func (n *Negotiator) handleAnswer(answer signal.CallAnswer) {
	switch n.state {
	case StateAwaitingAnswer:
		if err := n.applyRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}); err != nil {
			return
		}
		n.setState(StateConnected)

	case StateReconnecting:
		if err := n.applyRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}); err != nil {
			return
		}
		// Stay Reconnecting until the transport confirms recovery.

	default:
		n.logger.Warn("Ignoring answer", zap.String("state", n.state.String()))
	}
}

// applyRemote sets the remote description and performs the one-time drain of
// queued ICE candidates.
func (n *Negotiator) applyRemote(desc webrtc.SessionDescription) error {
	if err := n.peer.SetRemoteDescription(desc); err != nil {
		n.fail(fmt.Errorf("%w: %v", ErrRemoteDescriptionRejected, err))
		return err
	}
	n.remoteSet = true

	if !n.pending.Drained() {
		queued := n.pending.Len()
		for _, err := range n.pending.Drain(n.peer.AddICECandidate) {
			// Recoverable-protocol: a bad candidate does not fail the call.
			n.logger.Warn("Queued ICE candidate rejected", zap.Error(err))
		}
		if queued > 0 {
			n.logger.Info("Drained queued ICE candidates", zap.Int("count", queued))
		}
	}
	return nil
}

func (n *Negotiator) handleCandidate(cand webrtc.ICECandidateInit) {
	if n.state.Terminal() {
		return
	}
	if !n.remoteSet {
		n.pending.Add(cand)
		n.logger.Debug("Queued ICE candidate", zap.Int("pending", n.pending.Len()))
		return
	}
	if err := n.peer.AddICECandidate(cand); err != nil {
		n.logger.Warn("ICE candidate rejected", zap.Error(err))
	}
}

func (n *Negotiator) handleTransportState(st webrtc.PeerConnectionState) {
	if n.state.Terminal() {
		return
	}

	switch st {
	case webrtc.PeerConnectionStateConnected:
		n.restarts = 0
		if n.state == StateReconnecting {
			n.setState(StateConnected)
		}
		if !n.everLinked {
			n.everLinked = true
			n.emit(Event{Kind: EventConnected, State: n.state})
		}

	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
		switch n.state {
		case StateConnected:
			n.setState(StateReconnecting)
			n.emit(Event{Kind: EventReconnecting, State: StateReconnecting})
			n.restartICE()
		case StateReconnecting:
			n.restartICE()
		}
	}
}

// restartICE begins a new offer/answer round over the same session identity.
// After maxRestarts consecutive failures the call fails.
func (n *Negotiator) restartICE() {
	if n.restarts >= n.maxRestarts {
		n.fail(ErrConnectivityLost)
		return
	}
	n.restarts++
	n.logger.Info("ICE restart", zap.Int("attempt", n.restarts), zap.Int("max", n.maxRestarts))
	n.sendOffer(true)
}

func (n *Negotiator) endCall(local bool) {
	if n.state.Terminal() {
		return
	}

	if local && !n.endNoticeTx {
		n.endNoticeTx = true
		if err := n.bus.Send(signal.EventCallEnded, signal.CallEnded{}); err != nil {
			n.logger.Warn("Failed to send end notice", zap.Error(err))
		}
	}

	n.setState(StateEnded)
	n.cleanup()
	n.emit(Event{Kind: EventEnded, State: StateEnded})
}

func (n *Negotiator) fail(err error) {
	if n.state.Terminal() {
		return
	}
	n.logger.Error("Negotiation failed", zap.Error(err))
	n.setState(StateFailed)
	n.cleanup()
	n.emit(Event{Kind: EventFailed, State: StateFailed, Err: err})
}

// cleanup releases media resources and unhooks the wire handlers. Runs at
// most once: both callers guard on Terminal before transitioning.
func (n *Negotiator) cleanup() {
	for _, reg := range n.handlerRegs {
		n.bus.Off(reg.event, reg.id)
	}
	n.handlerRegs = nil

	if err := n.peer.Close(); err != nil {
		n.logger.Warn("Peer close", zap.Error(err))
	}
}
