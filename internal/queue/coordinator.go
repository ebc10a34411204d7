package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mikeyg42/voicedesk/internal/api"
	"github.com/mikeyg42/voicedesk/internal/signal"
)

// ErrAlreadyQueued reports a Join while membership already exists.
var ErrAlreadyQueued = errors.New("queue: already queued")

// State is the client's queue membership. A client occupies exactly one
// state at any time; InCall and Queued are mutually exclusive.
type State int

const (
	StateNotQueued State = iota
	StateQueued
	StateInCall
)

func (s State) String() string {
	switch s {
	case StateNotQueued:
		return "NotQueued"
	case StateQueued:
		return "Queued"
	case StateInCall:
		return "InCall"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Entry is the client's live queue membership.
type Entry struct {
	CustomerRef          string
	Position             int
	EstimatedWaitSeconds int
}

// Channel is the slice of signal.Channel the coordinator needs.
type Channel interface {
	On(event string, h signal.EventHandler) int64
	Off(event string, id int64)
}

// Joiner is the slice of the REST client the coordinator needs.
type Joiner interface {
	JoinQueue(ctx context.Context) (api.JoinResponse, error)
	LeaveQueue(ctx context.Context) error
}

// Coordinator tracks queue membership and hands granted turns to the call
// controller. It never trusts event arrival order: the state check under the
// lock is what decides whether a turn is acted on.
type Coordinator struct {
	ch     Channel
	rest   Joiner
	logger *zap.Logger

	mu    sync.Mutex
	state State
	entry *Entry

	turns      chan signal.SessionCredential
	onPosition func(Entry)

	handlerIDs []registration
}

type registration struct {
	event string
	id    int64
}

func NewCoordinator(ch Channel, rest Joiner, logger *zap.Logger) *Coordinator {
	c := &Coordinator{
		ch:     ch,
		rest:   rest,
		logger: logger.Named("queue"),
		turns:  make(chan signal.SessionCredential, 1),
	}

	c.handlerIDs = []registration{
		{signal.EventPositionUpdate, ch.On(signal.EventPositionUpdate, c.handlePositionUpdate)},
		{signal.EventQueueUpdate, ch.On(signal.EventQueueUpdate, c.handlePositionUpdate)},
		{signal.EventYourTurn, ch.On(signal.EventYourTurn, c.handleYourTurn)},
	}
	return c
}

// Join enters the queue. Returns ErrAlreadyQueued unless state is NotQueued.
func (c *Coordinator) Join(ctx context.Context) (Entry, error) {
	c.mu.Lock()
	if c.state != StateNotQueued {
		state := c.state
		c.mu.Unlock()
		return Entry{}, fmt.Errorf("%w (state %s)", ErrAlreadyQueued, state)
	}
	c.mu.Unlock()

	resp, err := c.rest.JoinQueue(ctx)
	if err != nil {
		return Entry{}, fmt.Errorf("join queue: %w", err)
	}

	entry := Entry{
		CustomerRef:          resp.CustomerRef,
		Position:             resp.Position,
		EstimatedWaitSeconds: resp.EstimatedWaitSeconds,
	}

	c.mu.Lock()
	c.state = StateQueued
	c.entry = &entry
	c.mu.Unlock()

	c.logger.Info("Joined queue",
		zap.Int("position", entry.Position),
		zap.Int("estimated_wait_s", entry.EstimatedWaitSeconds))
	return entry, nil
}

// Leave abandons queue membership. No-op when not queued. Membership drops
// only once the server confirms; a failed request leaves the client Queued so
// a later your_turn is still honored.
func (c *Coordinator) Leave(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateQueued {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.rest.LeaveQueue(ctx); err != nil {
		return fmt.Errorf("leave queue: %w", err)
	}

	c.mu.Lock()
	// A turn granted mid-request wins; InCall stands.
	if c.state == StateQueued {
		c.state = StateNotQueued
		c.entry = nil
	}
	c.mu.Unlock()
	c.logger.Info("Left queue")
	return nil
}

// Turns delivers granted session credentials, one per accepted your_turn.
func (c *Coordinator) Turns() <-chan signal.SessionCredential {
	return c.turns
}

// OnPositionUpdate registers a display callback for position changes.
func (c *Coordinator) OnPositionUpdate(fn func(Entry)) {
	c.mu.Lock()
	c.onPosition = fn
	c.mu.Unlock()
}

// State reports the current membership state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Entry reports the current queue entry, if any.
func (c *Coordinator) Entry() (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entry == nil {
		return Entry{}, false
	}
	return *c.entry, true
}

// CallEnded returns the coordinator to NotQueued, re-enabling the Join path.
// Called by the controller once teardown completes.
func (c *Coordinator) CallEnded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateInCall {
		return
	}
	c.state = StateNotQueued
	c.entry = nil
}

// Close removes the coordinator's event subscriptions.
func (c *Coordinator) Close() {
	for _, reg := range c.handlerIDs {
		c.ch.Off(reg.event, reg.id)
	}
	c.handlerIDs = nil
}

func (c *Coordinator) handlePositionUpdate(payload json.RawMessage) {
	var update signal.PositionUpdate
	if err := json.Unmarshal(payload, &update); err != nil {
		c.logger.Warn("Malformed position update", zap.Error(err))
		return
	}

	c.mu.Lock()
	if c.state != StateQueued || c.entry == nil {
		c.mu.Unlock()
		return
	}
	c.entry.Position = update.Position
	c.entry.EstimatedWaitSeconds = update.EstimatedWaitSeconds
	entry := *c.entry
	fn := c.onPosition
	c.mu.Unlock()

	c.logger.Debug("Position update",
		zap.Int("position", entry.Position),
		zap.Int("estimated_wait_s", entry.EstimatedWaitSeconds))
	if fn != nil {
		fn(entry)
	}
}

// handleYourTurn transitions Queued -> InCall atomically and hands the
// credential to the controller. The underlying channel is at-least-once, so
// a duplicate arriving while InCall is discarded, not reprocessed.
func (c *Coordinator) handleYourTurn(payload json.RawMessage) {
	var turn signal.YourTurn
	if err := json.Unmarshal(payload, &turn); err != nil {
		c.logger.Warn("Malformed your_turn", zap.Error(err))
		return
	}

	c.mu.Lock()
	switch c.state {
	case StateQueued:
		c.state = StateInCall
		c.entry = nil
	case StateInCall:
		c.mu.Unlock()
		c.logger.Warn("Discarding duplicate your_turn while in call",
			zap.String("session_id", turn.Credential.SessionID))
		return
	default:
		c.mu.Unlock()
		c.logger.Warn("Discarding your_turn while not queued",
			zap.String("session_id", turn.Credential.SessionID))
		return
	}
	c.mu.Unlock()

	select {
	case c.turns <- turn.Credential:
	default:
		// A turn is already pending; the controller has not picked it up yet.
		// Treat like any duplicate delivery.
		c.logger.Warn("Dropping your_turn, previous turn still pending")
	}
}
