package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/voicedesk/internal/api"
	"github.com/mikeyg42/voicedesk/internal/signal"
)

type fakeChannel struct {
	mu       sync.Mutex
	handlers map[string]map[int64]signal.EventHandler
	nextID   int64
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[string]map[int64]signal.EventHandler)}
}

func (f *fakeChannel) On(event string, h signal.EventHandler) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	if f.handlers[event] == nil {
		f.handlers[event] = make(map[int64]signal.EventHandler)
	}
	f.handlers[event][f.nextID] = h
	return f.nextID
}

func (f *fakeChannel) Off(event string, id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers[event], id)
}

func (f *fakeChannel) emit(t *testing.T, event string, payload interface{}) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	f.mu.Lock()
	hs := make([]signal.EventHandler, 0, len(f.handlers[event]))
	for _, h := range f.handlers[event] {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(raw)
	}
}

type fakeJoiner struct {
	joinResp  api.JoinResponse
	joinErr   error
	joinCalls int
	leaveErr  error
	left      int
}

func (f *fakeJoiner) JoinQueue(context.Context) (api.JoinResponse, error) {
	f.joinCalls++
	return f.joinResp, f.joinErr
}

func (f *fakeJoiner) LeaveQueue(context.Context) error {
	f.left++
	return f.leaveErr
}

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeChannel, *fakeJoiner) {
	t.Helper()
	ch := newFakeChannel()
	joiner := &fakeJoiner{
		joinResp: api.JoinResponse{CustomerRef: "cust-1", Position: 4, EstimatedWaitSeconds: 120},
	}
	c := NewCoordinator(ch, joiner, zap.NewNop())
	t.Cleanup(c.Close)
	return c, ch, joiner
}

func grantedTurn(sessionID string) signal.YourTurn {
	return signal.YourTurn{Credential: signal.SessionCredential{
		SessionID:   sessionID,
		ChannelName: "room-1",
		Token:       "tok",
		ExpiresAt:   time.Now().Add(time.Minute),
	}}
}

func TestJoinTransitionsToQueued(t *testing.T) {
	c, _, _ := newTestCoordinator(t)

	entry, err := c.Join(context.Background())
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if entry.CustomerRef != "cust-1" || entry.Position != 4 {
		t.Fatalf("entry = %+v", entry)
	}
	if c.State() != StateQueued {
		t.Fatalf("state = %v", c.State())
	}
}

func TestJoinWhileQueuedFails(t *testing.T) {
	c, _, joiner := newTestCoordinator(t)

	if _, err := c.Join(context.Background()); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := c.Join(context.Background()); !errors.Is(err, ErrAlreadyQueued) {
		t.Fatalf("second join = %v, want ErrAlreadyQueued", err)
	}
	if joiner.joinCalls != 1 {
		t.Fatalf("join calls = %d, want 1; rejection must precede the request", joiner.joinCalls)
	}
}

func TestJoinFailureLeavesStateNotQueued(t *testing.T) {
	c, _, joiner := newTestCoordinator(t)
	joiner.joinErr = errors.New("boom")

	if _, err := c.Join(context.Background()); err == nil {
		t.Fatal("expected join error")
	}
	if c.State() != StateNotQueued {
		t.Fatalf("state = %v, want NotQueued", c.State())
	}
}

func TestPositionUpdateReachesCallback(t *testing.T) {
	c, ch, _ := newTestCoordinator(t)

	got := make(chan Entry, 1)
	c.OnPositionUpdate(func(e Entry) { got <- e })

	if _, err := c.Join(context.Background()); err != nil {
		t.Fatalf("join: %v", err)
	}

	ch.emit(t, signal.EventPositionUpdate, signal.PositionUpdate{Position: 2, EstimatedWaitSeconds: 60})

	select {
	case e := <-got:
		if e.Position != 2 || e.EstimatedWaitSeconds != 60 {
			t.Fatalf("entry = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}
}

func TestPositionUpdateIgnoredWhenNotQueued(t *testing.T) {
	c, ch, _ := newTestCoordinator(t)

	called := false
	c.OnPositionUpdate(func(Entry) { called = true })

	ch.emit(t, signal.EventPositionUpdate, signal.PositionUpdate{Position: 1})
	if called {
		t.Fatal("callback fired while not queued")
	}
}

func TestYourTurnMovesQueuedToInCall(t *testing.T) {
	c, ch, _ := newTestCoordinator(t)

	if _, err := c.Join(context.Background()); err != nil {
		t.Fatalf("join: %v", err)
	}

	ch.emit(t, signal.EventYourTurn, grantedTurn("s-1"))

	select {
	case cred := <-c.Turns():
		if cred.SessionID != "s-1" {
			t.Fatalf("session = %q", cred.SessionID)
		}
	case <-time.After(time.Second):
		t.Fatal("turn never delivered")
	}
	if c.State() != StateInCall {
		t.Fatalf("state = %v, want InCall", c.State())
	}
	if _, ok := c.Entry(); ok {
		t.Fatal("entry should be cleared once in call")
	}
}

func TestDuplicateYourTurnWhileInCallIsDiscarded(t *testing.T) {
	c, ch, _ := newTestCoordinator(t)

	if _, err := c.Join(context.Background()); err != nil {
		t.Fatalf("join: %v", err)
	}
	ch.emit(t, signal.EventYourTurn, grantedTurn("s-1"))
	<-c.Turns()

	// At-least-once delivery: the retransmit must not yield a second turn.
	ch.emit(t, signal.EventYourTurn, grantedTurn("s-1"))

	select {
	case cred := <-c.Turns():
		t.Fatalf("duplicate turn delivered: %q", cred.SessionID)
	case <-time.After(50 * time.Millisecond):
	}
	if c.State() != StateInCall {
		t.Fatalf("state = %v, want InCall", c.State())
	}
}

func TestYourTurnWhileNotQueuedIsDiscarded(t *testing.T) {
	c, ch, _ := newTestCoordinator(t)

	ch.emit(t, signal.EventYourTurn, grantedTurn("s-9"))

	select {
	case <-c.Turns():
		t.Fatal("turn delivered while not queued")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCallEndedReturnsToNotQueued(t *testing.T) {
	c, ch, _ := newTestCoordinator(t)

	if _, err := c.Join(context.Background()); err != nil {
		t.Fatalf("join: %v", err)
	}
	ch.emit(t, signal.EventYourTurn, grantedTurn("s-1"))
	<-c.Turns()

	c.CallEnded()
	if c.State() != StateNotQueued {
		t.Fatalf("state = %v, want NotQueued", c.State())
	}

	// The full cycle must be repeatable.
	if _, err := c.Join(context.Background()); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
}

func TestLeaveWhileQueued(t *testing.T) {
	c, _, joiner := newTestCoordinator(t)

	if _, err := c.Join(context.Background()); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := c.Leave(context.Background()); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if joiner.left != 1 {
		t.Fatalf("leave calls = %d", joiner.left)
	}
	if c.State() != StateNotQueued {
		t.Fatalf("state = %v", c.State())
	}

	// Leave when not queued is a no-op.
	if err := c.Leave(context.Background()); err != nil {
		t.Fatalf("idle leave: %v", err)
	}
	if joiner.left != 1 {
		t.Fatalf("idle leave hit the API")
	}
}

func TestLeaveFailureKeepsMembership(t *testing.T) {
	c, ch, joiner := newTestCoordinator(t)
	joiner.leaveErr = errors.New("server unavailable")

	if _, err := c.Join(context.Background()); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := c.Leave(context.Background()); err == nil {
		t.Fatal("expected leave error")
	}

	// The server still holds the client; the coordinator must agree, so a
	// granted turn is honored rather than discarded.
	if c.State() != StateQueued {
		t.Fatalf("state = %v, want Queued", c.State())
	}
	ch.emit(t, signal.EventYourTurn, grantedTurn("s-1"))
	select {
	case cred := <-c.Turns():
		if cred.SessionID != "s-1" {
			t.Fatalf("session = %q", cred.SessionID)
		}
	case <-time.After(time.Second):
		t.Fatal("turn discarded after failed leave")
	}
}
