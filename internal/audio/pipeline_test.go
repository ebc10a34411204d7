package audio

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/voicedesk/internal/config"
	"github.com/mikeyg42/voicedesk/internal/signal"
)

func testAudioConfig() config.AudioConfig {
	return config.AudioConfig{
		SampleRate:        48000,
		ChannelCount:      1,
		CaptureLatency:    5 * time.Millisecond,
		RingCapacity:      16,
		StalenessWindow:   50 * time.Millisecond,
		ResumeMaxAttempts: 3,
	}
}

// scriptedSource delivers exactly the payloads pushed into it and reports EOF
// once closed.
type scriptedSource struct {
	id     string
	chunks chan []byte
	once   sync.Once

	mu     sync.Mutex
	closed bool
}

func newScriptedSource(id string) *scriptedSource {
	return &scriptedSource{id: id, chunks: make(chan []byte, 32)}
}

func (s *scriptedSource) ID() string { return s.id }

func (s *scriptedSource) ReadChunk() ([]byte, error) {
	b, ok := <-s.chunks
	if !ok {
		return nil, io.EOF
	}
	return b, nil
}

func (s *scriptedSource) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.chunks)
	})
	return nil
}

func (s *scriptedSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *scriptedSource) push(payload []byte) { s.chunks <- payload }

type fakeTransport struct {
	mu        sync.Mutex
	handlers  map[string]map[int64]signal.EventHandler
	lifecycle map[int64]func(signal.LifecycleEvent)
	nextID    int64
	sendErr   error
	sent      []signal.AudioData
	sentCh    chan signal.AudioData
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		handlers:  make(map[string]map[int64]signal.EventHandler),
		lifecycle: make(map[int64]func(signal.LifecycleEvent)),
		sentCh:    make(chan signal.AudioData, 64),
	}
}

func (f *fakeTransport) TrySend(event string, payload interface{}) error {
	f.mu.Lock()
	if f.sendErr != nil {
		err := f.sendErr
		f.mu.Unlock()
		return err
	}
	data := payload.(signal.AudioData)
	f.sent = append(f.sent, data)
	f.mu.Unlock()
	f.sentCh <- data
	return nil
}

func (f *fakeTransport) setSendErr(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

func (f *fakeTransport) On(event string, h signal.EventHandler) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	if f.handlers[event] == nil {
		f.handlers[event] = make(map[int64]signal.EventHandler)
	}
	f.handlers[event][f.nextID] = h
	return f.nextID
}

func (f *fakeTransport) Off(event string, id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers[event], id)
}

func (f *fakeTransport) OnLifecycle(h func(signal.LifecycleEvent)) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.lifecycle[f.nextID] = h
	return f.nextID
}

func (f *fakeTransport) OffLifecycle(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.lifecycle, id)
}

func (f *fakeTransport) fireLifecycle(ev signal.LifecycleEvent) {
	f.mu.Lock()
	hs := make([]func(signal.LifecycleEvent), 0, len(f.lifecycle))
	for _, h := range f.lifecycle {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

func (f *fakeTransport) sentSequences() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	seqs := make([]uint64, len(f.sent))
	for i, d := range f.sent {
		seqs[i] = d.Sequence
	}
	return seqs
}

func newTestPipeline(t *testing.T, cfg config.AudioConfig) (*Pipeline, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	p := NewPipeline(tr, "s-1", cfg, zap.NewNop())
	t.Cleanup(p.Stop)
	return p, tr
}

func waitPipelineEvent(t *testing.T, p *Pipeline, kind EventKind) Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-p.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("pipeline event %v never observed", kind)
		}
	}
}

func waitSentCount(t *testing.T, tr *fakeTransport, want int) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for i := 0; i < want; i++ {
		select {
		case <-tr.sentCh:
		case <-deadline:
			t.Fatalf("only %d of %d chunks sent", i, want)
		}
	}
}

func TestPipelineStreamsChunksInOrder(t *testing.T) {
	p, tr := newTestPipeline(t, testAudioConfig())

	src := newScriptedSource("cust-1")
	if err := p.Attach(src); err != nil {
		t.Fatalf("attach: %v", err)
	}

	src.push([]byte{1})
	src.push([]byte{2})
	src.push([]byte{3})
	waitSentCount(t, tr, 3)

	seqs := tr.sentSequences()
	if len(seqs) != 3 || seqs[0] != 1 || seqs[1] != 2 || seqs[2] != 3 {
		t.Fatalf("sequences = %v", seqs)
	}

	tr.mu.Lock()
	first := tr.sent[0]
	tr.mu.Unlock()
	if first.SessionID != "s-1" || first.ParticipantRef != "cust-1" {
		t.Fatalf("chunk identity = %+v", first)
	}
}

func TestSuspendBuffersAndResumeDiscardsStale(t *testing.T) {
	cfg := testAudioConfig()
	p, tr := newTestPipeline(t, cfg)

	src := newScriptedSource("cust-1")
	if err := p.Attach(src); err != nil {
		t.Fatalf("attach: %v", err)
	}

	tr.fireLifecycle(signal.LifecycleEvent{Kind: signal.LifecycleDisconnected})
	waitPipelineEvent(t, p, EventSuspended)

	// Captured while suspended: buffered, not sent.
	src.push([]byte{1})
	src.push([]byte{2})
	time.Sleep(2 * cfg.StalenessWindow)

	// Fresh chunk just before the reconnect.
	src.push([]byte{3})
	time.Sleep(10 * time.Millisecond)

	select {
	case d := <-tr.sentCh:
		t.Fatalf("chunk %d sent while suspended", d.Sequence)
	default:
	}

	tr.fireLifecycle(signal.LifecycleEvent{Kind: signal.LifecycleReconnected})
	waitPipelineEvent(t, p, EventResumed)
	waitSentCount(t, tr, 1)

	// The stale pair is gone; numbering continued across the gap.
	seqs := tr.sentSequences()
	if len(seqs) != 1 || seqs[0] != 3 {
		t.Fatalf("sequences after resume = %v", seqs)
	}
}

func TestRepeatedResumeFailureDisablesTranscription(t *testing.T) {
	cfg := testAudioConfig()
	p, tr := newTestPipeline(t, cfg)

	src := newScriptedSource("cust-1")
	if err := p.Attach(src); err != nil {
		t.Fatalf("attach: %v", err)
	}

	tr.fireLifecycle(signal.LifecycleEvent{Kind: signal.LifecycleDisconnected})
	waitPipelineEvent(t, p, EventSuspended)

	src.push([]byte{1})
	time.Sleep(10 * time.Millisecond)

	// Every probe hits a dead channel.
	tr.setSendErr(signal.ErrConnectionLost)
	for i := 0; i < cfg.ResumeMaxAttempts; i++ {
		tr.fireLifecycle(signal.LifecycleEvent{Kind: signal.LifecycleReconnected})
	}

	ev := waitPipelineEvent(t, p, EventUnavailable)
	if !errors.Is(ev.Err, ErrTranscriptionUnavailable) {
		t.Fatalf("err = %v", ev.Err)
	}

	if err := p.Attach(newScriptedSource("late")); !errors.Is(err, ErrTranscriptionUnavailable) {
		t.Fatalf("attach after unavailable = %v", err)
	}
}

func TestConnectionLossMarksUnavailable(t *testing.T) {
	p, tr := newTestPipeline(t, testAudioConfig())

	tr.fireLifecycle(signal.LifecycleEvent{Kind: signal.LifecycleLost, Err: signal.ErrConnectionLost})

	ev := waitPipelineEvent(t, p, EventUnavailable)
	if !errors.Is(ev.Err, ErrTranscriptionUnavailable) {
		t.Fatalf("err = %v", ev.Err)
	}
}

func TestBackpressureDropsOldestUnsent(t *testing.T) {
	cfg := testAudioConfig()
	cfg.RingCapacity = 2
	p, tr := newTestPipeline(t, cfg)

	tr.setSendErr(signal.ErrBufferFull)

	src := newScriptedSource("cust-1")
	if err := p.Attach(src); err != nil {
		t.Fatalf("attach: %v", err)
	}

	for i := byte(1); i <= 4; i++ {
		src.push([]byte{i})
	}

	deadline := time.Now().Add(2 * time.Second)
	for p.DroppedChunks() != 2 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if got := p.DroppedChunks(); got != 2 {
		t.Fatalf("dropped = %d, want 2", got)
	}

	// Recency wins: once the channel clears, the survivors are the newest.
	tr.setSendErr(nil)
	waitSentCount(t, tr, 2)
	seqs := tr.sentSequences()
	if len(seqs) != 2 || seqs[0] != 3 || seqs[1] != 4 {
		t.Fatalf("sequences = %v", seqs)
	}
}

func TestChunkTapSeesEveryCapture(t *testing.T) {
	p, tr := newTestPipeline(t, testAudioConfig())

	tapped := make(chan Chunk, 8)
	p.SetChunkTap(func(c Chunk) { tapped <- c })

	src := newScriptedSource("cust-1")
	if err := p.Attach(src); err != nil {
		t.Fatalf("attach: %v", err)
	}

	// The tap fires even while emission is suspended.
	tr.fireLifecycle(signal.LifecycleEvent{Kind: signal.LifecycleDisconnected})
	waitPipelineEvent(t, p, EventSuspended)
	src.push([]byte{42})

	select {
	case c := <-tapped:
		if c.Sequence != 1 || c.Payload[0] != 42 {
			t.Fatalf("tapped = %+v", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("tap never fired")
	}
}

func TestTranscriptDeliveryReachesConsumer(t *testing.T) {
	p, tr := newTestPipeline(t, testAudioConfig())

	got := make(chan signal.Transcript, 1)
	p.OnTranscriptDelivered(func(tx signal.Transcript) { got <- tx })

	tr.mu.Lock()
	var h signal.EventHandler
	for _, hh := range tr.handlers[signal.EventTranscript] {
		h = hh
	}
	tr.mu.Unlock()
	if h == nil {
		t.Fatal("pipeline never subscribed to transcripts")
	}
	h([]byte(`{"speakerRef":"cust-1","text":"hello there"}`))

	select {
	case tx := <-got:
		if tx.SpeakerRef != "cust-1" || tx.Text != "hello there" {
			t.Fatalf("transcript = %+v", tx)
		}
	case <-time.After(time.Second):
		t.Fatal("transcript never delivered")
	}
}

func TestStopClosesSources(t *testing.T) {
	p, _ := newTestPipeline(t, testAudioConfig())

	src := newScriptedSource("cust-1")
	if err := p.Attach(src); err != nil {
		t.Fatalf("attach: %v", err)
	}

	p.Stop()
	if !src.isClosed() {
		t.Fatal("source left open after Stop")
	}
	if err := p.Attach(newScriptedSource("late")); !errors.Is(err, ErrTranscriptionUnavailable) {
		t.Fatalf("attach after stop = %v", err)
	}
}
