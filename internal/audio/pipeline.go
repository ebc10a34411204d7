package audio

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/voicedesk/internal/config"
	"github.com/mikeyg42/voicedesk/internal/signal"
)

// ErrTranscriptionUnavailable is terminal for the pipeline only; the call it
// belongs to keeps running.
var ErrTranscriptionUnavailable = errors.New("audio: transcription unavailable")

// Transport is the slice of the transcription channel the pipeline uses.
type Transport interface {
	TrySend(event string, payload interface{}) error
	On(event string, h signal.EventHandler) int64
	Off(event string, id int64)
	OnLifecycle(h func(signal.LifecycleEvent)) int64
	OffLifecycle(id int64)
}

// EventKind enumerates pipeline notifications.
type EventKind int

const (
	EventSuspended EventKind = iota
	EventResumed
	EventUnavailable
)

// Event is a pipeline notification surfaced to the controller.
type Event struct {
	Kind EventKind
	Err  error
}

// Pipeline streams captured audio chunks to the transcription consumer.
// Each attached source gets its own capture loop and ring buffer; the ring
// is what implements drop-oldest backpressure, so capture never blocks on a
// congested channel. On transport disconnect the pipeline suspends emission
// but keeps capturing; on reconnect it discards chunks older than the
// staleness window and resumes.
type Pipeline struct {
	transport Transport
	sessionID string
	cfg       config.AudioConfig
	logger    *zap.Logger

	mu           sync.Mutex
	sources      map[string]*sourceWorker
	onTranscript func(signal.Transcript)
	chunkTap     func(Chunk)
	suspended    bool
	resumeFails  int
	unavailable  bool
	stopped      bool

	dropped atomic.Uint64
	events  chan Event

	lifecycleID  int64
	transcriptID int64
}

type sourceWorker struct {
	src    Source
	ring   *Ring
	seq    uint64
	notify chan struct{}
	cancel chan struct{}
	wg     sync.WaitGroup
}

func NewPipeline(transport Transport, sessionID string, cfg config.AudioConfig, logger *zap.Logger) *Pipeline {
	p := &Pipeline{
		transport: transport,
		sessionID: sessionID,
		cfg:       cfg,
		logger:    logger.Named("audio").With(zap.String("session_id", sessionID)),
		sources:   make(map[string]*sourceWorker),
		events:    make(chan Event, 8),
	}

	p.transcriptID = transport.On(signal.EventTranscript, p.handleTranscript)
	p.lifecycleID = transport.OnLifecycle(p.handleLifecycle)
	return p
}

// Events delivers pipeline notifications.
func (p *Pipeline) Events() <-chan Event { return p.events }

// OnTranscriptDelivered registers the transcript consumer.
func (p *Pipeline) OnTranscriptDelivered(fn func(signal.Transcript)) {
	p.mu.Lock()
	p.onTranscript = fn
	p.mu.Unlock()
}

// SetChunkTap registers an observer for every captured local/remote chunk;
// the recording layer uses this to write the call to disk.
func (p *Pipeline) SetChunkTap(fn func(Chunk)) {
	p.mu.Lock()
	p.chunkTap = fn
	p.mu.Unlock()
}

// DroppedChunks reports how many chunks were evicted under backpressure.
func (p *Pipeline) DroppedChunks() uint64 { return p.dropped.Load() }

// Attach starts capturing and streaming a source. Each source carries its own
// strictly increasing sequence numbering.
func (p *Pipeline) Attach(src Source) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped || p.unavailable {
		return ErrTranscriptionUnavailable
	}
	if _, exists := p.sources[src.ID()]; exists {
		return nil
	}

	w := &sourceWorker{
		src:    src,
		ring:   NewRing(p.cfg.RingCapacity),
		notify: make(chan struct{}, 1),
		cancel: make(chan struct{}),
	}
	p.sources[src.ID()] = w

	w.wg.Add(2)
	go p.captureLoop(w)
	go p.emitLoop(w)

	p.logger.Info("Source attached", zap.String("source_id", src.ID()))
	return nil
}

// Detach stops streaming a source without closing it.
func (p *Pipeline) Detach(sourceID string) {
	p.mu.Lock()
	w, ok := p.sources[sourceID]
	if ok {
		delete(p.sources, sourceID)
	}
	p.mu.Unlock()

	if ok {
		// Loops exit on their own; a capture blocked in ReadChunk returns on
		// the source's next chunk or close.
		close(w.cancel)
		p.logger.Info("Source detached", zap.String("source_id", sourceID))
	}
}

// Stop tears the pipeline down and closes every source. It blocks until all
// loops have exited, so the caller can report the call fully ended with no
// orphaned streams.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	workers := make([]*sourceWorker, 0, len(p.sources))
	for _, w := range p.sources {
		workers = append(workers, w)
	}
	p.sources = make(map[string]*sourceWorker)
	p.mu.Unlock()

	for _, w := range workers {
		close(w.cancel)
	}
	// Close before waiting: a capture loop blocked in ReadChunk only returns
	// once its source is closed.
	for _, w := range workers {
		if err := w.src.Close(); err != nil {
			p.logger.Warn("Source close", zap.String("source_id", w.src.ID()), zap.Error(err))
		}
	}
	for _, w := range workers {
		w.wg.Wait()
	}

	p.transport.Off(signal.EventTranscript, p.transcriptID)
	p.transport.OffLifecycle(p.lifecycleID)
	p.logger.Info("Pipeline stopped", zap.Uint64("dropped_chunks", p.dropped.Load()))
}

func (p *Pipeline) captureLoop(w *sourceWorker) {
	defer w.wg.Done()

	for {
		select {
		case <-w.cancel:
			return
		default:
		}

		payload, err := w.src.ReadChunk()
		if err != nil {
			if err == io.EOF {
				p.logger.Info("Source ended", zap.String("source_id", w.src.ID()))
				return
			}
			select {
			case <-w.cancel:
				return
			default:
			}
			p.logger.Warn("Capture read", zap.String("source_id", w.src.ID()), zap.Error(err))
			continue
		}
		if len(payload) == 0 {
			continue
		}

		w.seq++
		chunk := Chunk{
			SourceID:   w.src.ID(),
			Sequence:   w.seq,
			Payload:    payload,
			CapturedAt: time.Now(),
		}

		p.mu.Lock()
		tap := p.chunkTap
		p.mu.Unlock()
		if tap != nil {
			tap(chunk)
		}

		if w.ring.Add(chunk) {
			p.dropped.Add(1)
		}

		select {
		case w.notify <- struct{}{}:
		default:
		}
	}
}

func (p *Pipeline) emitLoop(w *sourceWorker) {
	defer w.wg.Done()

	ticker := time.NewTicker(p.cfg.CaptureLatency)
	defer ticker.Stop()

	for {
		select {
		case <-w.cancel:
			return
		case <-w.notify:
		case <-ticker.C:
		}

		p.mu.Lock()
		paused := p.suspended || p.unavailable
		p.mu.Unlock()
		if paused {
			continue
		}

		p.flush(w)
	}
}

// flush drains the ring in order. On backpressure the chunk stays at the
// front of the ring; if capture outruns the channel the ring's own eviction
// drops the oldest unsent chunk.
func (p *Pipeline) flush(w *sourceWorker) {
	for {
		chunk, ok := w.ring.PeekOldest()
		if !ok {
			return
		}

		err := p.transport.TrySend(signal.EventAudioData, signal.AudioData{
			SessionID:      p.sessionID,
			ParticipantRef: chunk.SourceID,
			Sequence:       chunk.Sequence,
			Payload:        chunk.Payload,
			CapturedAt:     chunk.CapturedAt,
		})
		switch {
		case err == nil:
			w.ring.PopOldest()
		case errors.Is(err, signal.ErrBufferFull):
			return
		case errors.Is(err, signal.ErrConnectionLost), errors.Is(err, signal.ErrChannelClosed):
			p.markUnavailable()
			return
		default:
			p.logger.Warn("Chunk send", zap.Error(err))
			w.ring.PopOldest()
		}
	}
}

func (p *Pipeline) handleTranscript(payload json.RawMessage) {
	var t signal.Transcript
	if err := json.Unmarshal(payload, &t); err != nil {
		p.logger.Warn("Malformed transcript", zap.Error(err))
		return
	}

	p.mu.Lock()
	fn := p.onTranscript
	p.mu.Unlock()
	if fn != nil {
		fn(t)
	}
}

func (p *Pipeline) handleLifecycle(ev signal.LifecycleEvent) {
	switch ev.Kind {
	case signal.LifecycleDisconnected:
		p.suspend()
	case signal.LifecycleReconnected:
		p.resume()
	case signal.LifecycleLost:
		p.markUnavailable()
	}
}

// suspend pauses emission; capture keeps filling the bounded rings.
func (p *Pipeline) suspend() {
	p.mu.Lock()
	if p.suspended || p.stopped || p.unavailable {
		p.mu.Unlock()
		return
	}
	p.suspended = true
	p.mu.Unlock()

	p.logger.Info("Emission suspended, capturing into ring buffer")
	p.emitEvent(Event{Kind: EventSuspended})
}

// resume discards chunks older than the staleness window, probes the channel
// and re-opens emission. A resume only counts as failed when the probe cannot
// get a chunk through; three consecutive failures disable transcription for
// the rest of the call.
func (p *Pipeline) resume() {
	p.mu.Lock()
	if !p.suspended || p.stopped || p.unavailable {
		p.mu.Unlock()
		return
	}
	workers := make([]*sourceWorker, 0, len(p.sources))
	for _, w := range p.sources {
		workers = append(workers, w)
	}
	p.mu.Unlock()

	cutoff := time.Now().Add(-p.cfg.StalenessWindow)
	stale := 0
	for _, w := range workers {
		stale += w.ring.DiscardOlderThan(cutoff)
	}
	if stale > 0 {
		// Bursting a backlog of stale audio is worse than losing it.
		p.logger.Info("Discarded stale chunks on resume", zap.Int("count", stale))
	}

	if err := p.probe(workers); err != nil {
		p.mu.Lock()
		p.resumeFails++
		fails := p.resumeFails
		p.mu.Unlock()

		p.logger.Warn("Resume failed", zap.Int("consecutive", fails), zap.Error(err))
		if fails >= p.cfg.ResumeMaxAttempts {
			p.markUnavailable()
		}
		return
	}

	p.mu.Lock()
	p.resumeFails = 0
	p.suspended = false
	p.mu.Unlock()

	p.logger.Info("Emission resumed")
	p.emitEvent(Event{Kind: EventResumed})

	for _, w := range workers {
		select {
		case w.notify <- struct{}{}:
		default:
		}
	}
}

// probe pushes the oldest buffered chunk through the channel with a short
// bounded retry. An empty buffer is a trivially successful resume.
func (p *Pipeline) probe(workers []*sourceWorker) error {
	var w *sourceWorker
	for _, cand := range workers {
		if cand.ring.Len() > 0 {
			w = cand
			break
		}
	}
	if w == nil {
		return nil
	}

	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = 100 * time.Millisecond
	ebo.MaxElapsedTime = 2 * time.Second

	op := func() error {
		chunk, ok := w.ring.PeekOldest()
		if !ok {
			return nil
		}
		err := p.transport.TrySend(signal.EventAudioData, signal.AudioData{
			SessionID:      p.sessionID,
			ParticipantRef: chunk.SourceID,
			Sequence:       chunk.Sequence,
			Payload:        chunk.Payload,
			CapturedAt:     chunk.CapturedAt,
		})
		if err == nil {
			w.ring.PopOldest()
			return nil
		}
		if errors.Is(err, signal.ErrConnectionLost) || errors.Is(err, signal.ErrChannelClosed) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, ebo)
}

func (p *Pipeline) markUnavailable() {
	p.mu.Lock()
	if p.unavailable || p.stopped {
		p.mu.Unlock()
		return
	}
	p.unavailable = true
	p.mu.Unlock()

	p.logger.Error("Transcription unavailable, pipeline stopping; call continues")
	p.emitEvent(Event{Kind: EventUnavailable, Err: ErrTranscriptionUnavailable})
}

func (p *Pipeline) emitEvent(ev Event) {
	select {
	case p.events <- ev:
	default:
		p.logger.Warn("Dropping pipeline event, consumer is slow")
	}
}
