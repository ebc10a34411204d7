package recording

import (
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/voicedesk/internal/audio"
)

func TestRecorderWritesBothTracks(t *testing.T) {
	dir := t.TempDir()
	r := NewRecorder(dir, 48000, 1, zap.NewNop())

	if err := r.Start("s-1", "cust-1", "rep-1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	base := time.Now()
	r.WriteChunk(audio.Chunk{SourceID: "cust-1", Sequence: 1, Payload: []byte{0x01, 0x02}, CapturedAt: base})
	r.WriteChunk(audio.Chunk{SourceID: "rep-1", Sequence: 1, Payload: []byte{0x03, 0x04}, CapturedAt: base.Add(20 * time.Millisecond)})
	// Unknown participants are dropped, not mixed into a wrong track.
	r.WriteChunk(audio.Chunk{SourceID: "stranger", Sequence: 1, Payload: []byte{0xff}, CapturedAt: base})

	path, err := r.Stop()
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat %s: %v", path, err)
	}
	if info.Size() == 0 {
		t.Fatal("recording file is empty")
	}
}

func TestRecorderStartAndStopAreIdempotent(t *testing.T) {
	dir := t.TempDir()
	r := NewRecorder(dir, 48000, 1, zap.NewNop())

	if err := r.Start("s-1", "a", "b"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := r.Start("s-1", "a", "b"); err != nil {
		t.Fatalf("second start: %v", err)
	}

	first, err := r.Stop()
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if first == "" {
		t.Fatal("no path from stop")
	}

	second, err := r.Stop()
	if err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if second != "" {
		t.Fatalf("idle stop returned %q", second)
	}
}

func TestRecorderWriteBeforeStartIsNoop(t *testing.T) {
	r := NewRecorder(t.TempDir(), 48000, 1, zap.NewNop())
	r.WriteChunk(audio.Chunk{SourceID: "cust-1", Payload: []byte{1}, CapturedAt: time.Now()})
	if path, err := r.Stop(); err != nil || path != "" {
		t.Fatalf("stop = %q, %v", path, err)
	}
}
