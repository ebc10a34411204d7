package recording

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/at-wat/ebml-go/webm"
	"go.uber.org/zap"

	"github.com/mikeyg42/voicedesk/internal/audio"
)

// Recorder writes both sides of a call to a local Opus-in-WebM file. It is
// fed from the audio pipeline's chunk tap, so it sees exactly the captured
// windows, before any transport drop.
type Recorder struct {
	outputPath   string
	sampleRate   int
	channelCount int
	logger       *zap.Logger

	mu          sync.Mutex
	isRecording bool
	currentFile string
	startedAt   time.Time
	file        *os.File
	writers     map[string]webm.BlockWriteCloser
}

func NewRecorder(outputPath string, sampleRate, channelCount int, logger *zap.Logger) *Recorder {
	return &Recorder{
		outputPath:   outputPath,
		sampleRate:   sampleRate,
		channelCount: channelCount,
		logger:       logger.Named("recorder"),
	}
}

// Start opens a WebM file with one audio track per participant.
func (r *Recorder) Start(sessionID, localRef, remoteRef string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isRecording {
		return nil
	}

	if err := os.MkdirAll(r.outputPath, 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	timestamp := time.Now().Format("2006-01-02_15-04-05")
	r.currentFile = filepath.Join(r.outputPath, fmt.Sprintf("call_%s_%s.webm", sessionID, timestamp))

	file, err := os.Create(r.currentFile)
	if err != nil {
		return fmt.Errorf("create recording file: %w", err)
	}

	ws, err := webm.NewSimpleBlockWriter(file,
		[]webm.TrackEntry{
			{
				Name:        "Local",
				TrackNumber: 1,
				TrackUID:    1,
				CodecID:     "A_OPUS",
				TrackType:   2,
				Audio: &webm.Audio{
					SamplingFrequency: float64(r.sampleRate),
					Channels:          uint64(r.channelCount),
				},
			},
			{
				Name:        "Remote",
				TrackNumber: 2,
				TrackUID:    2,
				CodecID:     "A_OPUS",
				TrackType:   2,
				Audio: &webm.Audio{
					SamplingFrequency: float64(r.sampleRate),
					Channels:          uint64(r.channelCount),
				},
			},
		},
	)
	if err != nil {
		file.Close()
		return fmt.Errorf("create webm writer: %w", err)
	}

	r.file = file
	r.writers = map[string]webm.BlockWriteCloser{
		localRef:  ws[0],
		remoteRef: ws[1],
	}
	r.startedAt = time.Now()
	r.isRecording = true

	r.logger.Info("Recording started", zap.String("file", r.currentFile))
	return nil
}

// WriteChunk appends one captured window to the participant's track. Chunks
// from unknown sources are ignored.
func (r *Recorder) WriteChunk(chunk audio.Chunk) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isRecording {
		return
	}
	w, ok := r.writers[chunk.SourceID]
	if !ok {
		return
	}

	ts := chunk.CapturedAt.Sub(r.startedAt).Milliseconds()
	if ts < 0 {
		ts = 0
	}
	if _, err := w.Write(true, ts, chunk.Payload); err != nil {
		r.logger.Warn("Recording write", zap.Error(err))
	}
}

// Stop closes the file and returns its path.
func (r *Recorder) Stop() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isRecording {
		return "", nil
	}
	r.isRecording = false

	var firstErr error
	for _, w := range r.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close webm writer: %w", err)
		}
	}
	r.writers = nil
	r.file = nil

	r.logger.Info("Recording stopped", zap.String("file", r.currentFile))
	return r.currentFile, firstErr
}
