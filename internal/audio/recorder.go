package audio

import (
	"errors"
	"fmt"
	log "log/slog"
	"sync"

	"hark/pkg/audioconv"
)

const DefaultMinBytes = 1000

var (
	ErrTooShort     = errors.New("audio: recording too short")
	ErrNotRecording = errors.New("audio: not recording")
)

// Recorder borrows frames from a Source between Start and Stop and returns
// them as a 16-bit WAV blob at the source rate.
type Recorder struct {
	mu        sync.Mutex
	src       Source
	minBytes  int
	chunks    [][]float32
	rate      int
	untap     func()
	recording bool
}

func NewRecorder(src Source, minBytes int) *Recorder {
	if minBytes <= 0 {
		minBytes = DefaultMinBytes
	}
	return &Recorder{src: src, minBytes: minBytes}
}

// Start is a no-op while a recording is in progress.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return nil
	}

	r.recording = true
	r.chunks = nil
	r.rate = r.src.SampleRate()
	r.untap = r.src.Tap(r.push)

	log.Debug("Recording started", "rate", r.rate)
	return nil
}

func (r *Recorder) push(samples []float32, rate int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.recording {
		return
	}
	if rate > 0 {
		r.rate = rate
	}
	r.chunks = append(r.chunks, samples)
}

// Stop ends the recording. Blobs under the minimum size are dropped and
// reported as ErrTooShort.
func (r *Recorder) Stop() ([]byte, error) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return nil, ErrNotRecording
	}
	r.recording = false
	untap := r.untap
	chunks := r.chunks
	rate := r.rate
	r.untap = nil
	r.chunks = nil
	r.mu.Unlock()

	if untap != nil {
		untap()
	}

	var n int
	for _, c := range chunks {
		n += len(c)
	}
	pcm := make([]float32, 0, n)
	for _, c := range chunks {
		pcm = append(pcm, c...)
	}

	if rate <= 0 {
		rate = audioconv.DefaultTargetRate
	}
	blob, err := audioconv.EncodeWAV(audioconv.ToPCM16(pcm), rate)
	if err != nil {
		return nil, fmt.Errorf("encode recording: %w", err)
	}

	if len(blob) < r.minBytes {
		log.Debug("Discarding short recording", "bytes", len(blob))
		return nil, ErrTooShort
	}

	log.Debug("Recording stopped", "samples", len(pcm), "bytes", len(blob))
	return blob, nil
}

func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}
