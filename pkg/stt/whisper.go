package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	log "log/slog"
	"runtime"
	"strings"
	"sync"

	"github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"hark/pkg/audioconv"
)

type WhisperOptions struct {
	Language      string // "auto", "es", "en", ...
	Threads       int    // <=0 => NumCPU()
	InitialPrompt string
	BeamSize      int // 0 = greedy
	Temperature   float32
}

// Whisper transcribes locally with a whisper.cpp model, for setups where
// the server has no transcription backend.
type Whisper struct {
	mu    sync.Mutex
	model whisper.Model
	opt   WhisperOptions
}

func NewWhisper(modelPath string, opt WhisperOptions) (*Whisper, error) {
	if modelPath == "" {
		return nil, errors.New("empty model path")
	}
	m, err := whisper.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	if opt.Language == "" {
		opt.Language = "auto"
	}
	if opt.Threads <= 0 {
		opt.Threads = runtime.NumCPU()
	}
	return &Whisper{model: m, opt: opt}, nil
}

// SetAgent is a no-op: one local model serves every agent.
func (w *Whisper) SetAgent(string) {}

func (w *Whisper) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.model == nil {
		return nil
	}
	err := w.model.Close()
	w.model = nil
	return err
}

func (w *Whisper) Transcribe(ctx context.Context, blob []byte) (string, error) {
	pcm, rate, err := audioconv.DecodeMono(blob)
	if err != nil {
		return "", fmt.Errorf("decode audio: %w", err)
	}
	pcm = audioconv.Resample(pcm, rate, audioconv.DefaultTargetRate)

	segs, err := w.process(ctx, pcm)
	if err != nil {
		return "", err
	}

	text := strings.TrimSpace(strings.Join(segs, " "))
	log.Debug("Transcribed locally", "samples", len(pcm), "text", text)
	return text, nil
}

// process runs one pass over mono 16kHz samples and returns segment texts.
func (w *Whisper) process(ctx context.Context, pcm []float32) ([]string, error) {
	if len(pcm) == 0 {
		return nil, ErrNoAudio
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.model == nil {
		return nil, errors.New("model closed")
	}

	wctx, err := w.model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("new context: %w", err)
	}

	if err := wctx.SetLanguage(w.opt.Language); err != nil {
		return nil, fmt.Errorf("set language: %w", err)
	}
	wctx.SetThreads(uint(w.opt.Threads))
	if w.opt.InitialPrompt != "" {
		wctx.SetInitialPrompt(w.opt.InitialPrompt)
	}
	if w.opt.BeamSize > 0 {
		wctx.SetBeamSize(w.opt.BeamSize)
	}
	if w.opt.Temperature != 0 {
		wctx.SetTemperature(w.opt.Temperature)
	}

	if err := wctx.Process(pcm, nil, nil, nil); err != nil {
		return nil, fmt.Errorf("process: %w", err)
	}

	var segs []string
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		s, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			return segs, nil
		}
		if err != nil {
			return nil, fmt.Errorf("next segment: %w", err)
		}
		if t := strings.TrimSpace(s.Text); t != "" {
			segs = append(segs, t)
		}
	}
}
