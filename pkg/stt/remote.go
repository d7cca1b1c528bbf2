package stt

import (
	"bytes"
	"context"
	"fmt"
	log "log/slog"
	"net/url"
	"strings"
	"sync"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"hark/pkg/audioconv"
)

const (
	DefaultModel    = "parakeet"
	DefaultLanguage = "es"
)

// Poster issues a JSON or multipart POST relative to the API base URL.
type Poster interface {
	Post(ctx context.Context, path string, body, res any, opts ...option.RequestOption) error
}

// Remote uploads 16kHz WAV to the server's per-agent transcription endpoint.
type Remote struct {
	api      Poster
	model    string
	language string

	mu    sync.RWMutex
	agent string
}

func NewRemote(api Poster, model, language string) *Remote {
	if model == "" {
		model = DefaultModel
	}
	if language == "" {
		language = DefaultLanguage
	}
	return &Remote{api: api, model: model, language: language, agent: "default"}
}

func (r *Remote) SetAgent(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agent = id
}

func (r *Remote) path() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return "voice/" + url.PathEscape(r.agent) + "/transcription"
}

func (r *Remote) Transcribe(ctx context.Context, blob []byte) (string, error) {
	wav, err := audioconv.ToWAV(blob, audioconv.DefaultTargetRate)
	if err != nil {
		return "", fmt.Errorf("convert audio: %w", err)
	}

	params := openai.AudioTranscriptionNewParams{
		File:     openai.File(bytes.NewReader(wav), "audio.wav", "audio/wav"),
		Model:    openai.AudioModel(r.model),
		Language: openai.String(r.language),
	}

	var res struct {
		Text string `json:"text"`
	}
	if err := r.api.Post(ctx, r.path(), params, &res); err != nil {
		return "", fmt.Errorf("transcription: %w", err)
	}

	text := strings.TrimSpace(res.Text)
	log.Debug("Transcribed", "bytes", len(wav), "text", text)
	return text, nil
}
