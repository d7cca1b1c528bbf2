// Package stt turns recorded utterances into text.
package stt

import (
	"context"
	"errors"
)

// Transcriber converts an encoded audio blob (wav, mp3 or ogg) to text.
type Transcriber interface {
	Transcribe(ctx context.Context, blob []byte) (string, error)
	// SetAgent selects the agent whose voice settings apply.
	SetAgent(id string)
}

var ErrNoAudio = errors.New("stt: no audio samples provided")
