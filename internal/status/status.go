// Package status holds the observable state the daemon reports over the
// control socket. It carries no audio dependencies so hark-ctl can decode
// replies without linking the audio stack.
package status

import (
	"time"

	"hark/internal/agent"
	"hark/pkg/protocol"
)

type State string

const (
	Idle       State = "idle-listening"
	Recording  State = "recording"
	Processing State = "processing"
	Thinking   State = "thinking"
	Speaking   State = "speaking"
)

type Kind string

const (
	Info    Kind = "info"
	Success Kind = "success"
	Warning Kind = "warning"
	Error   Kind = "error"
	Loading Kind = "loading"
)

type Notification struct {
	ID        int       `json:"id"`
	Type      Kind      `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type SessionSummary struct {
	ID        string    `json:"id"`
	Preview   string    `json:"preview"`
	CreatedAt time.Time `json:"createdAt"`
}

// Snapshot is a copy of the orchestrator state.
type Snapshot struct {
	State             State            `json:"state"`
	WakeWordEnabled   bool             `json:"wakeWordEnabled"`
	WakeWordAvailable bool             `json:"wakeWordAvailable"`
	WakeWordPhrase    string           `json:"wakeWordPhrase"`
	WakeWordModel     string           `json:"wakeWordModel"`
	WakeWordModels    []protocol.Model `json:"wakeWordModels"`
	TTSEnabled        bool             `json:"ttsEnabled"`
	TTSAvailable      bool             `json:"ttsAvailable"`
	Agent             string           `json:"agent"`
	Spokesperson      string           `json:"spokesperson"`
	SessionID         string           `json:"sessionId"`
	Messages          []agent.Message  `json:"messages"`
	Sessions          []SessionSummary `json:"sessions"`
}

// Level is one reading of the microphone analyser.
type Level struct {
	RMS   float64   `json:"rms"`
	Bands []float64 `json:"bands"`
	Live  bool      `json:"live"`
}
