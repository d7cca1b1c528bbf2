// Package protocol speaks the voice events channel: a websocket that
// carries raw microphone frames to the server and wake word, speech
// boundary and capability events back.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"
)

const (
	TypeCapabilities = "capabilities"
	TypeConfig       = "config"
	TypeSetModel     = "setModel"
	TypeWakeword     = "wakeword"
	TypeSpeechStart  = "speech_start"
	TypeSpeechEnd    = "speech_end"
	TypeError        = "error"
)

const EventsPath = "/api/v1/voice/events"

// DefaultSilenceTimeout applies when the server omits vad.silenceTimeout.
const DefaultSilenceTimeout = 2000

type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type Model struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Phrase string `json:"phrase"`
}

type Wakewords struct {
	Models []Model `json:"models"`
	Active string  `json:"active"`
}

type VAD struct {
	Enabled        bool `json:"enabled"`
	SilenceTimeout int  `json:"silenceTimeout"` // ms
}

type Capabilities struct {
	Wakewords Wakewords `json:"wakewords"`
	VAD       VAD       `json:"vad"`
}

// Phrase returns the spoken phrase of model id, or the id itself when the
// model is unknown or has no phrase.
func (c Capabilities) Phrase(id string) string {
	for _, m := range c.Wakewords.Models {
		if m.ID == id && m.Phrase != "" {
			return m.Phrase
		}
	}
	return id
}

func (c Capabilities) ModelIDs() []string {
	ids := make([]string, 0, len(c.Wakewords.Models))
	for _, m := range c.Wakewords.Models {
		ids = append(ids, m.ID)
	}
	return ids
}

type AudioConfig struct {
	SampleRate int    `json:"sampleRate"`
	Model      string `json:"model"`
}

type setModel struct {
	Model string `json:"model"`
}

type wakeword struct {
	Model string `json:"model"`
}

// ServerError is an error event reported by the server.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "voice events: " + e.Message
}

// Listener receives channel events. Calls come from a single goroutine, in
// arrival order, and must not block for long.
type Listener interface {
	OnWakeword(model string)
	OnSpeechStart()
	OnSpeechEnd()
	OnCapabilities(Capabilities)
	OnError(error)
	// OnDisconnect reports that a ready connection dropped; reconnection
	// starts right after.
	OnDisconnect(error)
	// OnUnavailable reports that reconnection gave up. No further events
	// follow until the next successful Connect.
	OnUnavailable(error)
}

// ListenerFuncs adapts optional funcs to Listener.
type ListenerFuncs struct {
	Wakeword     func(model string)
	SpeechStart  func()
	SpeechEnd    func()
	Capabilities func(Capabilities)
	Error        func(error)
	Disconnect   func(error)
	Unavailable  func(error)
}

func (f ListenerFuncs) OnWakeword(model string) {
	if f.Wakeword != nil {
		f.Wakeword(model)
	}
}

func (f ListenerFuncs) OnSpeechStart() {
	if f.SpeechStart != nil {
		f.SpeechStart()
	}
}

func (f ListenerFuncs) OnSpeechEnd() {
	if f.SpeechEnd != nil {
		f.SpeechEnd()
	}
}

func (f ListenerFuncs) OnCapabilities(c Capabilities) {
	if f.Capabilities != nil {
		f.Capabilities(c)
	}
}

func (f ListenerFuncs) OnError(err error) {
	if f.Error != nil {
		f.Error(err)
	}
}

func (f ListenerFuncs) OnDisconnect(err error) {
	if f.Disconnect != nil {
		f.Disconnect(err)
	}
}

func (f ListenerFuncs) OnUnavailable(err error) {
	if f.Unavailable != nil {
		f.Unavailable(err)
	}
}

func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return env, errors.New("decode envelope: missing type")
	}
	return env, nil
}

func encode(typ string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: typ, Data: raw})
}

func decodeCapabilities(data json.RawMessage) (Capabilities, error) {
	var caps Capabilities
	if err := json.Unmarshal(data, &caps); err != nil {
		return caps, fmt.Errorf("decode capabilities: %w", err)
	}
	if caps.VAD.SilenceTimeout == 0 {
		caps.VAD.SilenceTimeout = DefaultSilenceTimeout
	}
	return caps, nil
}

func decodeWakeword(data json.RawMessage) (string, error) {
	var w wakeword
	if err := json.Unmarshal(data, &w); err != nil {
		return "", fmt.Errorf("decode wakeword: %w", err)
	}
	return w.Model, nil
}

// decodeServerError accepts either {"message": "..."} or a bare string.
func decodeServerError(data json.RawMessage) *ServerError {
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &obj); err == nil && obj.Message != "" {
		return &ServerError{Message: obj.Message}
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil && s != "" {
		return &ServerError{Message: s}
	}
	return &ServerError{Message: "unknown error"}
}

// EncodeFrame packs samples as little-endian float32.
func EncodeFrame(samples []float32) []byte {
	buf := make([]byte, 4*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(s))
	}
	return buf
}

// DecodeFrame is the inverse of EncodeFrame.
func DecodeFrame(buf []byte) []float32 {
	out := make([]float32, len(buf)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return out
}

// EventsURL derives the websocket endpoint from the server base URL.
func EventsURL(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	u.Path = strings.TrimRight(u.Path, "/") + EventsPath
	return u.String(), nil
}
