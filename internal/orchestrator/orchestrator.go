// Package orchestrator runs the interaction state machine: it decides when to
// record, what to do with an utterance, and when to speak, while the audio
// pipeline and the event channel keep running underneath.
package orchestrator

import (
	"context"
	"errors"
	log "log/slog"
	"slices"
	"sync"
	"time"

	"hark/internal/agent"
	"hark/internal/api"
	"hark/internal/audio"
	"hark/internal/notify"
	"hark/internal/session"
	"hark/internal/settings"
	"hark/internal/status"
	"hark/pkg/protocol"
	"hark/pkg/stt"
)

type (
	State          = status.State
	Snapshot       = status.Snapshot
	SessionSummary = status.SessionSummary
)

const (
	Idle       = status.Idle
	Recording  = status.Recording
	Processing = status.Processing
	Thinking   = status.Thinking
	Speaking   = status.Speaking
)

const DefaultMaxRecording = 10 * time.Second

const (
	msgAgentFailed       = "Sorry, something went wrong. Please try again."
	msgTranscribeFailed  = "Transcription unavailable"
	msgSpeechFailed      = "Speech output failed"
	msgSpeechUnavailable = "Speech output unavailable"
	msgMicUnavailable    = "Microphone unavailable"
	msgWakeLoading       = "Loading wake word"
	msgWakeReady         = "Wake word ready"
	msgWakeUnavailable   = "Wake word unavailable"
	msgWakeReconnecting  = "Reconnecting wake word"
	wakeNotificationKey  = "wakeword"
)

var (
	ErrBusy                = errors.New("orchestrator: busy")
	ErrWakeWordUnavailable = errors.New("orchestrator: wake word unavailable")
	ErrUnknownAgent        = errors.New("orchestrator: agent not allowed")
)

type Message = agent.Message

type Capture interface {
	Start() error
	Stop()
	Tap(fn audio.FrameFunc) (untap func())
}

type Recorder interface {
	Start() error
	Stop() ([]byte, error)
}

// Channel is the voice events connection.
type Channel interface {
	Connect(ctx context.Context) error
	Subscribe(l protocol.Listener) func()
	SendAudioFrame(samples []float32, sampleRate int)
	SetWakewordModel(id string) error
	Capabilities() protocol.Capabilities
	ActivePhrase() string
	VADEnabled() bool
	Ready() bool
	Close() error
}

type Synthesizer interface {
	Speak(ctx context.Context, text string) error
	Stop()
	Available(ctx context.Context) bool
	SetAgent(id string)
}

type Sounds interface {
	WakeChime()
	StopChime()
}

type Ducker interface {
	Duck(ctx context.Context) error
	Unduck(ctx context.Context) error
}

// Deps are the collaborators. Channel, Synth, Sounds and Ducker are
// optional.
type Deps struct {
	Capture     Capture
	Recorder    Recorder
	Channel     Channel
	Transcriber stt.Transcriber
	Synth       Synthesizer
	Backend     agent.Backend
	Sessions    *session.Registry
	Settings    *settings.Store
	Notify      *notify.Center
	Sounds      Sounds
	Ducker      Ducker
	ClientInfo  api.ClientInfo
	Agent       string
}

type Config struct {
	MaxRecording time.Duration
}

type Orchestrator struct {
	deps Deps
	cfg  Config

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	state         State
	wakeEnabled   bool
	prevWake      bool
	wakeAvailable bool
	micOK         bool
	ttsEnabled    bool
	ttsAvailable  bool
	phrase        string
	activeModel   string
	models        []protocol.Model
	info          api.ClientInfo
	agentID       string
	spokesperson  string
	sessionID     string
	epoch         uint64 // bumped on every session switch
	turn          uint64 // bumped on every dispatched turn
	recGen        uint64
	recTimer      *time.Timer
	speakCancel   context.CancelFunc
	speakSeq      uint64
	messages      []Message
	sessions      []SessionSummary
	subs          []func(Snapshot)

	turns   sync.WaitGroup
	untap   func()
	unsub   func()
	duckCh  chan bool
	duckRun sync.Once
	closed  bool
}

func New(deps Deps, cfg Config) *Orchestrator {
	if cfg.MaxRecording <= 0 {
		cfg.MaxRecording = DefaultMaxRecording
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		deps:        deps,
		cfg:         cfg,
		ctx:         ctx,
		cancel:      cancel,
		state:       Idle,
		info:        deps.ClientInfo,
		agentID:     deps.Agent,
		wakeEnabled: deps.Settings.WakeWordEnabled(),
		ttsEnabled:  deps.Settings.TTSEnabled(),
		duckCh:      make(chan bool, 8),
	}
}

// Start brings the assistant up: probes speech output, connects the event
// channel, binds the session and opens the microphone. Every step degrades
// gracefully; Start itself never fails.
func (o *Orchestrator) Start(ctx context.Context) {
	o.deps.Backend.SetAgent(o.agentID)
	o.resolveSpokesperson()

	o.probeSpeech(ctx)
	o.connectChannel(ctx)
	o.initSession(ctx)
	o.startCapture()

	log.Info("Assistant ready", "agent", o.agentID, "state", o.State())
	o.changed()
}

func (o *Orchestrator) probeSpeech(ctx context.Context) {
	available := o.deps.Synth != nil && o.deps.Synth.Available(ctx)

	o.mu.Lock()
	o.ttsAvailable = available
	if available {
		o.ttsEnabled = o.deps.Settings.TTSEnabled()
	} else {
		o.ttsEnabled = false
	}
	o.mu.Unlock()

	if !available {
		o.deps.Settings.SetTTSEnabled(false)
		o.deps.Notify.Add(notify.Warning, msgSpeechUnavailable)
	}
}

func (o *Orchestrator) connectChannel(ctx context.Context) {
	ch := o.deps.Channel
	if ch == nil {
		o.mu.Lock()
		o.wakeEnabled = false
		o.wakeAvailable = false
		o.mu.Unlock()
		return
	}

	o.unsub = ch.Subscribe(protocol.ListenerFuncs{
		Wakeword:     o.onWakeword,
		SpeechEnd:    o.onSpeechEnd,
		Capabilities: o.onCapabilities,
		Error:        o.onChannelError,
		Disconnect:   o.onChannelLost,
		Unavailable:  o.onChannelUnavailable,
	})

	if err := o.Reconnect(ctx); err != nil {
		log.Warn("Failed to connect voice events", "err", err)
	}
}

// Reconnect retries the event channel, for instance after pairing. It is a
// no-op while the channel is up or already reconnecting on its own.
func (o *Orchestrator) Reconnect(ctx context.Context) error {
	ch := o.deps.Channel
	if ch == nil {
		return ErrWakeWordUnavailable
	}
	if ch.Ready() {
		return nil
	}

	o.deps.Notify.ShowLoading(wakeNotificationKey, msgWakeLoading)

	err := ch.Connect(ctx)
	switch {
	case errors.Is(err, protocol.ErrConnecting):
		log.Debug("Voice events already reconnecting")
		return nil
	case err != nil:
		o.channelDown(true)
		return err
	}

	o.mu.Lock()
	o.phrase = ch.ActivePhrase()
	o.mu.Unlock()

	o.channelUp()
	o.changed()
	return nil
}

// channelUp makes the wake word available again with the saved preference.
// Only the first call after an outage notifies.
func (o *Orchestrator) channelUp() {
	o.mu.Lock()
	if o.closed || o.wakeAvailable {
		o.mu.Unlock()
		return
	}
	o.wakeAvailable = true
	o.setWakeLocked(o.deps.Settings.WakeWordEnabled())
	o.mu.Unlock()

	o.deps.Notify.CompleteLoading(wakeNotificationKey, msgWakeReady)
}

// channelDown disables the wake word. A recording that relied on server VAD
// falls back to the max-recording timer. final means no reconnect follows.
func (o *Orchestrator) channelDown(final bool) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.wakeAvailable = false
	o.setWakeLocked(false)
	if final {
		o.models = nil
	}
	if o.state == Recording && o.recTimer == nil {
		gen := o.recGen
		o.recTimer = time.AfterFunc(o.cfg.MaxRecording, func() { o.recordingTimeout(gen) })
	}
	o.mu.Unlock()

	if final {
		o.deps.Notify.FailLoading(wakeNotificationKey, msgWakeUnavailable)
	} else {
		o.deps.Notify.ShowLoading(wakeNotificationKey, msgWakeReconnecting)
	}
	o.changed()
}

func (o *Orchestrator) initSession(ctx context.Context) {
	s := o.deps.Sessions.Init()

	o.mu.Lock()
	o.sessionID = s.ID
	o.mu.Unlock()

	if err := o.deps.Backend.CreateSession(ctx, s.ID); err != nil {
		log.Warn("Failed to bind session", "session", s.ID, "err", err)
	}
	o.deps.Sessions.Subscribe(o.onSessionChange)

	if err := o.RefreshSessions(ctx); err != nil {
		log.Warn("Failed to list sessions", "err", err)
	}
}

func (o *Orchestrator) startCapture() {
	if err := o.deps.Capture.Start(); err != nil {
		log.Error("Failed to open microphone", "err", err)
		o.deps.Notify.Add(notify.Error, msgMicUnavailable)
		return
	}

	o.mu.Lock()
	o.micOK = true
	o.mu.Unlock()

	if o.deps.Channel != nil {
		o.untap = o.deps.Capture.Tap(o.deps.Channel.SendAudioFrame)
	}
}

// Subscribe registers fn to receive a snapshot after every state change.
func (o *Orchestrator) Subscribe(fn func(Snapshot)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.subs = append(o.subs, fn)
}

func (o *Orchestrator) changed() {
	o.mu.Lock()
	subs := slices.Clone(o.subs)
	o.mu.Unlock()

	if len(subs) == 0 {
		return
	}
	snap := o.Snapshot()
	for _, fn := range subs {
		fn(snap)
	}
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) Messages() []Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Message(nil), o.messages...)
}

func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	return Snapshot{
		State:             o.state,
		WakeWordEnabled:   o.wakeEnabled,
		WakeWordAvailable: o.wakeAvailable,
		WakeWordPhrase:    o.phrase,
		WakeWordModel:     o.activeModel,
		WakeWordModels:    append([]protocol.Model(nil), o.models...),
		TTSEnabled:        o.ttsEnabled,
		TTSAvailable:      o.ttsAvailable,
		Agent:             o.agentID,
		Spokesperson:      o.spokesperson,
		SessionID:         o.sessionID,
		Messages:          append([]Message(nil), o.messages...),
		Sessions:          append([]SessionSummary(nil), o.sessions...),
	}
}

// Close stops every collaborator and waits for the in-flight turn.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	if o.recTimer != nil {
		o.recTimer.Stop()
		o.recTimer = nil
	}
	o.cancelSpeechLocked()
	untap, unsub := o.untap, o.unsub
	o.mu.Unlock()

	o.cancel()

	if untap != nil {
		untap()
	}
	if unsub != nil {
		unsub()
	}
	if o.deps.Channel != nil {
		o.deps.Channel.Close()
	}
	o.deps.Capture.Stop()
	if o.deps.Synth != nil {
		o.deps.Synth.Stop()
	}
	o.deps.Sessions.Close()

	o.turns.Wait()
	if o.deps.Ducker != nil {
		o.deps.Ducker.Unduck(context.Background())
	}
	log.Info("Assistant stopped")
}

func (o *Orchestrator) cancelSpeechLocked() {
	if o.speakCancel != nil {
		o.speakCancel()
		o.speakCancel = nil
	}
}

// duck queues a duck (true) or unduck (false) request. Requests are applied
// in order by one worker so fades never interleave.
func (o *Orchestrator) duck(on bool) {
	if o.deps.Ducker == nil {
		return
	}

	o.duckRun.Do(func() {
		go func() {
			for {
				select {
				case <-o.ctx.Done():
					return
				case on := <-o.duckCh:
					var err error
					if on {
						err = o.deps.Ducker.Duck(o.ctx)
					} else {
						err = o.deps.Ducker.Unduck(o.ctx)
					}
					if err != nil && !errors.Is(err, context.Canceled) {
						log.Debug("Failed to adjust other streams", "duck", on, "err", err)
					}
				}
			}
		}()
	})

	select {
	case o.duckCh <- on:
	default:
	}
}
