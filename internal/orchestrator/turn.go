package orchestrator

import (
	"context"
	"errors"
	log "log/slog"
	"time"

	"hark/internal/agent"
	"hark/internal/audio"
	"hark/internal/notify"
	"hark/pkg/protocol"
	"hark/pkg/util"
)

// StartRecording is the explicit user trigger. It starts a recording from
// idle, or interrupts the reply being spoken. Anything else is ignored.
func (o *Orchestrator) StartRecording() bool {
	o.mu.Lock()
	if o.closed || (o.state != Idle && o.state != Speaking) {
		o.mu.Unlock()
		return false
	}
	ok := o.startLocked()
	o.mu.Unlock()

	o.changed()
	return ok
}

// StopRecording ends the current recording and hands it to a turn.
func (o *Orchestrator) StopRecording() bool {
	o.mu.Lock()
	ok := o.stopLocked()
	o.mu.Unlock()

	if ok {
		o.changed()
	}
	return ok
}

func (o *Orchestrator) ToggleRecording() bool {
	if o.State() == Recording {
		return o.StopRecording()
	}
	return o.StartRecording()
}

func (o *Orchestrator) onWakeword(model string) {
	o.mu.Lock()
	if o.closed || o.state != Idle || !o.wakeEnabled {
		log.Debug("Ignoring wake word", "model", model, "state", o.state, "enabled", o.wakeEnabled)
		o.mu.Unlock()
		return
	}

	log.Info("Wake word detected", "model", model)
	ok := o.startLocked()
	o.mu.Unlock()

	if ok {
		o.changed()
	}
}

func (o *Orchestrator) onSpeechEnd() {
	vad := o.deps.Channel != nil && o.deps.Channel.VADEnabled()

	o.mu.Lock()
	ok := false
	if o.state == Recording && vad {
		log.Debug("Speech ended")
		ok = o.stopLocked()
	}
	o.mu.Unlock()

	if ok {
		o.changed()
	}
}

func (o *Orchestrator) onCapabilities(caps protocol.Capabilities) {
	ids := caps.ModelIDs()

	o.mu.Lock()
	prev := make([]string, 0, len(o.models))
	for _, m := range o.models {
		prev = append(prev, m.ID)
	}
	o.models = append([]protocol.Model(nil), caps.Wakewords.Models...)
	o.activeModel = caps.Wakewords.Active
	o.phrase = caps.Phrase(caps.Wakewords.Active)
	o.mu.Unlock()

	if !util.SameSet(prev, ids) {
		o.deps.Settings.SetValidWakeWordModels(ids)
	}

	if want := o.deps.Settings.WakeWordModel(); want != caps.Wakewords.Active && len(ids) > 0 {
		if err := o.deps.Channel.SetWakewordModel(want); err != nil {
			log.Warn("Failed to restore wake word model", "model", want, "err", err)
		} else {
			o.mu.Lock()
			o.activeModel = want
			o.phrase = caps.Phrase(want)
			o.mu.Unlock()
		}
	}

	o.channelUp()
	o.changed()
}

func (o *Orchestrator) onChannelError(err error) {
	log.Warn("Voice events error", "err", err)
}

func (o *Orchestrator) onChannelLost(err error) {
	log.Warn("Wake word paused", "err", err)
	o.channelDown(false)
}

func (o *Orchestrator) onChannelUnavailable(err error) {
	log.Error("Wake word unavailable", "err", err)
	o.channelDown(true)
}

// startLocked moves to recording. Caller holds o.mu.
func (o *Orchestrator) startLocked() bool {
	if !o.micOK {
		log.Warn("Ignoring trigger, microphone unavailable")
		o.deps.Notify.Add(notify.Error, msgMicUnavailable)
		return false
	}

	if o.state == Speaking {
		log.Info("Interrupting reply")
	}
	o.cancelSpeechLocked()
	if o.deps.Synth != nil {
		o.deps.Synth.Stop()
	}

	if err := o.deps.Recorder.Start(); err != nil {
		log.Error("Failed to start recording", "err", err)
		o.deps.Notify.Add(notify.Error, msgMicUnavailable)
		return false
	}

	o.state = Recording
	o.prevWake = o.wakeEnabled
	o.wakeEnabled = false

	if o.deps.Sounds != nil {
		o.deps.Sounds.WakeChime()
	}
	o.duck(true)

	o.recGen++
	if o.deps.Channel == nil || !o.wakeAvailable || !o.deps.Channel.VADEnabled() {
		gen := o.recGen
		o.recTimer = time.AfterFunc(o.cfg.MaxRecording, func() { o.recordingTimeout(gen) })
	}

	log.Debug("Recording")
	return true
}

func (o *Orchestrator) recordingTimeout(gen uint64) {
	o.mu.Lock()
	ok := false
	if o.recGen == gen && o.state == Recording {
		log.Info("Maximum recording length reached")
		ok = o.stopLocked()
	}
	o.mu.Unlock()

	if ok {
		o.changed()
	}
}

// stopLocked leaves recording and launches the turn. Caller holds o.mu.
func (o *Orchestrator) stopLocked() bool {
	if o.state != Recording {
		return false
	}

	if o.recTimer != nil {
		o.recTimer.Stop()
		o.recTimer = nil
	}
	if o.deps.Sounds != nil {
		o.deps.Sounds.StopChime()
	}

	o.state = Processing
	o.wakeEnabled = o.prevWake
	o.turn++
	turn, epoch := o.turn, o.epoch

	o.turns.Add(1)
	go func() {
		defer o.turns.Done()
		o.runVoiceTurn(turn, epoch)
	}()
	return true
}

// SendText runs a typed turn. Only accepted while idle.
func (o *Orchestrator) SendText(text string) error {
	if text == "" {
		return nil
	}

	o.mu.Lock()
	if o.closed || o.state != Idle {
		o.mu.Unlock()
		return ErrBusy
	}
	o.state = Thinking
	o.turn++
	turn, epoch := o.turn, o.epoch
	o.turns.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.turns.Done()
		o.converse(turn, epoch, text)
	}()
	return nil
}

func (o *Orchestrator) runVoiceTurn(turn, epoch uint64) {
	blob, err := o.deps.Recorder.Stop()
	if err != nil {
		if errors.Is(err, audio.ErrTooShort) {
			log.Debug("Discarded short recording")
		} else {
			log.Warn("Failed to stop recording", "err", err)
		}
		o.finish(turn)
		return
	}

	text, err := o.deps.Transcriber.Transcribe(o.ctx, blob)
	if err != nil {
		log.Warn("Failed to transcribe", "err", err)
		if o.ctx.Err() == nil {
			o.deps.Notify.Add(notify.Warning, msgTranscribeFailed)
		}
		o.finish(turn)
		return
	}
	if text == "" {
		log.Debug("Empty transcription")
		o.finish(turn)
		return
	}

	log.Info("Heard", "text", text)
	o.converse(turn, epoch, text)
}

// converse sends text to the agent and plays back the replies. Results for a
// session that is no longer current are dropped.
func (o *Orchestrator) converse(turn, epoch uint64, text string) {
	o.mu.Lock()
	if o.epoch != epoch {
		o.mu.Unlock()
		log.Info("Dropping utterance for a previous session")
		o.finish(turn)
		return
	}
	o.messages = append(o.messages, Message{Role: agent.RoleUser, Text: text})
	if o.turn == turn {
		o.state = Thinking
	}
	sessionID := o.sessionID
	o.mu.Unlock()
	o.changed()

	responses, err := o.deps.Backend.Send(o.ctx, sessionID, text)

	o.mu.Lock()
	if o.epoch != epoch {
		o.mu.Unlock()
		log.Info("Dropping reply for a previous session", "session", sessionID)
		o.finish(turn)
		return
	}
	if err != nil {
		log.Warn("Agent call failed", "session", sessionID, "err", err)
		o.messages = append(o.messages, Message{Role: agent.RoleAgent, Text: msgAgentFailed})
		o.mu.Unlock()
		o.finish(turn)
		return
	}
	o.mu.Unlock()

	go func() {
		if err := o.RefreshSessions(o.ctx); err != nil {
			log.Debug("Failed to refresh sessions", "err", err)
		}
	}()

	o.reply(turn, epoch, responses)
	o.finish(turn)
}

// reply appends each response in order and speaks it before moving on.
func (o *Orchestrator) reply(turn, epoch uint64, responses []string) {
	for _, text := range responses {
		o.mu.Lock()
		if o.epoch != epoch {
			o.mu.Unlock()
			log.Info("Dropping remaining replies for a previous session")
			return
		}
		o.messages = append(o.messages, Message{Role: agent.RoleAgent, Text: text})

		speak := o.deps.Synth != nil && o.ttsEnabled && o.turn == turn &&
			(o.state == Thinking || o.state == Speaking)

		var ctx context.Context
		var seq uint64
		if speak {
			o.state = Speaking
			var cancel context.CancelFunc
			ctx, cancel = context.WithCancel(o.ctx)
			o.speakSeq++
			seq = o.speakSeq
			o.speakCancel = cancel
		}
		o.mu.Unlock()
		o.changed()

		if !speak {
			continue
		}

		err := o.deps.Synth.Speak(ctx, text)

		o.mu.Lock()
		if o.speakSeq == seq && o.speakCancel != nil {
			o.speakCancel()
			o.speakCancel = nil
		}
		o.mu.Unlock()

		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("Failed to speak", "err", err)
			o.deps.Synth.Stop()
			o.deps.Notify.Add(notify.Warning, msgSpeechFailed)
		}
	}
}

// finish returns a turn to idle unless something newer owns the state.
func (o *Orchestrator) finish(turn uint64) {
	o.mu.Lock()
	done := false
	if o.turn == turn {
		switch o.state {
		case Processing, Thinking, Speaking:
			o.state = Idle
			done = true
		}
	}
	o.mu.Unlock()

	if done {
		o.duck(false)
		log.Debug("Idle")
	}
	o.changed()
}
