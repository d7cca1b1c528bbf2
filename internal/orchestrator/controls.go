package orchestrator

import (
	"fmt"
	log "log/slog"
)

// ToggleWakeWord persists the wake word preference. While recording the
// new value takes effect once the recording ends, and it has no effect
// while the event channel is down.
func (o *Orchestrator) ToggleWakeWord(enabled bool) {
	o.deps.Settings.SetWakeWordEnabled(enabled)

	o.mu.Lock()
	o.setWakeLocked(enabled && o.wakeAvailable)
	o.mu.Unlock()

	log.Info("Wake word", "enabled", enabled)
	o.changed()
}

func (o *Orchestrator) ToggleTTS(enabled bool) {
	o.deps.Settings.SetTTSEnabled(enabled)

	o.mu.Lock()
	o.ttsEnabled = enabled
	o.mu.Unlock()

	log.Info("Speech output", "enabled", enabled)
	o.changed()
}

// SetWakeWordModel switches the server-side detector and remembers the choice.
func (o *Orchestrator) SetWakeWordModel(id string) error {
	ch := o.deps.Channel
	if ch == nil || !ch.Ready() {
		return ErrWakeWordUnavailable
	}

	if err := ch.SetWakewordModel(id); err != nil {
		return fmt.Errorf("set wake word model: %w", err)
	}
	o.deps.Settings.SetWakeWordModel(id)

	phrase := ch.Capabilities().Phrase(id)

	o.mu.Lock()
	o.activeModel = id
	o.phrase = phrase
	o.mu.Unlock()

	log.Info("Wake word model", "model", id, "phrase", phrase)
	o.changed()
	return nil
}

// setWakeLocked sets the effective wake word flag, deferring it to the end of
// a recording in progress. Caller holds o.mu.
func (o *Orchestrator) setWakeLocked(on bool) {
	if o.state == Recording {
		o.prevWake = on
	} else {
		o.wakeEnabled = on
	}
}
