package orchestrator

import (
	"context"
	"fmt"
	log "log/slog"
	"sort"
	"sync"

	"hark/internal/agent"
	"hark/internal/api"
	"hark/internal/session"
)

// onSessionChange runs after the registry minted a new session, whether by
// rotation, agent switch or an explicit request.
func (o *Orchestrator) onSessionChange(s session.Session) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.switchSessionLocked(s.ID, nil)
	o.mu.Unlock()

	if o.deps.Synth != nil {
		o.deps.Synth.Stop()
	}
	o.changed()

	go func() {
		if err := o.deps.Backend.CreateSession(o.ctx, s.ID); err != nil {
			log.Warn("Failed to bind session", "session", s.ID, "err", err)
		}
		if err := o.RefreshSessions(o.ctx); err != nil {
			log.Debug("Failed to refresh sessions", "err", err)
		}
	}()
}

// switchSessionLocked resets the conversational context. The audio pipeline
// and any in-flight remote call are left alone; late results are discarded
// by epoch.
func (o *Orchestrator) switchSessionLocked(id string, msgs []Message) {
	o.epoch++
	o.sessionID = id
	o.messages = msgs
	o.cancelSpeechLocked()
}

func (o *Orchestrator) NewSession() session.Session {
	return o.deps.Sessions.New()
}

// SelectSession resumes an existing remote session and loads its messages.
func (o *Orchestrator) SelectSession(ctx context.Context, id string) error {
	if id == o.deps.Sessions.Current().ID {
		return nil
	}

	s, err := o.deps.Backend.GetSession(ctx, id)
	if err != nil {
		return err
	}

	o.deps.Sessions.SetCurrent(id)

	o.mu.Lock()
	o.switchSessionLocked(id, s.Messages())
	o.mu.Unlock()

	if o.deps.Synth != nil {
		o.deps.Synth.Stop()
	}
	o.changed()

	if err := o.RefreshSessions(ctx); err != nil {
		log.Debug("Failed to refresh sessions", "err", err)
	}
	return nil
}

// DeleteSession removes a remote session. Deleting the current one rotates
// to a fresh session.
func (o *Orchestrator) DeleteSession(ctx context.Context, id string) error {
	if err := o.deps.Backend.DeleteSession(ctx, id); err != nil {
		return err
	}

	if id == o.deps.Sessions.Current().ID {
		o.deps.Sessions.New()
	}
	return o.RefreshSessions(ctx)
}

func (o *Orchestrator) Sessions() []SessionSummary {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]SessionSummary(nil), o.sessions...)
}

// RefreshSessions rebuilds the session list with previews, newest first.
func (o *Orchestrator) RefreshSessions(ctx context.Context) error {
	list, err := o.deps.Backend.ListSessions(ctx)
	if err != nil {
		return err
	}

	out := make([]SessionSummary, len(list))
	var wg sync.WaitGroup
	for i, info := range list {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()

			preview := (*agent.Session)(nil).Preview()
			if s, err := o.deps.Backend.GetSession(ctx, id); err == nil {
				preview = s.Preview()
			}
			out[i] = SessionSummary{
				ID:        id,
				Preview:   preview,
				CreatedAt: o.deps.Sessions.CreatedAt(id),
			}
		}(i, info.ID)
	}
	wg.Wait()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	o.mu.Lock()
	o.sessions = out
	o.mu.Unlock()

	o.changed()
	return nil
}

// SwitchAgent moves the conversation to another agent: its settings, its
// spokesperson and a fresh session.
func (o *Orchestrator) SwitchAgent(id string) error {
	if info := o.ClientInfo(); len(info.AllowedAgents) > 0 {
		if _, ok := info.Agent(id); !ok {
			return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
		}
	}

	o.mu.Lock()
	o.agentID = id
	o.mu.Unlock()

	o.deps.Backend.SetAgent(id)
	o.deps.Settings.SwitchAgent(id)
	o.resolveSpokesperson()

	cur := o.deps.Settings.Get()
	o.mu.Lock()
	o.ttsEnabled = cur.TTS.Enabled && o.ttsAvailable
	wake := cur.WakeWord.Enabled && o.wakeAvailable
	if o.state == Recording {
		o.prevWake = wake
	} else {
		o.wakeEnabled = wake
	}
	o.mu.Unlock()

	log.Info("Switched agent", "agent", id)
	o.deps.Sessions.New()
	return nil
}

// SwitchSpokesperson selects the flow member whose voice is used. An empty
// id falls back to the agent itself.
func (o *Orchestrator) SwitchSpokesperson(id string) error {
	o.mu.Lock()
	agentID := o.agentID
	o.mu.Unlock()

	if id != "" {
		found := false
		for _, m := range agent.SpokespersonCandidates(o.ClientInfo(), agentID) {
			if m.ID == id {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: %s is not a member of %s", ErrUnknownAgent, id, agentID)
		}
	}

	o.deps.Settings.SetSpokesperson(id)

	o.mu.Lock()
	o.spokesperson = id
	o.mu.Unlock()

	o.retargetVoice()
	o.changed()
	return nil
}

func (o *Orchestrator) SpokespersonCandidates() []api.FlowMember {
	o.mu.Lock()
	agentID := o.agentID
	o.mu.Unlock()
	return agent.SpokespersonCandidates(o.ClientInfo(), agentID)
}

// SetClientInfo replaces the pairing details, typically after pairing at
// runtime, and re-resolves the spokesperson.
func (o *Orchestrator) SetClientInfo(info api.ClientInfo) {
	o.mu.Lock()
	o.info = info
	adopt := o.agentID == "" && info.DefaultAgent != ""
	agentID := o.agentID
	o.mu.Unlock()

	if adopt {
		if err := o.SwitchAgent(info.DefaultAgent); err != nil {
			log.Warn("Failed to adopt default agent", "agent", info.DefaultAgent, "err", err)
		}
		o.changed()
		return
	}

	o.deps.Backend.SetAgent(agentID)
	o.resolveSpokesperson()
	o.changed()
}

func (o *Orchestrator) ClientInfo() api.ClientInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.info
}

func (o *Orchestrator) resolveSpokesperson() {
	o.mu.Lock()
	agentID := o.agentID
	o.mu.Unlock()

	saved := o.deps.Settings.Spokesperson()
	sp := agent.ResolveSpokesperson(o.ClientInfo(), agentID, saved)
	if sp != "" && sp != saved {
		o.deps.Settings.SetSpokesperson(sp)
	}

	o.mu.Lock()
	o.spokesperson = sp
	o.mu.Unlock()

	o.retargetVoice()
}

// retargetVoice points transcription and speech at the spokesperson, or the
// agent when there is none.
func (o *Orchestrator) retargetVoice() {
	o.mu.Lock()
	voice := o.spokesperson
	if voice == "" {
		voice = o.agentID
	}
	o.mu.Unlock()

	if voice == "" {
		return
	}
	o.deps.Transcriber.SetAgent(voice)
	if o.deps.Synth != nil {
		o.deps.Synth.SetAgent(voice)
	}
}
