package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	log "log/slog"

	"hark/internal/api"
	"hark/internal/audio"
	"hark/internal/ipc"
	"hark/internal/notify"
	"hark/internal/orchestrator"
	"hark/internal/status"
)

type agentsReply struct {
	Current string           `json:"current"`
	Allowed []api.FlowMember `json:"allowed"`
}

type spokespersonReply struct {
	Current    string           `json:"current"`
	Candidates []api.FlowMember `json:"candidates"`
}

const defaultBands = 16

func registerCommands(mux *ipc.Mux, o *orchestrator.Orchestrator, center *notify.Center, client *api.Client, capture *audio.Capture) {
	mux.Handle("trigger", func(context.Context, []string) (any, error) {
		o.ToggleRecording()
		return o.Snapshot(), nil
	})
	mux.Handle("start", func(context.Context, []string) (any, error) {
		if !o.StartRecording() {
			return nil, fmt.Errorf("cannot record while %s", o.State())
		}
		return o.Snapshot(), nil
	})
	mux.Handle("stop", func(context.Context, []string) (any, error) {
		if !o.StopRecording() {
			return nil, errors.New("not recording")
		}
		return o.Snapshot(), nil
	})
	mux.Handle("say", func(_ context.Context, args []string) (any, error) {
		text := strings.TrimSpace(strings.Join(args, " "))
		if text == "" {
			return nil, errors.New("nothing to say")
		}
		return nil, o.SendText(text)
	})

	mux.Handle("status", func(context.Context, []string) (any, error) {
		return o.Snapshot(), nil
	})
	mux.Handle("messages", func(context.Context, []string) (any, error) {
		return o.Messages(), nil
	})
	mux.Handle("notifications", func(_ context.Context, args []string) (any, error) {
		if len(args) > 0 && args[0] == "clear" {
			center.Clear()
			return nil, nil
		}
		return center.List(), nil
	})

	mux.Handle("level", func(_ context.Context, args []string) (any, error) {
		bands := defaultBands
		if len(args) > 0 {
			n, err := strconv.Atoi(args[0])
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("expected a band count, got %q", args[0])
			}
			bands = n
		}
		return readLevel(capture, bands), nil
	})

	mux.Handle("sessions", func(ctx context.Context, _ []string) (any, error) {
		if err := o.RefreshSessions(ctx); err != nil {
			return nil, err
		}
		return o.Sessions(), nil
	})
	mux.Handle("new-session", func(context.Context, []string) (any, error) {
		s := o.NewSession()
		return orchestrator.SessionSummary{ID: s.ID, CreatedAt: s.CreatedAt}, nil
	})
	mux.Handle("select-session", func(ctx context.Context, args []string) (any, error) {
		id, err := oneArg(args, "session id")
		if err != nil {
			return nil, err
		}
		return nil, o.SelectSession(ctx, id)
	})
	mux.Handle("delete-session", func(ctx context.Context, args []string) (any, error) {
		id, err := oneArg(args, "session id")
		if err != nil {
			return nil, err
		}
		return nil, o.DeleteSession(ctx, id)
	})

	mux.Handle("agent", func(_ context.Context, args []string) (any, error) {
		if len(args) > 0 {
			if err := o.SwitchAgent(args[0]); err != nil {
				return nil, err
			}
		}
		return agentsReply{Current: o.Snapshot().Agent, Allowed: o.ClientInfo().AllowedAgents}, nil
	})
	mux.Handle("spokesperson", func(_ context.Context, args []string) (any, error) {
		if len(args) > 0 {
			id := args[0]
			if id == "none" {
				id = ""
			}
			if err := o.SwitchSpokesperson(id); err != nil {
				return nil, err
			}
		}
		return spokespersonReply{Current: o.Snapshot().Spokesperson, Candidates: o.SpokespersonCandidates()}, nil
	})

	mux.Handle("wakeword", func(_ context.Context, args []string) (any, error) {
		on, err := toggleArg(args)
		if err != nil {
			return nil, err
		}
		o.ToggleWakeWord(on)
		return o.Snapshot(), nil
	})
	mux.Handle("wakeword-model", func(_ context.Context, args []string) (any, error) {
		if len(args) == 0 {
			return o.Snapshot().WakeWordModels, nil
		}
		if err := o.SetWakeWordModel(args[0]); err != nil {
			return nil, err
		}
		return o.Snapshot(), nil
	})
	mux.Handle("tts", func(_ context.Context, args []string) (any, error) {
		on, err := toggleArg(args)
		if err != nil {
			return nil, err
		}
		if on && !o.Snapshot().TTSAvailable {
			return nil, errors.New("speech output unavailable")
		}
		o.ToggleTTS(on)
		return o.Snapshot(), nil
	})

	mux.Handle("pair", func(ctx context.Context, args []string) (any, error) {
		if client == nil {
			return nil, errors.New("no server configured")
		}
		token, err := oneArg(args, "pairing token")
		if err != nil {
			return nil, err
		}

		info, err := client.Pair(ctx, token)
		if err != nil {
			return nil, err
		}
		log.Info("Paired", "name", info.Name, "agents", len(info.AllowedAgents))

		o.SetClientInfo(info)
		if err := o.Reconnect(ctx); err != nil {
			log.Warn("Voice events still unavailable after pairing", "err", err)
		}
		return info, nil
	})
}

func readLevel(c *audio.Capture, bands int) status.Level {
	a := c.Analyser()
	return status.Level{
		RMS:   a.Level(),
		Bands: a.Bands(bands),
		Live:  c.Running(),
	}
}

func oneArg(args []string, what string) (string, error) {
	if len(args) != 1 || args[0] == "" {
		return "", fmt.Errorf("expected one %s", what)
	}
	return args[0], nil
}

func toggleArg(args []string) (bool, error) {
	if len(args) != 1 {
		return false, errors.New("expected on or off")
	}
	switch args[0] {
	case "on", "true", "1":
		return true, nil
	case "off", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", args[0])
}
