package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	log "log/slog"

	"github.com/spf13/afero"

	"hark/internal/agent"
	"hark/internal/api"
	"hark/internal/audio"
	"hark/internal/config"
	"hark/internal/ipc"
	"hark/internal/notify"
	"hark/internal/orchestrator"
	"hark/internal/proxy"
	"hark/internal/session"
	"hark/internal/settings"
	"hark/internal/storage"
	"hark/internal/tts"
	"hark/internal/tts/espeak"
	"hark/pkg/protocol"
	"hark/pkg/stt"
)

var logLevelMap = map[string]log.Level{
	"debug": log.LevelDebug,
	"info":  log.LevelInfo,
	"warn":  log.LevelWarn,
	"error": log.LevelError,
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Error("Failed to load config", "err", err)
		os.Exit(2)
	}

	log.SetDefault(log.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      logLevelMap[cfg.Log],
		TimeFormat: time.TimeOnly,
	})))

	log.Info("Booting up")

	store, closeStore, err := openStore(cfg)
	if err != nil {
		log.Error("Failed to open local state", "dir", cfg.StateDir, "err", err)
		os.Exit(1)
	}
	defer closeStore()

	log.Debug("Loaded local state", "storage", cfg.Storage, "dir", cfg.StateDir)

	httpClient, err := proxy.NewSocksClient(cfg.Proxy)
	if err != nil {
		log.Error("Failed to dial socks proxy", "proxy", cfg.Proxy, "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tokens := api.NewTokens(store, cfg.Token)

	var client *api.Client
	var info api.ClientInfo
	if cfg.Server != "" {
		client, err = api.New(api.Config{ServerURL: cfg.Server, HTTPClient: httpClient}, tokens)
		if err != nil {
			log.Error("Invalid server url", "server", cfg.Server, "err", err)
			os.Exit(1)
		}
		info = fetchClientInfo(ctx, client)
	}

	agentID := cfg.Agent.ID
	if agentID == "" {
		agentID = info.DefaultAgent
	}

	backend := newBackend(cfg, client, httpClient)

	transcriber, closeSTT, err := newTranscriber(cfg, client)
	if err != nil {
		log.Error("Failed to init transcriber", "engine", cfg.STT.Engine, "err", err)
		os.Exit(1)
	}
	defer closeSTT()

	out := audio.NewSpeaker(audio.DefaultOutputRate)
	synth := newSynth(cfg, client, out)

	capture := audio.NewCapture()
	recorder := audio.NewRecorder(capture, cfg.Audio.MinBytes)

	center := notify.NewCenter()
	center.OnAdd(func(n notify.Notification) {
		log.Debug("Notification", "type", n.Type, "msg", n.Message)
	})

	deps := orchestrator.Deps{
		Capture:     capture,
		Recorder:    recorder,
		Transcriber: transcriber,
		Synth:       synth,
		Backend:     backend,
		Sessions: session.NewRegistry(store, session.Config{
			RotateAfter: cfg.Session.RotateAfter,
			MaxStored:   cfg.Session.MaxStored,
		}),
		Settings:   settings.NewStore(store, agentID),
		Notify:     center,
		ClientInfo: info,
		Agent:      agentID,
	}

	if cfg.Server != "" {
		deps.Channel = newChannel(cfg, tokens)
	}
	if cfg.Audio.Sounds {
		deps.Sounds = newSounds(cfg, out)
	}
	if cfg.Audio.Duck {
		self := []string{"hark", filepath.Base(os.Args[0])}
		if d := audio.NewDucker(self, cfg.Audio.DuckFactor, cfg.Audio.DuckMinVolume, cfg.Audio.DuckFade); d != nil {
			deps.Ducker = d
		} else {
			log.Debug("pactl not found, ducking disabled")
		}
	}

	orch := orchestrator.New(deps, orchestrator.Config{MaxRecording: cfg.Audio.MaxRecording})
	orch.Subscribe(logTransitions())
	orch.Start(ctx)
	defer orch.Close()

	mux := ipc.NewMux()
	registerCommands(mux, orch, center, client, capture)

	srv, err := ipc.Listen(cfg.Socket, mux)
	if err != nil {
		log.Error("Failed ipc server", "socket", cfg.Socket, "err", err)
		os.Exit(1)
	}
	defer srv.Close()

	log.Info("Boot up - successful", "socket", cfg.Socket, "agent", agentID)

	<-ctx.Done()
	log.Info("Shutting down")
}

func openStore(cfg *config.Config) (storage.Store, func(), error) {
	switch cfg.Storage {
	case "memory":
		return storage.NewMemory(), func() {}, nil
	case "sqlite":
		if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
			return nil, nil, err
		}
		db, err := storage.OpenSQLite(filepath.Join(cfg.StateDir, "hark.db"))
		if err != nil {
			return nil, nil, err
		}
		return db, func() { db.Close() }, nil
	default:
		fs, err := storage.NewFileStore(afero.NewOsFs(), cfg.StateDir)
		if err != nil {
			return nil, nil, err
		}
		return fs, func() {}, nil
	}
}

func fetchClientInfo(ctx context.Context, client *api.Client) api.ClientInfo {
	if client.Tokens().Token() == "" {
		log.Warn("Not paired, run `hark-ctl pair <token>`")
		return api.ClientInfo{}
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	info, err := client.ClientInfo(ctx)
	if err != nil {
		if api.StatusCode(err) == http.StatusUnauthorized {
			log.Warn("Pairing revoked, run `hark-ctl pair <token>`")
		} else {
			log.Warn("Failed to fetch client info", "err", err)
		}
		return api.ClientInfo{}
	}

	log.Info("Paired", "name", info.Name, "agents", len(info.AllowedAgents))
	return info
}

func newBackend(cfg *config.Config, client *api.Client, httpClient *http.Client) agent.Backend {
	if cfg.Agent.Backend == "chat" {
		return agent.NewChat(agent.ChatConfig{
			APIKey:     cfg.Agent.APIKey,
			BaseURL:    cfg.Agent.ChatBaseURL,
			Model:      cfg.Agent.ChatModel,
			Prompt:     cfg.Agent.ChatPrompt,
			HTTPClient: httpClient,
		})
	}
	return agent.NewMagec(client, cfg.Agent.App, cfg.Agent.User)
}

func newTranscriber(cfg *config.Config, client *api.Client) (stt.Transcriber, func(), error) {
	if cfg.STT.Engine == "whisper" {
		w, err := stt.NewWhisper(cfg.STT.WhisperModel, stt.WhisperOptions{
			Language: cfg.STT.Language,
			Threads:  cfg.STT.Threads,
		})
		if err != nil {
			return nil, nil, err
		}
		log.Debug("Loaded whisper", "model", cfg.STT.WhisperModel)
		return w, func() { w.Close() }, nil
	}
	return stt.NewRemote(client, cfg.STT.Model, cfg.STT.Language), func() {}, nil
}

func newSynth(cfg *config.Config, client *api.Client, out *audio.Speaker) orchestrator.Synthesizer {
	switch cfg.TTS.Engine {
	case "none":
		return nil
	case "espeak":
		return espeak.New(cfg.TTS.Language)
	default:
		return tts.NewRemote(client, out)
	}
}

func newChannel(cfg *config.Config, tokens *api.Tokens) orchestrator.Channel {
	url, err := protocol.EventsURL(cfg.Server)
	if err != nil {
		log.Warn("Invalid voice events url", "server", cfg.Server, "err", err)
		return nil
	}

	dialer, err := proxy.NewWSDialer(cfg.Proxy)
	if err != nil {
		log.Warn("Failed to set up websocket proxy", "proxy", cfg.Proxy, "err", err)
		dialer = nil
	}

	return protocol.NewClient(protocol.Config{
		URL:        url,
		HeaderFunc: tokens.Header,
		Dialer:     dialer,
	})
}

func newSounds(cfg *config.Config, out *audio.Speaker) *notify.Sounds {
	s := notify.NewSounds(out, cfg.Audio.Volume)
	if cfg.Audio.WakeSound != "" {
		if err := s.LoadWakeFile(cfg.Audio.WakeSound); err != nil {
			log.Warn("Failed to load wake sound, using chime", "path", cfg.Audio.WakeSound, "err", err)
		}
	}
	return s
}

func logTransitions() func(orchestrator.Snapshot) {
	var mu sync.Mutex
	last := orchestrator.Idle
	return func(s orchestrator.Snapshot) {
		mu.Lock()
		defer mu.Unlock()

		if s.State == last {
			return
		}
		log.Debug("State", "from", last, "to", s.State)
		last = s.State
	}
}
