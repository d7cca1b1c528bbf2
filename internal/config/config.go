// Package config resolves the daemon configuration. Sources apply in order:
// built-in defaults, the YAML file, the .env file, the environment and
// finally command line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	cli "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const (
	EnvServer   = "HARK_SERVER_URL"
	EnvToken    = "HARK_TOKEN"
	EnvStateDir = "HARK_STATE_DIR"
	EnvAPIKey   = "OPENAI_API_KEY"

	DefaultSocket = "/tmp/hark.sock"
)

var ErrNoServer = errors.New("config: server url required")

type Config struct {
	Server   string `yaml:"server"`
	Token    string `yaml:"-"`
	Proxy    string `yaml:"proxy"`
	Log      string `yaml:"log"`
	Socket   string `yaml:"socket"`
	StateDir string `yaml:"state_dir"`
	Storage  string `yaml:"storage"` // "file" | "sqlite" | "memory"

	Agent   AgentConfig   `yaml:"agent"`
	STT     STTConfig     `yaml:"stt"`
	TTS     TTSConfig     `yaml:"tts"`
	Audio   AudioConfig   `yaml:"audio"`
	Session SessionConfig `yaml:"session"`
}

type AgentConfig struct {
	Backend string `yaml:"backend"` // "magec" | "chat"
	ID      string `yaml:"id"`
	App     string `yaml:"app"`
	User    string `yaml:"user"`

	ChatModel   string `yaml:"chat_model"`
	ChatBaseURL string `yaml:"chat_base_url"`
	ChatPrompt  string `yaml:"chat_prompt"`
	APIKey      string `yaml:"-"`
}

type STTConfig struct {
	Engine       string `yaml:"engine"` // "remote" | "whisper"
	Model        string `yaml:"model"`
	Language     string `yaml:"language"`
	WhisperModel string `yaml:"whisper_model"`
	Threads      int    `yaml:"threads"`
}

type TTSConfig struct {
	Engine   string `yaml:"engine"` // "remote" | "espeak" | "none"
	Language string `yaml:"language"`
}

type AudioConfig struct {
	MaxRecording time.Duration `yaml:"max_recording"`
	MinBytes     int           `yaml:"min_bytes"`
	Sounds       bool          `yaml:"sounds"`
	Volume       float64       `yaml:"volume"`
	WakeSound    string        `yaml:"wake_sound"`

	Duck          bool          `yaml:"duck"`
	DuckFactor    float64       `yaml:"duck_factor"`
	DuckMinVolume int           `yaml:"duck_min_volume"`
	DuckFade      time.Duration `yaml:"duck_fade"`
}

type SessionConfig struct {
	RotateAfter time.Duration `yaml:"rotate_after"`
	MaxStored   int           `yaml:"max_stored"`
}

func Default() *Config {
	return &Config{
		Log:      "info",
		Socket:   DefaultSocket,
		StateDir: defaultStateDir(),
		Storage:  "file",
		Agent: AgentConfig{
			Backend: "magec",
		},
		STT: STTConfig{
			Engine:   "remote",
			Model:    "parakeet",
			Language: "es",
		},
		TTS: TTSConfig{
			Engine:   "remote",
			Language: "es",
		},
		Audio: AudioConfig{
			MaxRecording:  10 * time.Second,
			MinBytes:      1000,
			Sounds:        true,
			Volume:        0.3,
			Duck:          true,
			DuckFactor:    0.3,
			DuckMinVolume: 5,
			DuckFade:      300 * time.Millisecond,
		},
		Session: SessionConfig{
			RotateAfter: 30 * time.Minute,
			MaxStored:   50,
		},
	}
}

func defaultStateDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "hark")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "hark")
	}
	return filepath.Join(home, ".local", "state", "hark")
}

// Load parses args (without the program name) and resolves the result.
func Load(args []string) (*Config, error) {
	cfg := Default()

	fs := cli.NewFlagSet("hark", cli.ContinueOnError)
	cfgPath := fs.StringP("config", "c", "", "YAML config file")
	envFile := fs.StringP("env", "e", ".env", "Env file path")
	server := fs.StringP("server", "s", "", "Assistant server url")
	proxyAddr := fs.StringP("proxy", "p", "", "Socks proxy address")
	logLevel := fs.StringP("log", "l", cfg.Log, "Log level")
	socket := fs.String("socket", cfg.Socket, "Control socket path")
	stateDir := fs.String("state-dir", cfg.StateDir, "Directory for local state")
	store := fs.String("storage", cfg.Storage, "Local storage: file, sqlite or memory")
	agentID := fs.StringP("agent", "a", "", "Agent id")
	backend := fs.String("backend", cfg.Agent.Backend, "Agent backend: magec or chat")
	sttEngine := fs.String("stt", cfg.STT.Engine, "Transcriber: remote or whisper")
	whisperModel := fs.String("whisper-model", "", "Path to a ggml whisper model")
	ttsEngine := fs.String("tts", cfg.TTS.Engine, "Speech output: remote, espeak or none")
	language := fs.String("lang", cfg.STT.Language, "Speech language")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *cfgPath != "" {
		if err := cfg.readFile(*cfgPath); err != nil {
			return nil, err
		}
	}

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", *envFile, err)
		}
	}
	cfg.applyEnv()

	set := func(name string, dst *string, v string) {
		if fs.Changed(name) {
			*dst = v
		}
	}
	set("server", &cfg.Server, *server)
	set("proxy", &cfg.Proxy, *proxyAddr)
	set("log", &cfg.Log, *logLevel)
	set("socket", &cfg.Socket, *socket)
	set("state-dir", &cfg.StateDir, *stateDir)
	set("storage", &cfg.Storage, *store)
	set("agent", &cfg.Agent.ID, *agentID)
	set("backend", &cfg.Agent.Backend, *backend)
	set("stt", &cfg.STT.Engine, *sttEngine)
	set("whisper-model", &cfg.STT.WhisperModel, *whisperModel)
	set("tts", &cfg.TTS.Engine, *ttsEngine)
	if fs.Changed("lang") {
		cfg.STT.Language = *language
		cfg.TTS.Language = *language
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvServer); v != "" {
		c.Server = v
	}
	if v := os.Getenv(EnvToken); v != "" {
		c.Token = v
	}
	if v := os.Getenv(EnvStateDir); v != "" {
		c.StateDir = v
	}
	if v := os.Getenv(EnvAPIKey); v != "" {
		c.Agent.APIKey = v
	}
}

// NeedsServer reports whether any configured component talks to the
// assistant server.
func (c *Config) NeedsServer() bool {
	return c.Agent.Backend == "magec" || c.STT.Engine == "remote" || c.TTS.Engine == "remote"
}

func (c *Config) Validate() error {
	if err := oneOf("log", c.Log, "debug", "info", "warn", "error"); err != nil {
		return err
	}
	if err := oneOf("storage", c.Storage, "file", "sqlite", "memory"); err != nil {
		return err
	}
	if err := oneOf("agent backend", c.Agent.Backend, "magec", "chat"); err != nil {
		return err
	}
	if err := oneOf("stt engine", c.STT.Engine, "remote", "whisper"); err != nil {
		return err
	}
	if err := oneOf("tts engine", c.TTS.Engine, "remote", "espeak", "none"); err != nil {
		return err
	}

	if c.Server == "" && c.NeedsServer() {
		return ErrNoServer
	}
	if c.STT.Engine == "whisper" && c.STT.WhisperModel == "" {
		return errors.New("config: whisper engine needs whisper_model")
	}
	if c.Agent.Backend == "chat" && c.Agent.APIKey == "" && c.Agent.ChatBaseURL == "" {
		return fmt.Errorf("config: chat backend needs %s or chat_base_url", EnvAPIKey)
	}
	if c.Audio.Volume < 0 || c.Audio.Volume > 1 {
		return fmt.Errorf("config: volume %.2f out of range 0..1", c.Audio.Volume)
	}
	return nil
}

func oneOf(name, v string, allowed ...string) error {
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return fmt.Errorf("config: invalid %s %q (want one of %v)", name, v, allowed)
}
