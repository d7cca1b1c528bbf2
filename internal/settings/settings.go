// Package settings persists per-agent user preferences.
package settings

import (
	"encoding/json"
	"errors"
	log "log/slog"
	"slices"
	"sync"

	"hark/internal/storage"
)

const (
	storagePrefix = "settings"

	DefaultWakeWordModel = "oye-magec"
)

type Settings struct {
	TTS struct {
		Enabled bool `json:"enabled"`
	} `json:"tts"`
	WakeWord struct {
		Enabled bool   `json:"enabled"`
		Model   string `json:"model"`
	} `json:"wakeWord"`
	Spokesperson struct {
		AgentID string `json:"agentId"`
	} `json:"spokesperson"`
}

func Defaults() Settings {
	var s Settings
	s.TTS.Enabled = true
	s.WakeWord.Enabled = true
	s.WakeWord.Model = DefaultWakeWordModel
	return s
}

// Store is keyed by agent id; an empty id uses the global key.
type Store struct {
	mu          sync.Mutex
	store       storage.Store
	agentID     string
	cur         Settings
	validModels []string
}

func NewStore(store storage.Store, agentID string) *Store {
	s := &Store{store: store, agentID: agentID}
	s.cur = s.load()
	return s
}

func (s *Store) AgentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentID
}

// SwitchAgent reloads the settings stored for agentID. The valid wake-word
// set is kept and re-applied.
func (s *Store) SwitchAgent(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.agentID = agentID
	s.cur = s.load()
	if s.validate() {
		s.save()
	}
}

func (s *Store) Get() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// Save replaces the whole record.
func (s *Store) Save(v Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cur = v
	s.validate()
	s.save()
}

// SetValidWakeWordModels records the model ids the server accepts. A stored
// model outside the set is replaced by the first valid one and persisted.
func (s *Store) SetValidWakeWordModels(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.validModels = append([]string(nil), ids...)
	if s.validate() {
		s.save()
	}
}

func (s *Store) TTSEnabled() bool      { return s.Get().TTS.Enabled }
func (s *Store) WakeWordEnabled() bool { return s.Get().WakeWord.Enabled }
func (s *Store) WakeWordModel() string { return s.Get().WakeWord.Model }
func (s *Store) Spokesperson() string  { return s.Get().Spokesperson.AgentID }

func (s *Store) SetTTSEnabled(v bool) {
	s.update(func(c *Settings) { c.TTS.Enabled = v })
}

func (s *Store) SetWakeWordEnabled(v bool) {
	s.update(func(c *Settings) { c.WakeWord.Enabled = v })
}

func (s *Store) SetWakeWordModel(id string) {
	s.update(func(c *Settings) { c.WakeWord.Model = id })
}

func (s *Store) SetSpokesperson(agentID string) {
	s.update(func(c *Settings) { c.Spokesperson.AgentID = agentID })
}

func (s *Store) update(fn func(*Settings)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn(&s.cur)
	s.save()
}

// validate reports whether the wake-word model had to be corrected.
func (s *Store) validate() bool {
	if s.validModels == nil {
		return false
	}
	if slices.Contains(s.validModels, s.cur.WakeWord.Model) {
		return false
	}

	fixed := DefaultWakeWordModel
	if len(s.validModels) > 0 {
		fixed = s.validModels[0]
	}
	if fixed == s.cur.WakeWord.Model {
		return false
	}

	log.Info("Correcting wake word model", "from", s.cur.WakeWord.Model, "to", fixed)
	s.cur.WakeWord.Model = fixed
	return true
}

func (s *Store) key() string {
	if s.agentID == "" {
		return storagePrefix
	}
	return storagePrefix + "_" + s.agentID
}

// load decodes the stored blob over a copy of the defaults, so keys missing
// from an older record keep their default value.
func (s *Store) load() Settings {
	out := Defaults()

	data, err := s.store.Get(s.key())
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Debug("Failed to load settings", "key", s.key(), "err", err)
		}
		return out
	}

	if err := json.Unmarshal(data, &out); err != nil {
		log.Debug("Discarding corrupt settings", "key", s.key(), "err", err)
		return Defaults()
	}
	return out
}

func (s *Store) save() {
	data, err := json.Marshal(s.cur)
	if err != nil {
		log.Debug("Failed to encode settings", "err", err)
		return
	}
	if err := s.store.Set(s.key(), data); err != nil {
		log.Debug("Failed to persist settings", "key", s.key(), "err", err)
	}
}
