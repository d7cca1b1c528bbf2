// Package session keeps the rotating conversation-session identifier and the
// local history of recently minted sessions.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	log "log/slog"
	"math/rand/v2"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"hark/internal/storage"
)

const (
	StorageKey = "sessions"
	idPrefix   = "session_"

	DefaultRotateAfter = 30 * time.Minute
	DefaultMaxStored   = 50
)

type Session struct {
	ID        string
	CreatedAt time.Time
}

type Config struct {
	RotateAfter time.Duration
	MaxStored   int
	Now         func() time.Time
}

type entry struct {
	ID        string `json:"id"`
	CreatedAt int64  `json:"createdAt"`
}

type record struct {
	Sessions                []entry `json:"sessions"`
	CurrentSessionID        string  `json:"currentSessionId,omitempty"`
	CurrentSessionCreatedAt int64   `json:"currentSessionCreatedAt,omitempty"`
}

type Registry struct {
	mu      sync.Mutex
	store   storage.Store
	cfg     Config
	current Session
	history []entry
	lastMs  int64
	timer   *time.Timer
	closed  bool
	subs    []func(Session)
}

func NewRegistry(store storage.Store, cfg Config) *Registry {
	if cfg.RotateAfter <= 0 {
		cfg.RotateAfter = DefaultRotateAfter
	}
	if cfg.MaxStored <= 0 {
		cfg.MaxStored = DefaultMaxStored
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Registry{store: store, cfg: cfg}
}

// Subscribe registers fn to be called after every rotation. Callbacks run
// outside the registry lock, in registration order.
func (r *Registry) Subscribe(fn func(Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, fn)
}

// Init resumes the stored session when it is younger than the rotation
// window, otherwise it mints a new one.
func (r *Registry) Init() Session {
	r.mu.Lock()

	rec := r.load()
	r.history = rec.Sessions
	for _, e := range rec.Sessions {
		if e.CreatedAt > r.lastMs {
			r.lastMs = e.CreatedAt
		}
	}

	if rec.CurrentSessionID != "" && rec.CurrentSessionCreatedAt > 0 {
		created := time.UnixMilli(rec.CurrentSessionCreatedAt)
		age := r.cfg.Now().Sub(created)

		if age >= 0 && age < r.cfg.RotateAfter {
			r.current = Session{ID: rec.CurrentSessionID, CreatedAt: created}
			if ms := ParseTimestamp(rec.CurrentSessionID); ms > r.lastMs {
				r.lastMs = ms
			}
			r.schedule(r.cfg.RotateAfter - age)
			cur := r.current
			r.mu.Unlock()

			log.Debug("Resumed session", "id", cur.ID, "age", age.Round(time.Second))
			return cur
		}
	}

	r.mu.Unlock()
	return r.New()
}

// New mints a fresh session, persists it, restarts the rotation timer and
// notifies subscribers.
func (r *Registry) New() Session {
	r.mu.Lock()

	ms := r.cfg.Now().UnixMilli()
	if ms <= r.lastMs {
		ms = r.lastMs + 1
	}
	r.lastMs = ms

	s := Session{ID: newID(ms), CreatedAt: time.UnixMilli(ms)}
	r.current = s

	r.history = append([]entry{{ID: s.ID, CreatedAt: ms}}, r.history...)
	if len(r.history) > r.cfg.MaxStored {
		r.history = r.history[:r.cfg.MaxStored]
	}
	r.save()
	r.schedule(r.cfg.RotateAfter)

	subs := slices.Clone(r.subs)
	r.mu.Unlock()

	log.Info("New session", "id", s.ID)

	for _, fn := range subs {
		fn(s)
	}
	return s
}

func (r *Registry) Current() Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// SetCurrent points the registry at an existing (remote) session without
// recording it in the local history.
func (r *Registry) SetCurrent(id string) Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Session{ID: id}
	if ms := ParseTimestamp(id); ms > 0 {
		s.CreatedAt = time.UnixMilli(ms)
	} else if e, ok := r.lookup(id); ok {
		s.CreatedAt = time.UnixMilli(e.CreatedAt)
	}
	r.current = s
	return s
}

// History returns the locally minted sessions, most recent first.
func (r *Registry) History() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Session, 0, len(r.history))
	for _, e := range r.history {
		out = append(out, Session{ID: e.ID, CreatedAt: time.UnixMilli(e.CreatedAt)})
	}
	return out
}

// CreatedAt recovers the creation time of id from the encoded timestamp, then
// from local history. Zero when neither knows it.
func (r *Registry) CreatedAt(id string) time.Time {
	if ms := ParseTimestamp(id); ms > 0 {
		return time.UnixMilli(ms)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.lookup(id); ok {
		return time.UnixMilli(e.CreatedAt)
	}
	return time.Time{}
}

func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *Registry) lookup(id string) (entry, bool) {
	for _, e := range r.history {
		if e.ID == id {
			return e, true
		}
	}
	return entry{}, false
}

func (r *Registry) schedule(d time.Duration) {
	if r.closed {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	if d <= 0 {
		d = r.cfg.RotateAfter
	}

	r.timer = time.AfterFunc(d, func() {
		r.mu.Lock()
		closed := r.closed
		r.mu.Unlock()
		if closed {
			return
		}

		log.Info("Session expired, rotating")
		r.New()
	})
}

func (r *Registry) load() record {
	var rec record

	data, err := r.store.Get(StorageKey)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Debug("Failed to load sessions", "err", err)
		}
		return rec
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		log.Debug("Discarding corrupt session registry", "err", err)
		return record{}
	}
	return rec
}

func (r *Registry) save() {
	rec := record{
		Sessions:                r.history,
		CurrentSessionID:        r.current.ID,
		CurrentSessionCreatedAt: r.current.CreatedAt.UnixMilli(),
	}

	data, err := json.Marshal(rec)
	if err != nil {
		log.Debug("Failed to encode sessions", "err", err)
		return
	}
	if err := r.store.Set(StorageKey, data); err != nil {
		log.Debug("Failed to persist sessions", "err", err)
	}
}

// 36^6
const randSpace = 2176782336

func newID(ms int64) string {
	suffix := strconv.FormatInt(rand.Int64N(randSpace), 36)
	suffix = strings.Repeat("0", 6-len(suffix)) + suffix
	return fmt.Sprintf("%s%s_%s", idPrefix, strconv.FormatInt(ms, 36), suffix)
}

// ParseTimestamp returns the creation time in unix milliseconds encoded in a
// session id, or 0 when id does not carry one.
func ParseTimestamp(id string) int64 {
	parts := strings.Split(id, "_")
	if len(parts) < 2 {
		return 0
	}
	ms, err := strconv.ParseInt(parts[1], 36, 64)
	if err != nil || ms <= 0 {
		return 0
	}
	return ms
}
