package session

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"hark/internal/storage"
)

var idRe = regexp.MustCompile(`^session_[0-9a-z]+_[0-9a-z]{6}$`)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

type brokenStore struct{}

func (brokenStore) Get(string) ([]byte, error) { return nil, errors.New("disk on fire") }
func (brokenStore) Set(string, []byte) error  { return errors.New("disk on fire") }
func (brokenStore) Delete(string) error       { return errors.New("disk on fire") }

func TestNewID(t *testing.T) {
	ms := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC).UnixMilli()
	id := newID(ms)

	if !idRe.MatchString(id) {
		t.Fatalf("unexpected id format %q", id)
	}
	if got := ParseTimestamp(id); got != ms {
		t.Errorf("expected encoded timestamp %d, got %d", ms, got)
	}
	if ParseTimestamp("not-a-session") != 0 {
		t.Error("expected 0 for ids without a timestamp")
	}
}

func TestRegistryInit(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)}

	t.Run("mints a session when nothing is stored", func(t *testing.T) {
		store := storage.NewMemory()
		r := NewRegistry(store, Config{Now: clock.Now})
		defer r.Close()

		s := r.Init()
		if !idRe.MatchString(s.ID) {
			t.Fatalf("unexpected id %q", s.ID)
		}

		raw, err := store.Get(StorageKey)
		if err != nil {
			t.Fatal(err)
		}
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			t.Fatal(err)
		}
		if rec.CurrentSessionID != s.ID || len(rec.Sessions) != 1 {
			t.Errorf("unexpected persisted record %+v", rec)
		}
	})

	t.Run("resumes a session younger than the window", func(t *testing.T) {
		store := storage.NewMemory()
		first := NewRegistry(store, Config{Now: clock.Now})
		s := first.Init()
		first.Close()

		clock.t = clock.t.Add(10 * time.Minute)
		second := NewRegistry(store, Config{Now: clock.Now})
		defer second.Close()

		if got := second.Init(); got.ID != s.ID {
			t.Errorf("expected resumed %q, got %q", s.ID, got.ID)
		}
	})

	t.Run("rotates a session older than the window", func(t *testing.T) {
		store := storage.NewMemory()
		first := NewRegistry(store, Config{Now: clock.Now})
		s := first.Init()
		first.Close()

		clock.t = clock.t.Add(31 * time.Minute)
		second := NewRegistry(store, Config{Now: clock.Now})
		defer second.Close()

		got := second.Init()
		if got.ID == s.ID {
			t.Fatal("expected a fresh session after the window")
		}
		if len(second.History()) != 2 {
			t.Errorf("expected 2 history entries, got %d", len(second.History()))
		}
	})
}

func TestRegistryRotation(t *testing.T) {
	r := NewRegistry(storage.NewMemory(), Config{RotateAfter: 20 * time.Millisecond})
	defer r.Close()

	rotated := make(chan Session, 4)
	first := r.Init()
	r.Subscribe(func(s Session) { rotated <- s })

	select {
	case s := <-rotated:
		if s.ID == first.ID {
			t.Fatal("rotation reused the previous id")
		}
		if ParseTimestamp(s.ID) <= ParseTimestamp(first.ID) {
			t.Errorf("expected strictly greater timestamp: %s <= %s", s.ID, first.ID)
		}
		if r.Current().ID != s.ID {
			t.Errorf("current session not updated")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("rotation did not happen")
	}
}

func TestRegistryMonotonicIDs(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)}
	r := NewRegistry(storage.NewMemory(), Config{Now: clock.Now})
	defer r.Close()

	prev := r.Init()
	for i := 0; i < 5; i++ {
		next := r.New()
		if ParseTimestamp(next.ID) <= ParseTimestamp(prev.ID) {
			t.Fatalf("timestamps not increasing: %s then %s", prev.ID, next.ID)
		}
		prev = next
	}
}

func TestRegistryHistoryCap(t *testing.T) {
	r := NewRegistry(storage.NewMemory(), Config{MaxStored: 3})
	defer r.Close()

	var last Session
	for i := 0; i < 5; i++ {
		last = r.New()
	}

	h := r.History()
	if len(h) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(h))
	}
	if h[0].ID != last.ID {
		t.Errorf("expected most recent first, got %s", h[0].ID)
	}
}

func TestRegistryStorageFailure(t *testing.T) {
	r := NewRegistry(brokenStore{}, Config{})
	defer r.Close()

	s := r.Init()
	if !strings.HasPrefix(s.ID, idPrefix) {
		t.Fatalf("expected a session despite storage failure, got %q", s.ID)
	}
	if r.Current().ID != s.ID {
		t.Error("in-memory state must stay authoritative")
	}
	if r.CreatedAt(s.ID).IsZero() {
		t.Error("expected creation time recovered from id")
	}
}
