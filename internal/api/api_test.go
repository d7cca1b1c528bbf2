package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"hark/internal/storage"
)

func newTestClient(t *testing.T, h http.HandlerFunc, token string) (*Client, *storage.Memory) {
	t.Helper()

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	store := storage.NewMemory()
	c, err := New(Config{ServerURL: srv.URL}, NewTokens(store, token))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c, store
}

func TestClientInfo(t *testing.T) {
	t.Run("sends bearer token", func(t *testing.T) {
		var auth, path string
		c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			auth = r.Header.Get("Authorization")
			path = r.URL.Path
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"paired":true,"name":"kitchen","defaultAgent":"magec","allowedAgents":[{"id":"magec","name":"Magec","type":"agent"}]}`))
		}, "tok")

		info, err := c.ClientInfo(context.Background())
		if err != nil {
			t.Fatalf("client info: %v", err)
		}
		if auth != "Bearer tok" {
			t.Errorf("expected bearer token, got %q", auth)
		}
		if path != "/api/v1/client/info" {
			t.Errorf("unexpected path %q", path)
		}
		if !info.Paired || info.DefaultAgent != "magec" {
			t.Errorf("unexpected info: %+v", info)
		}
		if _, ok := info.Agent("magec"); !ok {
			t.Error("expected magec among allowed agents")
		}
	})

	t.Run("environment key is not forwarded", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "sk-should-not-leak")

		var auth string
		c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			auth = r.Header.Get("Authorization")
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"paired":false}`))
		}, "")

		if _, err := c.ClientInfo(context.Background()); err != nil {
			t.Fatalf("client info: %v", err)
		}
		if auth != "" {
			t.Errorf("expected no Authorization header, got %q", auth)
		}
	})

	t.Run("unauthorized clears token", func(t *testing.T) {
		c, store := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"unauthorized"}`))
		}, "stale")

		_, err := c.ClientInfo(context.Background())
		if err == nil {
			t.Fatal("expected error")
		}
		if StatusCode(err) != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", StatusCode(err))
		}
		if c.Tokens().Token() != "" {
			t.Error("expected token cleared")
		}
		if _, err := store.Get(TokenKey); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected stored token removed, got %v", err)
		}
	})
}

func TestPair(t *testing.T) {
	c, store := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Header.Get("Authorization") == "Bearer good" {
			w.Write([]byte(`{"paired":true}`))
			return
		}
		w.Write([]byte(`{"paired":false}`))
	}, "")

	if _, err := c.Pair(context.Background(), "bad"); err == nil {
		t.Error("expected pairing with a bad token to fail")
	}
	if c.Tokens().Token() != "" {
		t.Error("expected rejected token to be cleared")
	}

	if _, err := c.Pair(context.Background(), "good"); err != nil {
		t.Fatalf("pair: %v", err)
	}
	raw, err := store.Get(TokenKey)
	if err != nil || string(raw) != "good" {
		t.Errorf("expected token persisted, got %q (%v)", raw, err)
	}

	reloaded := NewTokens(store, "")
	if reloaded.Token() != "good" {
		t.Errorf("expected token to survive reload, got %q", reloaded.Token())
	}
}

func TestBaseURL(t *testing.T) {
	got, err := BaseURL("https://magec.local:8443/")
	if err != nil {
		t.Fatalf("base url: %v", err)
	}
	if got != "https://magec.local:8443/api/v1/" {
		t.Errorf("unexpected base url %q", got)
	}
	if _, err := BaseURL("ws://x"); err == nil {
		t.Error("expected error for ws scheme")
	}
}
