package api

import (
	"errors"
	log "log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/openai/openai-go/v3/option"

	"hark/internal/storage"
)

const TokenKey = "client_token"

// Tokens holds the pairing token and persists it across restarts.
type Tokens struct {
	mu    sync.RWMutex
	store storage.Store
	token string
}

// NewTokens loads the stored token. A non-empty override replaces it.
func NewTokens(store storage.Store, override string) *Tokens {
	t := &Tokens{store: store}

	if override != "" {
		t.Set(override)
		return t
	}

	raw, err := store.Get(TokenKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		log.Debug("Failed to load client token", "err", err)
	default:
		t.token = strings.TrimSpace(string(raw))
	}
	return t
}

func (t *Tokens) Token() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.token
}

func (t *Tokens) Set(token string) {
	t.mu.Lock()
	t.token = token
	t.mu.Unlock()

	if err := t.store.Set(TokenKey, []byte(token)); err != nil {
		log.Debug("Failed to save client token", "err", err)
	}
}

func (t *Tokens) Clear() {
	t.mu.Lock()
	t.token = ""
	t.mu.Unlock()

	if err := t.store.Delete(TokenKey); err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.Debug("Failed to delete client token", "err", err)
	}
}

// Header returns the auth header for clients outside the API client, such as
// the websocket dialer.
func (t *Tokens) Header() http.Header {
	h := http.Header{}
	if tok := t.Token(); tok != "" {
		h.Set("Authorization", "Bearer "+tok)
	}
	return h
}

// middleware attaches the current token to every request and strips any
// Authorization the SDK picked up from the environment.
func (t *Tokens) middleware(req *http.Request, next option.MiddlewareNext) (*http.Response, error) {
	if tok := t.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	} else {
		req.Header.Del("Authorization")
	}
	return next(req)
}
