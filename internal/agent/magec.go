package agent

import (
	"context"
	"encoding/json"
	"fmt"
	log "log/slog"
	"net/url"
	"sync"

	"hark/internal/api"
)

const (
	DefaultApp  = "default"
	DefaultUser = "default_user"
)

// Magec talks to the assistant server's agent runtime.
type Magec struct {
	api  *api.Client
	user string

	mu  sync.RWMutex
	app string
}

func NewMagec(c *api.Client, app, user string) *Magec {
	if app == "" {
		app = DefaultApp
	}
	if user == "" {
		user = DefaultUser
	}
	return &Magec{api: c, app: app, user: user}
}

func (m *Magec) SetAgent(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.app = id
}

func (m *Magec) App() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.app
}

func (m *Magec) sessionsPath() string {
	return fmt.Sprintf("agent/apps/%s/users/%s/sessions", url.PathEscape(m.App()), url.PathEscape(m.user))
}

func (m *Magec) sessionPath(id string) string {
	return m.sessionsPath() + "/" + url.PathEscape(id)
}

// CreateSession is idempotent on the server side.
func (m *Magec) CreateSession(ctx context.Context, id string) error {
	if err := m.api.Post(ctx, m.sessionPath(id), map[string]any{}, nil); err != nil {
		return fmt.Errorf("create session %s: %w", id, err)
	}
	return nil
}

func (m *Magec) EnsureSession(ctx context.Context, id string) error {
	if _, err := m.GetSession(ctx, id); err == nil {
		return nil
	}
	return m.CreateSession(ctx, id)
}

type runRequest struct {
	AppName    string  `json:"appName"`
	UserID     string  `json:"userId"`
	SessionID  string  `json:"sessionId"`
	NewMessage Content `json:"newMessage"`
}

func (m *Magec) Send(ctx context.Context, sessionID, text string) ([]string, error) {
	if err := m.EnsureSession(ctx, sessionID); err != nil {
		log.Warn("Failed to ensure session", "session", sessionID, "err", err)
	}

	req := runRequest{
		AppName:   m.App(),
		UserID:    m.user,
		SessionID: sessionID,
		NewMessage: Content{
			Role:  string(RoleUser),
			Parts: []Part{{Text: text}},
		},
	}

	var raw json.RawMessage
	if err := m.api.Post(ctx, "agent/run", req, &raw); err != nil {
		return nil, fmt.Errorf("agent run: %w", err)
	}

	return ExtractResponses(raw)
}

func (m *Magec) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	var list []SessionInfo
	if err := m.api.Get(ctx, m.sessionsPath(), &list); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return list, nil
}

func (m *Magec) GetSession(ctx context.Context, id string) (*Session, error) {
	var s Session
	if err := m.api.Get(ctx, m.sessionPath(id), &s); err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return &s, nil
}

func (m *Magec) DeleteSession(ctx context.Context, id string) error {
	if err := m.api.Delete(ctx, m.sessionPath(id)); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}
