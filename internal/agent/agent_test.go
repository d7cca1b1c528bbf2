package agent

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"hark/internal/api"
	"hark/internal/storage"
)

func TestExtractResponses(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{
			name: "array keeps order",
			raw:  `[{"content":{"role":"model","parts":[{"text":"one"}]}},{"content":{"role":"model","parts":[{"text":"two"},{"text":"ignored"}]}}]`,
			want: []string{"one", "two"},
		},
		{
			name: "single envelope",
			raw:  `{"content":{"parts":[{"text":"solo"}]}}`,
			want: []string{"solo"},
		},
		{
			name: "events without text are skipped",
			raw:  `[{"author":"tool"},{"content":{"parts":[]}},{"content":{"parts":[{"text":""}]}},{"content":{"parts":[{"text":"kept"}]}}]`,
			want: []string{"kept"},
		},
		{
			name: "empty array",
			raw:  `[]`,
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractResponses(json.RawMessage(tt.raw))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}

	if _, err := ExtractResponses(json.RawMessage(`not json`)); err == nil {
		t.Error("expected error for invalid json")
	}
}

func TestSessionMessages(t *testing.T) {
	s := &Session{Events: []Event{
		{Content: &Content{Role: "user", Parts: []Part{{Text: "hola"}}}},
		{Content: &Content{Role: "model", Parts: []Part{{Text: "<!--MAGEC_META:{\"a\":1}:MAGEC_META-->\n  buenas"}}}},
		{Author: "tool"},
	}}

	msgs := s.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0] != (Message{Role: RoleUser, Text: "hola"}) {
		t.Errorf("unexpected first message: %+v", msgs[0])
	}
	if msgs[1] != (Message{Role: RoleAgent, Text: "buenas"}) {
		t.Errorf("unexpected second message: %+v", msgs[1])
	}
}

func TestPreview(t *testing.T) {
	long := strings.Repeat("a", 60)
	tests := []struct {
		name string
		s    *Session
		want string
	}{
		{"empty", &Session{}, "Empty conversation"},
		{"nil", nil, "Empty conversation"},
		{"agent only", &Session{Events: []Event{{Content: &Content{Role: "model", Parts: []Part{{Text: "hi"}}}}}}, "Conversation"},
		{"short user", &Session{Events: []Event{{Content: &Content{Role: "user", Parts: []Part{{Text: "hi"}}}}}}, "hi"},
		{"long user", &Session{Events: []Event{{Content: &Content{Role: "user", Parts: []Part{{Text: long}}}}}}, strings.Repeat("a", 50) + "..."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.s.Preview(); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestResolveSpokesperson(t *testing.T) {
	info := api.ClientInfo{AllowedAgents: []api.FlowMember{
		{ID: "solo", Type: "agent"},
		{ID: "crew", Type: "flow", Agents: []api.FlowMember{
			{ID: "planner"},
			{ID: "voice1", ResponseAgent: true},
			{ID: "voice2", ResponseAgent: true},
		}},
		{ID: "quiet", Type: "flow", Agents: []api.FlowMember{{ID: "first"}, {ID: "second"}}},
		{ID: "hollow", Type: "flow"},
	}}

	tests := []struct {
		name, agent, saved, want string
	}{
		{"plain agent", "solo", "voice1", ""},
		{"unknown agent", "ghost", "", ""},
		{"saved response agent", "crew", "voice2", "voice2"},
		{"saved non-response agent", "crew", "planner", "voice1"},
		{"nothing saved", "crew", "", "voice1"},
		{"no response agents", "quiet", "", "first"},
		{"empty flow", "hollow", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolveSpokesperson(info, tt.agent, tt.saved); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}

	if n := len(SpokespersonCandidates(info, "quiet")); n != 2 {
		t.Errorf("expected all members as candidates, got %d", n)
	}
	if n := len(SpokespersonCandidates(info, "crew")); n != 2 {
		t.Errorf("expected response agents as candidates, got %d", n)
	}
}

type recorded struct {
	method, path, body string
}

func newMagec(t *testing.T, h func(w http.ResponseWriter, r *http.Request)) (*Magec, func() []recorded) {
	t.Helper()

	var mu sync.Mutex
	var calls []recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		calls = append(calls, recorded{r.Method, r.URL.Path, string(body)})
		mu.Unlock()
		h(w, r)
	}))
	t.Cleanup(srv.Close)

	c, err := api.New(api.Config{ServerURL: srv.URL}, api.NewTokens(storage.NewMemory(), ""))
	if err != nil {
		t.Fatalf("api client: %v", err)
	}

	return NewMagec(c, "", ""), func() []recorded {
		mu.Lock()
		defer mu.Unlock()
		return append([]recorded(nil), calls...)
	}
}

func TestMagecSend(t *testing.T) {
	m, calls := newMagec(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodGet:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":"not found"}`))
		case r.URL.Path == "/api/v1/agent/run":
			w.Write([]byte(`[{"content":{"role":"model","parts":[{"text":"first"}]}},{"content":{"role":"model","parts":[{"text":"second"}]}}]`))
		default:
			w.Write([]byte(`{}`))
		}
	})
	m.SetAgent("magec")

	got, err := m.Send(context.Background(), "session_abc", "hola")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if strings.Join(got, "|") != "first|second" {
		t.Errorf("expected [first second], got %v", got)
	}

	rs := calls()
	if len(rs) != 3 {
		t.Fatalf("expected get, create and run, got %+v", rs)
	}
	sessionPath := "/api/v1/agent/apps/magec/users/default_user/sessions/session_abc"
	if rs[0].method != http.MethodGet || rs[0].path != sessionPath {
		t.Errorf("unexpected lookup: %+v", rs[0])
	}
	if rs[1].method != http.MethodPost || rs[1].path != sessionPath {
		t.Errorf("unexpected create: %+v", rs[1])
	}

	var req runRequest
	if err := json.Unmarshal([]byte(rs[2].body), &req); err != nil {
		t.Fatalf("decode run body: %v", err)
	}
	if req.AppName != "magec" || req.UserID != "default_user" || req.SessionID != "session_abc" {
		t.Errorf("unexpected run request: %+v", req)
	}
	if req.NewMessage.Role != "user" || req.NewMessage.Text() != "hola" {
		t.Errorf("unexpected new message: %+v", req.NewMessage)
	}
}

func TestMagecSendFailure(t *testing.T) {
	m, _ := newMagec(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/api/v1/agent/run" {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"error":"boom"}`))
			return
		}
		w.Write([]byte(`{"id":"x","events":[]}`))
	})

	_, err := m.Send(context.Background(), "s", "hola")
	if err == nil {
		t.Fatal("expected error")
	}
	if api.StatusCode(err) != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", api.StatusCode(err))
	}
}

func TestMagecSessions(t *testing.T) {
	m, calls := newMagec(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		case strings.HasSuffix(r.URL.Path, "/sessions"):
			w.Write([]byte(`[{"id":"session_a"},{"id":"session_b"}]`))
		default:
			w.Write([]byte(`{"id":"session_a","events":[{"content":{"role":"user","parts":[{"text":"qué hora es"}]}}]}`))
		}
	})

	list, err := m.ListSessions(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[1].ID != "session_b" {
		t.Errorf("unexpected list: %+v", list)
	}

	s, err := m.GetSession(context.Background(), "session_a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if s.Preview() != "qué hora es" {
		t.Errorf("unexpected preview %q", s.Preview())
	}

	if err := m.DeleteSession(context.Background(), "session_a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	last := calls()[len(calls())-1]
	if last.method != http.MethodDelete || !strings.HasSuffix(last.path, "/sessions/session_a") {
		t.Errorf("unexpected delete call: %+v", last)
	}
}

func TestChat(t *testing.T) {
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(body))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"gpt-5-nano","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"son las tres"}}]}`))
	}))
	defer srv.Close()

	c := NewChat(ChatConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1/"})

	got, err := c.Send(context.Background(), "s1", "qué hora es")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(got) != 1 || got[0] != "son las tres" {
		t.Errorf("unexpected reply %v", got)
	}

	if _, err := c.Send(context.Background(), "s1", "gracias"); err != nil {
		t.Fatalf("second send: %v", err)
	}
	if !strings.Contains(bodies[1], "son las tres") {
		t.Error("expected history in the second request")
	}

	s, err := c.GetSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if msgs := s.Messages(); len(msgs) != 4 || msgs[1].Role != RoleAgent {
		t.Errorf("unexpected messages %+v", msgs)
	}

	c.DeleteSession(context.Background(), "s1")
	if list, _ := c.ListSessions(context.Background()); len(list) != 0 {
		t.Errorf("expected no sessions, got %+v", list)
	}
}
