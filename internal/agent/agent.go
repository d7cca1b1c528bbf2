// Package agent dispatches conversational turns to an agent backend and
// manages the backend side of sessions.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"hark/internal/api"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

type Message struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// Backend is a conversation service that keeps sessions by id.
type Backend interface {
	SetAgent(id string)
	CreateSession(ctx context.Context, id string) error
	Send(ctx context.Context, sessionID, text string) ([]string, error)
	ListSessions(ctx context.Context) ([]SessionInfo, error)
	GetSession(ctx context.Context, id string) (*Session, error)
	DeleteSession(ctx context.Context, id string) error
}

type Part struct {
	Text string `json:"text,omitempty"`
}

type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts,omitempty"`
}

// Text is the first part's text, which is all a voice client renders.
func (c *Content) Text() string {
	if c == nil || len(c.Parts) == 0 {
		return ""
	}
	return c.Parts[0].Text
}

type Event struct {
	Author  string   `json:"author,omitempty"`
	Content *Content `json:"content,omitempty"`
}

type SessionInfo struct {
	ID string `json:"id"`
}

type Session struct {
	ID     string  `json:"id"`
	Events []Event `json:"events"`
}

var metaRe = regexp.MustCompile(`(?s)<!--MAGEC_META:.*?:MAGEC_META-->\n?`)

// StripMarkers removes embedded metadata comments from agent text.
func StripMarkers(text string) string {
	return strings.TrimLeft(metaRe.ReplaceAllString(text, ""), " \t\r\n")
}

// Messages lists the session's renderable messages in order.
func (s *Session) Messages() []Message {
	if s == nil {
		return nil
	}

	var out []Message
	for _, ev := range s.Events {
		if ev.Content == nil || ev.Content.Role == "" || ev.Content.Text() == "" {
			continue
		}
		role := RoleAgent
		if ev.Content.Role == string(RoleUser) {
			role = RoleUser
		}
		out = append(out, Message{Role: role, Text: StripMarkers(ev.Content.Text())})
	}
	return out
}

const previewLen = 50

// Preview summarises a session by its first user message.
func (s *Session) Preview() string {
	msgs := s.Messages()
	if len(msgs) == 0 {
		return "Empty conversation"
	}
	for _, m := range msgs {
		if m.Role != RoleUser {
			continue
		}
		if utf8.RuneCountInString(m.Text) > previewLen {
			return string([]rune(m.Text)[:previewLen]) + "..."
		}
		return m.Text
	}
	return "Conversation"
}

// ExtractResponses pulls the text segments out of a run reply, which is
// either a list of events or a single event.
func ExtractResponses(raw json.RawMessage) ([]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, errors.New("empty agent response")
	}

	var events []Event
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &events); err != nil {
			return nil, fmt.Errorf("decode agent events: %w", err)
		}
	} else {
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("decode agent event: %w", err)
		}
		events = []Event{ev}
	}

	var out []string
	for _, ev := range events {
		if t := ev.Content.Text(); t != "" {
			out = append(out, t)
		}
	}
	return out, nil
}

// ResolveSpokesperson picks the voice of a flow: the saved choice if it is
// still a response agent, else the first response agent, else the first
// member. Plain agents have no spokesperson.
func ResolveSpokesperson(info api.ClientInfo, agentID, saved string) string {
	current, ok := info.Agent(agentID)
	if !ok || current.Type != "flow" {
		return ""
	}

	var candidates []api.FlowMember
	for _, a := range current.Agents {
		if a.ResponseAgent {
			candidates = append(candidates, a)
		}
	}

	for _, a := range candidates {
		if a.ID == saved && saved != "" {
			return saved
		}
	}
	if len(candidates) > 0 {
		return candidates[0].ID
	}
	if len(current.Agents) > 0 {
		return current.Agents[0].ID
	}
	return ""
}

// SpokespersonCandidates lists the agents that may speak for a flow.
func SpokespersonCandidates(info api.ClientInfo, agentID string) []api.FlowMember {
	current, ok := info.Agent(agentID)
	if !ok || current.Type != "flow" {
		return nil
	}

	var resp []api.FlowMember
	for _, a := range current.Agents {
		if a.ResponseAgent {
			resp = append(resp, a)
		}
	}
	if len(resp) > 0 {
		return resp
	}
	return current.Agents
}
