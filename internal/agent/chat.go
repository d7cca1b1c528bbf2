package agent

import (
	"context"
	"fmt"
	log "log/slog"
	"net/http"
	"sort"
	"sync"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const DefaultChatModel = openai.ChatModelGPT5Nano

const defaultPrompt = `You are a voice assistant. Your replies are read aloud.
Answer briefly and conversationally. Do not use markdown, lists or code blocks.`

type ChatConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	Prompt     string
	HTTPClient *http.Client
}

// Chat talks straight to an OpenAI compatible Chat Completions endpoint.
// Sessions only live in memory.
type Chat struct {
	client openai.Client
	model  openai.ChatModel
	prompt string

	mu       sync.Mutex
	agent    string
	sessions map[string][]Message
	order    []string
}

func NewChat(cfg ChatConfig) *Chat {
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	model := openai.ChatModel(cfg.Model)
	if model == "" {
		model = DefaultChatModel
	}
	prompt := cfg.Prompt
	if prompt == "" {
		prompt = defaultPrompt
	}

	return &Chat{
		client:   openai.NewClient(opts...),
		model:    model,
		prompt:   prompt,
		sessions: make(map[string][]Message),
	}
}

// SetAgent only labels the conversation; every agent shares one model.
func (c *Chat) SetAgent(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agent = id
}

func (c *Chat) CreateSession(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.sessions[id]; !ok {
		c.sessions[id] = nil
		c.order = append(c.order, id)
	}
	return nil
}

func (c *Chat) Send(ctx context.Context, sessionID, text string) ([]string, error) {
	c.CreateSession(ctx, sessionID)

	c.mu.Lock()
	history := append([]Message(nil), c.sessions[sessionID]...)
	c.mu.Unlock()

	msgs := []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(c.prompt)}
	for _, m := range history {
		if m.Role == RoleUser {
			msgs = append(msgs, openai.UserMessage(m.Text))
		} else {
			msgs = append(msgs, openai.AssistantMessage(m.Text))
		}
	}
	msgs = append(msgs, openai.UserMessage(text))

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: msgs,
		Model:    c.model,
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	content := resp.Choices[0].Message.Content
	log.Debug("Chat reply", "session", sessionID, "data", content)

	c.mu.Lock()
	c.sessions[sessionID] = append(c.sessions[sessionID],
		Message{Role: RoleUser, Text: text},
		Message{Role: RoleAgent, Text: content},
	)
	c.mu.Unlock()

	if content == "" {
		return nil, nil
	}
	return []string{content}, nil
}

func (c *Chat) ListSessions(context.Context) ([]SessionInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := append([]string(nil), c.order...)
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))

	out := make([]SessionInfo, 0, len(ids))
	for _, id := range ids {
		out = append(out, SessionInfo{ID: id})
	}
	return out, nil
}

func (c *Chat) GetSession(_ context.Context, id string) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	history, ok := c.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s not found", id)
	}

	s := &Session{ID: id}
	for _, m := range history {
		role := "model"
		if m.Role == RoleUser {
			role = "user"
		}
		s.Events = append(s.Events, Event{Content: &Content{Role: role, Parts: []Part{{Text: m.Text}}}})
	}
	return s, nil
}

func (c *Chat) DeleteSession(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.sessions, id)
	for i, sid := range c.order {
		if sid == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return nil
}
