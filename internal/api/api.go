// Package api is the shared client for the assistant server's REST surface.
// Every call goes through one openai-go client so retries, errors and auth
// behave the same everywhere.
package api

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"net/http"
	"net/url"
	"strings"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const apiPrefix = "/api/v1/"

type Config struct {
	ServerURL  string
	HTTPClient *http.Client
}

type Client struct {
	oa     openai.Client
	tokens *Tokens
}

type FlowMember struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Type          string       `json:"type"`
	ResponseAgent bool         `json:"responseAgent,omitempty"`
	Agents        []FlowMember `json:"agents,omitempty"`
}

type ClientInfo struct {
	Paired        bool         `json:"paired"`
	Name          string       `json:"name,omitempty"`
	DefaultAgent  string       `json:"defaultAgent,omitempty"`
	AllowedAgents []FlowMember `json:"allowedAgents,omitempty"`
}

// Agent looks up id among the allowed agents.
func (ci ClientInfo) Agent(id string) (FlowMember, bool) {
	for _, a := range ci.AllowedAgents {
		if a.ID == id {
			return a, true
		}
	}
	return FlowMember{}, false
}

func BaseURL(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + apiPrefix
	return u.String(), nil
}

func New(cfg Config, tokens *Tokens) (*Client, error) {
	base, err := BaseURL(cfg.ServerURL)
	if err != nil {
		return nil, err
	}

	opts := []option.RequestOption{
		option.WithBaseURL(base),
		option.WithMaxRetries(0),
		option.WithMiddleware(tokens.middleware),
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	return &Client{
		oa:     openai.NewClient(opts...),
		tokens: tokens,
	}, nil
}

func (c *Client) Tokens() *Tokens { return c.tokens }

func (c *Client) Get(ctx context.Context, path string, res any, opts ...option.RequestOption) error {
	return c.oa.Get(ctx, path, nil, res, opts...)
}

func (c *Client) Post(ctx context.Context, path string, body, res any, opts ...option.RequestOption) error {
	return c.oa.Post(ctx, path, body, res, opts...)
}

func (c *Client) Delete(ctx context.Context, path string, opts ...option.RequestOption) error {
	return c.oa.Delete(ctx, path, nil, nil, opts...)
}

// ClientInfo reports the pairing state of the current token. A 401 means the
// token was revoked, so it is forgotten.
func (c *Client) ClientInfo(ctx context.Context) (ClientInfo, error) {
	var info ClientInfo
	err := c.Get(ctx, "client/info", &info)
	if err != nil {
		if StatusCode(err) == http.StatusUnauthorized {
			log.Warn("Client token rejected, clearing")
			c.tokens.Clear()
		}
		return ClientInfo{}, fmt.Errorf("client info: %w", err)
	}
	return info, nil
}

// Pair stores token and keeps it only if the server confirms the pairing.
func (c *Client) Pair(ctx context.Context, token string) (ClientInfo, error) {
	c.tokens.Set(token)

	info, err := c.ClientInfo(ctx)
	if err != nil {
		c.tokens.Clear()
		return ClientInfo{}, err
	}
	if !info.Paired {
		c.tokens.Clear()
		return info, errors.New("pairing rejected")
	}
	return info, nil
}

// StatusCode extracts the HTTP status from an API error, or 0.
func StatusCode(err error) int {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
