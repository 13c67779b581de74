// Package chatapi is the HTTP client for the coaching backend: chat tokens, channel registration,
// AI replies and the per-user conversation memory.
package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/coachchat/pkg/chat"
)

// APIError is a non-2xx answer from the backend. Detail carries FastAPI's "detail" field when present.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("chatapi: %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("chatapi: %s %s: status %d", e.Method, e.Path, e.StatusCode)
}

type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTimeout bounds every request made by the client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

func NewClient(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, errors.New("chatapi: empty base url")
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, errors.Wrap(err, "chatapi: parse base url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("chatapi: unsupported base url scheme %q", u.Scheme)
	}
	c := &Client{baseURL: u, httpClient: &http.Client{Timeout: 30 * time.Second}}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// IssueToken asks the backend for a messaging token for userID.
func (c *Client) IssueToken(ctx context.Context, userID string) (string, error) {
	var resp tokenResponse
	q := url.Values{"user_id": {userID}}
	if err := c.do(ctx, http.MethodPost, "/chat/token/", q, nil, &resp); err != nil {
		return "", errors.Wrap(err, "failed to get chat token")
	}
	if strings.TrimSpace(resp.Token) == "" {
		return "", errors.New("failed to get chat token: empty token")
	}
	return resp.Token, nil
}

// RegisterChannel records a channel between a learner and the coach agent.
// It returns the channel id the backend reports.
func (c *Client) RegisterChannel(ctx context.Context, learnerID, coachID, channelID string) (string, error) {
	var resp channelResponse
	q := url.Values{"learner_id": {learnerID}, "coach_id": {coachID}}
	if err := c.do(ctx, http.MethodPost, "/chat/channel/", q, channelRequest{ChannelID: channelID}, &resp); err != nil {
		return "", errors.Wrap(err, "failed to register channel")
	}
	if resp.ChannelID == "" {
		return "", errors.New("failed to register channel: empty channel id")
	}
	return resp.ChannelID, nil
}

// DispatchMessage forwards a user message and returns the AI reply, which may be empty.
func (c *Client) DispatchMessage(ctx context.Context, req MessageRequest) (string, error) {
	var resp messageResponse
	if err := c.do(ctx, http.MethodPost, "/chat/message/", nil, req, &resp); err != nil {
		return "", errors.Wrap(err, "failed to get ai response")
	}
	return resp.AIResponse, nil
}

// FetchHistory returns the raw conversation entries stored for userID, in backend order.
func (c *Client) FetchHistory(ctx context.Context, userID string) ([]chat.Conversation, error) {
	var resp memoryResponse
	if err := c.do(ctx, http.MethodGet, "/memory/"+url.PathEscape(userID), nil, nil, &resp); err != nil {
		return nil, errors.Wrap(err, "failed to fetch history")
	}
	out := make([]chat.Conversation, 0, len(resp.ConversationHistory))
	for _, e := range resp.ConversationHistory {
		out = append(out, e.toConversation())
	}
	return out, nil
}

// UpsertUser creates or updates the user on the backend. Role is "learner" or "coach".
func (c *Client) UpsertUser(ctx context.Context, user chat.User, role string) error {
	req := userRequest{ID: user.ID, Name: user.DisplayName, Role: role}
	if err := c.do(ctx, http.MethodPost, "/users/", nil, req, nil); err != nil {
		return errors.Wrap(err, "failed to create user")
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "network error calling %s %s", method, path)
	}
	defer func() { _ = resp.Body.Close() }()

	log.Debug().
		Str("component", "chatapi").
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("backend request")

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return errors.Wrap(err, "read response")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Detail: detailFrom(raw)}
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}

func detailFrom(raw []byte) string {
	var body struct {
		Detail any `json:"detail"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Detail != nil {
		if s, ok := body.Detail.(string); ok {
			return s
		}
		if b, err := json.Marshal(body.Detail); err == nil {
			return string(b)
		}
	}
	return strings.TrimSpace(string(raw))
}
