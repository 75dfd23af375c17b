// ABOUTME: HTTP client for the agent backend's session and run API
// ABOUTME: Covers session lifecycle, message submission, tool resolution, cancel

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/2389/relay-gateway/internal/approval"
)

var (
	// ErrConflict indicates the backend refused a message because a run is
	// already active on the session.
	ErrConflict = errors.New("run already active on session")
	// ErrNotFound indicates the backend does not know the session or run.
	ErrNotFound = errors.New("session not found")
)

// Client talks to the agent backend over HTTP.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger

	maxRetries int
	retryBase  time.Duration
	retryMax   time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. The SSE subscription
// strips any client timeout, so a timeout here only bounds unary calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetry sets the reconnect budget and backoff bounds for event streams.
func WithRetry(maxRetries int, base, max time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.retryBase = base
		c.retryMax = max
	}
}

// New creates a backend client for the given base URL and bearer token.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default().With("component", "backend-client"),
		maxRetries: 5,
		retryBase:  time.Second,
		retryMax:   30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SessionRequest carries the options for creating a backend session.
type SessionRequest struct {
	Title string `json:"title,omitempty"`
	Model string `json:"model,omitempty"`
}

// MessageRequest submits user text to a session. Type is "message" for a new
// run and "follow_up" for queued text appended to the conversation.
type MessageRequest struct {
	Content        string `json:"content"`
	Type           string `json:"type"`
	Model          string `json:"model,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// CreateSession provisions a new backend session and returns its id.
func (c *Client) CreateSession(ctx context.Context, req SessionRequest) (string, error) {
	var resp struct {
		SessionID string `json:"session_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/sessions", req, &resp); err != nil {
		return "", err
	}
	if resp.SessionID == "" {
		return "", fmt.Errorf("backend returned empty session id")
	}
	return resp.SessionID, nil
}

// DeleteSession removes a backend session.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/sessions/"+url.PathEscape(sessionID), nil, nil)
}

// SendMessage submits content to a session and returns the run id. Returns
// ErrConflict when the backend already has an active run on the session.
func (c *Client) SendMessage(ctx context.Context, sessionID string, req MessageRequest) (string, error) {
	var resp struct {
		RunID string `json:"run_id"`
	}
	path := "/v1/sessions/" + url.PathEscape(sessionID) + "/messages"
	if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return "", err
	}
	return resp.RunID, nil
}

// ResolveTools submits approval decisions for a run's proposed tool calls.
func (c *Client) ResolveTools(ctx context.Context, sessionID, runID string, decisions []approval.Decision) error {
	path := "/v1/sessions/" + url.PathEscape(sessionID) + "/runs/" + url.PathEscape(runID) + "/tools"
	body := struct {
		Decisions []approval.Decision `json:"decisions"`
	}{Decisions: decisions}
	return c.do(ctx, http.MethodPost, path, body, nil)
}

// CancelRun asks the backend to stop the active run on a session.
func (c *Client) CancelRun(ctx context.Context, sessionID string) error {
	path := "/v1/sessions/" + url.PathEscape(sessionID) + "/cancel"
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// Healthy reports whether the backend answers its health endpoint.
func (c *Client) Healthy(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/v1/health", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		io.Copy(io.Discard, resp.Body)
		return ErrConflict
	case resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return ErrNotFound
	case resp.StatusCode >= 400:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: backend returned %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(detail))
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response body: %w", err)
	}
	return nil
}
