// Package sessionapi is a thin HTTP/JSON client for the remote agent
// session service (§6.1), grounded on the teacher's runtime/a2a/httpclient
// remote-agent client: a small endpoint-addressed struct, options for
// headers/bearer tokens, and outbound calls wrapped in internal/retry
// (mirroring runtime/a2a/retry) rather than the teacher's JSON-RPC
// envelope, since the session service is plain REST.
package sessionapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/flowmesh/conductor/internal/errkind"
	"github.com/flowmesh/conductor/internal/retry"
)

// Message is one turn of a session's conversation, per the GET
// /sessions/{id}/messages response shape.
type Message struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Option configures the Client.
type Option func(*Client)

// Client implements the three SessionAPI endpoints described in §6.1:
// create a session, reply to it, and poll its messages.
type Client struct {
	baseURL string
	http    *http.Client
	headers http.Header
	limiter *rate.Limiter
	retry   retry.Config
}

// WithHTTPClient overrides the underlying *http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithBearerToken sets the Authorization header sent with every request.
func WithBearerToken(token string) Option {
	return func(cl *Client) {
		if token != "" {
			cl.headers.Set("Authorization", "Bearer "+token)
		}
	}
}

// WithRateLimit bounds outbound call pacing to rps requests/second with
// the given burst.
func WithRateLimit(rps float64, burst int) Option {
	return func(cl *Client) { cl.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// WithRetry overrides the default retry policy.
func WithRetry(cfg retry.Config) Option {
	return func(cl *Client) { cl.retry = cfg }
}

// New builds a Client against baseURL (e.g. OPENCLAW_API_BASE_URL).
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errkind.New(errkind.Validation, "sessionapi.New", fmt.Errorf("base URL is required"))
	}
	cl := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		headers: make(http.Header),
		limiter: rate.NewLimiter(rate.Limit(10), 10),
		retry:   retry.DefaultConfig(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cl)
		}
	}
	cl.headers.Set("Content-Type", "application/json")
	return cl, nil
}

// CreateSession implements POST /sessions {agent} -> {session_id}.
func (c *Client) CreateSession(ctx context.Context, agent string) (string, error) {
	var out struct {
		SessionID string `json:"session_id"`
	}
	body := map[string]string{"agent": agent}
	if err := c.doJSON(ctx, http.MethodPost, "/sessions", body, &out); err != nil {
		return "", err
	}
	return out.SessionID, nil
}

// Reply implements POST /sessions/{id}/reply {role, content} -> {message_id}.
func (c *Client) Reply(ctx context.Context, sessionID, role, content string) (string, error) {
	var out struct {
		MessageID string `json:"message_id"`
	}
	body := map[string]string{"role": role, "content": content}
	path := fmt.Sprintf("/sessions/%s/reply", url.PathEscape(sessionID))
	if err := c.doJSON(ctx, http.MethodPost, path, body, &out); err != nil {
		return "", err
	}
	return out.MessageID, nil
}

// Messages implements GET /sessions/{id}/messages[?after=…] -> {messages:[…]}.
// after is the last message id already consumed; pass "" for the full
// history. Message ids are stable and monotonically increasing, so
// polling with after is safe to repeat.
func (c *Client) Messages(ctx context.Context, sessionID, after string) ([]Message, error) {
	var out struct {
		Messages []Message `json:"messages"`
	}
	path := fmt.Sprintf("/sessions/%s/messages", url.PathEscape(sessionID))
	if after != "" {
		path += "?after=" + url.QueryEscape(after)
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errkind.New(errkind.Validation, "sessionapi.doJSON", err)
		}
		payload = b
	}
	return retry.Do(ctx, c.retry, func(ctx context.Context) error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		for k, vs := range c.headers {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &retry.HTTPStatusError{StatusCode: resp.StatusCode, Message: string(data)}
		}
		if out == nil || len(data) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return errkind.New(errkind.Validation, "sessionapi.doJSON", err)
		}
		return nil
	})
}
