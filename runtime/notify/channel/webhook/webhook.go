// Package webhook implements notify.Channel as an HTTP POST of the
// event's JSON body to a configured URL (§6.1 Notifier back-ends).
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/flowmesh/conductor/runtime/notify"
)

// Channel posts every Event as a JSON body to URL.
type Channel struct {
	URL    string
	Client *http.Client
}

var _ notify.Channel = (*Channel)(nil)

// New builds a webhook Channel.
func New(url string) *Channel {
	return &Channel{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

// Send implements notify.Channel.
func (c *Channel) Send(ctx context.Context, e notify.Event) error {
	body, err := json.Marshal(map[string]any{
		"agent":   e.Agent,
		"event":   e.Kind,
		"run_id":  e.RunID,
		"task_id": e.TaskID,
		"title":   e.Title,
		"payload": e.Payload,
	})
	if err != nil {
		return fmt.Errorf("webhook: marshal event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: unexpected status %d", resp.StatusCode)
	}
	return nil
}
