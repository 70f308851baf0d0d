package executor

import (
	"context"
	"sync"

	"github.com/flowmesh/conductor/runtime/collaborator/sessionapi"
)

// SessionClient is the slice of the sessionapi client the adapter and
// watcher need; *sessionapi.Client satisfies it.
type SessionClient interface {
	CreateSession(ctx context.Context, agent string) (string, error)
	Reply(ctx context.Context, sessionID, role, content string) (string, error)
	Messages(ctx context.Context, sessionID, after string) ([]sessionapi.Message, error)
}

// Adapter implements SessionAdapter over the remote session service,
// pooling one session per agent with an idle/busy flag so a session
// holds at most one running task at a time.
type Adapter struct {
	client SessionClient

	mu       sync.Mutex
	byAgent  map[string]string // agent -> session id
	busy     map[string]bool   // session id -> busy
}

// NewAdapter builds an Adapter over client.
func NewAdapter(client SessionClient) *Adapter {
	return &Adapter{
		client:  client,
		byAgent: make(map[string]string),
		busy:    make(map[string]bool),
	}
}

// EnsureSession implements SessionAdapter.
func (a *Adapter) EnsureSession(ctx context.Context, agent string) (string, error) {
	a.mu.Lock()
	if id, ok := a.byAgent[agent]; ok {
		a.mu.Unlock()
		return id, nil
	}
	a.mu.Unlock()

	id, err := a.client.CreateSession(ctx, agent)
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	// Another goroutine may have won the create race; keep the first.
	if existing, ok := a.byAgent[agent]; ok {
		return existing, nil
	}
	a.byAgent[agent] = id
	return id, nil
}

// IsIdle implements SessionAdapter.
func (a *Adapter) IsIdle(sessionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.busy[sessionID]
}

// MarkBusy implements SessionAdapter.
func (a *Adapter) MarkBusy(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.busy[sessionID] = true
}

// MarkIdle implements SessionAdapter.
func (a *Adapter) MarkIdle(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.busy, sessionID)
}

// Send implements SessionAdapter.
func (a *Adapter) Send(ctx context.Context, sessionID, content string) error {
	_, err := a.client.Reply(ctx, sessionID, "user", content)
	return err
}

// PollWatcher implements Watcher by polling each watched session's
// messages endpoint with a per-session cursor, returning only assistant
// messages that arrived since the previous poll. Cursors outlive
// Unwatch so a re-watched session (a resumed waiting task) does not
// replay directives it already emitted.
type PollWatcher struct {
	client SessionClient

	mu      sync.Mutex
	watched map[string]bool
	cursor  map[string]string // session id -> last consumed message id
}

// NewPollWatcher builds a PollWatcher over client.
func NewPollWatcher(client SessionClient) *PollWatcher {
	return &PollWatcher{
		client:  client,
		watched: make(map[string]bool),
		cursor:  make(map[string]string),
	}
}

// Watch implements Watcher.
func (w *PollWatcher) Watch(sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watched[sessionID] = true
}

// Unwatch implements Watcher.
func (w *PollWatcher) Unwatch(sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.watched, sessionID)
}

// Poll implements Watcher.
func (w *PollWatcher) Poll(ctx context.Context) (map[string][]string, error) {
	w.mu.Lock()
	ids := make([]string, 0, len(w.watched))
	for id := range w.watched {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	out := make(map[string][]string)
	for _, id := range ids {
		w.mu.Lock()
		after := w.cursor[id]
		w.mu.Unlock()

		messages, err := w.client.Messages(ctx, id, after)
		if err != nil {
			return nil, err
		}
		if len(messages) == 0 {
			continue
		}
		var contents []string
		last := after
		for _, m := range messages {
			last = m.ID
			if m.Role == "assistant" {
				contents = append(contents, m.Content)
			}
		}
		w.mu.Lock()
		w.cursor[id] = last
		w.mu.Unlock()
		if len(contents) > 0 {
			out[id] = contents
		}
	}
	return out, nil
}
