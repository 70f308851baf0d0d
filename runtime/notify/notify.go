// Package notify fans out lifecycle events to per-agent channels
// asynchronously, grounded on the teacher's runtime/agent/stream
// Sink/Event split: a narrow Channel interface (Send) that
// transports implement, and a Notifier that owns a bounded queue
// drained by a background goroutine so a slow or unreachable channel
// never blocks the scheduler (§4.11, §5).
package notify

import (
	"context"
	"time"

	"github.com/flowmesh/conductor/internal/retry"
	"github.com/flowmesh/conductor/internal/telemetry"
)

// Event is one lifecycle notification. Payload carries event-specific
// fields (e.g. error text, question, summary).
type Event struct {
	Agent   string
	Kind    string
	RunID   string
	TaskID  string
	Title   string
	Payload map[string]any
}

// Channel delivers Events to a transport (log line, webhook POST, chat
// message). Implementations must be safe for concurrent use; the
// Notifier only ever calls Send from its single background goroutine,
// but a Channel may be shared across Notifiers in tests.
type Channel interface {
	Send(ctx context.Context, e Event) error
}

// Resolver picks the Channel an Event is delivered to, implementing
// the binding precedence from §4.11: explicit agent binding, per-agent
// config, wildcard binding, wildcard config.
type Resolver interface {
	Resolve(agent string) Channel
}

// MapResolver is the straightforward Resolver backing Conductor's
// config-driven channel bindings.
type MapResolver struct {
	Bindings map[string]Channel
	Wildcard Channel
}

// Resolve implements Resolver.
func (m MapResolver) Resolve(agent string) Channel {
	if c, ok := m.Bindings[agent]; ok {
		return c
	}
	return m.Wildcard
}

// Notifier is the asynchronous fan-out described in §4.11: Send
// enqueues onto a bounded channel; a background goroutine drains it
// and delivers with bounded retry. A full queue drops the event and
// logs a warning rather than blocking the caller.
type Notifier struct {
	resolver Resolver
	logger   telemetry.Logger
	retry    retry.Config

	queue chan Event
	done  chan struct{}
}

// New builds a Notifier with the given queue depth. Start must be
// called to begin draining.
func New(resolver Resolver, logger telemetry.Logger, queueDepth int) *Notifier {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = 2 // one retry, per §4.11 default
	cfg.InitialBackoff = 3 * time.Second
	return &Notifier{
		resolver: resolver,
		logger:   logger,
		retry:    cfg,
		queue:    make(chan Event, queueDepth),
		done:     make(chan struct{}),
	}
}

// Start launches the background drain goroutine. It returns
// immediately; call Close to stop it.
func (n *Notifier) Start(ctx context.Context) {
	go n.run(ctx)
}

func (n *Notifier) run(ctx context.Context) {
	defer close(n.done)
	for {
		select {
		case <-ctx.Done():
			n.drainRemaining(ctx)
			return
		case e, ok := <-n.queue:
			if !ok {
				return
			}
			n.deliver(ctx, e)
		}
	}
}

func (n *Notifier) drainRemaining(ctx context.Context) {
	for {
		select {
		case e, ok := <-n.queue:
			if !ok {
				return
			}
			n.deliver(ctx, e)
		default:
			return
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, e Event) {
	ch := n.resolver.Resolve(e.Agent)
	if ch == nil {
		return
	}
	err := retry.Do(ctx, n.retry, func(ctx context.Context) error {
		return ch.Send(ctx, e)
	})
	if err != nil && n.logger != nil {
		n.logger.Warn(ctx, "notify delivery failed", "agent", e.Agent, "kind", e.Kind, "run_id", e.RunID, "error", err.Error())
	}
}

// Send enqueues e for asynchronous delivery. If the queue is full the
// event is dropped and a warning logged; Send never blocks.
func (n *Notifier) Send(ctx context.Context, e Event) {
	select {
	case n.queue <- e:
	default:
		if n.logger != nil {
			n.logger.Warn(ctx, "notify queue overflow, dropping event", "agent", e.Agent, "kind", e.Kind, "run_id", e.RunID)
		}
	}
}

// Close stops accepting new events and flushes the queue within
// timeout.
func (n *Notifier) Close(timeout time.Duration) {
	close(n.queue)
	select {
	case <-n.done:
	case <-time.After(timeout):
	}
}
