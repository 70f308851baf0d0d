// Package temporal backs engine.Context with a Temporal workflow, used
// when ORCH_RUNTIME_BACKEND=temporal: the executor's suspend points
// become real durable-workflow signal waits, and the control plane
// delivers signals through the Temporal client instead of the local
// queue. The in-memory backend and this one share the executor
// unchanged; only the wiring in cmd selects between them.
package temporal

import (
	"context"

	"go.temporal.io/api/serviceerror"
	temporalclient "go.temporal.io/sdk/client"
	"go.temporal.io/sdk/workflow"

	"github.com/flowmesh/conductor/internal/errkind"
	"github.com/flowmesh/conductor/runtime/engine"
)

// Context adapts a workflow.Context to engine.Context.
type Context struct {
	wf workflow.Context
}

// NewContext wraps a Temporal workflow context.
func NewContext(wf workflow.Context) *Context {
	return &Context{wf: wf}
}

// SignalChannel implements engine.Context.
func (c *Context) SignalChannel(name string) engine.SignalChannel {
	return &signalChannel{wf: c.wf, ch: workflow.GetSignalChannel(c.wf, name)}
}

type signalChannel struct {
	wf workflow.Context
	ch workflow.ReceiveChannel
}

// Receive blocks on the workflow signal channel. The caller's
// context.Context is ignored: inside a workflow, cancellation flows
// through the workflow context the channel was built from.
func (s *signalChannel) Receive(_ context.Context, dest any) error {
	s.ch.Receive(s.wf, dest)
	return nil
}

func (s *signalChannel) ReceiveAsync(dest any) bool {
	return s.ch.ReceiveAsync(dest)
}

// Send is unsupported on the workflow side; signals enter a workflow
// through the Temporal client (see Signaler).
func (s *signalChannel) Send(any) {}

// Signaler delivers control signals into running workflows through the
// Temporal client, the production counterpart of the in-memory
// channel's Send.
type Signaler struct {
	client temporalclient.Client
}

// NewSignaler wraps an already-dialed Temporal client.
func NewSignaler(c temporalclient.Client) *Signaler {
	return &Signaler{client: c}
}

// Signal sends value to the named signal channel of the workflow
// identified by workflowID. A missing workflow is a validation error:
// the operator addressed a run that is not live.
func (s *Signaler) Signal(ctx context.Context, workflowID, name string, value any) error {
	err := s.client.SignalWorkflow(ctx, workflowID, "", name, value)
	if err == nil {
		return nil
	}
	if _, ok := err.(*serviceerror.NotFound); ok {
		return errkind.New(errkind.Validation, "temporal.Signal", err)
	}
	return errkind.New(errkind.Transient, "temporal.Signal", err)
}
