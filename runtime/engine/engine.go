// Package engine abstracts the suspend/resume primitive the Session
// Executor and Control Plane use to model a run waiting on an external
// signal (approve/revise/resume/cancel, or a task's own
// [TASK_WAITING]) without busy-waiting. It is deliberately narrow:
// Conductor does not need a general workflow-execution engine, only a
// portable signal-channel abstraction, so a single run's executor loop
// can be backed by an in-memory implementation in tests and a Temporal
// workflow in production without code changes.
package engine

import "context"

type (
	// Context is the per-run handle an Executor uses to obtain signal
	// channels. Implementations wrap engine-specific primitives
	// (Temporal's workflow.Context, or a plain Go map of channels) behind
	// a uniform API.
	Context interface {
		// SignalChannel returns the channel for the given signal name,
		// creating it on first use. Calling SignalChannel with the same
		// name always returns the same channel for the lifetime of the run.
		SignalChannel(name string) SignalChannel
	}

	// SignalChannel exposes signal delivery in an engine-agnostic way.
	SignalChannel interface {
		// Receive blocks until a signal value is delivered and decodes it
		// into dest, which must be a non-nil pointer.
		Receive(ctx context.Context, dest any) error
		// ReceiveAsync attempts to receive a signal without blocking. It
		// returns true when a value was written into dest.
		ReceiveAsync(dest any) bool
		// Send delivers a value to the channel. Used by the in-memory
		// engine in tests and by control-plane adapters that inject
		// signals directly rather than through a remote engine API.
		Send(value any)
	}
)

// Signal names used by the Control Plane (C9) to address a specific run.
const (
	SignalApprove = "conductor.control.approve"
	SignalRevise  = "conductor.control.revise"
	SignalResume  = "conductor.control.resume"
	SignalCancel  = "conductor.control.cancel"
)
