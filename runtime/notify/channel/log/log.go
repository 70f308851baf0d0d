// Package log implements notify.Channel as a structured log line,
// the simplest of the three §4.11 channel kinds.
package log

import (
	"context"

	"github.com/flowmesh/conductor/internal/telemetry"
	"github.com/flowmesh/conductor/runtime/notify"
)

// Channel writes each Event as a structured log line.
type Channel struct {
	Logger telemetry.Logger
}

var _ notify.Channel = Channel{}

// Send implements notify.Channel.
func (c Channel) Send(ctx context.Context, e notify.Event) error {
	c.Logger.Info(ctx, "notify",
		"agent", e.Agent, "kind", e.Kind, "run_id", e.RunID, "task_id", e.TaskID, "title", e.Title)
	return nil
}
