// Package chat implements notify.Channel as a bot message posted to a
// Discord-like chat channel (§6.1), using github.com/slack-go/slack as
// the concrete chat backend per the retrieval pack's chat-posting
// convention.
package chat

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/flowmesh/conductor/runtime/notify"
)

// Poster is the subset of the slack client the channel depends on, so
// tests can substitute a fake.
type Poster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Channel posts a formatted summary line of each Event to ChannelID.
type Channel struct {
	Poster    Poster
	ChannelID string
}

var _ notify.Channel = Channel{}

// New builds a chat Channel from a bot token and target channel id.
func New(botToken, channelID string) Channel {
	return Channel{Poster: slack.New(botToken), ChannelID: channelID}
}

// Send implements notify.Channel.
func (c Channel) Send(ctx context.Context, e notify.Event) error {
	text := fmt.Sprintf("[%s] %s — run %s", e.Kind, e.Title, e.RunID)
	if e.TaskID != "" {
		text += fmt.Sprintf(" (task %s)", e.TaskID)
	}
	_, _, err := c.Poster.PostMessageContext(ctx, c.ChannelID, slack.MsgOptionText(text, false))
	return err
}
