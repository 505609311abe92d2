package daemon

import (
	"context"
	"errors"

	"github.com/harun/lunar/internal/tracing"
	"github.com/harun/lunar/pkg/agent"
	"github.com/harun/lunar/pkg/channels"
)

// dispatch runs one agent turn for an inbound channel message. Capabilities
// attached to the message are visible to this turn only.
func (d *Daemon) dispatch(ctx context.Context, msg channels.InboundMessage) (channels.Reply, error) {
	if tracing.GetTraceID(ctx) == "" {
		ctx = tracing.WithTraceID(ctx, tracing.NewTraceID())
	}
	logger := tracing.LoggerFromContext(ctx, d.logger.Component("dispatch")).With().
		Str("channel", msg.Channel).
		Str("conversation", msg.ConversationKey).
		Logger()

	res, err := d.core.Runner.Run(ctx, agent.Turn{
		ConversationKey: msg.ConversationKey,
		Input:           msg.Text,
		Tools:           d.core.Tools.With(msg.Capabilities...),
	})

	switch res.Outcome {
	case agent.OutcomeBusy:
		if err == nil {
			err = agent.ErrBusy
		}
		return channels.Reply{}, err
	case agent.OutcomeReply:
		return channels.Reply{Text: res.Text, Deliver: true}, nil
	case agent.OutcomeFailed:
		logger.Error().Err(err).Msg("Turn failed")
		return channels.Reply{Text: res.Text, Deliver: res.Text != ""}, nil
	case agent.OutcomeSuppressed, agent.OutcomeStopped:
		logger.Debug().Str("outcome", string(res.Outcome)).Msg("Nothing to deliver")
		return channels.Reply{}, nil
	}

	if err != nil && !errors.Is(err, agent.ErrBusy) {
		return channels.Reply{}, err
	}
	return channels.Reply{}, nil
}
