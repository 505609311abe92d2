// Package channels defines how messaging front-ends hand conversations to
// the agent and how the agent reaches people proactively.
package channels

import (
	"context"

	"github.com/harun/lunar/pkg/capability"
)

// InboundMessage is the normalized ingress payload from any channel.
type InboundMessage struct {
	Channel         string
	ConversationKey string
	Text            string
	HasAttachment   bool
	Metadata        map[string]interface{}
	// Capabilities are bound to this message only, e.g. a file the sender
	// attached or a reply path into the originating chat.
	Capabilities []capability.Capability
}

// Reply is what the runtime wants sent back for an inbound message.
// Deliver is false when the agent chose silence or was stopped.
type Reply struct {
	Text    string
	Deliver bool
}

// DispatchFunc routes an inbound channel message into the agent.
type DispatchFunc func(ctx context.Context, msg InboundMessage) (Reply, error)

// Channel is a messaging front-end (telegram, ...).
type Channel interface {
	Name() string
	Start(ctx context.Context, dispatch DispatchFunc) error
	Stop(ctx context.Context) error
}

// Transport delivers outbound messages to a channel address.
type Transport interface {
	SendText(ctx context.Context, address, text string) error
	SendFile(ctx context.Context, address, path, caption string) error
}

// Connectable is implemented by channels that can report link state.
type Connectable interface {
	Connected() bool
}
