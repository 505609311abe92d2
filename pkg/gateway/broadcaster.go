package gateway

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// EventBroadcaster delivers events to connected clients.
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
	seq     uint64
}

// NewEventBroadcaster creates a new event broadcaster
func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		clients: clients,
		logger:  logger,
	}
}

// Broadcast sends an event to every connected client.
func (b *EventBroadcaster) Broadcast(event string, data interface{}) {
	msg := b.stamp(EventMessage{Event: event, Data: data})
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().Err(err).Str("event", event).Msg("Failed to marshal event")
		return
	}

	clients := b.clients.GetAll()
	if len(clients) == 0 {
		b.logger.Debug().Str("event", event).Msg("No clients to broadcast to")
		return
	}

	failed := 0
	for _, client := range clients {
		if err := client.WriteMessage(websocket.TextMessage, payload); err != nil {
			b.logger.Warn().Err(err).Str("clientId", client.ID).Str("event", event).Msg("Failed to broadcast to client")
			failed++
		}
	}

	b.logger.Debug().
		Str("event", event).
		Int64("seq", msg.Seq).
		Int("clients", len(clients)).
		Int("failed", failed).
		Msg("Event broadcast complete")
}

// Send delivers an event to one client.
func (b *EventBroadcaster) Send(client *Client, msg EventMessage) error {
	return client.WriteJSON(b.stamp(msg))
}

func (b *EventBroadcaster) stamp(msg EventMessage) EventMessage {
	msg.Type = "event"
	if msg.Seq == 0 {
		msg.Seq = int64(atomic.AddUint64(&b.seq, 1))
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	return msg
}
