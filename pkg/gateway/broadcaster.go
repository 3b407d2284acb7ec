package gateway

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/conduit/pkg/events"
)

// EventBroadcaster pushes events to every authenticated client.
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
	seq     atomic.Int64
}

// NewEventBroadcaster creates a new event broadcaster
func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{clients: clients, logger: logger}
}

// Broadcast sends a gateway-originated event.
func (b *EventBroadcaster) Broadcast(event string, stream StreamType, data interface{}) {
	b.send(EventMessage{
		Type:      "event",
		Event:     event,
		Stream:    stream,
		Seq:       b.seq.Add(1),
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
}

// Forward relays one engine event. It runs on the engine's publishing
// goroutine and never blocks: clients with a full queue are disconnected.
func (b *EventBroadcaster) Forward(evt events.Event) {
	b.send(EventMessage{
		Type:      "event",
		Event:     string(evt.Kind),
		Stream:    streamFor(evt.Kind),
		Seq:       b.seq.Add(1),
		Data:      evt,
		Timestamp: evt.Timestamp.UnixMilli(),
	})
}

func (b *EventBroadcaster) send(msg EventMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().Err(err).Str("event", msg.Event).Int64("seq", msg.Seq).Msg("Failed to marshal event")
		return
	}

	for _, client := range b.clients.Authenticated() {
		if !client.enqueue(data) {
			b.logger.Warn().
				Str("client_id", client.ID).
				Str("event", msg.Event).
				Int64("seq", msg.Seq).
				Msg("Client cannot keep up, disconnecting")
			client.Close()
		}
	}
}

func streamFor(kind events.Kind) StreamType {
	switch kind {
	case events.KindStreamChunk, events.KindStreamStatus:
		return StreamTypeAssistant
	case events.KindToolCall:
		return StreamTypeTool
	default:
		return StreamTypeLifecycle
	}
}
