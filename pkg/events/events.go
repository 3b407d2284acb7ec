// Package events carries the push notifications the core sends to the UI
// boundary: stream chunks, stream terminal states, tool-call status changes
// execution status changes and agent card updates.
//
// Handlers run synchronously on the publishing goroutine, so events from a
// single producer reach every handler in publish order. Handlers must not
// block and must not publish recursively.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kind identifies an event type.
type Kind string

const (
	KindStreamChunk  Kind = "stream.chunk"
	KindStreamStatus Kind = "stream.status"
	KindToolCall     Kind = "tool.status"
	KindExecution    Kind = "execution.status"
	KindAgent        Kind = "agent.status"
)

// Event is one notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind        Kind      `json:"kind"`
	Seq         int64     `json:"seq"`
	Timestamp   time.Time `json:"timestamp"`
	StreamID    string    `json:"stream_id,omitempty"`
	ExecutionID string    `json:"execution_id,omitempty"`
	ToolCallID  string    `json:"tool_call_id,omitempty"`
	MessageID   string    `json:"message_id,omitempty"`
	AgentID     string    `json:"agent_id,omitempty"`
	Role        string    `json:"role,omitempty"`
	Task        string    `json:"task,omitempty"`
	Chunk       string    `json:"chunk,omitempty"`
	Status      string    `json:"status,omitempty"`
	Error       string    `json:"error,omitempty"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	Result      string    `json:"result,omitempty"`
	DurationMs  int64     `json:"duration_ms,omitempty"`
}

// Sink receives events. Components accept a Sink rather than a *Bus.
type Sink interface {
	Publish(evt Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(evt Event)

// Publish calls f(evt).
func (f SinkFunc) Publish(evt Event) { f(evt) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// Handler is invoked for every published event it subscribed to.
type Handler func(evt Event)

type subscription struct {
	id      uint64
	kind    Kind
	handler Handler
}

// Bus fans events out to subscribers and stamps them with a sequence number.
type Bus struct {
	seq    atomic.Int64
	nextID atomic.Uint64

	mu   sync.RWMutex
	subs []subscription
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// On subscribes handler to events of kind. An empty kind subscribes to all
// events. The returned function removes the subscription.
func (b *Bus) On(kind Kind, handler Handler) (unsubscribe func()) {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.subs = append(b.subs, subscription{id: id, kind: kind, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish stamps evt and delivers it synchronously.
func (b *Bus) Publish(evt Event) {
	evt.Seq = b.seq.Add(1)
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	for _, s := range subs {
		if s.kind == "" || s.kind == evt.Kind {
			s.handler(evt)
		}
	}
}
