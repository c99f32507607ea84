// Package events provides a publish/subscribe bus for call lifecycle
// events. The dispatcher publishes; the metrics collector and the bridge
// server subscribe. Publish on a nil *Bus is a no-op.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceEngine identifies events from the chat dispatcher.
	SourceEngine = "engine"
	// SourceBridge identifies events from the WebSocket bridge server.
	SourceBridge = "bridge"
)

// Kind constants describe the type of event within a source.
const (
	// KindCallStart signals an accepted call whose adapter is starting.
	// Data: call_id, provider, model, mode.
	KindCallStart = "call_start"
	// KindCallEnd signals the terminal OnEnd of a call.
	// Data: call_id, provider, model, mode, outcome, fragments,
	// input_tokens, output_tokens, duration_ms, error.
	KindCallEnd = "call_end"
	// KindCallRejected signals a call refused before any I/O.
	// Data: provider, reason, error.
	KindCallRejected = "call_rejected"

	// KindSessionOpen and KindSessionClose track bridge WebSocket clients.
	// Data: session_id, remote.
	KindSessionOpen  = "session_open"
	KindSessionClose = "session_close"
)

// Event is a single operational event.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus. Slow subscribers miss events
// rather than blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only view handed to subscribers back
	// to the channel stored in subs.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers, dropping it for any
// subscriber whose buffer is full. A zero Timestamp is set to now.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel receiving published events. Callers must
// Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
