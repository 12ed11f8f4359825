// Package events defines the agent's event vocabulary and a
// publish/subscribe bus that carries those events to presentation
// layers (the WebSocket handler, the CLI renderer). The bus is
// nil-safe: calling Publish on a nil *Bus is a no-op, so components do
// not need guard checks.
package events

import (
	"sync"
	"time"
)

// Kind names the type of an agent event.
type Kind string

// The finite event vocabulary emitted during a turn.
const (
	// KindTurnStart opens a turn. Text: the user's message.
	KindTurnStart Kind = "turn_start"
	// KindDelta carries a streamed content fragment. Text: the fragment.
	KindDelta Kind = "delta"
	// KindModel reports the model chosen for the turn, or a fallback
	// step-down. Text: model name. Data: path, reasoning.
	KindModel Kind = "model"
	// KindToolStart precedes a tool execution. Tool: name.
	// Data: id, arguments.
	KindToolStart Kind = "tool_start"
	// KindToolResult follows a tool execution. Tool: name. Text: the
	// result handed to the model. Data: id, ok, outcome, duration_ms.
	KindToolResult Kind = "tool_result"
	// KindApprovalRequired reports a tool call waiting for a human
	// decision. Tool: name. Text: description.
	KindApprovalRequired Kind = "approval_required"
	// KindInfo is a status line (compaction, retries). Text: message.
	KindInfo Kind = "info"
	// KindSuggestion is advice for the user, such as starting a new
	// chat. Text: message.
	KindSuggestion Kind = "suggestion"
	// KindTurnDone closes a turn. Text: the final answer.
	// Data: iterations, model, elapsed_ms.
	KindTurnDone Kind = "turn_done"
)

// Kinds lists every event kind in emission order.
var Kinds = []Kind{
	KindTurnStart, KindDelta, KindModel, KindToolStart, KindToolResult,
	KindApprovalRequired, KindInfo, KindSuggestion, KindTurnDone,
}

// Event is a single agent event.
type Event struct {
	Time   time.Time      `json:"ts"`
	ChatID string         `json:"chat_id,omitempty"`
	Kind   Kind           `json:"kind"`
	Text   string         `json:"text,omitempty"`
	Tool   string         `json:"tool,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's view of the channel.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. If a subscriber's channel
// is full the event is dropped for that subscriber. Safe to call on a
// nil receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
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

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe. 64 is a reasonable buffer
// for WebSocket consumers; deltas arrive in bursts.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed.
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
