// Package events is the in-process event bus. Components publish what
// they are doing (messages arriving, tasks running, reasoning steps,
// ingestion passes) and observers such as the websocket stream and the
// MQTT status publisher subscribe. A nil *Bus swallows everything, so
// publishers never need guard checks.
package events

import (
	"sync"
	"time"
)

// Sources.
const (
	SourceAgent     = "agent"
	SourceScheduler = "scheduler"
	SourceMemory    = "memory"
	SourceGateway   = "gateway"
	SourceHealth    = "health"
)

// Kinds, grouped by the source that publishes them.
const (
	// KindMessageReceived: channel_id, sender, dm, length.
	KindMessageReceived = "message_received"
	// KindMessageSent: channel_id, length, typing_ms.
	KindMessageSent = "message_sent"

	// KindPassStart: pass_id, channel_id, model.
	KindPassStart = "pass_start"
	// KindStep: pass_id, step, action, model, prompt_tokens,
	// completion_tokens.
	KindStep = "step"
	// KindToolCall: pass_id, tool, duration_ms.
	KindToolCall = "tool_call"
	// KindPassComplete: pass_id, outcome, steps, elapsed_ms.
	KindPassComplete = "pass_complete"

	// KindTaskStarted: task_id, task_name.
	KindTaskStarted = "task_started"
	// KindTaskDone: task_id, task_name, ok, duration_ms.
	KindTaskDone = "task_done"
	// KindMaintenance: ran (scan or ingest).
	KindMaintenance = "maintenance"

	// KindIngested: channels, chunks, elapsed_ms.
	KindIngested = "ingested"

	// KindServiceUp: service.
	KindServiceUp = "service_up"
	// KindServiceDown: service, error.
	KindServiceDown = "service_down"
)

// Event is a single published occurrence.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// DefaultHistory is the number of events kept for late subscribers.
const DefaultHistory = 64

// Bus broadcasts events to buffered subscriber channels. A full
// subscriber misses events; publishers never block. The last
// DefaultHistory events are kept so a new observer can catch up.
type Bus struct {
	mu         sync.RWMutex
	subs       map[chan Event]struct{}
	recvToSend map[<-chan Event]chan Event

	history []Event
	next    int
	filled  bool
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
		history:    make([]Event, DefaultHistory),
	}
}

// Emit is shorthand for publishing a timestamped event.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Publish delivers e to every subscriber that has room. A zero
// timestamp is set to now.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.Lock()
	b.history[b.next] = e
	b.next = (b.next + 1) % len(b.history)
	if b.next == 0 {
		b.filled = true
	}
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
	b.mu.Unlock()
}

// Recent returns up to n of the latest events, oldest first.
func (b *Bus) Recent(n int) []Event {
	if b == nil || n <= 0 {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.recentLocked(n)
}

// recentLocked returns up to n newest events. b.mu must be held.
func (b *Bus) recentLocked(n int) []Event {
	size := b.next
	if b.filled {
		size = len(b.history)
	}
	if n > size {
		n = size
	}
	out := make([]Event, 0, n)
	for i := size - n; i < size; i++ {
		idx := i
		if b.filled {
			idx = (b.next + i) % len(b.history)
		}
		out = append(out, b.history[idx])
	}
	return out
}

// Subscribe registers a subscriber with a buffer of bufSize. Callers
// must Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// SubscribeWithHistory subscribes and returns up to n recent events
// in one step, so every event lands either in the history or on the
// channel, never both.
func (b *Bus) SubscribeWithHistory(bufSize, n int) (<-chan Event, []Event) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	var history []Event
	if n > 0 {
		history = b.recentLocked(n)
	}
	return ch, history
}

// Unsubscribe removes and closes a subscription. Unknown channels are
// ignored.
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
