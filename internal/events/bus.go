package events

import (
	"sync"
	"time"
)

// EventType names a queue entry lifecycle transition.
type EventType string

const (
	EventEntryEnqueued   EventType = "entry_enqueued"
	EventEntryProcessing EventType = "entry_processing"
	EventEntryCompleted  EventType = "entry_completed"
	EventEntryConflict   EventType = "entry_conflict"
	EventEntryRequeued   EventType = "entry_requeued"
	EventEntryFailed     EventType = "entry_failed"
	EventEntryCancelled  EventType = "entry_cancelled"
	EventEntryCleared    EventType = "entry_cleared"
	// EventSessionClosed is published for sessions closed by the janitor or a client.
	EventSessionClosed EventType = "session_closed"
)

// AllEventTypes lists every type the queue publishes.
var AllEventTypes = []EventType{
	EventEntryEnqueued,
	EventEntryProcessing,
	EventEntryCompleted,
	EventEntryConflict,
	EventEntryRequeued,
	EventEntryFailed,
	EventEntryCancelled,
	EventEntryCleared,
	EventSessionClosed,
}

// Event describes one transition. Detail carries the commit id on completion
// and the error or conflict summary otherwise.
type Event struct {
	Type         EventType `json:"type"`
	Timestamp    time.Time `json:"timestamp"`
	EntryID      string    `json:"entry_id,omitempty"`
	AgentID      string    `json:"agent_id,omitempty"`
	SessionID    string    `json:"session_id,omitempty"`
	TargetBranch string    `json:"target_branch,omitempty"`
	Attempts     int       `json:"attempts,omitempty"`
	Detail       string    `json:"detail,omitempty"`
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// Bus is a non-blocking event bus using Publish/Subscribe pattern.
// Events are delivered asynchronously via buffered channels.
// If a subscriber's channel is full, the event is dropped for that subscriber.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
	closed      bool
}

// NewBus creates a new event bus with the specified buffer size per subscriber.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers fn for eventType and returns an unsubscribe function.
// fn runs on a dedicated goroutine; a panic in fn is recovered.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			func() {
				defer func() { recover() }()
				fn(event)
			}()
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

// SubscribeAll registers fn for every type in AllEventTypes.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	unsubs := make([]func(), 0, len(AllEventTypes))
	for _, t := range AllEventTypes {
		unsubs = append(unsubs, b.Subscribe(t, fn))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Publish delivers ev to subscribers of ev.Type without blocking.
// A zero Timestamp is set to now.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[ev.Type] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close closes all subscriber channels and clears subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
	b.closed = true
}
