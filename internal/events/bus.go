// Package events provides a lightweight in-process pub/sub bus for
// scheduler lifecycle events. Subscribers receive events on buffered
// channels; slow subscribers drop events rather than block the
// scheduler hot path.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// EventType identifies the kind of scheduler event.
type EventType string

const (
	EventTaskSubmitted        EventType = "task_submitted"
	EventTaskCompleted        EventType = "task_completed"
	EventTaskFailed           EventType = "task_failed"
	EventTaskRejected         EventType = "task_rejected"
	EventCacheHit             EventType = "cache_hit"
	EventBackendRegistered    EventType = "backend_registered"
	EventBackendUnregistered  EventType = "backend_unregistered"
	EventBackendHealthChanged EventType = "backend_health_changed"
	EventSchedulerStarted     EventType = "scheduler_started"
	EventSchedulerStopped     EventType = "scheduler_stopped"
)

// Event is a single scheduler event. Fields other than Type and
// Timestamp are populated depending on the event type.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	TaskID   string `json:"task_id,omitempty"`
	TaskType string `json:"task_type,omitempty"`
	Priority string `json:"priority,omitempty"`
	ModelID  string `json:"model_id,omitempty"`

	LatencyMs  float64 `json:"latency_ms,omitempty"`
	CostUSD    float64 `json:"cost_usd,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`

	ErrorClass string `json:"error_class,omitempty"`
	ErrorMsg   string `json:"error_msg,omitempty"`

	// Health transitions.
	OldState string `json:"old_state,omitempty"`
	NewState string `json:"new_state,omitempty"`

	Reason string `json:"reason,omitempty"`
}

// JSON renders the event for SSE streaming and log sinks.
func (e Event) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Subscriber receives events on C until unsubscribed.
type Subscriber struct {
	C    chan Event
	done chan struct{}
}

// Done is closed when the subscriber is removed from the bus.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Bus fans events out to all current subscribers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[*Subscriber]struct{})}
}

// Subscribe registers a new subscriber with the given channel buffer
// size. A non-positive size gets a default of 64.
func (b *Bus) Subscribe(bufSize int) *Subscriber {
	if bufSize <= 0 {
		bufSize = 64
	}
	sub := &Subscriber{
		C:    make(chan Event, bufSize),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes the subscriber and closes its done channel.
// Safe to call more than once.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	_, ok := b.subscribers[sub]
	if ok {
		delete(b.subscribers, sub)
	}
	b.mu.Unlock()
	if ok {
		close(sub.done)
	}
}

// Publish delivers the event to every subscriber that has buffer
// space. Subscribers whose channels are full miss the event. The
// timestamp is stamped here if the caller left it zero.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subscribers {
		select {
		case sub.C <- e:
		default:
			// Slow subscriber, drop.
		}
	}
}

// SubscriberCount reports the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
