package events

import (
	"sync"
	"time"

	"github.com/raulk/clock"
)

// EventType represents the type of event being published.
type EventType string

const (
	// EventTaskCreated is published when the admission gate stores a new task.
	EventTaskCreated EventType = "task_created"
	// EventDuplicateTaskPrevented is published when a submission resolves to an existing task.
	EventDuplicateTaskPrevented EventType = "duplicate_task_prevented"
	// EventLeaseIssued is published when a task is leased and delivered to a peer.
	EventLeaseIssued EventType = "lease_issued"
	// EventLeaseExpired is published by the expiration detector for every expired lease.
	EventLeaseExpired EventType = "lease_expired"
	// EventLeaseRevoked is published for every lease the revocation service revokes.
	EventLeaseRevoked EventType = "lease_revoked"
	// EventTaskRequeued is published when a task goes back to QUEUED.
	EventTaskRequeued EventType = "task_requeued"
	// EventTaskPermanentlyFailed is published when a task exhausts its retries.
	EventTaskPermanentlyFailed EventType = "task_permanently_failed"
	// EventRecoveryStarted is published when the orchestrator begins a recovery.
	EventRecoveryStarted EventType = "recovery_started"
	// EventRecoveryCompleted is published when a recovery reaches a terminal status.
	EventRecoveryCompleted EventType = "recovery_completed"
)

// AllEventTypes lists every event the services publish.
var AllEventTypes = []EventType{
	EventTaskCreated,
	EventDuplicateTaskPrevented,
	EventLeaseIssued,
	EventLeaseExpired,
	EventLeaseRevoked,
	EventTaskRequeued,
	EventTaskPermanentlyFailed,
	EventRecoveryStarted,
	EventRecoveryCompleted,
}

// Event represents a system event.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]interface{}
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// Bus is a non-blocking event bus using Publish/Subscribe pattern.
// Events are delivered asynchronously via buffered channels.
// If a subscriber's channel is full, the event is dropped silently.
type Bus struct {
	mu          sync.RWMutex
	clock       clock.Clock
	subscribers map[EventType][]chan Event
	all         []chan Event
	bufferSize  int
}

// NewBus creates a new event bus with the specified buffer size per subscriber.
func NewBus(bufferSize int, clk clock.Clock) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Bus{
		clock:       clk,
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a subscriber for a specific event type.
// The subscriber function is called asynchronously in a goroutine.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := b.start(fn)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.subscribers[eventType] = remove(b.subscribers[eventType], ch)
	}
}

// SubscribeAll registers a subscriber for every event type.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := b.start(fn)
	b.all = append(b.all, ch)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.all = remove(b.all, ch)
	}
}

func (b *Bus) start(fn Subscriber) chan Event {
	ch := make(chan Event, b.bufferSize)
	go func() {
		for event := range ch {
			func() {
				// a panicking subscriber must not take the bus down
				defer func() { _ = recover() }()
				fn(event)
			}()
		}
	}()
	return ch
}

func remove(subs []chan Event, ch chan Event) []chan Event {
	for i, subCh := range subs {
		if subCh == ch {
			close(ch)
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}

// Publish sends an event to all subscribers of the given type.
// Uses select with default to ensure non-blocking behavior.
func (b *Bus) Publish(eventType EventType, data map[string]interface{}) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{
		Type:      eventType,
		Timestamp: b.clock.Now().UTC(),
		Data:      data,
	}

	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
		}
	}
	for _, ch := range b.all {
		select {
		case ch <- event:
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
	for _, ch := range b.all {
		close(ch)
	}
	b.all = nil
}
