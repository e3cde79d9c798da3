// Package events provides the in-memory broadcaster for run lifecycle and output events.
package events

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrBusClosed = errors.New("event bus is closed")
)

// EventType represents the type of event.
type EventType string

const (
	// Run lifecycle
	EventRunStatus EventType = "run.status"
	EventRunOutput EventType = "run.output"

	// Task side effects
	EventTaskUpdated EventType = "task.updated"
)

// EventSource identifies the component that emitted an event.
type EventSource string

const (
	SourceEngine  EventSource = "engine"
	SourceGateway EventSource = "gateway"
	SourceWS      EventSource = "ws"
)

// Event represents an event in the system.
type Event struct {
	ID          string         `json:"id"`
	WorkspaceID string         `json:"workspace_id,omitempty"`
	TaskID      string         `json:"task_id,omitempty"`
	Type        EventType      `json:"type"`
	Timestamp   time.Time      `json:"timestamp"`
	Source      EventSource    `json:"source"`
	Payload     map[string]any `json:"payload"`
}

// eventIDCounter is used to generate sequential event IDs.
var eventIDCounter uint64

// NewEvent creates a new event with the current timestamp.
func NewEvent(eventType EventType, source EventSource, payload map[string]any) Event {
	return Event{
		ID:        generateEventID(),
		Type:      eventType,
		Timestamp: time.Now(),
		Source:    source,
		Payload:   payload,
	}
}

func generateEventID() string {
	seq := atomic.AddUint64(&eventIDCounter, 1)
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), seq)
}

// Subscriber is a live sink registered with RegisterClient. Deliver must not
// block; an error means the sink is gone and it is removed from the bus.
type Subscriber interface {
	Deliver(Event) error
}

// Handler is a function that receives events asynchronously.
type Handler func(Event)

type subscription struct {
	id         int
	eventTypes []EventType
	handler    Handler
}

// Bus fans events out to live subscribers synchronously, in Publish order,
// and to asynchronous handlers through an ordered dispatch queue. Only output
// chunks are dropped from the queue, once bufferSize of them are pending;
// lifecycle events always reach the handlers.
type Bus struct {
	mu         sync.Mutex
	clients    map[Subscriber]struct{}
	handlers   map[int]*subscription
	nextID     int
	ringBuffer *RingBuffer
	closed     bool
	done       chan struct{}
	stopped    chan struct{}

	qmu        sync.Mutex
	queue      []Event
	outputs    int // run.output events in queue
	bufferSize int
	wake       chan struct{}
}

// NewBus creates a new event bus.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	b := &Bus{
		clients:    make(map[Subscriber]struct{}),
		handlers:   make(map[int]*subscription),
		ringBuffer: NewRingBuffer(bufferSize),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
		bufferSize: bufferSize,
		wake:       make(chan struct{}, 1),
	}
	go b.dispatch()
	return b
}

func (b *Bus) dispatch() {
	defer close(b.stopped)
	for {
		select {
		case <-b.wake:
			b.drain()
		case <-b.done:
			b.drain()
			return
		}
	}
}

// drain hands every queued event to the handlers, oldest first.
func (b *Bus) drain() {
	for {
		b.qmu.Lock()
		batch := b.queue
		b.queue = nil
		b.outputs = 0
		b.qmu.Unlock()

		if len(batch) == 0 {
			return
		}
		for _, event := range batch {
			b.notifyHandlers(event)
		}
	}
}

// enqueue appends event to the dispatch queue. Called with b.mu held.
func (b *Bus) enqueue(event Event) {
	if !b.wantedLocked(event) {
		return
	}

	b.qmu.Lock()
	if event.Type == EventRunOutput && b.outputs >= b.bufferSize {
		b.qmu.Unlock()
		slog.Warn("event handler queue full, dropping output event", "id", event.ID)
		return
	}
	b.queue = append(b.queue, event)
	if event.Type == EventRunOutput {
		b.outputs++
	}
	b.qmu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Bus) wantedLocked(event Event) bool {
	for _, sub := range b.handlers {
		if matches(sub, event) {
			return true
		}
	}
	return false
}

func (b *Bus) notifyHandlers(event Event) {
	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.handlers))
	for _, sub := range b.handlers {
		if matches(sub, event) {
			subs = append(subs, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.handler(event)
	}
}

func matches(sub *subscription, event Event) bool {
	if len(sub.eventTypes) == 0 {
		return true
	}
	for _, t := range sub.eventTypes {
		if t == event.Type {
			return true
		}
	}
	return false
}

// Publish delivers event to every registered client, dropping the ones whose
// delivery fails, then queues it for the asynchronous handlers.
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.ringBuffer.Add(event)

	for c := range b.clients {
		if err := c.Deliver(event); err != nil {
			slog.Debug("dropping subscriber", "event", event.Type, "error", err)
			delete(b.clients, c)
		}
	}

	b.enqueue(event)
}

// RegisterClient adds a live subscriber.
func (b *Bus) RegisterClient(s Subscriber) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	b.clients[s] = struct{}{}
	return nil
}

// UnregisterClient removes a live subscriber. Unknown subscribers are ignored.
func (b *Bus) UnregisterClient(s Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.clients, s)
}

// ClientCount returns the number of registered live subscribers.
func (b *Bus) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Subscribe registers an asynchronous handler for specific event types.
// Handlers run on the dispatch goroutine and must not block.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(handler Handler, eventTypes ...EventType) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	b.handlers[id] = &subscription{
		id:         id,
		eventTypes: eventTypes,
		handler:    handler,
	}

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, id)
	}
}

// SubscribeChan returns a channel that receives events.
func (b *Bus) SubscribeChan(bufSize int, eventTypes ...EventType) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	var once sync.Once
	var chMu sync.Mutex
	closed := false

	unsubscribe := b.Subscribe(func(e Event) {
		chMu.Lock()
		defer chMu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- e:
		default:
		}
	}, eventTypes...)

	return ch, func() {
		once.Do(func() {
			unsubscribe()
			chMu.Lock()
			closed = true
			close(ch)
			chMu.Unlock()
		})
	}
}

// History returns recent events from the ring buffer.
func (b *Bus) History(limit int) []Event {
	return b.ringBuffer.Get(limit)
}

// Close shuts down the event bus. Events already published are handed to the
// handlers before Close returns.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.clients = make(map[Subscriber]struct{})
	close(b.done)
	b.mu.Unlock()

	<-b.stopped
}

// RingBuffer is a circular buffer for storing recent events.
type RingBuffer struct {
	mu     sync.RWMutex
	events []Event
	size   int
	pos    int
	count  int
}

// NewRingBuffer creates a new ring buffer.
func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{
		events: make([]Event, size),
		size:   size,
	}
}

func (r *RingBuffer) Add(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events[r.pos] = event
	r.pos = (r.pos + 1) % r.size
	if r.count < r.size {
		r.count++
	}
}

// Get returns the last n events, oldest first.
func (r *RingBuffer) Get(n int) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n > r.count {
		n = r.count
	}
	if n <= 0 {
		return nil
	}

	result := make([]Event, n)
	start := (r.pos - n + r.size) % r.size
	for i := 0; i < n; i++ {
		result[i] = r.events[(start+i)%r.size]
	}
	return result
}

func (r *RingBuffer) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pos = 0
	r.count = 0
}
