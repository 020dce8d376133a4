package events

import (
	"sync"
	"sync/atomic"
)

// EventBus is a channel-based pub-sub bus for chain lifecycle events.
// The runner publishes; the TUI, metrics and CLI progress output consume through
// topic subscriptions or SubscribeAll. Publishing never blocks: a full
// subscriber misses the event and the drop is counted.
type EventBus struct {
	mu      sync.RWMutex
	subs    map[string][]chan Event // topic -> subscriber channels
	allSubs []chan Event            // channels subscribed to all topics
	closed  bool
	dropped atomic.Uint64
}

var _ Publisher = (*EventBus)(nil)

// DefaultBufferSize is used when a subscription asks for no buffer.
const DefaultBufferSize = 256

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		subs: make(map[string][]chan Event),
	}
}

// Subscribe returns a channel receiving events published to topic.
// bufSize <= 0 uses DefaultBufferSize.
func (b *EventBus) Subscribe(topic string, bufSize int) <-chan Event {
	return b.subscribe(bufSize, func(ch chan Event) {
		b.subs[topic] = append(b.subs[topic], ch)
	})
}

// SubscribeAll returns a channel receiving events from every topic.
// bufSize <= 0 uses DefaultBufferSize.
func (b *EventBus) SubscribeAll(bufSize int) <-chan Event {
	return b.subscribe(bufSize, func(ch chan Event) {
		b.allSubs = append(b.allSubs, ch)
	})
}

func (b *EventBus) subscribe(bufSize int, register func(chan Event)) <-chan Event {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	// Subscribing to a closed bus yields a closed channel
	if b.closed {
		close(ch)
		return ch
	}
	register(ch)
	return ch
}

// Publish delivers event to the topic's subscribers and to every SubscribeAll channel.
// Publishing on a closed bus is a no-op.
func (b *EventBus) Publish(topic string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	b.deliver(b.subs[topic], event)
	b.deliver(b.allSubs, event)
}

func (b *EventBus) deliver(chans []chan Event, event Event) {
	for _, ch := range chans {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *EventBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel. Safe to call more than once.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, chans := range b.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
	for _, ch := range b.allSubs {
		close(ch)
	}
}

// Recorder is a Publisher that keeps every event in memory, in publish order.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Publish(topic string, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the event type of each recorded event, optionally filtered by task id.
func (r *Recorder) Types(taskID string) []string {
	var out []string
	for _, e := range r.Events() {
		if taskID == "" || e.TaskID() == taskID {
			out = append(out, e.EventType())
		}
	}
	return out
}

// Fanout publishes to every non-nil Publisher.
type Fanout []Publisher

func (f Fanout) Publish(topic string, event Event) {
	for _, p := range f {
		if p != nil {
			p.Publish(topic, event)
		}
	}
}
