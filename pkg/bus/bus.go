// Package bus carries fleet lifecycle events to in-process observers.
// Publishing never blocks: slow subscribers drop events, so a stuck
// dashboard can never stall a tenant's event pump.
package bus

import "sync"

// Event types published by the fleet core.
const (
	EventBotConnected      = "bot.connected"
	EventBotReconnecting   = "bot.reconnecting"
	EventBotAbandoned      = "bot.abandoned"
	EventBotLoggedOut      = "bot.logged_out"
	EventBotStopped        = "bot.stopped"
	EventBotQR             = "bot.qr"
	EventMessageDispatched = "message.dispatched"
	EventMessageFallback   = "message.fallback"
)

// SystemEvent is one lifecycle or dispatch observation.
type SystemEvent struct {
	Type   string                 `json:"type"`
	Source string                 `json:"source"` // tenant id or component
	Data   map[string]interface{} `json:"data,omitempty"`
}

// Subscriber is a named tap on the event stream. Multiple subscribers
// independently receive copies of every published event.
type Subscriber struct {
	Name string
	ch   chan SystemEvent
}

// Bus fans SystemEvents out to all subscribers.
type Bus struct {
	mu        sync.RWMutex
	subs      []*Subscriber
	closed    bool
	closeOnce sync.Once
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe creates a named tap. The returned channel is buffered; events
// that cannot be delivered immediately are dropped for that subscriber.
func (b *Bus) Subscribe(name string) <-chan SystemEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &Subscriber{Name: name, ch: make(chan SystemEvent, 64)}
	b.subs = append(b.subs, sub)
	return sub.ch
}

// Publish delivers an event to every subscriber without blocking.
func (b *Bus) Publish(evt SystemEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- evt:
		default: // drop if slow
		}
	}
}

// Close closes all subscriber channels. Publish becomes a no-op.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.closed = true
		for _, sub := range b.subs {
			close(sub.ch)
		}
		b.subs = nil
	})
}
