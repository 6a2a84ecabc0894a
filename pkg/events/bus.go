package events

import (
	"sync"

	"agentpool/pkg/logx"
)

// Listener consumes lifecycle events. Implementations should return quickly;
// the bus delivers synchronously on the publisher's goroutine.
type Listener interface {
	HandleEvent(Event) error
}

// ListenerFunc adapts a plain function to the Listener interface.
type ListenerFunc func(Event) error

func (f ListenerFunc) HandleEvent(e Event) error {
	return f(e)
}

// Bus fans events out synchronously to every attached listener. A listener
// that returns an error or panics is logged and skipped; it never blocks or
// suppresses delivery to the remaining listeners.
type Bus struct {
	mu        sync.RWMutex
	listeners map[string]Listener
	order     []string
	logger    *logx.Logger
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		listeners: make(map[string]Listener),
		logger:    logx.NewLogger("events"),
	}
}

// Attach registers a listener under a unique name. Re-attaching a name
// replaces the previous listener.
func (b *Bus) Attach(name string, l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.listeners[name]; !exists {
		b.order = append(b.order, name)
	}
	b.listeners[name] = l
}

// Detach removes the named listener. Unknown names are a no-op.
func (b *Bus) Detach(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.listeners[name]; !exists {
		return
	}
	delete(b.listeners, name)
	for i, n := range b.order {
		if n == name {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// ListenerCount returns the number of attached listeners.
func (b *Bus) ListenerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Publish delivers the event to every listener in attach order.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	names := make([]string, len(b.order))
	copy(names, b.order)
	listeners := make([]Listener, 0, len(names))
	for _, name := range names {
		listeners = append(listeners, b.listeners[name])
	}
	b.mu.RUnlock()

	for i, l := range listeners {
		b.deliver(names[i], l, e)
	}
}

// deliver invokes one listener with panic containment.
func (b *Bus) deliver(name string, l Listener, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("listener %s panicked on %s event: %v", name, e.Type, r)
		}
	}()

	if err := l.HandleEvent(e); err != nil {
		b.logger.Warn("listener %s failed on %s event: %v", name, e.Type, err)
	}
}
