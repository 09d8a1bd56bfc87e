package event

import (
	"log/slog"
	"sync"
)

type HandlerFunc func(evt any)

// Bus is an asynchronous publish/subscribe hub. Every handler runs on its
// own goroutine, so publishers never wait for subscribers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]HandlerFunc
	inflight sync.WaitGroup
}

func NewBus() *Bus {
	return &Bus{
		handlers: make(map[string][]HandlerFunc),
	}
}

func (b *Bus) Subscribe(eventName string, handler HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventName] = append(b.handlers[eventName], handler)
}

func (b *Bus) Publish(eventName string, evt any) {
	b.mu.RLock()
	handlers := make([]HandlerFunc, len(b.handlers[eventName]))
	copy(handlers, b.handlers[eventName])
	b.mu.RUnlock()

	b.inflight.Add(len(handlers))
	for _, handler := range handlers {
		go func(h HandlerFunc) {
			defer b.inflight.Done()
			defer func() {
				if r := recover(); r != nil {
					slog.Error("Event handler panicked", "event", eventName, "panic", r)
				}
			}()
			h(evt)
		}(handler)
	}
}

// Drain blocks until every handler started so far has returned.
func (b *Bus) Drain() {
	b.inflight.Wait()
}
