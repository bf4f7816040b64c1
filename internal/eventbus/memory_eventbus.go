package eventbus

import (
	"context"
	"sync"
)

// PublishedEvent is one event captured by MemoryEventBus
type PublishedEvent struct {
	Type  string
	Event interface{}
}

// MemoryEventBus records published events in process. Used by tests and local runs.
type MemoryEventBus struct {
	mu     sync.Mutex
	events []PublishedEvent
	err    error
}

func NewMemoryEventBus() *MemoryEventBus {
	return &MemoryEventBus{}
}

// FailWith makes every later Publish return err
func (m *MemoryEventBus) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *MemoryEventBus) Publish(ctx context.Context, eventType string, event interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, PublishedEvent{Type: eventType, Event: event})
	return nil
}

// Events returns a copy of everything published so far
func (m *MemoryEventBus) Events() []PublishedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PublishedEvent, len(m.events))
	copy(out, m.events)
	return out
}

// OfType returns the published events with the given type
func (m *MemoryEventBus) OfType(eventType string) []PublishedEvent {
	var out []PublishedEvent
	for _, e := range m.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (m *MemoryEventBus) Close() error { return nil }
