package publisher

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Bus dispatches a committed event to every subscriber registered for its
// type, in priority order. Unlike the teacher's original event bus —
// which logs a handler error and keeps going, since its handlers are
// best-effort side effects (Claude Code hooks, external notifiers) — this
// bus fails the whole dispatch on the first subscriber error, because the
// publisher must not advance its durable cursor past an event that wasn't
// actually delivered.
type Bus struct {
	mu          sync.RWMutex
	subscribers []Subscriber
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Register adds a subscriber. Subscribers are sorted by priority on each
// Dispatch, so registration order doesn't matter.
func (b *Bus) Register(s Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, s)
}

// Unregister removes a subscriber by ID, reporting whether one was found.
func (b *Bus) Unregister(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subscribers {
		if s.ID() == id {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			return true
		}
	}
	return false
}

// Dispatch delivers event to every matching subscriber in priority order,
// stopping and returning the first error encountered.
func (b *Bus) Dispatch(ctx context.Context, event *Event) error {
	if event == nil {
		return fmt.Errorf("publisher: nil event")
	}

	b.mu.RLock()
	matching := b.matchingSubscribers(event.Meta.EventType)
	b.mu.RUnlock()

	for _, s := range matching {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("publisher: context canceled: %w", err)
		}
		if err := s.Handle(ctx, event); err != nil {
			return fmt.Errorf("subscriber %q failed for %s: %w", s.ID(), event.Meta.EventType, err)
		}
	}
	return nil
}

// Subscribers returns every registered subscriber (for introspection).
func (b *Bus) Subscribers() []Subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Subscriber, len(b.subscribers))
	copy(out, b.subscribers)
	return out
}

func (b *Bus) matchingSubscribers(eventType string) []Subscriber {
	var matched []Subscriber
	for _, s := range b.subscribers {
		for _, t := range s.Handles() {
			if t == eventType {
				matched = append(matched, s)
				break
			}
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Priority() < matched[j].Priority()
	})
	return matched
}
