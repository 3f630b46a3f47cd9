// Package publisher implements the committed-event publisher: it walks
// the event log forward from a durable per-stream cursor and dispatches
// each committed event to registered subscribers, advancing the cursor
// only after a batch has been fully delivered. Register/Dispatch and the
// priority-ordered handler chain are adapted from the teacher's in-process
// event bus; its external-transport half (a JetStream publish path) isn't
// carried forward here because nothing in this project's dependency set
// wires a message broker.
package publisher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/chronologion/mo-local/internal/envelope"
)

// Event is a decrypted, schema-upgraded committed event handed to
// subscribers.
type Event struct {
	Meta              envelope.Meta
	Payload           json.RawMessage
	GlobalOrCommitSeq int64
	CommittedAt       time.Time
}

// Subscriber processes committed events of the types it declares.
// Subscribers are called in priority order (lower first) for a single
// event; if any subscriber returns an error, Dispatch aborts immediately
// and the publisher does not advance its cursor past that event, so the
// event will be redelivered (at-least-once) on the next tick.
type Subscriber interface {
	// ID returns a unique identifier for this subscriber.
	ID() string
	// Handles returns the event types this subscriber processes.
	Handles() []string
	// Priority determines call order; lower values are called first.
	Priority() int
	// Handle processes a single event.
	Handle(ctx context.Context, event *Event) error
}
