package publisher

import (
	"context"
	"fmt"
	"strconv"

	"github.com/chronologion/mo-local/internal/eventlog"
)

const cursorMetaKey = "cursor"

// cursorStore persists a publisher's durable per-stream cursor as a
// projection_meta row, keyed by the publisher's name. The cursor only
// ever advances after a batch has been fully delivered, so a crash
// between delivery and the cursor write simply redelivers the batch.
type cursorStore struct {
	store *eventlog.Store
	name  string
}

func newCursorStore(store *eventlog.Store, name string) *cursorStore {
	return &cursorStore{store: store, name: name}
}

// Load returns the last committed cursor position, or 0 if the
// publisher has never advanced.
func (c *cursorStore) Load(ctx context.Context) (int64, error) {
	raw, ok, err := c.store.GetMeta(ctx, c.name, cursorMetaKey)
	if err != nil {
		return 0, fmt.Errorf("load publisher cursor: %w", err)
	}
	if !ok {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse publisher cursor %q: %w", raw, err)
	}
	return v, nil
}

// Advance persists the new cursor position.
func (c *cursorStore) Advance(ctx context.Context, position int64) error {
	if err := c.store.SetMeta(ctx, c.name, cursorMetaKey, strconv.FormatInt(position, 10)); err != nil {
		return fmt.Errorf("advance publisher cursor: %w", err)
	}
	return nil
}
