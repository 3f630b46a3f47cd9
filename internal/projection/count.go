package projection

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chronologion/mo-local/internal/crypto"
	"github.com/chronologion/mo-local/internal/envelope"
	"github.com/chronologion/mo-local/internal/eventlog"
)

// dekResolver resolves the data-encryption key an artifact is sealed
// under. CountTask takes this as a function rather than a *keyring.Manager
// directly, so it can be driven by any key source a caller wires up
// without this package importing the keyring package.
type dekResolver func(aggregateID string, epoch int) ([]byte, error)

// CountTask is a reference projection: it maintains an encrypted,
// per-event-type tally of every event committed to the log, demonstrating
// the full bootstrap/apply_event/artifact-cache path a real read model
// follows. It is driven by the same Runtime as any other projection.
type CountTask struct {
	name      string
	store     *eventlog.Store
	artifacts *ArtifactStore
	resolve   dekResolver
	epoch     int
	cursorKey string
}

// NewCountTask returns a CountTask named name, sealing its cache artifact
// under the DEK resolve returns for (aggregateID, epoch) — callers
// typically wire this to a fixed "projection:<name>" aggregate ID whose
// epoch-0 keyring they create once at setup time.
func NewCountTask(name string, store *eventlog.Store, artifacts *ArtifactStore, aggregateID string, epoch int, resolve dekResolver) *CountTask {
	return &CountTask{
		name:      name,
		store:     store,
		artifacts: artifacts,
		resolve:   resolve,
		epoch:     epoch,
		cursorKey: aggregateID,
	}
}

// Name implements Task.
func (c *CountTask) Name() string { return c.name }

type countState struct {
	LastCommitSequence int64          `json:"last_commit_sequence"`
	Counts             map[string]int `json:"counts"`
}

// Tick applies up to 4096 events committed since the last tick to the
// tally and persists the result as an encrypted cache artifact.
func (c *CountTask) Tick(ctx context.Context) error {
	state, err := c.loadState(ctx)
	if err != nil {
		return err
	}

	records, err := c.store.GetEventsSince(ctx, state.LastCommitSequence, 4096)
	if err != nil {
		return fmt.Errorf("count projection %s: fetch events: %w", c.name, err)
	}
	if len(records) == 0 {
		return nil
	}

	for _, rec := range records {
		state.Counts[rec.EventType]++
		state.LastCommitSequence = rec.CommitSequence
	}

	return c.saveState(ctx, state)
}

func (c *CountTask) loadState(ctx context.Context) (*countState, error) {
	artifact, err := c.artifacts.Load(ctx, c.name, KindCache, c.cursorKey)
	if err != nil {
		return nil, fmt.Errorf("count projection %s: load cache: %w", c.name, err)
	}
	if artifact == nil {
		return &countState{Counts: make(map[string]int)}, nil
	}

	dek, err := c.resolve(c.cursorKey, c.epoch)
	if err != nil {
		return nil, fmt.Errorf("count projection %s: resolve DEK: %w", c.name, err)
	}
	aad := envelope.ArtifactAAD(fmt.Sprintf("%s:cache:%d", c.cursorKey, artifact.Version))
	plaintext, err := crypto.Open(dek, artifact.Ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("count projection %s: decrypt cache: %w", c.name, err)
	}

	var state countState
	if err := json.Unmarshal(plaintext, &state); err != nil {
		return nil, fmt.Errorf("count projection %s: parse cache: %w", c.name, err)
	}
	if state.Counts == nil {
		state.Counts = make(map[string]int)
	}
	return &state, nil
}

func (c *CountTask) saveState(ctx context.Context, state *countState) error {
	plaintext, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("count projection %s: marshal cache: %w", c.name, err)
	}

	dek, err := c.resolve(c.cursorKey, c.epoch)
	if err != nil {
		return fmt.Errorf("count projection %s: resolve DEK: %w", c.name, err)
	}
	newVersion := int(state.LastCommitSequence)
	aad := envelope.ArtifactAAD(fmt.Sprintf("%s:cache:%d", c.cursorKey, newVersion))
	ciphertext, err := crypto.Seal(dek, plaintext, aad)
	if err != nil {
		return fmt.Errorf("count projection %s: encrypt cache: %w", c.name, err)
	}

	if err := c.artifacts.Save(ctx, c.name, KindCache, c.cursorKey, newVersion, ciphertext); err != nil {
		return fmt.Errorf("count projection %s: save cache: %w", c.name, err)
	}
	return nil
}

// Counts decrypts and returns the current tally, for callers (like the
// CLI) that want to display it without driving another Tick.
func (c *CountTask) Counts(ctx context.Context) (map[string]int, error) {
	state, err := c.loadState(ctx)
	if err != nil {
		return nil, err
	}
	return state.Counts, nil
}
