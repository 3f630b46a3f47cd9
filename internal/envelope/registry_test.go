package envelope

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronologion/mo-local/internal/moerrors"
)

func TestRegistry_NoMigrationsPassesThrough(t *testing.T) {
	r := NewRegistry()
	meta := Meta{EventType: "task.created", SchemaVersion: 1}
	payload := json.RawMessage(`{"title":"hi"}`)

	out, err := r.Upgrade(meta, payload)
	require.NoError(t, err)
	assert.JSONEq(t, string(payload), string(out))
}

func TestRegistry_AppliesChain(t *testing.T) {
	r := NewRegistry()
	r.Register(Migration{
		EventType: "task.created",
		From:      1,
		Upgrade: func(raw json.RawMessage) (json.RawMessage, error) {
			var m map[string]any
			if err := json.Unmarshal(raw, &m); err != nil {
				return nil, err
			}
			m["priority"] = "normal"
			return json.Marshal(m)
		},
	})
	r.Register(Migration{
		EventType: "task.created",
		From:      2,
		Upgrade: func(raw json.RawMessage) (json.RawMessage, error) {
			var m map[string]any
			if err := json.Unmarshal(raw, &m); err != nil {
				return nil, err
			}
			m["archived"] = false
			return json.Marshal(m)
		},
	})

	meta := Meta{EventType: "task.created", SchemaVersion: 1}
	out, err := r.Upgrade(meta, json.RawMessage(`{"title":"hi"}`))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, "normal", decoded["priority"])
	assert.Equal(t, false, decoded["archived"])
	assert.Equal(t, 3, r.CurrentSchemaVersion("task.created"))
}

func TestRegistry_MissingMigrationStep(t *testing.T) {
	r := NewRegistry()
	r.Register(Migration{
		EventType: "task.created",
		From:      2, // gap: no step registered for From:1
		Upgrade: func(raw json.RawMessage) (json.RawMessage, error) {
			return raw, nil
		},
	})

	meta := Meta{EventType: "task.created", SchemaVersion: 1}
	_, err := r.Upgrade(meta, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, moerrors.ErrMissingMigration)
}

func TestAADHelpers(t *testing.T) {
	assert.Equal(t, "task:agg-1:3", string(EventAAD("task", "agg-1", 3)))
	assert.Equal(t, "agg-1:snapshot:3", string(SnapshotAAD("agg-1", 3)))
	assert.Equal(t, "agg-1:cache:view-a:7", string(ArtifactAAD("agg-1:cache:view-a:7")))
}
