package envelope

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/chronologion/mo-local/internal/moerrors"
)

// Meta is the cleartext header stored alongside an event's ciphertext. It
// is never encrypted — the schema version must be readable before the
// payload can be decrypted and migrated, and the event type is needed to
// route the event to the right projection handlers without decryption.
type Meta struct {
	EventType     string `json:"event_type"`
	SchemaVersion int    `json:"schema_version"`
	AggregateType string `json:"aggregate_type"`
	AggregateID   string `json:"aggregate_id"`
	Version       int    `json:"version"`
	Epoch         int    `json:"epoch"`
}

// Migration upgrades a payload encoded at schema version From to the
// payload encoded at From+1.
type Migration struct {
	EventType string
	From      int
	Upgrade   func(raw json.RawMessage) (json.RawMessage, error)
}

// Registry holds the migration chain for each event type, so a decrypted
// payload written at an old schema version can be brought forward to the
// current one before a projection's apply_event handler sees it.
type Registry struct {
	migrations map[string][]Migration // keyed by event type, sorted by From
	current    map[string]int         // latest known schema version per event type
}

// NewRegistry returns an empty registry. Callers add migrations with
// Register before decoding any payload written at an older schema version.
func NewRegistry() *Registry {
	return &Registry{
		migrations: make(map[string][]Migration),
		current:    make(map[string]int),
	}
}

// Register adds a migration step and extends the event type's known
// current schema version if m.From+1 is newer than what's tracked.
func (r *Registry) Register(m Migration) {
	r.migrations[m.EventType] = append(r.migrations[m.EventType], m)
	sort.Slice(r.migrations[m.EventType], func(i, j int) bool {
		return r.migrations[m.EventType][i].From < r.migrations[m.EventType][j].From
	})
	if m.From+1 > r.current[m.EventType] {
		r.current[m.EventType] = m.From + 1
	}
}

// CurrentSchemaVersion returns the latest schema version known for
// eventType, defaulting to 1 for a type with no registered migrations.
func (r *Registry) CurrentSchemaVersion(eventType string) int {
	if v, ok := r.current[eventType]; ok {
		return v
	}
	return 1
}

// Upgrade walks payload forward from meta.SchemaVersion to
// CurrentSchemaVersion(meta.EventType), applying each registered migration
// in order. It returns moerrors.ErrMissingMigration if a step in the chain
// is missing, and moerrors.ErrFutureVersion if meta.SchemaVersion is newer
// than CurrentSchemaVersion(meta.EventType).
func (r *Registry) Upgrade(meta Meta, payload json.RawMessage) (json.RawMessage, error) {
	target := r.CurrentSchemaVersion(meta.EventType)
	version := meta.SchemaVersion
	if version == 0 {
		version = 1
	}
	if version > target {
		return nil, fmt.Errorf("%w: %s schema version %d, latest known %d", moerrors.ErrFutureVersion, meta.EventType, version, target)
	}

	steps := r.migrations[meta.EventType]
	for version < target {
		step, ok := findStep(steps, version)
		if !ok {
			return nil, fmt.Errorf("%w: %s from schema version %d", moerrors.ErrMissingMigration, meta.EventType, version)
		}
		upgraded, err := step.Upgrade(payload)
		if err != nil {
			return nil, fmt.Errorf("migrate %s v%d->v%d: %w", meta.EventType, version, version+1, err)
		}
		payload = upgraded
		version++
	}
	return payload, nil
}

func findStep(steps []Migration, from int) (Migration, bool) {
	for _, s := range steps {
		if s.From == from {
			return s, true
		}
	}
	return Migration{}, false
}
