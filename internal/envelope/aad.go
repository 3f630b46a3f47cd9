// Package envelope defines the additional-authenticated-data conventions
// that bind every sealed blob to the identity it was encrypted for, plus
// the versioned payload registry used to decode a decrypted event body
// once it has been authenticated.
package envelope

import "fmt"

// EventAAD returns the AAD for an event ciphertext:
// aggregate_type:aggregate_id:version.
func EventAAD(aggregateType, aggregateID string, version int) []byte {
	return []byte(fmt.Sprintf("%s:%s:%d", aggregateType, aggregateID, version))
}

// SnapshotAAD returns the AAD for a projection snapshot ciphertext:
// aggregate_id:snapshot:version.
func SnapshotAAD(aggregateID string, version int) []byte {
	return []byte(fmt.Sprintf("%s:snapshot:%d", aggregateID, version))
}

// ArtifactAAD returns the AAD for a cache or search-index artifact
// ciphertext, bound to the composite cursor describing the projection
// state it was derived from.
func ArtifactAAD(cursor string) []byte {
	return []byte(cursor)
}
