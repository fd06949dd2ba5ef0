package database

import (
	"time"
)

// IdentityRecord is the stored face signature of one known contact.
// There is at most one record per contact; re-enrollment overwrites it.
type IdentityRecord struct {
	IdentityID    string
	DisplayName   string
	RelationLabel string
	OwnerID       int64
	ContactID     int64
	Embedding     []float32
	Model         string
	UpdatedAt     time.Time
}

// Dim returns the embedding dimensionality of the record.
func (r IdentityRecord) Dim() int {
	return len(r.Embedding)
}

// Neighbor is one result of a nearest-neighbour query.
type Neighbor struct {
	Record   IdentityRecord
	Distance float64 // cosine distance, 0 (identical) to 2 (opposite)
}

// IndexStats describes the state of an in-memory vector index.
type IndexStats struct {
	Live   int    // identities reachable by search
	Stale  int    // overwritten or deleted nodes still in the graphs
	Owners int    // number of per-owner graphs
	Dim    int    // embedding dimension, 0 when empty
	Path   string // snapshot path, empty when not persisted
}
