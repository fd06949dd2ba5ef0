package database

import (
	"context"
)

// IdentityReader provides read-only access to enrolled identities
type IdentityReader interface {
	// QueryNearest returns up to k identities ordered by ascending cosine distance.
	// When owner is non-nil only identities of that owner are candidates.
	QueryNearest(ctx context.Context, embedding []float32, k int, owner *int64) ([]Neighbor, error)
	// Count returns the total number of identities stored
	Count(ctx context.Context) (int, error)
	// Dimension returns the embedding dimension of stored identities, 0 when empty
	Dimension(ctx context.Context) (int, error)
	// Get retrieves an identity by id, returns nil if not found
	Get(ctx context.Context, identityID string) (*IdentityRecord, error)
}

// IdentityWriter provides write access to enrolled identities
type IdentityWriter interface {
	IdentityReader

	// Upsert inserts or replaces identities keyed by IdentityID.
	// Records whose dimension disagrees with the stored dimension are rejected.
	Upsert(ctx context.Context, records []IdentityRecord) error

	// Delete removes identities by id and returns how many existed.
	Delete(ctx context.Context, identityIDs ...string) (int, error)
}

// IdentityStore is a writable store owning external resources.
type IdentityStore interface {
	IdentityWriter

	// Close releases connections and flushes any on-disk snapshot.
	Close() error
}

// IndexRebuilder is implemented by stores that keep an in-memory HNSW index
type IndexRebuilder interface {
	// RebuildIndex rebuilds the in-memory index from the stored identities
	RebuildIndex(ctx context.Context) error
	// IndexStats returns the current index statistics
	IndexStats() IndexStats
}
