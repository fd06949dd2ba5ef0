// Package mock provides mock implementations of database interfaces for testing.
package mock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kozaktomas/recall/internal/database"
	"github.com/kozaktomas/recall/internal/faceengine"
)

// MockIdentityStore is an exact, in-memory implementation of database.IdentityStore
// that records calls and supports error injection.
type MockIdentityStore struct {
	mu         sync.RWMutex
	identities map[string]*database.IdentityRecord

	// Track calls
	QueryCalls  int
	CountCalls  int
	UpsertCalls [][]database.IdentityRecord
	DeleteCalls [][]string
	Closed      bool

	// Error injection
	QueryError     error
	CountError     error
	DimensionError error
	GetError       error
	UpsertError    error
	DeleteError    error

	// QueryErrorFunc, when set, is consulted per query so tests can fail
	// only some of the queries of a frame.
	QueryErrorFunc func(embedding []float32) error
}

// NewMockIdentityStore creates a new mock identity store
func NewMockIdentityStore() *MockIdentityStore {
	return &MockIdentityStore{
		identities: make(map[string]*database.IdentityRecord),
	}
}

// AddIdentity adds an identity without tracking it as an Upsert call
func (m *MockIdentityStore) AddIdentity(rec database.IdentityRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identities[rec.IdentityID] = &rec
}

// QueryNearest performs an exact cosine scan
func (m *MockIdentityStore) QueryNearest(ctx context.Context, embedding []float32, k int, owner *int64) ([]database.Neighbor, error) {
	m.mu.Lock()
	m.QueryCalls++
	m.mu.Unlock()

	if m.QueryError != nil {
		return nil, m.QueryError
	}
	if m.QueryErrorFunc != nil {
		if err := m.QueryErrorFunc(embedding); err != nil {
			return nil, err
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.identities))
	for id := range m.identities {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var results []database.Neighbor
	for _, id := range ids {
		rec := m.identities[id]
		if owner != nil && rec.OwnerID != *owner {
			continue
		}
		if len(rec.Embedding) != len(embedding) {
			return nil, &faceengine.DimensionMismatchError{Source: "mock query", Want: len(rec.Embedding), Got: len(embedding)}
		}
		results = append(results, database.Neighbor{
			Record:   *rec,
			Distance: database.CosineDistance(embedding, rec.Embedding),
		})
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Distance < results[j].Distance
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Count returns the number of identities
func (m *MockIdentityStore) Count(ctx context.Context) (int, error) {
	m.mu.Lock()
	m.CountCalls++
	m.mu.Unlock()

	if m.CountError != nil {
		return 0, m.CountError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.identities), nil
}

// Dimension returns the dimension of any stored identity
func (m *MockIdentityStore) Dimension(ctx context.Context) (int, error) {
	if m.DimensionError != nil {
		return 0, m.DimensionError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rec := range m.identities {
		return len(rec.Embedding), nil
	}
	return 0, nil
}

// Get retrieves an identity by id
func (m *MockIdentityStore) Get(ctx context.Context, identityID string) (*database.IdentityRecord, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.identities[identityID]
	if !ok {
		return nil, nil
	}
	c := *rec
	return &c, nil
}

// Upsert stores identities
func (m *MockIdentityStore) Upsert(ctx context.Context, records []database.IdentityRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.UpsertCalls = append(m.UpsertCalls, records)
	if m.UpsertError != nil {
		return m.UpsertError
	}

	storedDim := 0
	for _, rec := range m.identities {
		storedDim = len(rec.Embedding)
		break
	}
	if _, err := database.ValidateRecords(records, storedDim); err != nil {
		return err
	}

	for _, rec := range records {
		if rec.UpdatedAt.IsZero() {
			rec.UpdatedAt = time.Now().UTC()
		}
		m.identities[rec.IdentityID] = &rec
	}
	return nil
}

// Delete removes identities
func (m *MockIdentityStore) Delete(ctx context.Context, identityIDs ...string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.DeleteCalls = append(m.DeleteCalls, identityIDs)
	if m.DeleteError != nil {
		return 0, m.DeleteError
	}
	removed := 0
	for _, id := range identityIDs {
		if _, ok := m.identities[id]; ok {
			delete(m.identities, id)
			removed++
		}
	}
	return removed, nil
}

// Close marks the store closed
func (m *MockIdentityStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

// Queries returns the number of QueryNearest calls so far
func (m *MockIdentityStore) Queries() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.QueryCalls
}
