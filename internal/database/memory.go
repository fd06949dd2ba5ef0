package database

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// MemoryStore is an IdentityStore backed only by an HNSWIndex. When a snapshot
// path is set the index is loaded from it on open and written back after
// every successful write.
type MemoryStore struct {
	index   *HNSWIndex
	path    string
	writeMu sync.Mutex
	logger  *slog.Logger
}

// NewMemoryStore opens a memory store, loading the snapshot at path if present.
func NewMemoryStore(path string, logger *slog.Logger) (*MemoryStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	index := NewHNSWIndex()
	if path != "" {
		loaded, err := LoadHNSWIndex(path)
		if err != nil {
			return nil, Unavailable("loading index snapshot", err)
		}
		index = loaded
		logger.Info("loaded identity index", "path", path, "identities", index.Count())
	}
	return &MemoryStore{index: index, path: path, logger: logger}, nil
}

// Upsert inserts or replaces identities.
func (s *MemoryStore) Upsert(ctx context.Context, records []IdentityRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := ValidateRecords(records, s.index.Dimension()); err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, r := range records {
		if r.UpdatedAt.IsZero() {
			r.UpdatedAt = now
		}
		s.index.Put(r)
	}
	return s.persist()
}

// Delete removes identities by id.
func (s *MemoryStore) Delete(ctx context.Context, identityIDs ...string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	removed := 0
	for _, id := range identityIDs {
		if s.index.Remove(id) {
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, s.persist()
}

// QueryNearest returns up to k nearest identities.
func (s *MemoryStore) QueryNearest(ctx context.Context, embedding []float32, k int, owner *int64) ([]Neighbor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.index.Search(embedding, k, owner)
}

// Count returns the number of identities.
func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	return s.index.Count(), nil
}

// Dimension returns the stored embedding dimension, 0 when empty.
func (s *MemoryStore) Dimension(ctx context.Context) (int, error) {
	return s.index.Dimension(), nil
}

// Get returns one identity or nil.
func (s *MemoryStore) Get(ctx context.Context, identityID string) (*IdentityRecord, error) {
	return s.index.Get(identityID), nil
}

// RebuildIndex rebuilds the graphs from the live records, dropping stale nodes.
func (s *MemoryStore) RebuildIndex(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.index.Build(s.index.Records())
	return s.persist()
}

// IndexStats returns index statistics.
func (s *MemoryStore) IndexStats() IndexStats {
	stats := s.index.Stats()
	stats.Path = s.path
	return stats
}

// Close flushes the snapshot.
func (s *MemoryStore) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.persist()
}

func (s *MemoryStore) persist() error {
	if s.path == "" {
		return nil
	}
	if err := s.index.Save(s.path); err != nil {
		return Unavailable("saving index snapshot", err)
	}
	return nil
}
