package database

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/coder/hnsw"

	"github.com/kozaktomas/recall/internal/faceengine"
)

const hnswSnapshotVersion = 1

// hnswSnapshot is the on-disk form of the index. Graphs are rebuilt on load
// so the snapshot only carries the records.
type hnswSnapshot struct {
	Version int
	SavedAt time.Time
	Records []IdentityRecord
}

// HNSWIndex is an in-memory approximate nearest-neighbour index over identity
// embeddings. It keeps one graph across all owners and one graph per owner so
// owner-filtered queries never see other owners' identities.
//
// The graphs are append-only: overwriting or deleting an identity drops its
// node key from the lookup maps, leaving a stale node that search skips.
// Stale nodes are compacted away once they outnumber live ones.
//
// Candidate sets of up to exactScanLimit identities are searched exactly;
// the graphs only serve larger ones.
type HNSWIndex struct {
	mu        sync.RWMutex
	global    *hnsw.Graph[uint64]
	owners    map[int64]*hnsw.Graph[uint64]
	ownerLive map[int64]int
	keyToID   map[uint64]string
	idToKey   map[string]uint64
	records   map[string]*IdentityRecord
	nextKey   uint64
	stale     int

	exactScanLimit int
}

// NewHNSWIndex creates a new empty HNSW index.
func NewHNSWIndex() *HNSWIndex {
	h := &HNSWIndex{exactScanLimit: HNSWExactScanLimit}
	h.reset()
	return h
}

func newGraph() *hnsw.Graph[uint64] {
	g := hnsw.NewGraph[uint64]()
	g.M = HNSWMaxNeighbors
	g.Ml = 1.0 / float64(HNSWMaxNeighbors) // Standard HNSW formula
	g.EfSearch = HNSWEfSearch
	g.Distance = hnsw.CosineDistance
	return g
}

func (h *HNSWIndex) reset() {
	h.global = newGraph()
	h.owners = make(map[int64]*hnsw.Graph[uint64])
	h.ownerLive = make(map[int64]int)
	h.keyToID = make(map[uint64]string)
	h.idToKey = make(map[string]uint64)
	h.records = make(map[string]*IdentityRecord)
	h.nextKey = 1
	h.stale = 0
}

// Build replaces the index content with records.
func (h *HNSWIndex) Build(records []IdentityRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.reset()
	for i := range records {
		h.putLocked(records[i])
	}
}

// Put inserts or replaces one identity.
func (h *HNSWIndex) Put(rec IdentityRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.putLocked(rec)
	h.maybeCompactLocked()
}

func (h *HNSWIndex) putLocked(rec IdentityRecord) {
	if len(rec.Embedding) == 0 {
		return
	}
	if old, ok := h.idToKey[rec.IdentityID]; ok {
		delete(h.keyToID, old)
		h.releaseOwnerLocked(h.records[rec.IdentityID].OwnerID)
		h.stale++
	}

	// The graph keeps a reference to the vector, so give it its own copy.
	vec := make([]float32, len(rec.Embedding))
	copy(vec, rec.Embedding)
	rec.Embedding = vec

	key := h.nextKey
	h.nextKey++

	h.global.Add(hnsw.MakeNode(key, vec))
	g, ok := h.owners[rec.OwnerID]
	if !ok {
		g = newGraph()
		h.owners[rec.OwnerID] = g
	}
	g.Add(hnsw.MakeNode(key, vec))

	h.keyToID[key] = rec.IdentityID
	h.idToKey[rec.IdentityID] = key
	h.records[rec.IdentityID] = &rec
	h.ownerLive[rec.OwnerID]++
}

func (h *HNSWIndex) releaseOwnerLocked(owner int64) {
	h.ownerLive[owner]--
	if h.ownerLive[owner] <= 0 {
		delete(h.ownerLive, owner)
	}
}

// Remove deletes an identity. It reports whether the identity existed.
func (h *HNSWIndex) Remove(identityID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	key, ok := h.idToKey[identityID]
	if !ok {
		return false
	}
	h.releaseOwnerLocked(h.records[identityID].OwnerID)
	delete(h.keyToID, key)
	delete(h.idToKey, identityID)
	delete(h.records, identityID)
	h.stale++
	h.maybeCompactLocked()
	return true
}

func (h *HNSWIndex) maybeCompactLocked() {
	if h.stale < HNSWCompactMinStale || h.stale <= len(h.records) {
		return
	}
	records := make([]IdentityRecord, 0, len(h.records))
	for _, r := range h.records {
		records = append(records, *r)
	}
	sortRecords(records)
	h.reset()
	for i := range records {
		h.putLocked(records[i])
	}
}

// Search finds the k nearest identities to query, optionally restricted to one
// owner. Distances are exact cosine distances recomputed from the records, and
// equal distances are ordered by identity id. A query whose length differs
// from the indexed embeddings yields a *faceengine.DimensionMismatchError.
func (h *HNSWIndex) Search(query []float32, k int, owner *int64) ([]Neighbor, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if k <= 0 {
		return nil, nil
	}
	if dim := h.dimensionLocked(); dim > 0 && len(query) != dim {
		return nil, &faceengine.DimensionMismatchError{Source: "index query", Want: dim, Got: len(query)}
	}

	live := len(h.records)
	g := h.global
	if owner != nil {
		live = h.ownerLive[*owner]
		g = h.owners[*owner]
	}
	if live == 0 || g == nil {
		return nil, nil
	}

	if live > h.exactScanLimit {
		// the graph may return fewer live nodes than asked for once stale
		// nodes crowd the candidate list
		if neighbors := h.searchGraphLocked(g, query, k); len(neighbors) >= min(k, live) {
			return neighbors, nil
		}
	}
	return h.searchExactLocked(query, k, owner), nil
}

func (h *HNSWIndex) searchGraphLocked(g *hnsw.Graph[uint64], query []float32, k int) []Neighbor {
	searchK := max(HNSWEfSearch, k*HNSWSearchMultiplier, k+h.stale)
	nodes := g.Search(query, min(searchK, g.Len()))

	neighbors := make([]Neighbor, 0, len(nodes))
	for _, n := range nodes {
		id, ok := h.keyToID[n.Key]
		if !ok {
			continue // stale node
		}
		rec := h.records[id]
		neighbors = append(neighbors, Neighbor{Record: *rec, Distance: CosineDistance(query, rec.Embedding)})
	}
	return topK(neighbors, k)
}

func (h *HNSWIndex) searchExactLocked(query []float32, k int, owner *int64) []Neighbor {
	neighbors := make([]Neighbor, 0, len(h.records))
	for _, rec := range h.records {
		if owner != nil && rec.OwnerID != *owner {
			continue
		}
		neighbors = append(neighbors, Neighbor{Record: *rec, Distance: CosineDistance(query, rec.Embedding)})
	}
	return topK(neighbors, k)
}

// topK sorts neighbors and keeps the first k, copying their embeddings.
func topK(neighbors []Neighbor, k int) []Neighbor {
	sort.Slice(neighbors, func(i, j int) bool {
		if neighbors[i].Distance != neighbors[j].Distance {
			return neighbors[i].Distance < neighbors[j].Distance
		}
		return neighbors[i].Record.IdentityID < neighbors[j].Record.IdentityID
	})
	if len(neighbors) > k {
		neighbors = neighbors[:k]
	}
	for i := range neighbors {
		neighbors[i].Record = cloneRecord(neighbors[i].Record)
	}
	return neighbors
}

// Get returns a copy of the identity, or nil.
func (h *HNSWIndex) Get(identityID string) *IdentityRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rec, ok := h.records[identityID]
	if !ok {
		return nil
	}
	c := cloneRecord(*rec)
	return &c
}

// Count returns the number of live identities.
func (h *HNSWIndex) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.records)
}

// Dimension returns the embedding dimension of the indexed identities.
func (h *HNSWIndex) Dimension() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dimensionLocked()
}

func (h *HNSWIndex) dimensionLocked() int {
	for _, r := range h.records {
		return len(r.Embedding)
	}
	return 0
}

// LatestUpdate returns the newest UpdatedAt among live identities.
func (h *HNSWIndex) LatestUpdate() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var latest time.Time
	for _, r := range h.records {
		if r.UpdatedAt.After(latest) {
			latest = r.UpdatedAt
		}
	}
	return latest
}

// Records returns copies of all live identities ordered by identity id.
func (h *HNSWIndex) Records() []IdentityRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]IdentityRecord, 0, len(h.records))
	for _, r := range h.records {
		out = append(out, cloneRecord(*r))
	}
	sortRecords(out)
	return out
}

// Stats returns index statistics.
func (h *HNSWIndex) Stats() IndexStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return IndexStats{Live: len(h.records), Stale: h.stale, Owners: len(h.ownerLive), Dim: h.dimensionLocked()}
}

// Save writes a gob snapshot of the index to path. An empty index removes the file.
func (h *HNSWIndex) Save(path string) error {
	records := h.Records()
	if len(records) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing empty index snapshot: %w", err)
		}
		return nil
	}

	var buf bytes.Buffer
	snap := hnswSnapshot{Version: hnswSnapshotVersion, SavedAt: time.Now().UTC(), Records: records}
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return fmt.Errorf("failed to encode index snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create index snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write index snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close index snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move index snapshot into place: %w", err)
	}
	return nil
}

// LoadHNSWIndex reads a snapshot written by Save. A missing file yields an empty index.
func LoadHNSWIndex(path string) (*HNSWIndex, error) {
	h := NewHNSWIndex()

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config
	if os.IsNotExist(err) {
		return h, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read index snapshot: %w", err)
	}

	var snap hnswSnapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode index snapshot: %w", err)
	}
	if snap.Version != hnswSnapshotVersion {
		return nil, fmt.Errorf("unsupported index snapshot version %d", snap.Version)
	}

	h.Build(snap.Records)
	return h, nil
}

func cloneRecord(r IdentityRecord) IdentityRecord {
	emb := make([]float32, len(r.Embedding))
	copy(emb, r.Embedding)
	r.Embedding = emb
	return r
}

func sortRecords(records []IdentityRecord) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].IdentityID < records[j].IdentityID
	})
}
