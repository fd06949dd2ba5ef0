package database

// HNSW index parameters for 512-dim face embeddings
const (
	// HNSWMaxNeighbors (M) is the maximum number of neighbors per node.
	// Higher values improve recall but increase memory and build time.
	HNSWMaxNeighbors = 16

	// HNSWEfSearch is the search candidate pool size.
	// Higher values improve recall but slow down search.
	HNSWEfSearch = 100

	// HNSWSearchMultiplier is the factor to request more candidates from HNSW
	// to ensure we have enough after dropping stale nodes.
	HNSWSearchMultiplier = 3

	// HNSWExactScanLimit is the candidate count up to which searches scan
	// every live identity instead of walking the graph.
	HNSWExactScanLimit = 4096

	// HNSWCompactMinStale is the number of stale nodes below which the
	// graphs are never rebuilt.
	HNSWCompactMinStale = 64
)

// DefaultK is the neighbour count used for recognition queries.
const DefaultK = 1
