package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/kozaktomas/recall/internal/database"
)

const identityColumns = `identity_id, owner_id, contact_id, display_name, relation_label, embedding, model, updated_at`

// IdentityRepository provides PostgreSQL-backed identity storage with optional in-memory HNSW index.
type IdentityRepository struct {
	pool   *Pool
	logger *slog.Logger

	hnswIndex     *database.HNSWIndex
	hnswEnabled   bool
	hnswIndexPath string // Path to persist HNSW index (optional)
	hnswMu        sync.RWMutex
}

// NewIdentityRepository creates a new PostgreSQL identity repository.
func NewIdentityRepository(pool *Pool, logger *slog.Logger) *IdentityRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &IdentityRepository{pool: pool, logger: logger}
}

// nearestQuery builds the k-NN query; the owner filter adds a third parameter.
func nearestQuery(filterOwner bool) string {
	where := ""
	if filterOwner {
		where = "WHERE owner_id = $3"
	}
	return `
		SELECT ` + identityColumns + `, embedding <=> $1::vector AS distance
		FROM identities
		` + where + `
		ORDER BY distance, identity_id
		LIMIT $2
	`
}

// QueryNearest finds the k identities closest to embedding by cosine distance.
// Uses in-memory HNSW index if enabled, otherwise queries PostgreSQL.
func (r *IdentityRepository) QueryNearest(
	ctx context.Context, embedding []float32, k int, owner *int64,
) ([]database.Neighbor, error) {
	if k <= 0 {
		return nil, nil
	}
	if idx := r.activeIndex(); idx != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return idx.Search(embedding, k, owner)
	}

	args := []any{pgvector.NewVector(embedding), k}
	if owner != nil {
		args = append(args, *owner)
	}

	rows, err := r.pool.Query(ctx, nearestQuery(owner != nil), args...)
	if err != nil {
		return nil, database.Unavailable("query nearest identities", err)
	}
	defer rows.Close()

	var neighbors []database.Neighbor
	for rows.Next() {
		var n database.Neighbor
		if err := scanIdentity(rows, &n.Record, &n.Distance); err != nil {
			return nil, database.Unavailable("scan identity", err)
		}
		neighbors = append(neighbors, n)
	}
	if err := rows.Err(); err != nil {
		return nil, database.Unavailable("iterate identities", err)
	}
	return neighbors, nil
}

// Count returns the total number of identities stored.
func (r *IdentityRepository) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM identities").Scan(&count); err != nil {
		return 0, database.Unavailable("count identities", err)
	}
	return count, nil
}

// Dimension returns the stored embedding dimension, 0 when the table is empty.
func (r *IdentityRepository) Dimension(ctx context.Context) (int, error) {
	return scanDimension(r.pool.QueryRow(ctx, "SELECT dim FROM identities LIMIT 1"))
}

func scanDimension(row *sql.Row) (int, error) {
	var dim int
	err := row.Scan(&dim)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, database.Unavailable("read identity dimension", err)
	}
	return dim, nil
}

// Get retrieves an identity by id.
func (r *IdentityRepository) Get(ctx context.Context, identityID string) (*database.IdentityRecord, error) {
	rows, err := r.pool.Query(ctx, "SELECT "+identityColumns+" FROM identities WHERE identity_id = $1", identityID)
	if err != nil {
		return nil, database.Unavailable("get identity", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, database.Unavailable("get identity", err)
		}
		return nil, nil
	}
	var rec database.IdentityRecord
	if err := scanIdentity(rows, &rec, nil); err != nil {
		return nil, database.Unavailable("scan identity", err)
	}
	return &rec, nil
}

// Upsert inserts or replaces identities keyed by identity_id in one transaction.
// Concurrent writers are serialized by a table lock so the dimension check
// cannot race; readers are not blocked.
func (r *IdentityRepository) Upsert(ctx context.Context, records []database.IdentityRecord) error {
	if len(records) == 0 {
		return nil
	}
	if _, err := database.ValidateRecords(records, 0); err != nil {
		return err
	}

	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return database.Unavailable("begin transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "LOCK TABLE identities IN SHARE ROW EXCLUSIVE MODE"); err != nil {
		return database.Unavailable("lock identities", err)
	}

	storedDim, err := scanDimension(tx.QueryRowContext(ctx, "SELECT dim FROM identities LIMIT 1"))
	if err != nil {
		return err
	}
	if _, err := database.ValidateRecords(records, storedDim); err != nil {
		return err
	}

	now := time.Now().UTC()
	written := make([]database.IdentityRecord, 0, len(records))
	for _, rec := range records {
		if rec.UpdatedAt.IsZero() {
			rec.UpdatedAt = now
		}
		// TIMESTAMPTZ keeps microseconds; match it so the index agrees with the table
		rec.UpdatedAt = rec.UpdatedAt.Truncate(time.Microsecond)
		_, err := tx.ExecContext(ctx, `
			INSERT INTO identities (identity_id, owner_id, contact_id, display_name, relation_label,
			                        embedding, dim, model, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (identity_id) DO UPDATE SET
				owner_id = EXCLUDED.owner_id,
				contact_id = EXCLUDED.contact_id,
				display_name = EXCLUDED.display_name,
				relation_label = EXCLUDED.relation_label,
				embedding = EXCLUDED.embedding,
				dim = EXCLUDED.dim,
				model = EXCLUDED.model,
				updated_at = EXCLUDED.updated_at
		`,
			rec.IdentityID,
			rec.OwnerID,
			rec.ContactID,
			rec.DisplayName,
			rec.RelationLabel,
			pgvector.NewVector(rec.Embedding),
			len(rec.Embedding),
			rec.Model,
			rec.UpdatedAt,
		)
		if err != nil {
			return database.Unavailable(fmt.Sprintf("upsert identity %s", rec.IdentityID), err)
		}
		written = append(written, rec)
	}

	if err := tx.Commit(); err != nil {
		return database.Unavailable("commit transaction", err)
	}

	r.updateHNSW(written, nil)
	return nil
}

// Delete removes identities by id and returns the number removed.
func (r *IdentityRepository) Delete(ctx context.Context, identityIDs ...string) (int, error) {
	if len(identityIDs) == 0 {
		return 0, nil
	}
	res, err := r.pool.Exec(ctx, "DELETE FROM identities WHERE identity_id = ANY($1)", pq.Array(identityIDs))
	if err != nil {
		return 0, database.Unavailable("delete identities", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, database.Unavailable("delete identities", err)
	}
	r.updateHNSW(nil, identityIDs)
	return int(n), nil
}

// All returns every stored identity ordered by identity id.
func (r *IdentityRepository) All(ctx context.Context) ([]database.IdentityRecord, error) {
	rows, err := r.pool.Query(ctx, "SELECT "+identityColumns+" FROM identities ORDER BY identity_id")
	if err != nil {
		return nil, database.Unavailable("list identities", err)
	}
	defer rows.Close()

	var out []database.IdentityRecord
	for rows.Next() {
		var rec database.IdentityRecord
		if err := scanIdentity(rows, &rec, nil); err != nil {
			return nil, database.Unavailable("scan identity", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, database.Unavailable("iterate identities", err)
	}
	return out, nil
}

// Close saves the HNSW snapshot if configured and closes the pool.
func (r *IdentityRepository) Close() error {
	if err := r.saveHNSW(); err != nil {
		r.logger.Warn("failed to save HNSW index", "error", err)
	}
	return r.pool.Close()
}

// scanIdentity scans one row of identityColumns, optionally followed by a distance.
func scanIdentity(rows *sql.Rows, rec *database.IdentityRecord, distance *float64) error {
	var (
		vec      pgvector.Vector
		relation sql.NullString
		model    sql.NullString
	)
	dest := []any{
		&rec.IdentityID, &rec.OwnerID, &rec.ContactID, &rec.DisplayName,
		&relation, &vec, &model, &rec.UpdatedAt,
	}
	if distance != nil {
		dest = append(dest, distance)
	}
	if err := rows.Scan(dest...); err != nil {
		return fmt.Errorf("scan identity row: %w", err)
	}
	rec.RelationLabel = relation.String
	rec.Model = model.String
	rec.Embedding = vec.Slice()
	return nil
}

// EnableHNSW serves queries from an in-memory index. When path holds a
// snapshot that still matches the table it is loaded instead of rebuilding
// from PostgreSQL; the index is written back to path on Close.
func (r *IdentityRepository) EnableHNSW(ctx context.Context, path string) error {
	r.hnswMu.Lock()
	r.hnswIndexPath = path
	r.hnswMu.Unlock()

	idx, err := r.loadSnapshot(ctx, path)
	if err != nil {
		r.logger.Warn("ignoring HNSW snapshot", "path", path, "error", err)
	}
	if idx != nil {
		r.hnswMu.Lock()
		r.hnswIndex = idx
		r.hnswMu.Unlock()
		r.logger.Info("loaded identity HNSW index", "path", path, "identities", idx.Count())
	} else if err := r.RebuildIndex(ctx); err != nil {
		return err
	}

	r.hnswMu.Lock()
	r.hnswEnabled = true
	r.hnswMu.Unlock()
	return nil
}

// loadSnapshot returns the snapshot at path, or nil when there is none or it
// no longer matches the table.
func (r *IdentityRepository) loadSnapshot(ctx context.Context, path string) (*database.HNSWIndex, error) {
	if path == "" {
		return nil, nil
	}
	idx, err := database.LoadHNSWIndex(path)
	if err != nil {
		return nil, err
	}

	var (
		count  int
		latest sql.NullTime
	)
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*), MAX(updated_at) FROM identities").Scan(&count, &latest); err != nil {
		return nil, database.Unavailable("read identity table state", err)
	}
	if !snapshotFresh(idx, count, latest) {
		r.logger.Info("HNSW snapshot is stale, rebuilding", "path", path,
			"snapshot_identities", idx.Count(), "table_identities", count)
		return nil, nil
	}
	return idx, nil
}

// snapshotFresh reports whether idx holds as many identities as the table and
// the same latest update time.
func snapshotFresh(idx *database.HNSWIndex, count int, latest sql.NullTime) bool {
	if idx.Count() == 0 || idx.Count() != count || !latest.Valid {
		return false
	}
	return idx.LatestUpdate().Equal(latest.Time)
}

// RebuildIndex reloads every identity from PostgreSQL into a fresh HNSW index.
func (r *IdentityRepository) RebuildIndex(ctx context.Context) error {
	records, err := r.All(ctx)
	if err != nil {
		return err
	}

	idx := database.NewHNSWIndex()
	idx.Build(records)

	r.hnswMu.Lock()
	r.hnswIndex = idx
	r.hnswMu.Unlock()

	r.logger.Info("built identity HNSW index", "identities", idx.Count())
	return nil
}

// IndexStats returns HNSW statistics; zero values when acceleration is off.
func (r *IdentityRepository) IndexStats() database.IndexStats {
	r.hnswMu.RLock()
	defer r.hnswMu.RUnlock()
	if r.hnswIndex == nil {
		return database.IndexStats{Path: r.hnswIndexPath}
	}
	stats := r.hnswIndex.Stats()
	stats.Path = r.hnswIndexPath
	return stats
}

// activeIndex returns the HNSW index when acceleration is enabled.
func (r *IdentityRepository) activeIndex() *database.HNSWIndex {
	r.hnswMu.RLock()
	defer r.hnswMu.RUnlock()
	if !r.hnswEnabled {
		return nil
	}
	return r.hnswIndex
}

// updateHNSW applies committed writes to the in-memory index.
func (r *IdentityRepository) updateHNSW(put []database.IdentityRecord, removed []string) {
	idx := r.activeIndex()
	if idx == nil {
		return
	}
	for _, rec := range put {
		idx.Put(rec)
	}
	for _, id := range removed {
		idx.Remove(id)
	}
}

func (r *IdentityRepository) saveHNSW() error {
	r.hnswMu.RLock()
	idx, path := r.hnswIndex, r.hnswIndexPath
	r.hnswMu.RUnlock()
	if idx == nil || path == "" {
		return nil
	}
	return idx.Save(path)
}
