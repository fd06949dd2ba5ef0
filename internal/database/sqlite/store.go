// Package sqlite implements the identity store as a single SQLite file with
// exact cosine search.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // register pure-Go SQLite driver

	"github.com/kozaktomas/recall/internal/config"
	"github.com/kozaktomas/recall/internal/database"
	"github.com/kozaktomas/recall/internal/faceengine"
)

func init() {
	database.RegisterBackend(config.BackendSQLite, func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (database.IdentityStore, error) {
		return Open(ctx, cfg.Store.SQLitePath)
	})
}

const schema = `
CREATE TABLE IF NOT EXISTS identities (
	identity_id    TEXT PRIMARY KEY,
	owner_id       INTEGER NOT NULL,
	contact_id     INTEGER NOT NULL,
	display_name   TEXT NOT NULL,
	relation_label TEXT NOT NULL DEFAULT '',
	embedding      BLOB NOT NULL,
	dim            INTEGER NOT NULL,
	model          TEXT NOT NULL DEFAULT '',
	updated_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_identities_owner_id ON identities (owner_id);
`

const identityColumns = `identity_id, owner_id, contact_id, display_name, relation_label, embedding, model, updated_at`

// Store is a database.IdentityStore on SQLite.
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// Open opens (and creates) the database at path. ":memory:" gives a private
// in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := path
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, database.Unavailable("open sqlite", err)
	}
	if path == ":memory:" {
		// every connection would get its own empty database
		db.SetMaxOpenConns(1)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, database.Unavailable("create sqlite schema", err)
	}
	return &Store{db: db}, nil
}

// QueryNearest scans the candidate identities and returns the k closest.
func (s *Store) QueryNearest(ctx context.Context, embedding []float32, k int, owner *int64) ([]database.Neighbor, error) {
	if k <= 0 {
		return nil, nil
	}

	query := "SELECT " + identityColumns + " FROM identities"
	var args []any
	if owner != nil {
		query += " WHERE owner_id = ?"
		args = append(args, *owner)
	}
	query += " ORDER BY identity_id"

	records, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	neighbors := make([]database.Neighbor, 0, len(records))
	for _, rec := range records {
		if len(rec.Embedding) != len(embedding) {
			return nil, &faceengine.DimensionMismatchError{Source: "sqlite query", Want: len(rec.Embedding), Got: len(embedding)}
		}
		neighbors = append(neighbors, database.Neighbor{
			Record:   rec,
			Distance: database.CosineDistance(embedding, rec.Embedding),
		})
	}
	sort.SliceStable(neighbors, func(i, j int) bool {
		return neighbors[i].Distance < neighbors[j].Distance
	})
	if len(neighbors) > k {
		neighbors = neighbors[:k]
	}
	return neighbors, nil
}

// Count returns the number of identities.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM identities").Scan(&n); err != nil {
		return 0, database.Unavailable("count identities", err)
	}
	return n, nil
}

// Dimension returns the stored embedding dimension, 0 when empty.
func (s *Store) Dimension(ctx context.Context) (int, error) {
	return scanDimension(s.db.QueryRowContext(ctx, "SELECT dim FROM identities LIMIT 1"))
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
func (s *Store) Get(ctx context.Context, identityID string) (*database.IdentityRecord, error) {
	records, err := s.query(ctx, "SELECT "+identityColumns+" FROM identities WHERE identity_id = ?", identityID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

// Upsert inserts or replaces identities in one transaction.
func (s *Store) Upsert(ctx context.Context, records []database.IdentityRecord) error {
	if len(records) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return database.Unavailable("begin transaction", err)
	}
	defer tx.Rollback()

	storedDim, err := scanDimension(tx.QueryRowContext(ctx, "SELECT dim FROM identities LIMIT 1"))
	if err != nil {
		return err
	}
	if _, err := database.ValidateRecords(records, storedDim); err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, rec := range records {
		updated := rec.UpdatedAt
		if updated.IsZero() {
			updated = now
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO identities (identity_id, owner_id, contact_id, display_name, relation_label,
			                        embedding, dim, model, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (identity_id) DO UPDATE SET
				owner_id = excluded.owner_id,
				contact_id = excluded.contact_id,
				display_name = excluded.display_name,
				relation_label = excluded.relation_label,
				embedding = excluded.embedding,
				dim = excluded.dim,
				model = excluded.model,
				updated_at = excluded.updated_at
		`,
			rec.IdentityID, rec.OwnerID, rec.ContactID, rec.DisplayName, rec.RelationLabel,
			EncodeEmbedding(rec.Embedding), len(rec.Embedding), rec.Model, updated.UnixNano(),
		)
		if err != nil {
			return database.Unavailable(fmt.Sprintf("upsert identity %s", rec.IdentityID), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return database.Unavailable("commit transaction", err)
	}
	return nil
}

// Delete removes identities by id.
func (s *Store) Delete(ctx context.Context, identityIDs ...string) (int, error) {
	if len(identityIDs) == 0 {
		return 0, nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(identityIDs)), ",")
	args := make([]any, len(identityIDs))
	for i, id := range identityIDs {
		args[i] = id
	}

	res, err := s.db.ExecContext(ctx, "DELETE FROM identities WHERE identity_id IN ("+placeholders+")", args...)
	if err != nil {
		return 0, database.Unavailable("delete identities", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, database.Unavailable("delete identities", err)
	}
	return int(n), nil
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing sqlite database: %w", err)
	}
	return nil
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]database.IdentityRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, database.Unavailable("query identities", err)
	}
	defer rows.Close()

	var out []database.IdentityRecord
	for rows.Next() {
		var (
			rec     database.IdentityRecord
			blob    []byte
			updated int64
		)
		if err := rows.Scan(&rec.IdentityID, &rec.OwnerID, &rec.ContactID, &rec.DisplayName,
			&rec.RelationLabel, &blob, &rec.Model, &updated); err != nil {
			return nil, database.Unavailable("scan identity", err)
		}
		if rec.Embedding, err = DecodeEmbedding(blob); err != nil {
			return nil, fmt.Errorf("identity %s: %w", rec.IdentityID, err)
		}
		rec.UpdatedAt = time.Unix(0, updated).UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, database.Unavailable("iterate identities", err)
	}
	return out, nil
}
