package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/kozaktomas/recall/internal/config"
	"github.com/kozaktomas/recall/internal/database"
	"github.com/kozaktomas/recall/internal/faceengine"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "identities.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func rec(id string, owner int64, emb ...float32) database.IdentityRecord {
	return database.IdentityRecord{
		IdentityID:  id,
		OwnerID:     owner,
		ContactID:   owner*100 + int64(len(id)),
		DisplayName: "Person " + id,
		Embedding:   emb,
		Model:       "buffalo_l",
	}
}

func TestEmbeddingEncoding(t *testing.T) {
	in := []float32{0.5, -1.25, 3}
	out, err := DecodeEmbedding(EncodeEmbedding(in))
	if err != nil {
		t.Fatalf("DecodeEmbedding() error: %v", err)
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("out[%d] = %v, want %v", i, out[i], in[i])
		}
	}

	if _, err := DecodeEmbedding([]byte{1, 2, 3}); err == nil {
		t.Error("Expected error for truncated blob")
	}
}

func TestOpenInMemory(t *testing.T) {
	s, err := Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) error: %v", err)
	}
	defer s.Close()

	n, err := s.Count(context.Background())
	if err != nil || n != 0 {
		t.Errorf("Expected empty store, got %d (%v)", n, err)
	}
}

func TestStore_EmptyStore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	dim, err := s.Dimension(ctx)
	if err != nil || dim != 0 {
		t.Errorf("Expected dimension 0, got %d (%v)", dim, err)
	}
	neighbors, err := s.QueryNearest(ctx, []float32{1, 0}, 1, nil)
	if err != nil {
		t.Fatalf("QueryNearest() error: %v", err)
	}
	if len(neighbors) != 0 {
		t.Errorf("Expected no neighbors, got %d", len(neighbors))
	}
}

func TestStore_UpsertIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	r := rec("a", 1, 1, 0, 0)
	for i := 0; i < 3; i++ {
		if err := s.Upsert(ctx, []database.IdentityRecord{r}); err != nil {
			t.Fatalf("Upsert() error: %v", err)
		}
	}
	r.DisplayName = "Renamed"
	if err := s.Upsert(ctx, []database.IdentityRecord{r}); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}

	n, _ := s.Count(ctx)
	if n != 1 {
		t.Errorf("Expected 1 identity, got %d", n)
	}
	got, err := s.Get(ctx, "a")
	if err != nil || got == nil {
		t.Fatalf("Get() = %v, %v", got, err)
	}
	if got.DisplayName != "Renamed" || got.Model != "buffalo_l" || got.UpdatedAt.IsZero() {
		t.Errorf("Unexpected stored record %+v", got)
	}
	if len(got.Embedding) != 3 || got.Embedding[0] != 1 {
		t.Errorf("Unexpected embedding %v", got.Embedding)
	}
}

func TestStore_QueryNearestOrderAndOwner(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.Upsert(ctx, []database.IdentityRecord{
		rec("a", 1, 1, 0),
		rec("b", 1, 0.8, 0.6),
		rec("c", 2, 1, 0.01),
	})
	if err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}

	all, err := s.QueryNearest(ctx, []float32{1, 0}, 2, nil)
	if err != nil {
		t.Fatalf("QueryNearest() error: %v", err)
	}
	if len(all) != 2 || all[0].Record.IdentityID != "a" || all[1].Record.IdentityID != "c" {
		t.Errorf("Unexpected global order %+v", all)
	}
	if all[0].Distance > 1e-6 {
		t.Errorf("Expected exact match distance ~0, got %v", all[0].Distance)
	}

	owner := int64(1)
	scoped, err := s.QueryNearest(ctx, []float32{1, 0}, 5, &owner)
	if err != nil {
		t.Fatalf("QueryNearest() error: %v", err)
	}
	if len(scoped) != 2 {
		t.Fatalf("Expected 2 owner-scoped neighbors, got %d", len(scoped))
	}
	for _, n := range scoped {
		if n.Record.OwnerID != owner {
			t.Errorf("Owner filter leaked identity %s of owner %d", n.Record.IdentityID, n.Record.OwnerID)
		}
	}
}

func TestStore_RejectsDimensionMismatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_ = s.Upsert(ctx, []database.IdentityRecord{rec("a", 1, 1, 0, 0)})

	err := s.Upsert(ctx, []database.IdentityRecord{rec("b", 1, 1, 0)})
	if !errors.Is(err, faceengine.ErrDimensionMismatch) {
		t.Fatalf("Expected dimension mismatch, got %v", err)
	}
	n, _ := s.Count(ctx)
	if n != 1 {
		t.Errorf("Expected rejected batch to roll back, got %d identities", n)
	}
}

func TestStore_QueryNearestDimensionMismatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Upsert(ctx, []database.IdentityRecord{rec("a", 1, 1, 0, 0)}); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}

	_, err := s.QueryNearest(ctx, []float32{1, 0}, 1, nil)
	if !errors.Is(err, faceengine.ErrDimensionMismatch) {
		t.Errorf("Expected dimension mismatch, got %v", err)
	}
}

func TestStore_Delete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_ = s.Upsert(ctx, []database.IdentityRecord{rec("a", 1, 1, 0), rec("b", 1, 0, 1)})

	removed, err := s.Delete(ctx, "a", "missing")
	if err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if removed != 1 {
		t.Errorf("Expected 1 removed, got %d", removed)
	}
	if got, _ := s.Get(ctx, "a"); got != nil {
		t.Errorf("Expected a to be gone, got %+v", got)
	}
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identities.db")
	ctx := context.Background()

	s, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	_ = s.Upsert(ctx, []database.IdentityRecord{rec("a", 1, 1, 0)})
	_ = s.Close()

	s, err = Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer s.Close()
	n, _ := s.Count(ctx)
	if n != 1 {
		t.Errorf("Expected 1 identity after reopen, got %d", n)
	}
}

func TestRegisteredBackend(t *testing.T) {
	cfg := &config.Config{}
	cfg.Store.Backend = config.BackendSQLite
	cfg.Store.SQLitePath = filepath.Join(t.TempDir(), "via-registry.db")

	store, err := database.Open(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("database.Open() error: %v", err)
	}
	defer store.Close()
	if _, ok := store.(*Store); !ok {
		t.Errorf("Expected *sqlite.Store, got %T", store)
	}
}
