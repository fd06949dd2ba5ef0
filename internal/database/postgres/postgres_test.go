//go:build integration

package postgres

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/kozaktomas/recall/internal/config"
	"github.com/kozaktomas/recall/internal/database"
	"github.com/kozaktomas/recall/internal/faceengine"
)

func setupTestContainer(t *testing.T) (*Pool, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "pgvector/pgvector:pg16",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("Docker not available or container failed to start, skipping integration test: %v", err)
		return nil, func() {}
	}
	if container == nil {
		t.Skip("Docker not available, skipping integration test")
		return nil, func() {}
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	cfg := &config.DatabaseConfig{
		URL:          fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port()),
		MaxOpenConns: 5,
		MaxIdleConns: 2,
	}

	pool, err := NewPool(ctx, cfg)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("Failed to create pool: %v", err)
	}

	if err := pool.Migrate(ctx, nil); err != nil {
		pool.Close()
		_ = container.Terminate(ctx)
		t.Fatalf("Failed to run migrations: %v", err)
	}

	cleanup := func() {
		pool.Close()
		_ = container.Terminate(ctx)
	}

	return pool, cleanup
}

func identity(contactID, owner int64, name string, emb []float32) database.IdentityRecord {
	return database.IdentityRecord{
		IdentityID:    database.IdentityIDForContact(contactID),
		DisplayName:   name,
		RelationLabel: "friend",
		OwnerID:       owner,
		ContactID:     contactID,
		Embedding:     emb,
		Model:         "buffalo_l",
	}
}

func TestIdentityRepository(t *testing.T) {
	pool, cleanup := setupTestContainer(t)
	if pool == nil {
		return
	}
	defer cleanup()

	ctx := context.Background()
	repo := NewIdentityRepository(pool, nil)

	t.Run("EmptyStore", func(t *testing.T) {
		count, err := repo.Count(ctx)
		if err != nil {
			t.Fatalf("Count() error: %v", err)
		}
		if count != 0 {
			t.Errorf("Expected 0 identities, got %d", count)
		}
		dim, err := repo.Dimension(ctx)
		if err != nil {
			t.Fatalf("Dimension() error: %v", err)
		}
		if dim != 0 {
			t.Errorf("Expected dimension 0, got %d", dim)
		}
	})

	t.Run("UpsertIsIdempotent", func(t *testing.T) {
		alice := identity(1, 10, "Alice", []float32{1, 0, 0})
		for i := 0; i < 2; i++ {
			if err := repo.Upsert(ctx, []database.IdentityRecord{alice}); err != nil {
				t.Fatalf("Upsert() error: %v", err)
			}
		}
		count, _ := repo.Count(ctx)
		if count != 1 {
			t.Errorf("Expected 1 identity after repeated upsert, got %d", count)
		}

		alice.DisplayName = "Alice B."
		if err := repo.Upsert(ctx, []database.IdentityRecord{alice}); err != nil {
			t.Fatalf("Upsert() error: %v", err)
		}
		got, err := repo.Get(ctx, alice.IdentityID)
		if err != nil {
			t.Fatalf("Get() error: %v", err)
		}
		if got == nil || got.DisplayName != "Alice B." {
			t.Errorf("Expected overwritten display name, got %+v", got)
		}
	})

	t.Run("QueryNearestWithOwnerFilter", func(t *testing.T) {
		err := repo.Upsert(ctx, []database.IdentityRecord{
			identity(2, 10, "Bob", []float32{0, 1, 0}),
			identity(3, 20, "Carol", []float32{1, 0.1, 0}),
		})
		if err != nil {
			t.Fatalf("Upsert() error: %v", err)
		}

		all, err := repo.QueryNearest(ctx, []float32{1, 0, 0}, 3, nil)
		if err != nil {
			t.Fatalf("QueryNearest() error: %v", err)
		}
		if len(all) != 3 || all[0].Record.ContactID != 1 || all[1].Record.ContactID != 3 {
			t.Fatalf("Expected Alice then Carol first, got %+v", all)
		}
		if all[0].Distance > 1e-6 {
			t.Errorf("Expected zero distance for identical vector, got %v", all[0].Distance)
		}

		owner := int64(20)
		scoped, err := repo.QueryNearest(ctx, []float32{1, 0, 0}, 3, &owner)
		if err != nil {
			t.Fatalf("QueryNearest() error: %v", err)
		}
		if len(scoped) != 1 || scoped[0].Record.DisplayName != "Carol" {
			t.Errorf("Expected only Carol for owner 20, got %+v", scoped)
		}
	})

	t.Run("RejectsDimensionMismatch", func(t *testing.T) {
		err := repo.Upsert(ctx, []database.IdentityRecord{identity(4, 10, "Dave", []float32{1, 0})})
		if !errors.Is(err, faceengine.ErrDimensionMismatch) {
			t.Errorf("Expected dimension mismatch, got %v", err)
		}
	})

	t.Run("HNSWMatchesSQL", func(t *testing.T) {
		if err := repo.EnableHNSW(ctx, ""); err != nil {
			t.Fatalf("EnableHNSW() error: %v", err)
		}
		got, err := repo.QueryNearest(ctx, []float32{0, 1, 0}, 1, nil)
		if err != nil {
			t.Fatalf("QueryNearest() error: %v", err)
		}
		if len(got) != 1 || got[0].Record.DisplayName != "Bob" {
			t.Errorf("Expected Bob from HNSW index, got %+v", got)
		}
		if repo.IndexStats().Live != 3 {
			t.Errorf("Expected 3 indexed identities, got %d", repo.IndexStats().Live)
		}
	})

	t.Run("HNSWSnapshotReload", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "identities.idx")
		if err := repo.EnableHNSW(ctx, path); err != nil {
			t.Fatalf("EnableHNSW() error: %v", err)
		}
		if err := repo.saveHNSW(); err != nil {
			t.Fatalf("saveHNSW() error: %v", err)
		}

		other := NewIdentityRepository(pool, nil)
		idx, err := other.loadSnapshot(ctx, path)
		if err != nil {
			t.Fatalf("loadSnapshot() error: %v", err)
		}
		if idx == nil || idx.Count() != 3 {
			t.Fatalf("Expected the fresh snapshot to load with 3 identities, got %v", idx)
		}

		if err := repo.Upsert(ctx, []database.IdentityRecord{identity(5, 10, "Erin", []float32{0, 0, 1})}); err != nil {
			t.Fatalf("Upsert() error: %v", err)
		}
		idx, err = other.loadSnapshot(ctx, path)
		if err != nil {
			t.Fatalf("loadSnapshot() error: %v", err)
		}
		if idx != nil {
			t.Error("Expected a stale snapshot to be rejected")
		}
	})

	t.Run("Delete", func(t *testing.T) {
		n, err := repo.Delete(ctx, database.IdentityIDForContact(2), "missing")
		if err != nil {
			t.Fatalf("Delete() error: %v", err)
		}
		if n != 1 {
			t.Errorf("Expected 1 deleted, got %d", n)
		}
		got, _ := repo.QueryNearest(ctx, []float32{0, 1, 0}, 3, nil)
		for _, nb := range got {
			if nb.Record.DisplayName == "Bob" {
				t.Error("Expected Bob to be gone from the index")
			}
		}
	})
}

func TestMigrationsAreIdempotent(t *testing.T) {
	pool, cleanup := setupTestContainer(t)
	if pool == nil {
		return
	}
	defer cleanup()

	ctx := context.Background()
	if err := pool.Migrate(ctx, nil); err != nil {
		t.Fatalf("second Migrate() error: %v", err)
	}
	applied, err := pool.MigrationsApplied(ctx)
	if err != nil {
		t.Fatalf("MigrationsApplied() error: %v", err)
	}
	if len(applied) != 1 {
		t.Errorf("Expected 1 applied migration, got %v", applied)
	}
}
