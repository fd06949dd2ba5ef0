package postgres

import (
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/kozaktomas/recall/internal/database"
)

func TestNearestQuery(t *testing.T) {
	tests := []struct {
		name        string
		filterOwner bool
		wantOwner   bool
	}{
		{"all owners", false, false},
		{"single owner", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := nearestQuery(tt.filterOwner)
			if got := strings.Contains(q, "owner_id = $3"); got != tt.wantOwner {
				t.Errorf("owner filter present = %v, want %v in %q", got, tt.wantOwner, q)
			}
			if !strings.Contains(q, "ORDER BY distance") || !strings.Contains(q, "LIMIT $2") {
				t.Errorf("expected ordered, limited query, got %q", q)
			}
		})
	}
}

func TestPendingMigrationFiles(t *testing.T) {
	files, err := pendingMigrationFiles(map[string]bool{})
	if err != nil {
		t.Fatalf("pendingMigrationFiles() error: %v", err)
	}
	if len(files) == 0 || files[0] != "001_identities.sql" {
		t.Fatalf("Expected 001_identities.sql first, got %v", files)
	}

	files, err = pendingMigrationFiles(map[string]bool{"001_identities.sql": true})
	if err != nil {
		t.Fatalf("pendingMigrationFiles() error: %v", err)
	}
	for _, f := range files {
		if f == "001_identities.sql" {
			t.Error("Expected applied migration to be skipped")
		}
	}
}

func TestSnapshotFresh(t *testing.T) {
	updated := time.Date(2026, 3, 1, 12, 0, 0, 123000, time.UTC)
	idx := database.NewHNSWIndex()
	idx.Put(database.IdentityRecord{IdentityID: "a", OwnerID: 1, Embedding: []float32{1, 0}, UpdatedAt: updated})
	idx.Put(database.IdentityRecord{IdentityID: "b", OwnerID: 1, Embedding: []float32{0, 1}, UpdatedAt: updated.Add(-time.Hour)})

	tests := []struct {
		name   string
		idx    *database.HNSWIndex
		count  int
		latest sql.NullTime
		want   bool
	}{
		{"matching table", idx, 2, sql.NullTime{Time: updated.In(time.Local), Valid: true}, true},
		{"row added", idx, 3, sql.NullTime{Time: updated, Valid: true}, false},
		{"row updated", idx, 2, sql.NullTime{Time: updated.Add(time.Second), Valid: true}, false},
		{"table empty", idx, 0, sql.NullTime{}, false},
		{"snapshot empty", database.NewHNSWIndex(), 0, sql.NullTime{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := snapshotFresh(tt.idx, tt.count, tt.latest); got != tt.want {
				t.Errorf("snapshotFresh() = %v, want %v", got, tt.want)
			}
		})
	}
}
