package apply

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/untoldecay/crrsync/internal/changelog"
	"github.com/untoldecay/crrsync/internal/hlc"
	"github.com/untoldecay/crrsync/internal/schema"
)

// TestS4Resurrection mirrors spec scenario S4: parent P tombstoned at
// HLC 50, child C updated at HLC 60 by a replica unaware of the delete.
// After apply, P is reconstructed and C is inserted; P's tombstone is
// cancelled.
func TestS4Resurrection(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	for _, ddl := range []string{
		changelog.DDL,
		`CREATE TABLE lists (id TEXT PRIMARY KEY, title TEXT)`,
		`CREATE TABLE items (id TEXT PRIMARY KEY, list_id TEXT, name TEXT)`,
	} {
		if _, err := db.Exec(ddl); err != nil {
			t.Fatal(err)
		}
	}
	reg := schema.NewRegistry()
	if err := reg.UpgradeTable("lists", []string{"id"}, []schema.ColumnOptions{{Name: "title", Replicate: true}}); err != nil {
		t.Fatal(err)
	}
	if err := reg.UpgradeTable("items", []string{"id"}, []schema.ColumnOptions{
		{Name: "list_id", Replicate: true, FK: &schema.ForeignKey{Table: "lists", Column: "id", OnDelete: schema.Cascade}},
		{Name: "name", Replicate: true},
	}); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	// Seed P's history (so reconstructRow has something to fold) and its
	// tombstone at HLC 50.
	seedTitle := changelog.Change{Type: changelog.Insert, Table: "lists", Column: "title", PK: "P", Value: "Groceries",
		SiteID: "seed", CreatedAt: "0000000000001-00000000", AppliedAt: 1, Version: "c0", Document: "doc"}
	if err := changelog.InsertIgnore(ctx, db, seedTitle); err != nil {
		t.Fatal(err)
	}
	tomb := changelog.Change{Type: changelog.Delete, Table: "lists", Column: changelog.TombstoneColumn, PK: "P", Value: "1",
		SiteID: "A", CreatedAt: "0000000000050-00000000", AppliedAt: 50, Version: "c1", Document: "doc"}
	if err := changelog.InsertIgnore(ctx, db, tomb); err != nil {
		t.Fatal(err)
	}

	tx, err := db.Begin()
	if err != nil {
		t.Fatal(err)
	}
	clock := hlc.New()
	e := New(reg, clock, Options{})

	incoming := []changelog.Change{
		{Type: changelog.Insert, Table: "items", Column: "list_id", PK: "C", Value: "P",
			SiteID: "B", CreatedAt: "0000000000060-00000000", AppliedAt: 60, Version: "c2", Document: "doc"},
		{Type: changelog.Insert, Table: "items", Column: "name", PK: "C", Value: "Milk",
			SiteID: "B", CreatedAt: "0000000000060-00000000", AppliedAt: 60, Version: "c2", Document: "doc"},
	}
	if _, err := e.Apply(ctx, tx, "local", "doc", incoming); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	var listCount, itemCount int
	if err := db.QueryRow(`SELECT COUNT(*) FROM lists WHERE id = 'P'`).Scan(&listCount); err != nil {
		t.Fatal(err)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM items WHERE id = 'C'`).Scan(&itemCount); err != nil {
		t.Fatal(err)
	}
	if listCount != 1 {
		t.Fatalf("expected parent P resurrected, got count=%d", listCount)
	}
	if itemCount != 1 {
		t.Fatalf("expected child C inserted, got count=%d", itemCount)
	}
	got, ok, err := changelog.LatestTombstone(ctx, db, "lists", "P")
	if err != nil || !ok {
		t.Fatalf("expected tombstone row, err=%v ok=%v", err, ok)
	}
	if got.Value != "0" {
		t.Fatalf("expected P's tombstone cancelled, got value=%q", got.Value)
	}
}

// TestResurrectionBlockedByNewerTombstone ensures a tombstone newer than
// the incoming change still wins, leaving the child un-inserted.
func TestResurrectionBlockedByNewerTombstone(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	for _, ddl := range []string{
		changelog.DDL,
		`CREATE TABLE lists (id TEXT PRIMARY KEY, title TEXT)`,
		`CREATE TABLE items (id TEXT PRIMARY KEY, list_id TEXT, name TEXT)`,
	} {
		if _, err := db.Exec(ddl); err != nil {
			t.Fatal(err)
		}
	}
	reg := schema.NewRegistry()
	if err := reg.UpgradeTable("lists", []string{"id"}, []schema.ColumnOptions{{Name: "title", Replicate: true}}); err != nil {
		t.Fatal(err)
	}
	if err := reg.UpgradeTable("items", []string{"id"}, []schema.ColumnOptions{
		{Name: "list_id", Replicate: true, FK: &schema.ForeignKey{Table: "lists", Column: "id", OnDelete: schema.Cascade}},
		{Name: "name", Replicate: true},
	}); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	tomb := changelog.Change{Type: changelog.Delete, Table: "lists", Column: changelog.TombstoneColumn, PK: "P", Value: "1",
		SiteID: "A", CreatedAt: "0000000000090-00000000", AppliedAt: 90, Version: "c1", Document: "doc"}
	if err := changelog.InsertIgnore(ctx, db, tomb); err != nil {
		t.Fatal(err)
	}

	tx, err := db.Begin()
	if err != nil {
		t.Fatal(err)
	}
	clock := hlc.New()
	e := New(reg, clock, Options{})

	incoming := []changelog.Change{
		{Type: changelog.Insert, Table: "items", Column: "list_id", PK: "C", Value: "P",
			SiteID: "B", CreatedAt: "0000000000060-00000000", AppliedAt: 60, Version: "c2", Document: "doc"},
	}
	if _, err := e.Apply(ctx, tx, "local", "doc", incoming); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	var itemCount int
	if err := db.QueryRow(`SELECT COUNT(*) FROM items WHERE id = 'C'`).Scan(&itemCount); err != nil {
		t.Fatal(err)
	}
	if itemCount != 0 {
		t.Fatalf("expected the insert to be skipped since the tombstone outranks it, got count=%d", itemCount)
	}
}
