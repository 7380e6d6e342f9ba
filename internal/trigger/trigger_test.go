package trigger

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/untoldecay/crrsync/internal/changelog"
	"github.com/untoldecay/crrsync/internal/schema"
)

func setup(t *testing.T) (*sql.DB, *schema.Registry) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	for _, ddl := range []string{changelog.DDL, TempDDL, `CREATE TABLE todos (id TEXT PRIMARY KEY, name TEXT, finished INTEGER)`} {
		if _, err := db.Exec(ddl); err != nil {
			t.Fatal(err)
		}
	}
	ctx := context.Background()
	if err := EnsureTempRow(ctx, db); err != nil {
		t.Fatal(err)
	}
	reg := schema.NewRegistry()
	if err := reg.UpgradeTable("todos", []string{"id"}, []schema.ColumnOptions{
		{Name: "name", Replicate: true},
		{Name: "finished", Replicate: true},
	}); err != nil {
		t.Fatal(err)
	}
	return db, reg
}

func TestFinalizeInstallsTriggersAndCapturesInsert(t *testing.T) {
	db, reg := setup(t)
	ctx := context.Background()
	if err := Finalize(ctx, db, reg, "site-a"); err != nil {
		t.Fatal(err)
	}
	if err := SetSession(ctx, db, "0001-0000", "doc"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`INSERT INTO todos (id, name, finished) VALUES ('1', 'buy milk', 0)`); err != nil {
		t.Fatal(err)
	}
	rows, err := changelog.LatestNonDeletePerColumn(ctx, db, "todos", "1")
	if err != nil {
		t.Fatal(err)
	}
	if rows["name"].Value != "buy milk" || rows["name"].SiteID != "site-a" {
		t.Fatalf("unexpected rows: %+v", rows)
	}
}

func TestUpdateTriggerOnlyFiresOnChangedColumns(t *testing.T) {
	db, reg := setup(t)
	ctx := context.Background()
	if err := Finalize(ctx, db, reg, "site-a"); err != nil {
		t.Fatal(err)
	}
	if err := SetSession(ctx, db, "0001-0000", "doc"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`INSERT INTO todos (id, name, finished) VALUES ('1', 'buy milk', 0)`); err != nil {
		t.Fatal(err)
	}
	if err := SetSession(ctx, db, "0002-0000", "doc"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`UPDATE todos SET name = 'buy milk' WHERE id = '1'`); err != nil {
		t.Fatal(err)
	}
	rows, err := changelog.LatestNonDeletePerColumn(ctx, db, "todos", "1")
	if err != nil {
		t.Fatal(err)
	}
	if rows["name"].Type != changelog.Insert {
		t.Fatalf("expected no-op update to leave the insert row untouched, got %+v", rows["name"])
	}
}

func TestDeleteTriggerInsertsTombstone(t *testing.T) {
	db, reg := setup(t)
	ctx := context.Background()
	if err := Finalize(ctx, db, reg, "site-a"); err != nil {
		t.Fatal(err)
	}
	if err := SetSession(ctx, db, "0001-0000", "doc"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`INSERT INTO todos (id, name, finished) VALUES ('1', 'buy milk', 0)`); err != nil {
		t.Fatal(err)
	}
	if err := SetSession(ctx, db, "0002-0000", "doc"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`DELETE FROM todos WHERE id = '1'`); err != nil {
		t.Fatal(err)
	}
	tomb, ok, err := changelog.LatestTombstone(ctx, db, "todos", "1")
	if err != nil || !ok {
		t.Fatalf("expected tombstone, err=%v ok=%v", err, ok)
	}
	if tomb.Value != "1" {
		t.Fatalf("expected active tombstone, got value=%q", tomb.Value)
	}
}

func TestTimeTravellingSuppressesTriggers(t *testing.T) {
	db, reg := setup(t)
	ctx := context.Background()
	if err := Finalize(ctx, db, reg, "site-a"); err != nil {
		t.Fatal(err)
	}
	if err := SetTimeTravelling(ctx, db, true); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`INSERT INTO todos (id, name, finished) VALUES ('1', 'buy milk', 0)`); err != nil {
		t.Fatal(err)
	}
	rows, err := changelog.LatestNonDeletePerColumn(ctx, db, "todos", "1")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no change rows while time_travelling, got %+v", rows)
	}
}
