package schema

import "testing"

func TestUpgradeTableAndLookup(t *testing.T) {
	r := NewRegistry()
	err := r.UpgradeTable("todos", []string{"id"}, []ColumnOptions{
		{Name: "name", Replicate: true},
		{Name: "finished", Replicate: true},
		{Name: "secret", Replicate: false},
	})
	if err != nil {
		t.Fatal(err)
	}
	col, ok := r.Column("todos", "name")
	if !ok || col.Type != LWW {
		t.Fatalf("expected lww column, got %+v ok=%v", col, ok)
	}
	rep := r.ReplicatedColumns("todos")
	if len(rep) != 2 {
		t.Fatalf("expected 2 replicated columns, got %v", rep)
	}
}

func TestUpgradeColumnToFractionalIndex(t *testing.T) {
	r := NewRegistry()
	if err := r.UpgradeTable("items", []string{"id"}, []ColumnOptions{{Name: "position", Replicate: true}}); err != nil {
		t.Fatal(err)
	}
	if err := r.UpgradeColumnToFractionalIndex("items", "position", "list_id"); err != nil {
		t.Fatal(err)
	}
	col, _ := r.Column("items", "position")
	if col.Type != FractionalIndex || col.ParentColID != "list_id" {
		t.Fatalf("unexpected column: %+v", col)
	}
}

func TestCascadeChildren(t *testing.T) {
	r := NewRegistry()
	if err := r.UpgradeTable("lists", []string{"id"}, []ColumnOptions{{Name: "title", Replicate: true}}); err != nil {
		t.Fatal(err)
	}
	if err := r.UpgradeTable("items", []string{"id"}, []ColumnOptions{
		{Name: "list_id", Replicate: true, FK: &ForeignKey{Table: "lists", Column: "id", OnDelete: Cascade}},
	}); err != nil {
		t.Fatal(err)
	}
	children := r.CascadeChildren("lists")
	if len(children) != 1 || children[0].Table != "items" {
		t.Fatalf("unexpected cascade children: %+v", children)
	}
}

func TestUpgradeTableRequiresPK(t *testing.T) {
	r := NewRegistry()
	if err := r.UpgradeTable("t", nil, nil); err == nil {
		t.Fatal("expected error for missing PK columns")
	}
}
