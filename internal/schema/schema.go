// Package schema holds the per-table, per-column metadata that the rest
// of the engine consults to decide how a column should be tracked,
// merged, and cascaded: last-writer-wins vs. fractional-index ordering,
// foreign-key targets and on-delete behavior, and the replicate /
// manual-conflict flags.
package schema

import (
	"fmt"
	"sync"
)

// ColumnType is the merge discipline applied to a column's changes.
type ColumnType string

const (
	LWW             ColumnType = "lww"
	FractionalIndex ColumnType = "fractional_index"
)

// OnDelete is the foreign-key delete action recorded for a column that
// references another table.
type OnDelete string

const (
	Cascade  OnDelete = "CASCADE"
	Restrict OnDelete = "RESTRICT"
	NoAction OnDelete = "NO_ACTION"
)

// ForeignKey describes the target of a column that references another
// table's row.
type ForeignKey struct {
	Table    string
	Column   string
	OnDelete OnDelete
}

// Column is the full metadata record for one (table, column) pair.
type Column struct {
	Table  string
	Name   string
	Type   ColumnType
	FK     *ForeignKey
	// ParentColID names the grouping column that defines the ordered
	// list for a FractionalIndex column; empty for LWW columns.
	ParentColID string
	// Replicate controls whether trigger-emitted changes are recorded
	// for this column at all. Non-replicable columns are reset to their
	// local default and never appear in the change log.
	Replicate bool
	// ManualConflict marks a column whose three-way merge conflicts must
	// be surfaced as a conflict record instead of resolved by LWW.
	ManualConflict bool
}

// ColumnOptions is the caller-supplied per-column configuration passed to
// UpgradeTable; engine-discovered type/FK metadata is merged with it.
type ColumnOptions struct {
	Name           string
	FK             *ForeignKey
	Replicate      bool
	ManualConflict bool
}

// Table is the full metadata record for one table.
type Table struct {
	Name      string
	PKColumns []string
	Columns   map[string]*Column // keyed by column name
}

// column looks up one column by name.
func (t *Table) column(name string) (*Column, bool) {
	c, ok := t.Columns[name]
	return c, ok
}

// Registry is the process-wide, concurrency-safe schema metadata store.
// It has no database handle of its own: callers that introspect the
// underlying SQL engine's catalog pass the discovered PK columns and
// per-column options to UpgradeTable.
type Registry struct {
	mu     sync.RWMutex
	tables map[string]*Table
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tables: make(map[string]*Table)}
}

// UpgradeTable scans the caller-supplied column list and inserts one
// column-metadata row per column, defaulting to LWW type. It is safe to
// call repeatedly; later calls replace the table's metadata wholesale,
// matching the idempotent "finalize" semantics of the trigger installer.
func (r *Registry) UpgradeTable(table string, pkColumns []string, columns []ColumnOptions) error {
	if table == "" {
		return fmt.Errorf("schema: table name required")
	}
	if len(pkColumns) == 0 {
		return fmt.Errorf("schema: %s: at least one PK column required", table)
	}
	cols := make(map[string]*Column, len(columns))
	for _, opt := range columns {
		if opt.Name == "" {
			return fmt.Errorf("schema: %s: column name required", table)
		}
		cols[opt.Name] = &Column{
			Table:          table,
			Name:           opt.Name,
			Type:           LWW,
			FK:             opt.FK,
			Replicate:      opt.Replicate,
			ManualConflict: opt.ManualConflict,
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tables[table] = &Table{Name: table, PKColumns: append([]string(nil), pkColumns...), Columns: cols}
	return nil
}

// UpgradeColumnToFractionalIndex switches a column's type and records its
// grouping (parent) column, which defines the ordered sibling list.
func (r *Registry) UpgradeColumnToFractionalIndex(table, column, parentColumn string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tables[table]
	if !ok {
		return fmt.Errorf("schema: unknown table %q", table)
	}
	c, ok := t.column(column)
	if !ok {
		return fmt.Errorf("schema: unknown column %q on table %q", column, table)
	}
	c.Type = FractionalIndex
	c.ParentColID = parentColumn
	return nil
}

// Table returns the metadata for table, or false if it has not been
// upgraded.
func (r *Registry) Table(table string) (*Table, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tables[table]
	return t, ok
}

// Column returns the metadata for (table, column), or false if unknown.
func (r *Registry) Column(table, column string) (*Column, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tables[table]
	if !ok {
		return nil, false
	}
	return t.column(column)
}

// ReplicatedColumns returns the names of table's replicated columns.
func (r *Registry) ReplicatedColumns(table string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tables[table]
	if !ok {
		return nil
	}
	var out []string
	for name, c := range t.Columns {
		if c.Replicate {
			out = append(out, name)
		}
	}
	return out
}

// CascadeChildren returns every (table, column) pair registered anywhere
// in the registry whose foreign key targets the given table with
// ON DELETE CASCADE. Used by the apply engine's resurrection and delete
// policy to walk cascade-linked child rows.
func (r *Registry) CascadeChildren(targetTable string) []*Column {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Column
	for _, t := range r.tables {
		for _, c := range t.Columns {
			if c.FK != nil && c.FK.Table == targetTable && c.FK.OnDelete == Cascade {
				out = append(out, c)
			}
		}
	}
	return out
}

// Tables returns the names of every upgraded table.
func (r *Registry) Tables() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tables))
	for name := range r.tables {
		out = append(out, name)
	}
	return out
}
