// Package snapshot reconstructs table/row state by folding the change
// log up to a given point: either the newest non-delete change per
// column (reconstructRow) or the ancestor-commit-folded state of an
// entire document (documentSnapshot).
package snapshot

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/untoldecay/crrsync/internal/changelog"
	"github.com/untoldecay/crrsync/internal/pkcodec"
)

// Row is a reconstructed row: column name to its latest value. A row with
// no changes at all is represented by a nil Row (reconstructRow returns
// ok=false).
type Row map[string]string

// ReconstructRow folds all non-delete changes for (table, pk) into the
// newest value per column. It returns ok=false if no changes exist for
// the row at all.
func ReconstructRow(ctx context.Context, q changelog.Queryer, table, pk string) (Row, bool, error) {
	latest, err := changelog.LatestNonDeletePerColumn(ctx, q, table, pk)
	if err != nil {
		return nil, false, fmt.Errorf("snapshot: reconstruct row: %w", err)
	}
	if len(latest) == 0 {
		return nil, false, nil
	}
	row := make(Row, len(latest))
	for col, c := range latest {
		row[col] = c.Value
	}
	return row, true, nil
}

// Document is the folded state of every table in a document as of one
// commit: the result of folding every ancestor commit's changes by
// (table, pk, column) keeping the LWW winner.
type Document struct {
	commit string
	rows   map[string]map[string]Row      // table -> pk -> row
	dead   map[string]map[string]struct{} // table -> pk -> tombstoned
}

// Commit returns the commit id this snapshot was built for.
func (d *Document) Commit() string { return d.commit }

// GetRow returns the folded row for (table, pk), or ok=false if the row
// does not exist or its fold has an active tombstone.
func (d *Document) GetRow(table, pk string) (Row, bool) {
	if dead, ok := d.dead[table]; ok {
		if _, tombstoned := dead[pk]; tombstoned {
			return nil, false
		}
	}
	rows, ok := d.rows[table]
	if !ok {
		return nil, false
	}
	row, ok := rows[pk]
	return row, ok
}

// GetRows returns every live row of table.
func (d *Document) GetRows(table string) map[string]Row {
	out := make(map[string]Row)
	dead := d.dead[table]
	for pk, row := range d.rows[table] {
		if _, tombstoned := dead[pk]; tombstoned {
			continue
		}
		out[pk] = row
	}
	return out
}

// cellWinner tracks the current LWW winner for one (table, pk, column).
type cellWinner struct {
	value     string
	createdAt string
}

// BuildDocument folds every change belonging to the ancestor commits of
// `commit` (commit itself included) into a Document snapshot. ancestors
// must already be in an order where ties do not matter — folding is
// commutative under LWW by created_at, with lexicographic value tiebreak
// then true, matching apply.Wins.
func BuildDocument(ctx context.Context, q changelog.Queryer, document, commit string, ancestorCommits []string) (*Document, error) {
	versions := append([]string{commit}, ancestorCommits...)
	changes, err := changelog.ForVersions(ctx, q, document, versions)
	if err != nil {
		return nil, fmt.Errorf("snapshot: build document: %w", err)
	}

	type cellKey struct{ table, pk, column string }
	winners := make(map[cellKey]cellWinner)
	tombstones := make(map[[2]string]cellWinner) // [table,pk] -> latest delete cell

	for _, c := range changes {
		if c.Type == changelog.Delete {
			k := [2]string{c.Table, c.PK}
			cur, ok := tombstones[k]
			if !ok || wins(c.CreatedAt, c.Value, cur.createdAt, cur.value) {
				tombstones[k] = cellWinner{value: c.Value, createdAt: c.CreatedAt}
			}
			continue
		}
		k := cellKey{c.Table, c.PK, c.Column}
		cur, ok := winners[k]
		if !ok || wins(c.CreatedAt, c.Value, cur.createdAt, cur.value) {
			winners[k] = cellWinner{value: c.Value, createdAt: c.CreatedAt}
		}
	}

	doc := &Document{
		commit: commit,
		rows:   make(map[string]map[string]Row),
		dead:   make(map[string]map[string]struct{}),
	}
	for k, w := range winners {
		if _, ok := doc.rows[k.table]; !ok {
			doc.rows[k.table] = make(map[string]Row)
		}
		if _, ok := doc.rows[k.table][k.pk]; !ok {
			doc.rows[k.table][k.pk] = make(Row)
		}
		doc.rows[k.table][k.pk][k.column] = w.value
	}
	for k, w := range tombstones {
		if w.value != "1" {
			continue
		}
		table, pk := k[0], k[1]
		if _, ok := doc.dead[table]; !ok {
			doc.dead[table] = make(map[string]struct{})
		}
		doc.dead[table][pk] = struct{}{}
	}
	return doc, nil
}

// wins mirrors apply.Wins on raw fields (newer created_at wins, then the
// lexicographically larger value, then true) without importing the apply
// package.
func wins(aCreatedAt, aValue, bCreatedAt, bValue string) bool {
	if aCreatedAt != bCreatedAt {
		return aCreatedAt > bCreatedAt
	}
	if aValue != bValue {
		return aValue > bValue
	}
	return true
}

// ApplyToDatabase truncates the document's replicated tables (every
// table named in tableColumns, which maps each table to its PK columns)
// and re-inserts the folded live rows, the effect checkout() and three-way merge
// both need when moving the live user tables to a computed snapshot.
func ApplyToDatabase(ctx context.Context, tx *sql.Tx, doc *Document, tableColumns map[string][]string) error {
	for table, pkCols := range tableColumns {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %q", table)); err != nil { // #nosec G201 -- table names come from the schema registry
			return fmt.Errorf("snapshot: truncate %s: %w", table, err)
		}
		for pk, row := range doc.rows[table] {
			if _, tombstoned := doc.dead[table][pk]; tombstoned {
				continue
			}
			if err := insertRow(ctx, tx, table, pkCols, pk, row); err != nil {
				return err
			}
		}
	}
	return nil
}

func insertRow(ctx context.Context, tx *sql.Tx, table string, pkCols []string, pk string, row Row) error {
	values := pkcodec.Decode(pk)
	cols := append([]string(nil), pkCols...)
	args := make([]any, 0, len(cols)+len(row))
	for _, v := range values {
		args = append(args, v)
	}
	for col, val := range row {
		cols = append(cols, col)
		args = append(args, val)
	}
	quoted := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = fmt.Sprintf("%q", c)
		placeholders[i] = "?"
	}
	q := fmt.Sprintf("INSERT OR IGNORE INTO %q (%s) VALUES (%s)", table, join(quoted), join(placeholders)) // #nosec G201
	_, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("snapshot: insert %s: %w", table, err)
	}
	return nil
}

func join(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}
