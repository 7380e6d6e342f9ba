package version

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/untoldecay/crrsync/internal/pkcodec"
	"github.com/untoldecay/crrsync/internal/schema"
)

// Conflict is a manual_conflict row surfaced by a three-way merge: the
// value each side holds for every disputed column, plus the common
// ancestor's value where known.
type Conflict struct {
	Document string
	Table    string
	PK       string
	Columns  []string
	Base     map[string]string
	Our      map[string]string
	Their    map[string]string
}

// Describe renders a short human-readable summary of the conflict, e.g.
// for a CLI prompt or log line.
func (c Conflict) Describe() string {
	cols := append([]string(nil), c.Columns...)
	sort.Strings(cols)
	var b strings.Builder
	fmt.Fprintf(&b, "%s[%s]: ", c.Table, c.PK)
	for i, col := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s: base=%q our=%q their=%q", col, c.Base[col], c.Our[col], c.Their[col])
	}
	return b.String()
}

func upsertConflict(ctx context.Context, tx *sql.Tx, c Conflict) error {
	cols := append([]string(nil), c.Columns...)
	sort.Strings(cols)
	base, err := json.Marshal(c.Base)
	if err != nil {
		return fmt.Errorf("version: marshal conflict base: %w", err)
	}
	our, err := json.Marshal(c.Our)
	if err != nil {
		return fmt.Errorf("version: marshal conflict our: %w", err)
	}
	their, err := json.Marshal(c.Their)
	if err != nil {
		return fmt.Errorf("version: marshal conflict their: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO crr_conflicts (document, "table", pk, columns, base, our, their)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (document, "table", pk) DO UPDATE SET
			columns=excluded.columns, base=excluded.base, our=excluded.our, their=excluded.their`,
		c.Document, c.Table, c.PK, strings.Join(cols, ","), string(base), string(our), string(their))
	if err != nil {
		return fmt.Errorf("version: upsert conflict %s[%s]: %w", c.Table, c.PK, err)
	}
	return nil
}

// GetConflicts returns every outstanding conflict for a table within a
// document.
func GetConflicts(ctx context.Context, tx *sql.Tx, document, table string) ([]Conflict, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT document, "table", pk, columns, base, our, their
		FROM crr_conflicts WHERE document = ? AND "table" = ?`, document, table)
	if err != nil {
		return nil, fmt.Errorf("version: get conflicts: %w", err)
	}
	defer rows.Close()

	var out []Conflict
	for rows.Next() {
		var c Conflict
		var cols, base, our, their string
		if err := rows.Scan(&c.Document, &c.Table, &c.PK, &cols, &base, &our, &their); err != nil {
			return nil, fmt.Errorf("version: scan conflict: %w", err)
		}
		c.Columns = strings.Split(cols, ",")
		if err := json.Unmarshal([]byte(base), &c.Base); err != nil {
			return nil, fmt.Errorf("version: unmarshal conflict base: %w", err)
		}
		if err := json.Unmarshal([]byte(our), &c.Our); err != nil {
			return nil, fmt.Errorf("version: unmarshal conflict our: %w", err)
		}
		if err := json.Unmarshal([]byte(their), &c.Their); err != nil {
			return nil, fmt.Errorf("version: unmarshal conflict their: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ColumnChoice picks which side's value to keep for one disputed column.
type ColumnChoice struct {
	Column string
	Source string // "our", "their", or "base"
}

// ResolveConflict writes the chosen values directly to the live row and
// deletes the conflict record (§4.9).
func ResolveConflict(ctx context.Context, tx *sql.Tx, reg *schema.Registry, document, table, pk string, choices []ColumnChoice) error {
	t, ok := reg.Table(table)
	if !ok {
		return fmt.Errorf("version: resolve conflict: table %q not upgraded", table)
	}
	row := tx.QueryRowContext(ctx, `SELECT base, our, their FROM crr_conflicts WHERE document = ? AND "table" = ? AND pk = ?`,
		document, table, pk)
	var baseJSON, ourJSON, theirJSON string
	if err := row.Scan(&baseJSON, &ourJSON, &theirJSON); err != nil {
		return fmt.Errorf("version: resolve conflict: load %s[%s]: %w", table, pk, err)
	}
	base := map[string]string{}
	our := map[string]string{}
	their := map[string]string{}
	if err := json.Unmarshal([]byte(baseJSON), &base); err != nil {
		return fmt.Errorf("version: resolve conflict: unmarshal base: %w", err)
	}
	if err := json.Unmarshal([]byte(ourJSON), &our); err != nil {
		return fmt.Errorf("version: resolve conflict: unmarshal our: %w", err)
	}
	if err := json.Unmarshal([]byte(theirJSON), &their); err != nil {
		return fmt.Errorf("version: resolve conflict: unmarshal their: %w", err)
	}

	setClauses := make([]string, 0, len(choices))
	args := make([]any, 0, len(choices)+len(t.PKColumns))
	for _, ch := range choices {
		var value string
		switch ch.Source {
		case "our":
			value = our[ch.Column]
		case "their":
			value = their[ch.Column]
		case "base":
			value = base[ch.Column]
		default:
			return fmt.Errorf("version: resolve conflict: unknown source %q", ch.Source)
		}
		setClauses = append(setClauses, fmt.Sprintf("%q = ?", ch.Column))
		args = append(args, value)
	}
	if len(setClauses) > 0 {
		pkVals := pkcodec.Decode(pk)
		if len(pkVals) != len(t.PKColumns) {
			return fmt.Errorf("version: resolve conflict: %s: pk %q decodes to %d parts, want %d", table, pk, len(pkVals), len(t.PKColumns))
		}
		whereClauses := make([]string, len(t.PKColumns))
		for i, col := range t.PKColumns {
			whereClauses[i] = fmt.Sprintf("%q = ?", col)
			args = append(args, pkVals[i])
		}
		q := fmt.Sprintf("UPDATE %q SET %s WHERE %s", table, strings.Join(setClauses, ", "), strings.Join(whereClauses, " AND ")) // #nosec G201 -- identifiers from schema registry
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("version: resolve conflict: update %s: %w", table, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM crr_conflicts WHERE document = ? AND "table" = ? AND pk = ?`,
		document, table, pk); err != nil {
		return fmt.Errorf("version: resolve conflict: delete record: %w", err)
	}
	return nil
}
