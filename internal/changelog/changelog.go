// Package changelog implements the append-only crr_changes store: the
// single source of truth every other component folds, diffs, or ships
// over the wire.
package changelog

import (
	"context"
	"database/sql"
	"fmt"
)

// Type is the kind of a change row.
type Type string

const (
	Insert Type = "insert"
	Update Type = "update"
	Delete Type = "delete"
)

// TombstoneColumn is the sentinel column name used on delete rows.
const TombstoneColumn = "tombstone"

// UncommittedVersion is the literal version string for working-copy
// changes that have not yet been committed.
const UncommittedVersion = "0"

// Change is one row of crr_changes.
type Change struct {
	Type      Type
	Table     string
	Column    string
	PK        string
	Value     string
	SiteID    string
	CreatedAt string // HLC encoded
	AppliedAt int64  // wall-clock ms
	Version   string
	Document  string
}

// Key returns the change's uniqueness tuple, matching the PRIMARY KEY of
// crr_changes: (type, table, column, pk, version).
func (c Change) Key() [5]string {
	return [5]string{string(c.Type), c.Table, c.Column, c.PK, c.Version}
}

// Queryer is the subset of *sql.DB / *sql.Tx the changelog needs,
// letting callers pass either depending on whether they are inside an
// enclosing transaction.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DDL is the schema for crr_changes, including the index the apply
// engine's range scans depend on.
const DDL = `
CREATE TABLE IF NOT EXISTS crr_changes (
	type       TEXT NOT NULL CHECK (type IN ('insert','update','delete')),
	"table"    TEXT NOT NULL,
	column     TEXT NOT NULL,
	pk         TEXT NOT NULL,
	value      TEXT,
	site_id    TEXT NOT NULL,
	created_at TEXT NOT NULL,
	applied_at INTEGER NOT NULL,
	version    TEXT NOT NULL,
	document   TEXT NOT NULL,
	PRIMARY KEY (type, "table", column, pk, version)
);
CREATE INDEX IF NOT EXISTS crr_changes_scan_idx
	ON crr_changes ("table", created_at, version, document);
`

// InsertIgnore appends a change row, silently skipping it if a row with
// the same uniqueness tuple already exists. This is the trigger-path
// write mode.
func InsertIgnore(ctx context.Context, q Queryer, c Change) error {
	_, err := q.ExecContext(ctx, `
		INSERT OR IGNORE INTO crr_changes
			(type, "table", column, pk, value, site_id, created_at, applied_at, version, document)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Type, c.Table, c.Column, c.PK, c.Value, c.SiteID, c.CreatedAt, c.AppliedAt, c.Version, c.Document)
	if err != nil {
		return fmt.Errorf("changelog: insert ignore: %w", err)
	}
	return nil
}

// Upsert appends a change row, or updates value/site_id/created_at/
// applied_at in place if the uniqueness tuple already exists. This is the
// apply-engine write mode (§4.4: "updates from the apply engine use
// explicit upserts on the uniqueness tuple").
func Upsert(ctx context.Context, q Queryer, c Change) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO crr_changes
			(type, "table", column, pk, value, site_id, created_at, applied_at, version, document)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (type, "table", column, pk, version)
		DO UPDATE SET value=excluded.value, site_id=excluded.site_id,
			created_at=excluded.created_at, applied_at=excluded.applied_at`,
		c.Type, c.Table, c.Column, c.PK, c.Value, c.SiteID, c.CreatedAt, c.AppliedAt, c.Version, c.Document)
	if err != nil {
		return fmt.Errorf("changelog: upsert: %w", err)
	}
	return nil
}

// SetTombstoneCancelled flips value=0 on the tombstone row for (table,
// pk, version) without touching its created_at, used when a delete is
// cancelled by a newer non-delete change.
func SetTombstoneCancelled(ctx context.Context, q Queryer, table, pk, version string) error {
	_, err := q.ExecContext(ctx, `
		UPDATE crr_changes SET value='0'
		WHERE type='delete' AND "table"=? AND column=? AND pk=? AND version=?`,
		table, TombstoneColumn, pk, version)
	if err != nil {
		return fmt.Errorf("changelog: cancel tombstone: %w", err)
	}
	return nil
}

// LatestNonDeletePerColumn returns, for (table, pk), the newest non-delete
// change row per column, ordered newest-first within each column. Used by
// the snapshot builder's reconstructRow.
func LatestNonDeletePerColumn(ctx context.Context, q Queryer, table, pk string) (map[string]Change, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT type, "table", column, pk, value, site_id, created_at, applied_at, version, document
		FROM crr_changes
		WHERE "table" = ? AND pk = ? AND type != 'delete'
		ORDER BY created_at DESC`, table, pk)
	if err != nil {
		return nil, fmt.Errorf("changelog: latest non-delete: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Change)
	for rows.Next() {
		c, err := scan(rows)
		if err != nil {
			return nil, err
		}
		if _, seen := out[c.Column]; !seen {
			out[c.Column] = c
		}
	}
	return out, rows.Err()
}

// LatestTombstone returns the newest delete-type change row for (table,
// pk) across all committed versions plus the uncommitted version, or
// false if none exists.
func LatestTombstone(ctx context.Context, q Queryer, table, pk string) (Change, bool, error) {
	row := q.QueryRowContext(ctx, `
		SELECT type, "table", column, pk, value, site_id, created_at, applied_at, version, document
		FROM crr_changes
		WHERE "table" = ? AND pk = ? AND type = 'delete'
		ORDER BY created_at DESC LIMIT 1`, table, pk)
	c, err := scanRow(row)
	if err == sql.ErrNoRows {
		return Change{}, false, nil
	}
	if err != nil {
		return Change{}, false, fmt.Errorf("changelog: latest tombstone: %w", err)
	}
	return c, true, nil
}

// ForVersions returns every change row for the given commit ids, ordered
// by created_at, used to build a commit's push payload and to fold
// document snapshots.
func ForVersions(ctx context.Context, q Queryer, document string, versions []string) ([]Change, error) {
	if len(versions) == 0 {
		return nil, nil
	}
	placeholders := make([]any, 0, len(versions)+1)
	placeholders = append(placeholders, document)
	qs := ""
	for i, v := range versions {
		if i > 0 {
			qs += ","
		}
		qs += "?"
		placeholders = append(placeholders, v)
	}
	rows, err := q.QueryContext(ctx, fmt.Sprintf(`
		SELECT type, "table", column, pk, value, site_id, created_at, applied_at, version, document
		FROM crr_changes
		WHERE document = ? AND version IN (%s)
		ORDER BY created_at ASC`, qs), placeholders...)
	if err != nil {
		return nil, fmt.Errorf("changelog: for versions: %w", err)
	}
	defer rows.Close()
	var out []Change
	for rows.Next() {
		c, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UncommittedForDocument returns all version="0" changes of document.
func UncommittedForDocument(ctx context.Context, q Queryer, document string) ([]Change, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT type, "table", column, pk, value, site_id, created_at, applied_at, version, document
		FROM crr_changes WHERE document = ? AND version = ?`, document, UncommittedVersion)
	if err != nil {
		return nil, fmt.Errorf("changelog: uncommitted: %w", err)
	}
	defer rows.Close()
	var out []Change
	for rows.Next() {
		c, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetVersion reassigns every version="0" change of document to newVersion,
// the core of commit().
func SetVersion(ctx context.Context, q Queryer, document, newVersion string) error {
	_, err := q.ExecContext(ctx, `
		UPDATE crr_changes SET version = ? WHERE document = ? AND version = ?`,
		newVersion, document, UncommittedVersion)
	if err != nil {
		return fmt.Errorf("changelog: set version: %w", err)
	}
	return nil
}

// DiscardUncommitted deletes all version="0" changes of document.
func DiscardUncommitted(ctx context.Context, q Queryer, document string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM crr_changes WHERE document = ? AND version = ?`,
		document, UncommittedVersion)
	if err != nil {
		return fmt.Errorf("changelog: discard uncommitted: %w", err)
	}
	return nil
}

func scan(rows *sql.Rows) (Change, error) {
	var c Change
	if err := rows.Scan(&c.Type, &c.Table, &c.Column, &c.PK, &c.Value, &c.SiteID, &c.CreatedAt, &c.AppliedAt, &c.Version, &c.Document); err != nil {
		return Change{}, fmt.Errorf("changelog: scan: %w", err)
	}
	return c, nil
}

func scanRow(row *sql.Row) (Change, error) {
	var c Change
	if err := row.Scan(&c.Type, &c.Table, &c.Column, &c.PK, &c.Value, &c.SiteID, &c.CreatedAt, &c.AppliedAt, &c.Version, &c.Document); err != nil {
		return Change{}, err
	}
	return c, nil
}
