package apply

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/untoldecay/crrsync/internal/changelog"
	"github.com/untoldecay/crrsync/internal/schema"
)

// deleteWins implements §4.5.2's hybrid add-wins/delete-wins policy: an
// incoming delete at clock t is cancelled if any non-delete change exists
// on the same row from a different site with created_at >= t, or any such
// change exists transitively on a cascade-linked child row. Otherwise the
// delete wins. batch is the full set of changes in the current apply
// call: groups are processed in created_at order, so a concurrent update
// sorted after this delete would not yet be visible in the change log —
// batch lets the policy see it anyway, exactly as if it had already been
// persisted.
func (e *Engine) deleteWins(ctx context.Context, tx *sql.Tx, t *schema.Table, pk string, incoming changelog.Change, batch []changelog.Change) (bool, error) {
	if challenged, err := e.hasConflictingNonDelete(ctx, tx, t.Name, pk, incoming, batch); err != nil {
		return false, err
	} else if challenged {
		return false, nil
	}
	return e.cascadeSubtreeClear(ctx, tx, t.Name, pk, incoming, batch, map[string]bool{})
}

func (e *Engine) hasConflictingNonDelete(ctx context.Context, tx *sql.Tx, table, pk string, incoming changelog.Change, batch []changelog.Change) (bool, error) {
	latest, err := changelog.LatestNonDeletePerColumn(ctx, tx, table, pk)
	if err != nil {
		return false, err
	}
	for _, c := range latest {
		if c.SiteID == incoming.SiteID {
			continue
		}
		if c.CreatedAt >= incoming.CreatedAt {
			return true, nil
		}
	}
	for _, c := range batch {
		if c.Type == changelog.Delete || c.Table != table || c.PK != pk {
			continue
		}
		if c.SiteID == incoming.SiteID {
			continue
		}
		if c.CreatedAt >= incoming.CreatedAt {
			return true, nil
		}
	}
	return false, nil
}

// cascadeSubtreeClear recurses through every table whose FK cascades onto
// (table, pk), returning false (delete cancelled) the moment any
// descendant row has a conflicting non-delete change.
func (e *Engine) cascadeSubtreeClear(ctx context.Context, tx *sql.Tx, table, pk string, incoming changelog.Change, batch []changelog.Change, visited map[string]bool) (bool, error) {
	visitKey := table + "\x00" + pk
	if visited[visitKey] {
		return true, nil
	}
	visited[visitKey] = true

	for _, fkCol := range e.reg.CascadeChildren(table) {
		children, err := childRowsReferencing(ctx, tx, fkCol.Table, fkCol.Name, pk)
		if err != nil {
			return false, err
		}
		for _, childPK := range children {
			conflicted, err := e.hasConflictingNonDelete(ctx, tx, fkCol.Table, childPK, incoming, batch)
			if err != nil {
				return false, err
			}
			if conflicted {
				return false, nil
			}
			clear, err := e.cascadeSubtreeClear(ctx, tx, fkCol.Table, childPK, incoming, batch, visited)
			if err != nil {
				return false, err
			}
			if !clear {
				return false, nil
			}
		}
	}
	return true, nil
}

// childRowsReferencing returns the encoded PKs of every row in
// childTable whose childTable.fkColumn currently (per the change log's
// latest non-delete value) equals parentPK.
func childRowsReferencing(ctx context.Context, tx *sql.Tx, childTable, fkColumn, parentPK string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT pk FROM crr_changes
		WHERE "table" = ? AND column = ? AND type != 'delete' AND value = ?
		GROUP BY pk`, childTable, fkColumn, parentPK)
	if err != nil {
		return nil, fmt.Errorf("apply: child rows referencing: %w", err)
	}
	defer rows.Close()
	var candidates []string
	for rows.Next() {
		var pk string
		if err := rows.Scan(&pk); err != nil {
			return nil, err
		}
		candidates = append(candidates, pk)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	var out []string
	for _, pk := range candidates {
		value, found, err := currentForeignValue(ctx, tx, childTable, fkColumn, pk)
		if err != nil {
			return nil, err
		}
		if found && value == parentPK {
			out = append(out, pk)
		}
	}
	return out, nil
}
