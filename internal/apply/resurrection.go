package apply

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/untoldecay/crrsync/internal/changelog"
	"github.com/untoldecay/crrsync/internal/schema"
)

// tryResurrect is the §4.6 resurrection sub-algorithm: generalized from
// the teacher's TryResurrectParentChain/extractParentChain, which walked
// a JSONL-scanned parent chain by dotted issue id; here the chain is the
// ON-DELETE-CASCADE foreign-key graph described by the schema registry.
// It returns false if resurrection is blocked (an ancestor's tombstone
// outranks the incoming change), in which case the caller must skip the
// user-table mutation but keep the change-log rows it already wrote.
func (e *Engine) tryResurrect(ctx context.Context, tx *sql.Tx, t *schema.Table, pk, incomingCreatedAt string) (bool, error) {
	chain, err := e.ancestorChain(ctx, tx, t, pk, incomingCreatedAt, map[string]bool{})
	if err == errResurrectionBlocked {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if chain == nil {
		// No tombstoned ancestor stood in the way.
		return true, nil
	}
	for i := len(chain) - 1; i >= 0; i-- {
		if err := e.reinsertAncestor(ctx, tx, chain[i]); err != nil {
			return false, err
		}
	}
	return true, nil
}

type ancestorRef struct {
	table string
	pk    string
}

// ancestorChain walks upward from (t, pk) through cascade foreign keys,
// collecting (t, pk) itself and every ancestor whose latest tombstone is
// active, ordered leaf first. If any of those tombstones is newer than
// incomingCreatedAt, resurrection is blocked and it returns
// (nil, errResurrectionBlocked). It returns (nil, nil) when no row on the
// walk has an active tombstone.
func (e *Engine) ancestorChain(ctx context.Context, tx *sql.Tx, t *schema.Table, pk, incomingCreatedAt string, visited map[string]bool) ([]ancestorRef, error) {
	key := t.Name + "\x00" + pk
	if visited[key] {
		return nil, nil
	}
	visited[key] = true

	tomb, ok, err := changelog.LatestTombstone(ctx, tx, t.Name, pk)
	if err != nil {
		return nil, err
	}
	blockedHere := ok && tomb.Value == "1" && tomb.CreatedAt > incomingCreatedAt

	var chain []ancestorRef
	needsResurrection := ok && tomb.Value == "1"
	if needsResurrection {
		if blockedHere {
			return nil, errResurrectionBlocked
		}
		chain = append(chain, ancestorRef{table: t.Name, pk: pk})
	}

	for _, col := range parentFKColumns(e.reg, t) {
		parentPK, found, err := currentForeignValue(ctx, tx, t.Name, col.Name, pk)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		parentTable, ok := e.reg.Table(col.FK.Table)
		if !ok {
			continue
		}
		upper, err := e.ancestorChain(ctx, tx, parentTable, parentPK, incomingCreatedAt, visited)
		if err == errResurrectionBlocked {
			return nil, errResurrectionBlocked
		}
		if err != nil {
			return nil, err
		}
		chain = append(chain, upper...)
	}

	if len(chain) == 0 {
		return nil, nil
	}
	return chain, nil
}

var errResurrectionBlocked = fmt.Errorf("apply: resurrection blocked by a newer active tombstone")

// parentFKColumns returns t's own columns that are foreign keys with
// CASCADE delete behavior, i.e. the columns to walk upward through.
func parentFKColumns(reg *schema.Registry, t *schema.Table) []*schema.Column {
	var out []*schema.Column
	for _, c := range t.Columns {
		if c.FK != nil && c.FK.OnDelete == schema.Cascade {
			out = append(out, c)
		}
	}
	return out
}

func currentForeignValue(ctx context.Context, tx *sql.Tx, table, column, pk string) (string, bool, error) {
	latest, err := changelog.LatestNonDeletePerColumn(ctx, tx, table, pk)
	if err != nil {
		return "", false, err
	}
	c, ok := latest[column]
	if !ok {
		return "", false, nil
	}
	return c.Value, true, nil
}

// reinsertAncestor reconstructs ref's row from its change history and
// re-inserts it, cancelling its tombstone first.
func (e *Engine) reinsertAncestor(ctx context.Context, tx *sql.Tx, ref ancestorRef) error {
	if err := cancelTombstoneFor(ctx, tx, ref.table, ref.pk); err != nil {
		return err
	}
	t, ok := e.reg.Table(ref.table)
	if !ok {
		return fmt.Errorf("apply: resurrect: unknown table %q", ref.table)
	}
	latest, err := changelog.LatestNonDeletePerColumn(ctx, tx, ref.table, ref.pk)
	if err != nil {
		return err
	}
	if len(latest) == 0 {
		return fmt.Errorf("apply: resurrect: no change history for %s/%s", ref.table, ref.pk)
	}
	cols := make([]string, 0, len(latest))
	vals := make([]any, 0, len(latest))
	for col, c := range latest {
		cols = append(cols, col)
		vals = append(vals, c.Value)
	}
	return insertOrIgnoreRow(ctx, tx, t, ref.pk, cols, vals)
}

func cancelTombstoneFor(ctx context.Context, tx *sql.Tx, table, pk string) error {
	tomb, ok, err := changelog.LatestTombstone(ctx, tx, table, pk)
	if err != nil {
		return err
	}
	if !ok || tomb.Value != "1" {
		return nil
	}
	return changelog.SetTombstoneCancelled(ctx, tx, table, pk, tomb.Version)
}
