package apply

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/untoldecay/crrsync/internal/changelog"
	"github.com/untoldecay/crrsync/internal/crrerrors"
	"github.com/untoldecay/crrsync/internal/fracindex"
)

// fracGroupKey identifies one ordered sibling list: a fractional-index
// column grouped by its parent column.
type fracGroupKey struct {
	table     string
	column    string
	parentCol string
}

type fracChild struct {
	pk        string
	parentID  string
	position  string
	createdAt string
}

// repairFractionalIndex implements §4.5.3: group live children by equal
// position, keep the earliest writer's key, and reassign every later
// writer a fresh key via fracindex.Mid between the kept position and the
// next higher list position.
func (e *Engine) repairFractionalIndex(ctx context.Context, tx *sql.Tx, siteID, document string, fk fracGroupKey) error {
	children, err := e.loadFracChildren(ctx, tx, fk)
	if err != nil {
		return err
	}

	byParent := make(map[string][]fracChild)
	for _, c := range children {
		byParent[c.parentID] = append(byParent[c.parentID], c)
	}

	for parentID, siblings := range byParent {
		sort.Slice(siblings, func(i, j int) bool {
			if siblings[i].position != siblings[j].position {
				return siblings[i].position < siblings[j].position
			}
			return siblings[i].createdAt < siblings[j].createdAt
		})

		i := 0
		for i < len(siblings) {
			j := i + 1
			for j < len(siblings) && siblings[j].position == siblings[i].position {
				j++
			}
			if j-i > 1 {
				// Collision group [i, j): earliest writer (by createdAt,
				// already sorted) keeps the position; reassign the rest.
				nextPos := fracindex.End
				if j < len(siblings) {
					nextPos = siblings[j].position
				}
				prevPos := siblings[i].position
				for k := i + 1; k < j; k++ {
					newPos, err := fracindex.Mid(prevPos, nextPos)
					if err != nil {
						return crrerrors.Wrap(crrerrors.KindInvariant, fmt.Errorf("apply: fractional index repair for %s.%s/%s: %w", fk.table, fk.column, parentID, err))
					}
					if err := e.writeRepairedPosition(ctx, tx, siteID, document, fk, siblings[k].pk, newPos); err != nil {
						return err
					}
					prevPos = newPos
				}
			}
			i = j
		}
	}
	return nil
}

func (e *Engine) loadFracChildren(ctx context.Context, tx *sql.Tx, fk fracGroupKey) ([]fracChild, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT pos.pk, parent.value, pos.value, pos.created_at
		FROM crr_changes AS pos
		JOIN crr_changes AS parent
			ON parent."table" = pos."table" AND parent.pk = pos.pk
			AND parent.column = ? AND parent.type != 'delete'
		WHERE pos."table" = ? AND pos.column = ? AND pos.type != 'delete'
		AND pos.pk NOT IN (
			SELECT pk FROM crr_changes
			WHERE "table" = ? AND column = 'tombstone' AND value = '1'
		)`, fk.parentCol, fk.table, fk.column, fk.table)
	if err != nil {
		return nil, fmt.Errorf("apply: load fractional children: %w", err)
	}
	defer rows.Close()

	latest := make(map[string]fracChild)
	for rows.Next() {
		var c fracChild
		if err := rows.Scan(&c.pk, &c.parentID, &c.position, &c.createdAt); err != nil {
			return nil, err
		}
		if prev, ok := latest[c.pk]; !ok || c.createdAt > prev.createdAt {
			latest[c.pk] = c
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]fracChild, 0, len(latest))
	for _, c := range latest {
		out = append(out, c)
	}
	return out, nil
}

func (e *Engine) writeRepairedPosition(ctx context.Context, tx *sql.Tx, siteID, document string, fk fracGroupKey, pk, newPos string) error {
	change := changelog.Change{
		Type: changelog.Update, Table: fk.table, Column: fk.column, PK: pk, Value: newPos, Document: document,
		SiteID: siteID, CreatedAt: e.clock.Send().Encode(), AppliedAt: 0, Version: changelog.UncommittedVersion,
	}
	if err := changelog.Upsert(ctx, tx, change); err != nil {
		return err
	}
	q := fmt.Sprintf("UPDATE %q SET %q = ? WHERE ", fk.table, fk.column) // #nosec G201 -- identifiers from schema registry
	t, ok := e.reg.Table(fk.table)
	if !ok {
		return fmt.Errorf("apply: repair: unknown table %q", fk.table)
	}
	where, args := pkWhereClause(t, pk)
	args = append([]any{newPos}, args...)
	if _, err := tx.ExecContext(ctx, q+where, args...); err != nil {
		return fmt.Errorf("apply: repair: update position: %w", err)
	}
	return nil
}
