package version

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/untoldecay/crrsync/internal/apply"
	"github.com/untoldecay/crrsync/internal/changelog"
	"github.com/untoldecay/crrsync/internal/schema"
	"github.com/untoldecay/crrsync/internal/snapshot"
	"github.com/untoldecay/crrsync/internal/trigger"
)

// cellKey addresses one cell across local and remote change sets.
type cellKey struct {
	table, pk, column string
}

// MergeResult is the outcome of reconciling divergent local and remote
// change sets past their common ancestor.
type MergeResult struct {
	Accepted  []changelog.Change
	Conflicts []Conflict
}

// reduceLatest folds a flat change slice down to the newest change per
// (table, pk, column), the same LWW rule the apply engine itself uses
// within one side's history.
func reduceLatest(changes []changelog.Change) map[cellKey]changelog.Change {
	out := make(map[cellKey]changelog.Change, len(changes))
	for _, c := range changes {
		if c.Type == changelog.Delete {
			continue // tombstones are reconciled by the apply engine's own delete policy, not here
		}
		k := cellKey{c.Table, c.PK, c.Column}
		cur, ok := out[k]
		if !ok || apply.Wins(c, cur) {
			out[k] = c
		}
	}
	return out
}

// computeMerge implements spec §4.9 steps 1-2: every remote cell with no
// conflicting local edit is accepted outright; a genuine conflict is
// either LWW-resolved or, for manual_conflict columns, surfaced as a
// Conflict record and left unapplied.
func computeMerge(reg *schema.Registry, base *snapshot.Document, local, remote []changelog.Change) *MergeResult {
	localByCell := reduceLatest(local)
	remoteByCell := reduceLatest(remote)

	result := &MergeResult{}
	conflictsByRow := make(map[[2]string]*Conflict)

	for k, r := range remoteByCell {
		l, hasLocal := localByCell[k]
		if !hasLocal || l.Value == r.Value {
			result.Accepted = append(result.Accepted, r)
			continue
		}

		manual := false
		if t, ok := reg.Table(k.table); ok {
			if col, ok := t.Columns[k.column]; ok {
				manual = col.ManualConflict
			}
		}
		if !manual {
			if apply.Wins(r, l) {
				result.Accepted = append(result.Accepted, r)
			}
			continue
		}

		rowKey := [2]string{k.table, k.pk}
		c, ok := conflictsByRow[rowKey]
		if !ok {
			c = &Conflict{Table: k.table, PK: k.pk,
				Base: make(map[string]string), Our: make(map[string]string), Their: make(map[string]string)}
			conflictsByRow[rowKey] = c
		}
		c.Columns = append(c.Columns, k.column)
		c.Our[k.column] = l.Value
		c.Their[k.column] = r.Value
		if base != nil {
			if row, ok := base.GetRow(k.table, k.pk); ok {
				if v, ok := row[k.column]; ok {
					c.Base[k.column] = v
				}
			}
		}
	}

	for _, c := range conflictsByRow {
		result.Conflicts = append(result.Conflicts, *c)
	}
	return result
}

// Merge performs the full §4.9 three-way merge: starting from the
// document's last_pulled_commit (the most recent commit both sides are
// known to share), it folds local and remote changes past that point,
// applies every accepted remote change through the apply engine, records
// any manual_conflict rows, and creates the merge commit (parent
// "theirHead|ourHead", or just "theirHead" when there is no local head).
func Merge(ctx context.Context, tx *sql.Tx, reg *schema.Registry, eng *apply.Engine, siteID, document string,
	ourHead string, theirHead string, theirCommits []Commit, theirChanges [][]changelog.Change,
	mergeClock string, appliedAtMs int64) (*Commit, []Conflict, error) {

	d, err := LoadDocument(ctx, tx, document)
	if err != nil {
		return nil, nil, err
	}
	base := ""
	if d.LastPulledCommit.Valid {
		base = d.LastPulledCommit.String
	}

	localIDs, err := commitsSince(ctx, tx, document, base, ourHead)
	if err != nil {
		return nil, nil, err
	}
	local, err := changelog.ForVersions(ctx, tx, document, localIDs)
	if err != nil {
		return nil, nil, err
	}

	var remote []changelog.Change
	for _, batch := range theirChanges {
		remote = append(remote, batch...)
	}

	var baseDoc *snapshot.Document
	if base != "" {
		baseAncestors, err := Ancestors(ctx, tx, base)
		if err != nil {
			return nil, nil, err
		}
		baseDoc, err = snapshot.BuildDocument(ctx, tx, document, base, baseAncestors)
		if err != nil {
			return nil, nil, err
		}
	}

	result := computeMerge(reg, baseDoc, local, remote)

	// theirCommits arrived only in this request's payload; record them
	// locally too so the merge commit's parent reference (and any later
	// Ancestors walk through it) can resolve them.
	for _, rc := range theirCommits {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO crr_commits (id, document, parent, message, author, created_at, applied_at)
			VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, ?)`,
			rc.ID, rc.Document, rc.Parent, rc.Message, rc.Author, rc.CreatedAt, rc.AppliedAt); err != nil {
			return nil, nil, fmt.Errorf("version: merge: record remote commit %s: %w", rc.ID, err)
		}
	}

	mergeID := uuid.NewString()
	for i := range result.Accepted {
		result.Accepted[i].Version = mergeID
	}
	if len(result.Accepted) > 0 {
		if err := trigger.SetTimeTravelling(ctx, tx, true); err != nil {
			return nil, nil, err
		}
		defer trigger.SetTimeTravelling(ctx, tx, false) //nolint:errcheck
		if _, err := eng.Apply(ctx, tx, siteID, document, result.Accepted); err != nil {
			return nil, nil, fmt.Errorf("version: merge: apply accepted changes: %w", err)
		}
	}
	for _, c := range result.Conflicts {
		c.Document = document
		if err := upsertConflict(ctx, tx, c); err != nil {
			return nil, nil, err
		}
	}

	var lastTheirCommit string
	if len(theirCommits) > 0 {
		lastTheirCommit = theirCommits[len(theirCommits)-1].ID
	} else {
		lastTheirCommit = theirHead
	}
	parent := lastTheirCommit + "|" + ourHead
	if ourHead == "" {
		parent = lastTheirCommit
	}
	c := &Commit{
		ID: mergeID, Document: document, Parent: parent,
		Message: "merge", Author: siteID, CreatedAt: mergeClock, AppliedAt: appliedAtMs,
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO crr_commits (id, document, parent, message, author, created_at, applied_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Document, c.Parent, c.Message, c.Author, c.CreatedAt, c.AppliedAt); err != nil {
		return nil, nil, fmt.Errorf("version: merge: insert merge commit: %w", err)
	}

	d.Head = sql.NullString{String: mergeID, Valid: true}
	d.LastPulledCommit = sql.NullString{String: mergeID, Valid: true}
	if err := saveDocument(ctx, tx, d); err != nil {
		return nil, nil, err
	}

	return c, result.Conflicts, nil
}
