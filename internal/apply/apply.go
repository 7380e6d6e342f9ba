// Package apply implements the apply engine: consuming a batch of
// foreign changes, resolving last-writer-wins per cell, reconciling
// deletes with the add-wins/delete-wins policy, resurrecting
// cascade-deleted ancestors, and repairing fractional-index collisions —
// all inside one exclusive transaction.
package apply

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/untoldecay/crrsync/internal/changelog"
	"github.com/untoldecay/crrsync/internal/crrerrors"
	"github.com/untoldecay/crrsync/internal/hlc"
	"github.com/untoldecay/crrsync/internal/pkcodec"
	"github.com/untoldecay/crrsync/internal/schema"
	"github.com/untoldecay/crrsync/internal/telemetry"
	"github.com/untoldecay/crrsync/internal/trigger"
)

// Options tunes engine behavior beyond the spec's default semantics.
type Options struct {
	// TombstoneTTL is carried on the Engine but is not read by the delete
	// policy or by resurrection: deletes follow add-wins semantics
	// whatever its value, and same-site changes never cancel a delete.
	TombstoneTTL time.Duration
}

// Engine applies foreign change batches against one document's tables.
type Engine struct {
	reg   *schema.Registry
	clock *hlc.Clock
	opts  Options
}

// New builds an apply engine bound to a schema registry and the local
// replica's HLC clock.
func New(reg *schema.Registry, clock *hlc.Clock, opts Options) *Engine {
	return &Engine{reg: reg, clock: clock, opts: opts}
}

type groupKey struct {
	table string
	pk    string
	typ   changelog.Type
}

// Result is the outcome of applying one batch.
type Result struct {
	Applied []changelog.Change
	// SkippedGroups counts change groups whose user-table mutation was
	// skipped (e.g. resurrection blocked) even though their change-log
	// rows were still persisted.
	SkippedGroups int
}

// Apply consumes changes (not necessarily sorted, not necessarily from
// one table) that all belong to the same document, inside the caller's
// already-open exclusive transaction with time_travelling=1 already set.
// It returns the changes that were accepted into the log.
func (e *Engine) Apply(ctx context.Context, tx *sql.Tx, siteID, document string, changes []changelog.Change) (Result, error) {
	start := time.Now()
	groups := make(map[groupKey][]changelog.Change)
	for _, c := range changes {
		k := groupKey{table: c.Table, pk: c.PK, typ: c.Type}
		groups[k] = append(groups[k], c)
	}

	keys := make([]groupKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return minCreatedAt(groups[keys[i]]) < minCreatedAt(groups[keys[j]])
	})

	var result Result
	touchedFracParents := make(map[fracGroupKey]bool)
	var maxCreatedAt string

	for _, k := range keys {
		group := groups[k]
		sort.Slice(group, func(i, j int) bool { return group[i].CreatedAt < group[j].CreatedAt })
		for _, c := range group {
			maxCreatedAt = hlc.Max(maxCreatedAt, c.CreatedAt)
		}

		t, ok := e.reg.Table(k.table)
		if !ok {
			return result, crrerrors.Newf(crrerrors.KindSchema, "apply: table %q not upgraded", k.table)
		}

		switch k.typ {
		case changelog.Insert:
			applied, skipped, err := e.applyInsertGroup(ctx, tx, t, k.pk, group)
			if err != nil {
				return result, err
			}
			result.Applied = append(result.Applied, applied...)
			if skipped {
				result.SkippedGroups++
			}
		case changelog.Update:
			applied, err := e.applyUpdateGroup(ctx, tx, t, k.pk, group, touchedFracParents)
			if err != nil {
				return result, err
			}
			result.Applied = append(result.Applied, applied...)
		case changelog.Delete:
			applied, skipped, err := e.applyDeleteGroup(ctx, tx, t, k.pk, group, changes)
			if err != nil {
				return result, err
			}
			result.Applied = append(result.Applied, applied...)
			if skipped {
				result.SkippedGroups++
			}
		}
	}

	if maxCreatedAt != "" {
		incoming, err := hlc.Decode(maxCreatedAt)
		if err != nil {
			return result, fmt.Errorf("apply: decode max created_at: %w", err)
		}
		e.clock.Receive(incoming)
	}

	for fk := range touchedFracParents {
		if err := e.repairFractionalIndex(ctx, tx, siteID, document, fk); err != nil {
			return result, err
		}
	}

	telemetry.ApplySummary(document, len(result.Applied), time.Since(start))
	return result, nil
}

func minCreatedAt(group []changelog.Change) string {
	min := group[0].CreatedAt
	for _, c := range group[1:] {
		if c.CreatedAt < min {
			min = c.CreatedAt
		}
	}
	return min
}

func (e *Engine) applyInsertGroup(ctx context.Context, tx *sql.Tx, t *schema.Table, pk string, group []changelog.Change) ([]changelog.Change, bool, error) {
	if dup, err := groupAlreadyApplied(ctx, tx, t.Name, pk, group); err != nil {
		return nil, false, err
	} else if dup {
		return nil, false, nil
	}

	for _, c := range group {
		if err := changelog.InsertIgnore(ctx, tx, c); err != nil {
			return nil, false, err
		}
	}

	ok, err := e.tryResurrect(ctx, tx, t, pk, maxStamp(group))
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return group, true, nil
	}

	cols := make([]string, 0, len(group))
	vals := make([]any, 0, len(group))
	for _, c := range group {
		cols = append(cols, c.Column)
		vals = append(vals, c.Value)
	}
	if err := insertOrIgnoreRow(ctx, tx, t, pk, cols, vals); err != nil {
		return nil, false, err
	}
	return group, false, nil
}

func (e *Engine) applyUpdateGroup(ctx context.Context, tx *sql.Tx, t *schema.Table, pk string, group []changelog.Change, touched map[fracGroupKey]bool) ([]changelog.Change, error) {
	latest, err := changelog.LatestNonDeletePerColumn(ctx, tx, t.Name, pk)
	if err != nil {
		return nil, err
	}

	var applied []changelog.Change
	setClauses := make([]string, 0)
	setArgs := make([]any, 0)

	for _, incoming := range group {
		prior, hasPrior := latest[incoming.Column]
		if hasPrior && !Wins(incoming, prior) {
			continue
		}
		if err := changelog.Upsert(ctx, tx, incoming); err != nil {
			return nil, err
		}
		applied = append(applied, incoming)
		setClauses = append(setClauses, fmt.Sprintf("%q = ?", incoming.Column))
		setArgs = append(setArgs, incoming.Value)

		col, ok := t.Columns[incoming.Column]
		if ok && col.FK != nil {
			if err := mirrorForeignKeyInsert(ctx, tx, t.Name, incoming.Column, pk, incoming.Value); err != nil {
				return nil, err
			}
		}
		if ok && col.Type == schema.FractionalIndex {
			touched[fracGroupKey{table: t.Name, column: incoming.Column, parentCol: col.ParentColID}] = true
		}
	}

	if len(setClauses) == 0 {
		return applied, nil
	}
	pkWhere, pkArgs := pkWhereClause(t, pk)
	setArgs = append(setArgs, pkArgs...)
	q := fmt.Sprintf("UPDATE %q SET %s WHERE %s", t.Name, joinClauses(setClauses), pkWhere) // #nosec G201 -- column names come from the schema registry, not user input
	if _, err := tx.ExecContext(ctx, q, setArgs...); err != nil {
		return nil, fmt.Errorf("apply: update %s: %w", t.Name, err)
	}
	return applied, nil
}

func (e *Engine) applyDeleteGroup(ctx context.Context, tx *sql.Tx, t *schema.Table, pk string, group, batch []changelog.Change) ([]changelog.Change, bool, error) {
	incoming := group[len(group)-1] // newest by construction (group sorted ascending)
	deleteWins, err := e.deleteWins(ctx, tx, t, pk, incoming, batch)
	if err != nil {
		return nil, false, err
	}

	tombstone := incoming
	tombstone.Column = changelog.TombstoneColumn
	if deleteWins {
		tombstone.Value = "1"
		if err := changelog.Upsert(ctx, tx, tombstone); err != nil {
			return nil, false, err
		}
		pkWhere, pkArgs := pkWhereClause(t, pk)
		q := fmt.Sprintf("DELETE FROM %q WHERE %s", t.Name, pkWhere) // #nosec G201 -- table name from schema registry
		if _, err := tx.ExecContext(ctx, q, pkArgs...); err != nil {
			return nil, false, fmt.Errorf("apply: delete %s: %w", t.Name, err)
		}
		return []changelog.Change{tombstone}, false, nil
	}

	tombstone.Value = "0"
	if err := changelog.Upsert(ctx, tx, tombstone); err != nil {
		return nil, false, err
	}
	return []changelog.Change{tombstone}, true, nil
}

func groupAlreadyApplied(ctx context.Context, tx *sql.Tx, table, pk string, group []changelog.Change) (bool, error) {
	existing, err := changelog.LatestNonDeletePerColumn(ctx, tx, table, pk)
	if err != nil {
		return false, err
	}
	if len(existing) == 0 {
		return false, nil
	}
	return fingerprint(existing) == fingerprintGroup(group), nil
}

// fingerprint and fingerprintGroup give the apply engine a cheap
// idempotence short-circuit before it re-applies a change group that is
// byte-identical to what is already recorded.
func fingerprint(cols map[string]changelog.Change) string {
	keys := make([]string, 0, len(cols))
	for k := range cols {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s;", k, cols[k].Value)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func fingerprintGroup(group []changelog.Change) string {
	m := make(map[string]changelog.Change, len(group))
	for _, c := range group {
		m[c.Column] = c
	}
	return fingerprint(m)
}

func maxStamp(group []changelog.Change) string {
	max := group[0].CreatedAt
	for _, c := range group[1:] {
		if c.CreatedAt > max {
			max = c.CreatedAt
		}
	}
	return max
}

func pkWhereClause(t *schema.Table, pk string) (string, []any) {
	values := pkcodec.Decode(pk)
	clauses := make([]string, len(t.PKColumns))
	args := make([]any, len(t.PKColumns))
	for i, col := range t.PKColumns {
		clauses[i] = fmt.Sprintf("%q = ?", col)
		if i < len(values) {
			args[i] = values[i]
		}
	}
	return joinClauses(clauses), args
}

func joinClauses(clauses []string) string {
	out := ""
	for i, c := range clauses {
		if i > 0 {
			out += " AND "
		}
		out += c
	}
	return out
}

func insertOrIgnoreRow(ctx context.Context, tx *sql.Tx, t *schema.Table, pk string, cols []string, vals []any) error {
	pkVals := pkcodec.Decode(pk)
	allCols := append([]string(nil), t.PKColumns...)
	allVals := append([]any(nil), toAny(pkVals)...)
	allCols = append(allCols, cols...)
	allVals = append(allVals, vals...)

	placeholders := make([]string, len(allCols))
	quotedCols := make([]string, len(allCols))
	for i, c := range allCols {
		placeholders[i] = "?"
		quotedCols[i] = fmt.Sprintf("%q", c)
	}
	q := fmt.Sprintf("INSERT OR IGNORE INTO %q (%s) VALUES (%s)", // #nosec G201 -- identifiers from schema registry
		t.Name, joinCommas(quotedCols), joinCommas(placeholders))
	if _, err := tx.ExecContext(ctx, q, allVals...); err != nil {
		return fmt.Errorf("apply: insert %s: %w", t.Name, err)
	}
	return nil
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func joinCommas(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}

func mirrorForeignKeyInsert(ctx context.Context, tx *sql.Tx, table, column, pk, value string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE crr_changes SET value = ?
		WHERE type = 'insert' AND "table" = ? AND column = ? AND pk = ?`,
		value, table, column, pk)
	if err != nil {
		return fmt.Errorf("apply: mirror foreign key insert: %w", err)
	}
	return nil
}

// EnsureUntracked is a convenience used by execTrackChanges-equivalent
// write paths to make sure crr_temp exists before the first write.
func EnsureUntracked(ctx context.Context, tx *sql.Tx) error {
	return trigger.EnsureTempRow(ctx, tx)
}
