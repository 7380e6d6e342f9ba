// Package trigger installs the SQL row triggers that turn ordinary
// INSERT/UPDATE/DELETE statements into change-log rows, and manages the
// crr_temp session-state table the triggers read from.
package trigger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/untoldecay/crrsync/internal/changelog"
	"github.com/untoldecay/crrsync/internal/schema"
)

// TempDDL creates the single-row crr_temp session-state table.
const TempDDL = `
CREATE TABLE IF NOT EXISTS crr_temp (
	id              INTEGER PRIMARY KEY CHECK (id = 0),
	clock           TEXT NOT NULL DEFAULT '',
	time_travelling INTEGER NOT NULL DEFAULT 0,
	document        TEXT NOT NULL DEFAULT ''
);
`

// Executor is the subset of *sql.DB / *sql.Tx needed to install triggers
// and mutate crr_temp.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EnsureTempRow inserts the single crr_temp row if it does not exist yet.
func EnsureTempRow(ctx context.Context, e Executor) error {
	_, err := e.ExecContext(ctx, `INSERT OR IGNORE INTO crr_temp (id, clock, time_travelling, document) VALUES (0, '', 0, '')`)
	if err != nil {
		return fmt.Errorf("trigger: ensure crr_temp row: %w", err)
	}
	return nil
}

// SetTimeTravelling toggles the session flag the triggers check to
// suppress emitting secondary change rows while the apply engine (or
// checkout/discardChanges) replays history into the user tables.
func SetTimeTravelling(ctx context.Context, e Executor, on bool) error {
	v := 0
	if on {
		v = 1
	}
	_, err := e.ExecContext(ctx, `UPDATE crr_temp SET time_travelling = ?`, v)
	if err != nil {
		return fmt.Errorf("trigger: set time_travelling: %w", err)
	}
	return nil
}

// SetSession stamps crr_temp.clock and crr_temp.document ahead of a
// locally originated write, so every trigger fired by the statement
// shares one HLC value and document id.
func SetSession(ctx context.Context, e Executor, clock, document string) error {
	_, err := e.ExecContext(ctx, `UPDATE crr_temp SET clock = ?, document = ?`, clock, document)
	if err != nil {
		return fmt.Errorf("trigger: set session: %w", err)
	}
	return nil
}

func triggerName(table, op string) string {
	return fmt.Sprintf("crr_trig_%s_%s", table, op)
}

func pkExpr(pkColumns []string, alias string) string {
	parts := make([]string, len(pkColumns))
	for i, c := range pkColumns {
		parts[i] = fmt.Sprintf("%s.%q", alias, c)
	}
	return strings.Join(parts, " || '|' || ")
}

// Finalize drops any previously installed change-generation triggers and
// installs fresh ones for every table the registry knows about. It is
// idempotent and must be re-run whenever the registry's column set
// changes (e.g. after UpgradeTable or UpgradeColumnToFractionalIndex).
func Finalize(ctx context.Context, e Executor, reg *schema.Registry, siteID string) error {
	for _, table := range reg.Tables() {
		if err := dropTriggers(ctx, e, table); err != nil {
			return err
		}
		t, ok := reg.Table(table)
		if !ok {
			continue
		}
		if err := installInsertTrigger(ctx, e, t, siteID); err != nil {
			return err
		}
		if err := installUpdateTrigger(ctx, e, t, siteID); err != nil {
			return err
		}
		if err := installDeleteTrigger(ctx, e, t, siteID); err != nil {
			return err
		}
	}
	return nil
}

func dropTriggers(ctx context.Context, e Executor, table string) error {
	for _, op := range []string{"insert", "update", "delete"} {
		if _, err := e.ExecContext(ctx, fmt.Sprintf("DROP TRIGGER IF EXISTS %s", triggerName(table, op))); err != nil {
			return fmt.Errorf("trigger: drop %s: %w", triggerName(table, op), err)
		}
	}
	return nil
}

func installInsertTrigger(ctx context.Context, e Executor, t *schema.Table, siteID string) error {
	pk := pkExpr(t.PKColumns, "NEW")
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TRIGGER %s AFTER INSERT ON %q\n", triggerName(t.Name, "insert"), t.Name)
	fmt.Fprintf(&b, "WHEN (SELECT time_travelling FROM crr_temp WHERE id = 0) = 0\nBEGIN\n")
	for _, c := range t.Columns {
		if !c.Replicate {
			continue
		}
		fmt.Fprintf(&b, `  INSERT OR IGNORE INTO crr_changes (type, "table", column, pk, value, site_id, created_at, applied_at, version, document)
  SELECT 'insert', %q, %q, %s, NEW.%q, %q,
         (SELECT clock FROM crr_temp WHERE id = 0),
         CAST((julianday('now') - 2440587.5) * 86400000 AS INTEGER),
         '0', (SELECT document FROM crr_temp WHERE id = 0);
`, t.Name, c.Name, pk, c.Name, siteID)
	}
	b.WriteString("END;")
	_, err := e.ExecContext(ctx, b.String())
	if err != nil {
		return fmt.Errorf("trigger: install insert trigger for %s: %w", t.Name, err)
	}
	return nil
}

func installUpdateTrigger(ctx context.Context, e Executor, t *schema.Table, siteID string) error {
	pk := pkExpr(t.PKColumns, "NEW")
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TRIGGER %s AFTER UPDATE ON %q\n", triggerName(t.Name, "update"), t.Name)
	fmt.Fprintf(&b, "WHEN (SELECT time_travelling FROM crr_temp WHERE id = 0) = 0\nBEGIN\n")
	for _, c := range t.Columns {
		if !c.Replicate {
			continue
		}
		fmt.Fprintf(&b, `  INSERT INTO crr_changes (type, "table", column, pk, value, site_id, created_at, applied_at, version, document)
  SELECT 'update', %q, %q, %s, NEW.%q, %q,
         (SELECT clock FROM crr_temp WHERE id = 0),
         CAST((julianday('now') - 2440587.5) * 86400000 AS INTEGER),
         '0', (SELECT document FROM crr_temp WHERE id = 0)
  WHERE NEW.%q IS NOT OLD.%q
  ON CONFLICT (type, "table", column, pk, version)
  DO UPDATE SET value=excluded.value, site_id=excluded.site_id,
                created_at=excluded.created_at, applied_at=excluded.applied_at;
`, t.Name, c.Name, pk, c.Name, siteID, c.Name, c.Name)
	}
	b.WriteString("END;")
	_, err := e.ExecContext(ctx, b.String())
	if err != nil {
		return fmt.Errorf("trigger: install update trigger for %s: %w", t.Name, err)
	}
	return nil
}

func installDeleteTrigger(ctx context.Context, e Executor, t *schema.Table, siteID string) error {
	pk := pkExpr(t.PKColumns, "OLD")
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TRIGGER %s AFTER DELETE ON %q\n", triggerName(t.Name, "delete"), t.Name)
	fmt.Fprintf(&b, "WHEN (SELECT time_travelling FROM crr_temp WHERE id = 0) = 0\nBEGIN\n")
	fmt.Fprintf(&b, `  INSERT OR IGNORE INTO crr_changes (type, "table", column, pk, value, site_id, created_at, applied_at, version, document)
  SELECT 'delete', %q, %q, %s, '1', %q,
         (SELECT clock FROM crr_temp WHERE id = 0),
         CAST((julianday('now') - 2440587.5) * 86400000 AS INTEGER),
         '0', (SELECT document FROM crr_temp WHERE id = 0);
`, t.Name, changelog.TombstoneColumn, pk, siteID)
	b.WriteString("END;")
	_, err := e.ExecContext(ctx, b.String())
	if err != nil {
		return fmt.Errorf("trigger: install delete trigger for %s: %w", t.Name, err)
	}
	return nil
}
