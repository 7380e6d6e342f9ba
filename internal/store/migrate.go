package store

import (
	"database/sql"
	"fmt"

	"github.com/untoldecay/crrsync/internal/changelog"
	"github.com/untoldecay/crrsync/internal/trigger"
	"github.com/untoldecay/crrsync/internal/version"
)

// migration is one step of the engine's own schema evolution, applied in
// order and tracked in crr_meta so a given connection never re-runs a step
// it has already completed.
type migration struct {
	name string
	fn   func(db *sql.DB) error
}

// migrationsList is the engine's own internal schema history. Unlike the
// application tables a caller registers through RegisterTable, these
// tables (crr_changes, crr_temp, crr_commits, crr_documents, crr_conflicts)
// belong to the engine itself and evolve independently of any
// application-level schema migration (out of scope per spec §1).
var migrationsList = []migration{
	{"001_changelog", func(db *sql.DB) error {
		_, err := db.Exec(changelog.DDL)
		return err
	}},
	{"002_trigger_temp", func(db *sql.DB) error {
		_, err := db.Exec(trigger.TempDDL)
		return err
	}},
	{"003_version", func(db *sql.DB) error {
		_, err := db.Exec(version.DDL)
		return err
	}},
}

const metaDDL = `
CREATE TABLE IF NOT EXISTS crr_meta (
	migration TEXT PRIMARY KEY
);
`

// runMigrations applies every pending step of migrationsList inside a
// single EXCLUSIVE transaction, mirroring the teacher's
// internal/storage/sqlite/migrations.go RunMigrations: foreign keys are
// disabled before the transaction starts (SQLite requires PRAGMA
// foreign_keys to run outside any active transaction), BEGIN EXCLUSIVE
// serializes the migration across any other process racing to open the
// same file, and the whole batch commits or rolls back atomically.
func runMigrations(db *sql.DB) error {
	if _, err := db.Exec("PRAGMA foreign_keys = OFF"); err != nil {
		return fmt.Errorf("store: disable foreign keys for migrations: %w", err)
	}
	defer func() { _, _ = db.Exec("PRAGMA foreign_keys = ON") }()

	if _, err := db.Exec("BEGIN EXCLUSIVE"); err != nil {
		return fmt.Errorf("store: acquire exclusive lock for migrations: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = db.Exec("ROLLBACK")
		}
	}()

	if _, err := db.Exec(metaDDL); err != nil {
		return fmt.Errorf("store: create crr_meta: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := db.Query("SELECT migration FROM crr_meta")
	if err != nil {
		return fmt.Errorf("store: read crr_meta: %w", err)
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("store: scan crr_meta: %w", err)
		}
		applied[name] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, m := range migrationsList {
		if applied[m.name] {
			continue
		}
		if err := m.fn(db); err != nil {
			return fmt.Errorf("store: migration %s: %w", m.name, err)
		}
		if _, err := db.Exec("INSERT INTO crr_meta (migration) VALUES (?)", m.name); err != nil {
			return fmt.Errorf("store: record migration %s: %w", m.name, err)
		}
	}

	if _, err := db.Exec("COMMIT"); err != nil {
		return fmt.Errorf("store: commit migrations: %w", err)
	}
	committed = true
	return nil
}
