// Package version implements document-scoped versioning: the commit
// graph, commit/checkout/discardChanges, the push/pull protocol, and
// three-way merge with manual-conflict surfacing.
package version

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/untoldecay/crrsync/internal/changelog"
	"github.com/untoldecay/crrsync/internal/schema"
	"github.com/untoldecay/crrsync/internal/snapshot"
	"github.com/untoldecay/crrsync/internal/trigger"
)

// DDL creates crr_commits, crr_documents, and crr_conflicts.
const DDL = `
CREATE TABLE IF NOT EXISTS crr_commits (
	id         TEXT PRIMARY KEY,
	document   TEXT NOT NULL,
	parent     TEXT,
	message    TEXT NOT NULL,
	author     TEXT NOT NULL,
	created_at TEXT NOT NULL,
	applied_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS crr_commits_document_idx ON crr_commits (document);

CREATE TABLE IF NOT EXISTS crr_documents (
	id                 TEXT PRIMARY KEY,
	head               TEXT,
	last_pulled_at     INTEGER,
	last_pulled_commit TEXT,
	last_pushed_commit TEXT
);

CREATE TABLE IF NOT EXISTS crr_conflicts (
	document TEXT NOT NULL,
	"table"  TEXT NOT NULL,
	pk       TEXT NOT NULL,
	columns  TEXT NOT NULL,
	base     TEXT NOT NULL,
	our      TEXT NOT NULL,
	their    TEXT NOT NULL,
	PRIMARY KEY (document, "table", pk)
);
`

// Commit is one node of the commit graph. Parent is "" for the root,
// a single commit id for linear history, or "A|B" for a merge commit.
type Commit struct {
	ID        string
	Document  string
	Parent    string
	Message   string
	Author    string
	CreatedAt string
	AppliedAt int64
}

// Parents splits a commit's Parent field into zero, one, or two ids.
func (c Commit) Parents() []string {
	if c.Parent == "" {
		return nil
	}
	return strings.Split(c.Parent, "|")
}

// Document tracks one replication scope's sync bookkeeping.
type Document struct {
	ID               string
	Head             sql.NullString
	LastPulledAt     sql.NullInt64
	LastPulledCommit sql.NullString
	LastPushedCommit sql.NullString
}

// LoadDocument reads a document row, creating a fresh one (head=null) if
// it does not exist yet.
func LoadDocument(ctx context.Context, tx *sql.Tx, id string) (*Document, error) {
	row := tx.QueryRowContext(ctx, `SELECT id, head, last_pulled_at, last_pulled_commit, last_pushed_commit FROM crr_documents WHERE id = ?`, id)
	var d Document
	err := row.Scan(&d.ID, &d.Head, &d.LastPulledAt, &d.LastPulledCommit, &d.LastPushedCommit)
	if err == sql.ErrNoRows {
		if _, err := tx.ExecContext(ctx, `INSERT INTO crr_documents (id, head) VALUES (?, NULL)`, id); err != nil {
			return nil, fmt.Errorf("version: create document %s: %w", id, err)
		}
		return &Document{ID: id}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("version: load document %s: %w", id, err)
	}
	return &d, nil
}

func saveDocument(ctx context.Context, tx *sql.Tx, d *Document) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE crr_documents SET head=?, last_pulled_at=?, last_pulled_commit=?, last_pushed_commit=?
		WHERE id=?`, d.Head, d.LastPulledAt, d.LastPulledCommit, d.LastPushedCommit, d.ID)
	if err != nil {
		return fmt.Errorf("version: save document %s: %w", d.ID, err)
	}
	return nil
}

// MarkPushed records that document's commits up to and including
// pushedCommit have reached the remote, for the next PreparePushCommits
// call to pick up from. Callers (the sync orchestrator) invoke this only
// after the remote has acknowledged PushOK.
func MarkPushed(ctx context.Context, tx *sql.Tx, document, pushedCommit string) error {
	d, err := LoadDocument(ctx, tx, document)
	if err != nil {
		return err
	}
	d.LastPushedCommit = sql.NullString{String: pushedCommit, Valid: pushedCommit != ""}
	return saveDocument(ctx, tx, d)
}

// TouchPulledAt records that a pull attempt against document completed
// at pulledAtMs, independent of whether it found any new commits. Merge
// advances last_pulled_commit itself when commits do arrive; this covers
// the no-op pull (nothing new) that Merge never runs for.
func TouchPulledAt(ctx context.Context, tx *sql.Tx, document string, pulledAtMs int64) error {
	d, err := LoadDocument(ctx, tx, document)
	if err != nil {
		return err
	}
	d.LastPulledAt = sql.NullInt64{Int64: pulledAtMs, Valid: true}
	return saveDocument(ctx, tx, d)
}

func loadCommit(ctx context.Context, tx *sql.Tx, id string) (Commit, error) {
	row := tx.QueryRowContext(ctx, `SELECT id, document, COALESCE(parent,''), message, author, created_at, applied_at FROM crr_commits WHERE id=?`, id)
	var c Commit
	if err := row.Scan(&c.ID, &c.Document, &c.Parent, &c.Message, &c.Author, &c.CreatedAt, &c.AppliedAt); err != nil {
		return Commit{}, fmt.Errorf("version: load commit %s: %w", id, err)
	}
	return c, nil
}

// Ancestors returns the transitive closure of commit ids that `commit`
// descends from, not including commit itself. Acyclicity (spec §8
// invariant 5) means this always terminates.
func Ancestors(ctx context.Context, tx *sql.Tx, commit string) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	var walk func(id string) error
	walk = func(id string) error {
		c, err := loadCommit(ctx, tx, id)
		if err != nil {
			return err
		}
		for _, p := range c.Parents() {
			if seen[p] {
				continue
			}
			seen[p] = true
			out = append(out, p)
			if err := walk(p); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(commit); err != nil {
		return nil, err
	}
	return out, nil
}

// IsAncestor reports whether a is an ancestor of b.
func IsAncestor(ctx context.Context, tx *sql.Tx, a, b string) (bool, error) {
	ancestors, err := Ancestors(ctx, tx, b)
	if err != nil {
		return false, err
	}
	for _, c := range ancestors {
		if c == a {
			return true, nil
		}
	}
	return false, nil
}

// DoCommit allocates a fresh commit id for document's uncommitted changes,
// requiring at least one to exist, and advances the document's head.
func DoCommit(ctx context.Context, tx *sql.Tx, document, message, author, appliedAtClock string, appliedAtMs int64) (*Commit, error) {
	uncommitted, err := changelog.UncommittedForDocument(ctx, tx, document)
	if err != nil {
		return nil, err
	}
	if len(uncommitted) == 0 {
		return nil, fmt.Errorf("version: commit: document %s has no uncommitted changes", document)
	}

	doc, err := LoadDocument(ctx, tx, document)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	if err := changelog.SetVersion(ctx, tx, document, id); err != nil {
		return nil, err
	}

	parent := ""
	if doc.Head.Valid {
		parent = doc.Head.String
	}
	c := Commit{ID: id, Document: document, Parent: parent, Message: message, Author: author,
		CreatedAt: appliedAtClock, AppliedAt: appliedAtMs}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO crr_commits (id, document, parent, message, author, created_at, applied_at)
		VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, ?)`,
		c.ID, c.Document, c.Parent, c.Message, c.Author, c.CreatedAt, c.AppliedAt); err != nil {
		return nil, fmt.Errorf("version: insert commit: %w", err)
	}

	doc.Head = sql.NullString{String: id, Valid: true}
	if err := saveDocument(ctx, tx, doc); err != nil {
		return nil, err
	}
	return &c, nil
}

// Checkout truncates document's replicated tables and re-inserts the
// commit's folded snapshot, moving head.
func Checkout(ctx context.Context, tx *sql.Tx, reg *schema.Registry, document, commitID string) error {
	if err := trigger.SetTimeTravelling(ctx, tx, true); err != nil {
		return err
	}
	defer trigger.SetTimeTravelling(ctx, tx, false) //nolint:errcheck

	ancestors, err := Ancestors(ctx, tx, commitID)
	if err != nil {
		return err
	}
	doc, err := BuildSnapshot(ctx, tx, document, commitID, ancestors)
	if err != nil {
		return err
	}
	if err := applySnapshot(ctx, tx, reg, doc); err != nil {
		return err
	}

	d, err := LoadDocument(ctx, tx, document)
	if err != nil {
		return err
	}
	d.Head = sql.NullString{String: commitID, Valid: true}
	return saveDocument(ctx, tx, d)
}

// BuildSnapshot is a thin forwarder to snapshot.BuildDocument, kept here
// so callers only need to import the version package for the common
// checkout/merge paths.
func BuildSnapshot(ctx context.Context, tx *sql.Tx, document, commit string, ancestors []string) (*snapshot.Document, error) {
	return snapshot.BuildDocument(ctx, tx, document, commit, ancestors)
}

func applySnapshot(ctx context.Context, tx *sql.Tx, reg *schema.Registry, doc *snapshot.Document) error {
	tableCols := make(map[string][]string)
	for _, name := range reg.Tables() {
		t, _ := reg.Table(name)
		tableCols[name] = t.PKColumns
	}
	return snapshot.ApplyToDatabase(ctx, tx, doc, tableCols)
}

// DiscardChanges drops all uncommitted changes of document and re-folds
// the live tables from committed history (i.e. checks out head again).
func DiscardChanges(ctx context.Context, tx *sql.Tx, reg *schema.Registry, document string) error {
	if err := changelog.DiscardUncommitted(ctx, tx, document); err != nil {
		return err
	}
	d, err := LoadDocument(ctx, tx, document)
	if err != nil {
		return err
	}
	if !d.Head.Valid {
		return nil
	}
	return Checkout(ctx, tx, reg, document, d.Head.String)
}
