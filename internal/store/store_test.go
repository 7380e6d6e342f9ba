package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/untoldecay/crrsync/internal/schema"
	"github.com/untoldecay/crrsync/internal/version"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(context.Background(), filepath.Join(dir, "crrsync.db"), Options{SiteID: "site-a"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func registerTodos(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS todos (id TEXT PRIMARY KEY, title TEXT)`); err != nil {
		t.Fatalf("create todos: %v", err)
	}
	if err := s.RegisterTable(ctx, "todos", []string{"id"}, []schema.ColumnOptions{
		{Name: "title", Replicate: true},
	}); err != nil {
		t.Fatalf("RegisterTable: %v", err)
	}
}

func TestOpenRunsMigrationsAndIsReentrant(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "crrsync.db")

	s1, err := Open(context.Background(), path, Options{SiteID: "site-a"})
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(context.Background(), path, Options{SiteID: "site-a"})
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer s2.Close()

	var count int
	if err := s2.db.QueryRow(`SELECT COUNT(*) FROM crr_meta`).Scan(&count); err != nil {
		t.Fatalf("query crr_meta: %v", err)
	}
	if count != len(migrationsList) {
		t.Fatalf("expected %d recorded migrations, got %d", len(migrationsList), count)
	}
}

func TestExecTrackChangesWritesChangeLog(t *testing.T) {
	s := openTestStore(t)
	registerTodos(t, s)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := s.ExecTrackChanges(ctx, tx, "doc1", "todos",
			`INSERT INTO todos (id, title) VALUES (?, ?)`, "t1", "buy milk")
		return err
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM crr_changes WHERE "table"='todos' AND pk='t1'`).Scan(&n); err != nil {
		t.Fatalf("query crr_changes: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 change row, got %d", n)
	}

	var title string
	if err := s.db.QueryRow(`SELECT title FROM todos WHERE id='t1'`).Scan(&title); err != nil {
		t.Fatalf("query todos: %v", err)
	}
	if title != "buy milk" {
		t.Fatalf("expected title 'buy milk', got %q", title)
	}
}

func TestCommitAndCheckoutThroughStore(t *testing.T) {
	s := openTestStore(t)
	registerTodos(t, s)
	ctx := context.Background()
	const doc = "doc1"

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.ExecTrackChanges(ctx, tx, doc, "todos", `INSERT INTO todos (id, title) VALUES (?, ?)`, "t1", "first"); err != nil {
			return err
		}
		_, err := s.Commit(ctx, tx, doc, "create t1")
		return err
	})
	if err != nil {
		t.Fatalf("commit 1: %v", err)
	}

	var firstCommit string
	if err := s.db.QueryRow(`SELECT head FROM crr_documents WHERE id=?`, doc).Scan(&firstCommit); err != nil {
		t.Fatalf("query head: %v", err)
	}

	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.ExecTrackChanges(ctx, tx, doc, "todos", `UPDATE todos SET title=? WHERE id=?`, "second", "t1"); err != nil {
			return err
		}
		_, err := s.Commit(ctx, tx, doc, "update t1")
		return err
	})
	if err != nil {
		t.Fatalf("commit 2: %v", err)
	}

	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.Checkout(ctx, tx, doc, firstCommit)
	})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}

	var title string
	if err := s.db.QueryRow(`SELECT title FROM todos WHERE id='t1'`).Scan(&title); err != nil {
		t.Fatalf("query todos after checkout: %v", err)
	}
	if title != "first" {
		t.Fatalf("expected reverted title 'first', got %q", title)
	}
}

func TestPushPullRoundTripThroughStore(t *testing.T) {
	client := openTestStore(t)
	registerTodos(t, client)
	server := openTestStore(t)
	registerTodos(t, server)
	ctx := context.Background()
	const doc = "doc1"

	err := client.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := client.ExecTrackChanges(ctx, tx, doc, "todos", `INSERT INTO todos (id, title) VALUES (?, ?)`, "t1", "shared"); err != nil {
			return err
		}
		_, err := client.Commit(ctx, tx, doc, "create t1")
		return err
	})
	if err != nil {
		t.Fatalf("client commit: %v", err)
	}

	var pushReq *version.PushRequest
	err = client.WithTx(ctx, func(tx *sql.Tx) error {
		req, err := client.PreparePushCommits(ctx, tx, doc)
		pushReq = req
		return err
	})
	if err != nil {
		t.Fatalf("PreparePushCommits: %v", err)
	}

	var pushStatus string
	err = server.WithTx(ctx, func(tx *sql.Tx) error {
		resp, err := server.ReceivePushCommits(ctx, tx, pushReq)
		if err != nil {
			return err
		}
		pushStatus = string(resp.Status)
		return nil
	})
	if err != nil {
		t.Fatalf("server receive push: %v", err)
	}
	if pushStatus != string(version.PushOK) {
		t.Fatalf("expected push status %q, got %q", version.PushOK, pushStatus)
	}

	var title string
	if err := server.db.QueryRow(`SELECT title FROM todos WHERE id='t1'`).Scan(&title); err != nil {
		t.Fatalf("query server todos: %v", err)
	}
	if title != "shared" {
		t.Fatalf("expected server title 'shared', got %q", title)
	}
}

func TestOpenFromConfigUsesExplicitSiteIDOverride(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenFromConfig(context.Background(), filepath.Join(dir, "crrsync.db"), "site-override")
	if err != nil {
		t.Fatalf("OpenFromConfig: %v", err)
	}
	defer s.Close()

	if s.SiteID() != "site-override" {
		t.Fatalf("expected site id %q, got %q", "site-override", s.SiteID())
	}
}

func TestExecTrackChangesPublishesLocalWriteEvent(t *testing.T) {
	s := openTestStore(t)
	registerTodos(t, s)
	ctx := context.Background()

	ch, unsubscribe := s.Events().Subscribe("todos")
	defer unsubscribe()

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := s.ExecTrackChanges(ctx, tx, "doc1", "todos",
			`INSERT INTO todos (id, title) VALUES (?, ?)`, "t1", "buy milk")
		return err
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}

	select {
	case evt := <-ch:
		if evt.Table != "todos" || evt.Document != "doc1" {
			t.Fatalf("unexpected event: %+v", evt)
		}
	default:
		t.Fatal("expected a local-write event for todos")
	}
}
