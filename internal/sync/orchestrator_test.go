package sync

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/untoldecay/crrsync/internal/schema"
	"github.com/untoldecay/crrsync/internal/store"
	"github.com/untoldecay/crrsync/internal/version"
)

// localTransport drives push/pull directly against a Server in-process,
// skipping HTTP/WebSocket framing, so orchestrator logic can be tested
// without a real network round trip.
type localTransport struct {
	server *Server
}

func (t *localTransport) PushChanges(ctx context.Context, req *version.PushRequest) (*version.PushResponse, error) {
	return t.server.ReceivePush(ctx, req)
}

func (t *localTransport) PullChanges(ctx context.Context, req *version.PullRequest) (*version.PullResponse, error) {
	return t.server.ReceivePull(ctx, req)
}

func openTestStore(t *testing.T, name string) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(context.Background(), filepath.Join(dir, name+".db"), store.Options{SiteID: name})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func registerTodos(t *testing.T, s *store.Store) {
	t.Helper()
	ctx := context.Background()
	if _, err := s.DB().ExecContext(ctx, `CREATE TABLE IF NOT EXISTS todos (id TEXT PRIMARY KEY, title TEXT)`); err != nil {
		t.Fatalf("create todos: %v", err)
	}
	if err := s.RegisterTable(ctx, "todos", []string{"id"}, []schema.ColumnOptions{
		{Name: "title", Replicate: true},
	}); err != nil {
		t.Fatalf("RegisterTable: %v", err)
	}
}

func TestPushCommitsThenPullCommitsRoundTrip(t *testing.T) {
	client := openTestStore(t, "client")
	registerTodos(t, client)
	server := openTestStore(t, "server")
	registerTodos(t, server)
	ctx := context.Background()
	const doc = "doc1"

	err := client.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := client.ExecTrackChanges(ctx, tx, doc, "todos",
			`INSERT INTO todos (id, title) VALUES (?, ?)`, "t1", "shared"); err != nil {
			return err
		}
		_, err := client.Commit(ctx, tx, doc, "create t1")
		return err
	})
	if err != nil {
		t.Fatalf("client commit: %v", err)
	}

	o := New(client, &localTransport{server: NewServer(server)})
	resp, err := o.PushCommits(ctx, doc)
	if err != nil {
		t.Fatalf("PushCommits: %v", err)
	}
	if resp.Status != version.PushOK {
		t.Fatalf("expected PushOK, got %s", resp.Status)
	}

	var title string
	if err := server.DB().QueryRow(`SELECT title FROM todos WHERE id='t1'`).Scan(&title); err != nil {
		t.Fatalf("query server todos: %v", err)
	}
	if title != "shared" {
		t.Fatalf("expected server title 'shared', got %q", title)
	}

	var lastPushed string
	if err := client.DB().QueryRow(`SELECT last_pushed_commit FROM crr_documents WHERE id=?`, doc).Scan(&lastPushed); err != nil {
		t.Fatalf("query client bookkeeping: %v", err)
	}
	if lastPushed == "" {
		t.Fatal("expected client's last_pushed_commit to be recorded")
	}
}

func TestPushNeedsPullIsResolvedBySyncDocuments(t *testing.T) {
	client := openTestStore(t, "client")
	registerTodos(t, client)
	server := openTestStore(t, "server")
	registerTodos(t, server)
	ctx := context.Background()
	const doc = "doc1"

	err := server.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := server.ExecTrackChanges(ctx, tx, doc, "todos",
			`INSERT INTO todos (id, title) VALUES (?, ?)`, "t1", "from-server"); err != nil {
			return err
		}
		_, err := server.Commit(ctx, tx, doc, "server creates t1")
		return err
	})
	if err != nil {
		t.Fatalf("server commit: %v", err)
	}

	err = client.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := client.ExecTrackChanges(ctx, tx, doc, "todos",
			`INSERT INTO todos (id, title) VALUES (?, ?)`, "t2", "from-client"); err != nil {
			return err
		}
		_, err := client.Commit(ctx, tx, doc, "client creates t2")
		return err
	})
	if err != nil {
		t.Fatalf("client commit: %v", err)
	}

	o := New(client, &localTransport{server: NewServer(server)})
	if err := o.SyncDocuments(ctx, []string{doc}); err != nil {
		t.Fatalf("SyncDocuments: %v", err)
	}

	var n int
	if err := server.DB().QueryRow(`SELECT COUNT(*) FROM todos WHERE id IN ('t1','t2')`).Scan(&n); err != nil {
		t.Fatalf("query server todos: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected server to have both rows after sync, got %d", n)
	}
}
