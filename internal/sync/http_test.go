package sync

import (
	"context"
	"database/sql"
	"net/http/httptest"
	"testing"

	"github.com/untoldecay/crrsync/internal/version"
)

func TestHTTPTransportPushThenPullRoundTrip(t *testing.T) {
	client := openTestStore(t, "http-client")
	registerTodos(t, client)
	server := openTestStore(t, "http-server")
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

	srv := httptest.NewServer(NewHandler(NewServer(server)))
	defer srv.Close()

	o := New(client, NewHTTPTransport(srv.URL))
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

	// second client, never synced before, pulls the same document over HTTP
	other := openTestStore(t, "http-other")
	registerTodos(t, other)
	oo := New(other, NewHTTPTransport(srv.URL))
	pullResp, conflicts, err := oo.PullCommits(ctx, doc)
	if err != nil {
		t.Fatalf("PullCommits: %v", err)
	}
	if len(conflicts) != 0 {
		t.Fatalf("expected no conflicts, got %d", len(conflicts))
	}
	if len(pullResp.Commits) != 1 {
		t.Fatalf("expected 1 commit pulled, got %d", len(pullResp.Commits))
	}

	if err := other.DB().QueryRow(`SELECT title FROM todos WHERE id='t1'`).Scan(&title); err != nil {
		t.Fatalf("query other todos: %v", err)
	}
	if title != "shared" {
		t.Fatalf("expected other title 'shared', got %q", title)
	}
}

func TestHTTPHandlerRejectsMalformedBody(t *testing.T) {
	server := openTestStore(t, "http-malformed")
	registerTodos(t, server)

	srv := httptest.NewServer(NewHandler(NewServer(server)))
	defer srv.Close()

	resp, err := srv.Client().Post(srv.URL+"/push", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 400 {
		t.Fatalf("expected 400 for empty body, got %d", resp.StatusCode)
	}
}
