package version

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/untoldecay/crrsync/internal/apply"
	"github.com/untoldecay/crrsync/internal/changelog"
	"github.com/untoldecay/crrsync/internal/schema"
	"github.com/untoldecay/crrsync/internal/trigger"
)

// PushStatus is the tag-discriminated push response status of §6.
type PushStatus string

const (
	PushOK                   PushStatus = "ok"
	PushNeedsPull            PushStatus = "needs-pull"
	PushNoCommits            PushStatus = "request-contained-no-commits"
	PushMalformed            PushStatus = "request-malformed"
)

// PushRequest is the client→server push payload.
type PushRequest struct {
	DocumentID       string
	LastPushedCommit string
	LastPulledCommit string
	Commits          []Commit
	Changes          [][]changelog.Change // Changes[i] is the batch for Commits[i]
}

// PushResponse is the server's reply to a push.
type PushResponse struct {
	Status     PushStatus
	AppliedAt  int64
	DocumentID string
	Message    string
}

// PreparePushCommits builds the push request for every local commit not
// yet known to have reached the server (everything after
// last_pushed_commit, up to head).
func PreparePushCommits(ctx context.Context, tx *sql.Tx, document string) (*PushRequest, error) {
	d, err := LoadDocument(ctx, tx, document)
	if err != nil {
		return nil, err
	}
	if !d.Head.Valid {
		return &PushRequest{DocumentID: document}, nil
	}
	from := ""
	if d.LastPushedCommit.Valid {
		from = d.LastPushedCommit.String
	}
	ids, err := commitsSince(ctx, tx, document, from, d.Head.String)
	if err != nil {
		return nil, err
	}
	req := &PushRequest{
		DocumentID:       document,
		LastPushedCommit: from,
		LastPulledCommit: nullToString(d.LastPulledCommit),
	}
	for _, id := range ids {
		c, err := loadCommit(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		changes, err := changelog.ForVersions(ctx, tx, document, []string{id})
		if err != nil {
			return nil, err
		}
		req.Commits = append(req.Commits, c)
		req.Changes = append(req.Changes, changes)
	}
	return req, nil
}

// ReceivePushCommits applies a client's push request to the server-side
// store. The caller must already be inside an exclusive transaction.
func ReceivePushCommits(ctx context.Context, tx *sql.Tx, reg *schema.Registry, eng *apply.Engine, siteID string, req *PushRequest) (*PushResponse, error) {
	if req.DocumentID == "" {
		return &PushResponse{Status: PushMalformed, Message: "missing documentId"}, nil
	}
	d, err := LoadDocument(ctx, tx, req.DocumentID)
	if err != nil {
		return nil, err
	}
	head := nullToString(d.Head)
	if head != "" && head != req.LastPushedCommit && head != req.LastPulledCommit && !pushDescendsFrom(req.Commits, head) {
		return &PushResponse{Status: PushNeedsPull, DocumentID: req.DocumentID,
			Message: "server head has advanced past the client's last known commit"}, nil
	}
	if len(req.Commits) == 0 {
		return &PushResponse{Status: PushNoCommits, DocumentID: req.DocumentID}, nil
	}

	if err := trigger.SetTimeTravelling(ctx, tx, true); err != nil {
		return nil, err
	}
	defer trigger.SetTimeTravelling(ctx, tx, false) //nolint:errcheck

	var appliedAt int64
	for i, c := range req.Commits {
		if _, err := eng.Apply(ctx, tx, siteID, req.DocumentID, req.Changes[i]); err != nil {
			return nil, fmt.Errorf("version: receive push: apply commit %s: %w", c.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO crr_commits (id, document, parent, message, author, created_at, applied_at)
			VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, ?)`,
			c.ID, c.Document, c.Parent, c.Message, c.Author, c.CreatedAt, c.AppliedAt); err != nil {
			return nil, fmt.Errorf("version: receive push: insert commit %s: %w", c.ID, err)
		}
		appliedAt = c.AppliedAt
		d.Head = sql.NullString{String: c.ID, Valid: true}
	}
	if err := saveDocument(ctx, tx, d); err != nil {
		return nil, err
	}
	return &PushResponse{Status: PushOK, AppliedAt: appliedAt, DocumentID: req.DocumentID}, nil
}

// PullRequest is the client→server pull payload.
type PullRequest struct {
	DocumentID       string
	LastPulledCommit string
}

// PullResponse is the server's reply to a pull.
type PullResponse struct {
	Commits  []Commit
	Changes  [][]changelog.Change
	PulledAt int64
}

// PreparePullCommits builds the pull request for document.
func PreparePullCommits(ctx context.Context, tx *sql.Tx, document string) (*PullRequest, error) {
	d, err := LoadDocument(ctx, tx, document)
	if err != nil {
		return nil, err
	}
	return &PullRequest{DocumentID: document, LastPulledCommit: nullToString(d.LastPulledCommit)}, nil
}

// ReceivePullCommits returns every commit (and its change batch) the
// server has beyond req.LastPulledCommit.
func ReceivePullCommits(ctx context.Context, tx *sql.Tx, req *PullRequest, pulledAt int64) (*PullResponse, error) {
	d, err := LoadDocument(ctx, tx, req.DocumentID)
	if err != nil {
		return nil, err
	}
	if !d.Head.Valid {
		return &PullResponse{PulledAt: pulledAt}, nil
	}
	ids, err := commitsSince(ctx, tx, req.DocumentID, req.LastPulledCommit, d.Head.String)
	if err != nil {
		return nil, err
	}
	resp := &PullResponse{PulledAt: pulledAt}
	for _, id := range ids {
		c, err := loadCommit(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		changes, err := changelog.ForVersions(ctx, tx, req.DocumentID, []string{id})
		if err != nil {
			return nil, err
		}
		resp.Commits = append(resp.Commits, c)
		resp.Changes = append(resp.Changes, changes)
	}
	return resp, nil
}

// commitsSince returns, oldest-first, every commit reachable from `to`
// that is not reachable from `from` (from == "" means "every ancestor of
// to, plus to"; to == "" yields no commits).
func commitsSince(ctx context.Context, tx *sql.Tx, document, from, to string) ([]string, error) {
	if to == "" {
		return nil, nil
	}
	toSet := map[string]bool{to: true}
	ancestorsOfTo, err := Ancestors(ctx, tx, to)
	if err != nil {
		return nil, err
	}
	for _, a := range ancestorsOfTo {
		toSet[a] = true
	}
	exclude := map[string]bool{}
	if from != "" {
		exclude[from] = true
		ancestorsOfFrom, err := Ancestors(ctx, tx, from)
		if err != nil {
			return nil, err
		}
		for _, a := range ancestorsOfFrom {
			exclude[a] = true
		}
	}

	type idAndClock struct {
		id        string
		createdAt string
	}
	var result []idAndClock
	for id := range toSet {
		if exclude[id] {
			continue
		}
		c, err := loadCommit(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		result = append(result, idAndClock{id, c.CreatedAt})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].createdAt < result[j].createdAt })
	out := make([]string, len(result))
	for i, r := range result {
		out[i] = r.id
	}
	return out, nil
}

// pushDescendsFrom reports whether target appears among the parent
// references of commits. A push that carries a commit whose parent is
// target has folded the server's current head into its own history via
// a prior merge, even though neither side's bookkeeping fields were
// updated to say so yet — the scenario after PushNeedsPull → pull →
// merge → re-push (spec S6). A push that merely resends target itself
// does not count.
func pushDescendsFrom(commits []Commit, target string) bool {
	for _, c := range commits {
		for _, p := range c.Parents() {
			if p == target {
				return true
			}
		}
	}
	return false
}

func nullToString(ns sql.NullString) string {
	if !ns.Valid {
		return ""
	}
	return ns.String
}
