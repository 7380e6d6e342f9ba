package sync

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/untoldecay/crrsync/internal/crrerrors"
	"github.com/untoldecay/crrsync/internal/store"
	"github.com/untoldecay/crrsync/internal/telemetry"
	"github.com/untoldecay/crrsync/internal/version"
)

// Orchestrator pairs a local Store with a remote peer over a Transport
// and drives push/pull/merge (spec §4.10). It is the only package that
// knows about a remote at all — Store has no notion of "the other side".
type Orchestrator struct {
	Store     *store.Store
	Transport Transport
}

// New returns an Orchestrator driving t against s.
func New(s *store.Store, t Transport) *Orchestrator {
	return &Orchestrator{Store: s, Transport: t}
}

// PushCommits sends document's unpushed commits to the remote. On
// PushOK it advances the document's last_pushed_commit bookkeeping; on
// PushNeedsPull the caller is expected to PullCommits and retry (spec
// scenario S6). A transport failure never mutates local state — the
// bookkeeping transaction only opens after the remote has replied.
func (o *Orchestrator) PushCommits(ctx context.Context, document string) (*version.PushResponse, error) {
	var req *version.PushRequest
	err := o.Store.WithTx(ctx, func(tx *sql.Tx) error {
		r, err := o.Store.PreparePushCommits(ctx, tx, document)
		req = r
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(req.Commits) == 0 {
		return &version.PushResponse{Status: version.PushNoCommits, DocumentID: document}, nil
	}

	resp, err := o.Transport.PushChanges(ctx, req)
	if err != nil {
		return nil, crrerrors.Wrap(crrerrors.KindTransport, fmt.Errorf("sync: push %s: %w", document, err))
	}

	if resp.Status == version.PushOK {
		lastCommit := req.Commits[len(req.Commits)-1].ID
		if err := o.Store.WithTx(ctx, func(tx *sql.Tx) error {
			return o.Store.MarkPushed(ctx, tx, document, lastCommit)
		}); err != nil {
			return resp, err
		}
	}
	return resp, nil
}

// PullCommits fetches and merges every commit the remote has beyond
// document's last pull. A transport failure or a merge error leaves
// local state untouched: the apply/merge transaction only opens, and
// only commits, after the remote has already replied successfully.
func (o *Orchestrator) PullCommits(ctx context.Context, document string) (*version.PullResponse, []version.Conflict, error) {
	var req *version.PullRequest
	err := o.Store.WithTx(ctx, func(tx *sql.Tx) error {
		r, err := o.Store.PreparePullCommits(ctx, tx, document)
		req = r
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	resp, err := o.Transport.PullChanges(ctx, req)
	if err != nil {
		return nil, nil, crrerrors.Wrap(crrerrors.KindTransport, fmt.Errorf("sync: pull %s: %w", document, err))
	}

	now := time.Now().UnixMilli()
	if len(resp.Commits) == 0 {
		err := o.Store.WithTx(ctx, func(tx *sql.Tx) error {
			return o.Store.TouchPulledAt(ctx, tx, document, now)
		})
		return resp, nil, err
	}

	var conflicts []version.Conflict
	err = o.Store.WithTx(ctx, func(tx *sql.Tx) error {
		d, err := o.Store.LoadDocument(ctx, tx, document)
		if err != nil {
			return err
		}
		ourHead := ""
		if d.Head.Valid {
			ourHead = d.Head.String
		}
		theirHead := resp.Commits[len(resp.Commits)-1].ID

		_, cs, err := o.Store.Merge(ctx, tx, document, ourHead, theirHead, resp.Commits, resp.Changes)
		if err != nil {
			return err
		}
		conflicts = cs
		return o.Store.TouchPulledAt(ctx, tx, document, now)
	})
	if err != nil {
		return resp, nil, err
	}
	return resp, conflicts, nil
}

// SyncDocuments drives a full push-then-pull cycle for every document
// concurrently, using golang.org/x/sync/errgroup to fan out while each
// document's push/pull/merge keeps its own transactional isolation — no
// two goroutines ever touch the same document's bookkeeping at once.
// A document whose push comes back PushNeedsPull is pulled and retried
// once (spec scenario S6) before giving up on it.
func (o *Orchestrator) SyncDocuments(ctx context.Context, documents []string) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, document := range documents {
		document := document
		g.Go(func() error {
			return o.syncOne(ctx, document)
		})
	}
	return g.Wait()
}

func (o *Orchestrator) syncOne(ctx context.Context, document string) error {
	resp, err := o.PushCommits(ctx, document)
	if err != nil {
		return err
	}
	switch resp.Status {
	case version.PushOK, version.PushNoCommits:
		// nothing further required before pulling
	case version.PushNeedsPull:
		if _, _, err := o.PullCommits(ctx, document); err != nil {
			return err
		}
		resp, err = o.PushCommits(ctx, document)
		if err != nil {
			return err
		}
		if resp.Status != version.PushOK && resp.Status != version.PushNoCommits {
			return crrerrors.Newf(crrerrors.KindProtocol, "sync: %s still needs pull after retry: %s", document, resp.Status)
		}
	default:
		return crrerrors.Newf(crrerrors.KindProtocol, "sync: %s push failed: %s", document, resp.Message)
	}

	_, conflicts, err := o.PullCommits(ctx, document)
	if err != nil {
		return err
	}
	if len(conflicts) > 0 {
		telemetry.Debugf("sync: %s pulled with %d unresolved conflicts", document, len(conflicts))
	}
	return nil
}
