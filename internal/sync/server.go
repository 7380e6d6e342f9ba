package sync

import (
	"context"
	"database/sql"
	"time"

	"github.com/untoldecay/crrsync/internal/store"
	"github.com/untoldecay/crrsync/internal/version"
)

// Server answers push/pull requests on behalf of a local store, wrapping
// each exchange in its own transaction (spec §5: applyChanges sets
// time_travelling for the duration of the enclosing transaction only).
// HTTP and WebSocket handlers both wrap a Server.
type Server struct {
	Store *store.Store
}

// NewServer returns a Server answering requests against s.
func NewServer(s *store.Store) *Server {
	return &Server{Store: s}
}

// ReceivePush validates and applies an incoming push request.
func (srv *Server) ReceivePush(ctx context.Context, req *version.PushRequest) (*version.PushResponse, error) {
	var resp *version.PushResponse
	err := srv.Store.WithTx(ctx, func(tx *sql.Tx) error {
		r, err := srv.Store.ReceivePushCommits(ctx, tx, req)
		resp = r
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// ReceivePull gathers and returns the commits and changes req's sender
// is missing.
func (srv *Server) ReceivePull(ctx context.Context, req *version.PullRequest) (*version.PullResponse, error) {
	var resp *version.PullResponse
	err := srv.Store.WithTx(ctx, func(tx *sql.Tx) error {
		r, err := srv.Store.ReceivePullCommits(ctx, tx, req, time.Now().UnixMilli())
		resp = r
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}
