// Package sync is the sync orchestrator (spec §4.10): it pairs a local
// store with a remote peer through a transport and drives the
// push/pull/merge cycle. Three call sets exist over two concrete
// transports: HTTP (PushChanges/PullChanges, in http.go), WebSocket
// (WSTransport.PushChanges/PullChanges and server-pushed pull hints, in
// ws.go), and the
// commit-style exchange itself (PushCommits/PullCommits in
// orchestrator.go), which both transports carry.
package sync

import (
	"context"

	"github.com/untoldecay/crrsync/internal/version"
)

// Transport carries a push or pull request to a remote peer and returns
// its response. HTTPTransport and the WebSocket client both implement
// it; the orchestrator only depends on this interface.
type Transport interface {
	PushChanges(ctx context.Context, req *version.PushRequest) (*version.PushResponse, error)
	PullChanges(ctx context.Context, req *version.PullRequest) (*version.PullResponse, error)
}

// Message type tags for the WebSocket wire protocol (spec §6).
const (
	MsgPushChanges   = "push-changes"
	MsgPushChangesOK = "push-changes-ok"
	MsgPushChangesFail = "push-changes-fail"
	MsgPullHint      = "pull-hint"
	MsgPullChanges   = "pull-changes"
	MsgPullChangesOK = "pull-changes-ok"
	MsgPullChangesFail = "pull-changes-fail"
)

// wireMessage is the envelope every WebSocket frame carries. Only the
// field matching Type is populated.
type wireMessage struct {
	Type     string                `json:"type"`
	Document string                `json:"documentId,omitempty"`
	Push     *version.PushRequest  `json:"push,omitempty"`
	PushResp *version.PushResponse `json:"pushResp,omitempty"`
	Pull     *version.PullRequest  `json:"pull,omitempty"`
	PullResp *version.PullResponse `json:"pullResp,omitempty"`
	Error    string                `json:"error,omitempty"`
}
