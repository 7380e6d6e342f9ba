package sync

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/untoldecay/crrsync/internal/eventbus"
	"github.com/untoldecay/crrsync/internal/telemetry"
	"github.com/untoldecay/crrsync/internal/version"
)

const wsKeepalive = 30 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// WSTransport drives the push/pull protocol over one WebSocket
// connection: PushChanges sends a push-changes message and waits for its
// reply, and PullChanges does the same for pull-changes — the same
// request/response pairing HTTPTransport uses, just framed over a
// gorilla/websocket.Conn instead of an HTTP round trip. A second
// goroutine (Listen) watches the same connection for server-pushed
// pull-hint messages, so a client only needs to call PullChanges when
// it is told something changed.
type WSTransport struct {
	conn *websocket.Conn

	mu      sync.Mutex
	pending map[string]chan wireMessage // keyed by documentId, one outstanding call at a time per document
}

// DialWS opens a WebSocket connection to url and returns a transport
// over it. The caller owns calling Close.
func DialWS(ctx context.Context, url string) (*WSTransport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("sync: dial %s: %w", url, err)
	}
	return &WSTransport{conn: conn, pending: make(map[string]chan wireMessage)}, nil
}

// Close closes the underlying connection.
func (t *WSTransport) Close() error { return t.conn.Close() }

// Listen reads frames off the connection until ctx is cancelled or the
// connection closes, dispatching replies to whichever PushChanges/
// PullChanges call is waiting on them and calling onPullHint whenever
// the server announces new data for a document.
func (t *WSTransport) Listen(ctx context.Context, onPullHint func(document string)) error {
	go func() {
		<-ctx.Done()
		_ = t.conn.Close()
	}()
	for {
		var msg wireMessage
		if err := t.conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("sync: websocket read: %w", err)
		}
		switch msg.Type {
		case MsgPullHint:
			if onPullHint != nil {
				onPullHint(msg.Document)
			}
		case MsgPushChangesOK, MsgPushChangesFail, MsgPullChangesOK, MsgPullChangesFail:
			t.deliver(msg.Document, msg)
		}
	}
}

func (t *WSTransport) await(document string) chan wireMessage {
	ch := make(chan wireMessage, 1)
	t.mu.Lock()
	t.pending[document] = ch
	t.mu.Unlock()
	return ch
}

func (t *WSTransport) deliver(document string, msg wireMessage) {
	t.mu.Lock()
	ch, ok := t.pending[document]
	if ok {
		delete(t.pending, document)
	}
	t.mu.Unlock()
	if ok {
		ch <- msg
	}
}

// PushChanges sends req as a push-changes frame and waits for the
// matching push-changes-ok/fail reply.
func (t *WSTransport) PushChanges(ctx context.Context, req *version.PushRequest) (*version.PushResponse, error) {
	ch := t.await(req.DocumentID)
	if err := t.conn.WriteJSON(wireMessage{Type: MsgPushChanges, Document: req.DocumentID, Push: req}); err != nil {
		return nil, fmt.Errorf("sync: websocket push-changes: %w", err)
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-ch:
		if msg.Type == MsgPushChangesFail {
			return nil, fmt.Errorf("sync: push-changes failed: %s", msg.Error)
		}
		return msg.PushResp, nil
	}
}

// PullChanges sends req as a pull-changes frame and waits for the
// matching pull-changes-ok/fail reply.
func (t *WSTransport) PullChanges(ctx context.Context, req *version.PullRequest) (*version.PullResponse, error) {
	ch := t.await(req.DocumentID)
	if err := t.conn.WriteJSON(wireMessage{Type: MsgPullChanges, Document: req.DocumentID, Pull: req}); err != nil {
		return nil, fmt.Errorf("sync: websocket pull-changes: %w", err)
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-ch:
		if msg.Type == MsgPullChangesFail {
			return nil, fmt.Errorf("sync: pull-changes failed: %s", msg.Error)
		}
		return msg.PullResp, nil
	}
}

// ServeWS upgrades r to a WebSocket connection, answers push-changes and
// pull-changes frames against srv, and sends a pull-hint frame for every
// event on srv's event bus except the server's own local writes — one
// frame per event, including events caused by this connection's own
// push — waking a client that would otherwise poll. Grounded on the
// teacher's knotserver Events handler:
// same upgrade-then-select-loop shape, same 30s ping keepalive.
func ServeWS(w http.ResponseWriter, r *http.Request, srv *Server) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		telemetry.L().Error("sync: websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, unsubscribe := srv.Store.Events().Subscribe()
	defer unsubscribe()

	incoming := make(chan wireMessage)
	go func() {
		defer cancel()
		for {
			var msg wireMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			select {
			case incoming <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-events:
			if evt.Reason == eventbus.ReasonLocalWrite {
				continue // this server's own tracked writes aren't relevant to a syncing peer
			}
			if err := conn.WriteJSON(wireMessage{Type: MsgPullHint, Document: evt.Document}); err != nil {
				telemetry.L().Error("sync: websocket pull-hint write failed", "err", err)
				return
			}
		case msg := <-incoming:
			if err := handleWSRequest(ctx, conn, srv, msg); err != nil {
				telemetry.L().Error("sync: websocket handle request failed", "err", err)
				return
			}
		case <-time.After(wsKeepalive):
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(time.Second)); err != nil {
				telemetry.L().Error("sync: websocket keepalive failed", "err", err)
				return
			}
		}
	}
}

func handleWSRequest(ctx context.Context, conn *websocket.Conn, srv *Server, msg wireMessage) error {
	switch msg.Type {
	case MsgPushChanges:
		resp, err := srv.ReceivePush(ctx, msg.Push)
		if err != nil {
			return conn.WriteJSON(wireMessage{Type: MsgPushChangesFail, Document: msg.Document, Error: err.Error()})
		}
		return conn.WriteJSON(wireMessage{Type: MsgPushChangesOK, Document: msg.Document, PushResp: resp})
	case MsgPullChanges:
		resp, err := srv.ReceivePull(ctx, msg.Pull)
		if err != nil {
			return conn.WriteJSON(wireMessage{Type: MsgPullChangesFail, Document: msg.Document, Error: err.Error()})
		}
		return conn.WriteJSON(wireMessage{Type: MsgPullChangesOK, Document: msg.Document, PullResp: resp})
	default:
		return fmt.Errorf("sync: unexpected websocket message type %q", msg.Type)
	}
}
