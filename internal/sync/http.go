package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/untoldecay/crrsync/internal/version"
)

// DefaultHTTPTimeout bounds one push or pull round trip.
const DefaultHTTPTimeout = 30 * time.Second

// HTTPTransport talks the push/pull protocol to a remote crrsync server
// over plain HTTP POST, JSON-encoded request and response bodies. The
// request/response/error-body shape is grounded on the teacher's
// internal/linear.Client.Execute (NewRequestWithContext, Do, ReadAll,
// status-code check).
type HTTPTransport struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewHTTPTransport returns a transport posting to baseURL+"/push" and
// baseURL+"/pull".
func NewHTTPTransport(baseURL string) *HTTPTransport {
	return &HTTPTransport{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: DefaultHTTPTimeout},
	}
}

func (t *HTTPTransport) do(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("sync: marshal %s request: %w", path, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("sync: build %s request: %w", path, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("sync: %s request failed: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("sync: read %s response: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sync: %s: server returned %d: %s", path, resp.StatusCode, string(respBody))
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("sync: decode %s response: %w (body: %s)", path, err, string(respBody))
	}
	return nil
}

// PushChanges sends req to the remote's /push endpoint.
func (t *HTTPTransport) PushChanges(ctx context.Context, req *version.PushRequest) (*version.PushResponse, error) {
	var resp version.PushResponse
	if err := t.do(ctx, "/push", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PullChanges sends req to the remote's /pull endpoint.
func (t *HTTPTransport) PullChanges(ctx context.Context, req *version.PullRequest) (*version.PullResponse, error) {
	var resp version.PullResponse
	if err := t.do(ctx, "/pull", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Handler serves the /push and /pull endpoints against srv on behalf of
// a remote client, wrapping each request in its own store transaction.
type Handler struct {
	Server *Server
}

// NewHandler returns an http.Handler exposing srv's push/pull endpoints.
func NewHandler(srv *Server) http.Handler {
	mux := http.NewServeMux()
	h := &Handler{Server: srv}
	mux.HandleFunc("/push", h.handlePush)
	mux.HandleFunc("/pull", h.handlePull)
	return mux
}

func (h *Handler) handlePush(w http.ResponseWriter, r *http.Request) {
	var req version.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("malformed push request: %v", err), http.StatusBadRequest)
		return
	}
	resp, err := h.Server.ReceivePush(r.Context(), &req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, resp)
}

func (h *Handler) handlePull(w http.ResponseWriter, r *http.Request) {
	var req version.PullRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("malformed pull request: %v", err), http.StatusBadRequest)
		return
	}
	resp, err := h.Server.ReceivePull(r.Context(), &req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
