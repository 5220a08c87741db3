package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	rpcgate "github.com/rpcgate/rpcgate/internal"
	"github.com/rpcgate/rpcgate/internal/router"
)

// bodyPool reuses buffers for request body reads, avoiding per-request
// allocations from json.NewDecoder (which cannot be pooled/reset).
var bodyPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// maxRequestBody is the maximum allowed request body size (4 MB).
const maxRequestBody = 4 << 20

// maxBatchSize caps the number of requests in a single JSON-RPC batch
// array, bounding how much work one HTTP request can fan out to the pool.
const maxBatchSize = 100

// readBody reads the request body via bodyPool into a fresh byte slice.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	buf := bodyPool.Get().(*bytes.Buffer)
	defer bodyPool.Put(buf)
	buf.Reset()
	if _, err := buf.ReadFrom(r.Body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return nil, false
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, true
}

// handleRPC serves the anonymous, IP-rate-limited proxy route.
func (s *server) handleRPC(w http.ResponseWriter, r *http.Request) {
	s.serveRPC(w, r, nil)
}

// handleRPCKeyed serves the authenticated proxy route, resolving the
// opaque key from the {key} path segment rather than an Authorization
// header.
func (s *server) handleRPCKeyed(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "key")
	key, err := s.deps.Auth.AuthenticateRaw(r.Context(), raw)
	if err != nil {
		writeJSON(w, http.StatusForbidden, errorResponse("unknown or inactive key"))
		return
	}
	s.serveRPC(w, r, key)
}

// serveRPC decodes the request body as either a single JSON-RPC object or
// a batch array, dispatches each element through the router, and writes
// the corresponding single object or array response.
func (s *server) serveRPC(w http.ResponseWriter, r *http.Request, key *rpcgate.AuthKey) {
	data, ok := readBody(w, r)
	if !ok {
		return
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		writeJSON(w, http.StatusOK, rpcErrorResponse(nil, rpcgate.CodeInvalidRequest, "empty request body"))
		return
	}

	remoteIP := clientIP(r)

	if trimmed[0] == '[' {
		var raw []json.RawMessage
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			writeJSON(w, http.StatusOK, rpcErrorResponse(nil, rpcgate.CodeParseError, "parse error"))
			return
		}
		if len(raw) == 0 {
			writeJSON(w, http.StatusOK, rpcErrorResponse(nil, rpcgate.CodeInvalidRequest, "empty batch"))
			return
		}
		if len(raw) > maxBatchSize {
			writeJSON(w, http.StatusOK, rpcErrorResponse(nil, rpcgate.CodeInvalidRequest, "batch too large"))
			return
		}
		resp := make([]*rpcgate.Response, len(raw))
		for i, item := range raw {
			resp[i] = s.dispatchOne(r.Context(), item, key, remoteIP)
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	resp := s.dispatchOne(r.Context(), trimmed, key, remoteIP)
	writeJSON(w, http.StatusOK, resp)
}

// dispatchOne decodes and dispatches a single JSON-RPC request object,
// always returning a well-formed Response -- errors are folded into the
// response's Error field per JSON-RPC 2.0, never surfaced as an HTTP
// error status (aside from the pre-dispatch auth/body failures above).
func (s *server) dispatchOne(ctx context.Context, raw json.RawMessage, key *rpcgate.AuthKey, remoteIP string) *rpcgate.Response {
	var req rpcgate.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return rpcErrorResponse(nil, rpcgate.CodeParseError, "parse error")
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		return rpcErrorResponse(req.ID, rpcgate.CodeInvalidRequest, "invalid request")
	}

	resp, err := s.deps.Router.Dispatch(ctx, key, remoteIP, &req)
	if err != nil {
		return rpcErrorFromDispatch(req.ID, err)
	}
	return resp
}

// rpcErrorFromDispatch maps a router.Dispatch error to a JSON-RPC error
// response per spec.md §7's error kind table.
func rpcErrorFromDispatch(id json.RawMessage, err error) *rpcgate.Response {
	var rl *router.RateLimitError
	switch {
	case errors.As(err, &rl):
		return rpcErrorResponse(id, rpcgate.CodeRateLimited, err.Error())
	case errors.Is(err, rpcgate.ErrNotReady):
		return rpcErrorResponse(id, rpcgate.CodeNotReady, "no eligible upstream")
	case errors.Is(err, rpcgate.ErrInvalidBlockTag):
		return rpcErrorResponse(id, rpcgate.CodeInvalidBlockTag, "invalid block tag")
	case errors.Is(err, rpcgate.ErrUpstreamError):
		return rpcErrorResponse(id, rpcgate.CodeUpstreamError, "upstream error")
	default:
		slog.LogAttrs(context.Background(), slog.LevelError, "dispatch error",
			slog.String("error", err.Error()),
		)
		return rpcErrorResponse(id, rpcgate.CodeInternalError, "internal error")
	}
}

func rpcErrorResponse(id json.RawMessage, code int, msg string) *rpcgate.Response {
	return &rpcgate.Response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &rpcgate.RPCError{Code: code, Message: msg},
	}
}

// clientIP returns the request's remote IP with any port stripped, used to
// scope the anonymous-caller rate limiter.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// --- Shared HTTP/JSON helpers (used by rpc.go, websocket.go, admin.go) ---

type apiError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func errorResponse(msg string) apiError {
	var e apiError
	e.Error.Message = msg
	return e
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode response", "error", err)
		return
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	w.Write(data)
}

// errorStatus maps a domain error to its HTTP status, used by admin
// handlers.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, rpcgate.ErrUnauthorized), errors.Is(err, rpcgate.ErrKeyExpired):
		return http.StatusUnauthorized
	case errors.Is(err, rpcgate.ErrForbidden), errors.Is(err, rpcgate.ErrKeyBlocked):
		return http.StatusForbidden
	case errors.Is(err, rpcgate.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, rpcgate.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, rpcgate.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, rpcgate.ErrInvalidRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
