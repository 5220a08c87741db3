package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	rpcgate "github.com/rpcgate/rpcgate/internal"
)

// WebSocketUpgrader promotes an HTTP connection to a long-lived JSON-RPC
// session, implemented by internal/session.Handler. key is nil for the
// anonymous route.
type WebSocketUpgrader interface {
	Upgrade(w http.ResponseWriter, r *http.Request, key *rpcgate.AuthKey, remoteIP string) error
}

// handleWebSocket serves the anonymous WebSocket route.
func (s *server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.serveWebSocket(w, r, nil)
}

// handleWebSocketKeyed serves the authenticated WebSocket route, resolving
// the opaque key from the {key} path segment before upgrading.
func (s *server) handleWebSocketKeyed(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "key")
	key, err := s.deps.Auth.AuthenticateRaw(r.Context(), raw)
	if err != nil {
		writeJSON(w, http.StatusForbidden, errorResponse("unknown or inactive key"))
		return
	}
	s.serveWebSocket(w, r, key)
}

func (s *server) serveWebSocket(w http.ResponseWriter, r *http.Request, key *rpcgate.AuthKey) {
	if s.deps.Upgrader == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse("websocket not supported"))
		return
	}
	if err := s.deps.Upgrader.Upgrade(w, r, key, clientIP(r)); err != nil {
		// The upgrade itself failed before any hijack; still safe to write a
		// response. Once hijacked, Upgrade owns the connection entirely.
		writeJSON(w, http.StatusBadRequest, errorResponse("websocket upgrade failed"))
	}
}
