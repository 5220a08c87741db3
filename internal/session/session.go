package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	rpcgate "github.com/rpcgate/rpcgate/internal"
	"github.com/rpcgate/rpcgate/internal/router"
)

// upgrader is shared across all connections and accepts any origin; the
// resolved AuthKey's AllowedOrigins is not checked on the WebSocket path.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler implements server.WebSocketUpgrader: it owns the broker shared by
// every connection and dispatches one-shot requests through the same
// router every HTTP request goes through.
type Handler struct {
	router *router.Router
	broker *Broker
}

// NewHandler returns a Handler wired to r for one-shot dispatch and to
// broker for subscription fan-out.
func NewHandler(r *router.Router, broker *Broker) *Handler {
	return &Handler{router: r, broker: broker}
}

// Upgrade promotes the HTTP connection to a WebSocket and serves it until
// the client disconnects. key is nil for the anonymous route.
func (h *Handler) Upgrade(w http.ResponseWriter, r *http.Request, key *rpcgate.AuthKey, remoteIP string) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	s := &clientSession{
		conn:     conn,
		router:   h.router,
		broker:   h.broker,
		key:      key,
		remoteIP: remoteIP,
		subs:     make(map[string]clientSub),
	}
	s.serve(r.Context())
	return nil
}

// clientSub records one client-visible subscription's upstream binding so
// it can be torn down cleanly on eth_unsubscribe or disconnect.
type clientSub struct {
	upstreamID string
	kind       string
	filter     json.RawMessage
	cancel     context.CancelFunc
}

type clientSession struct {
	conn     *websocket.Conn
	router   *router.Router
	broker   *Broker
	key      *rpcgate.AuthKey
	remoteIP string

	writeMu sync.Mutex
	mu      sync.Mutex
	subs    map[string]clientSub
	closed  atomic.Bool
}

func (s *clientSession) serve(ctx context.Context) {
	defer s.shutdown()

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()
	go s.pingLoop(pingTicker)

	for {
		var raw json.RawMessage
		if err := s.conn.ReadJSON(&raw); err != nil {
			return
		}
		go s.handleMessage(ctx, raw)
	}
}

func (s *clientSession) pingLoop(t *time.Ticker) {
	for range t.C {
		if s.closed.Load() {
			return
		}
		s.writeMu.Lock()
		err := s.conn.WriteMessage(websocket.PingMessage, nil)
		s.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

func (s *clientSession) handleMessage(ctx context.Context, raw json.RawMessage) {
	var req rpcgate.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		s.writeResponse(&rpcgate.Response{JSONRPC: "2.0", Error: &rpcgate.RPCError{Code: rpcgate.CodeParseError, Message: "parse error"}})
		return
	}

	switch req.Method {
	case "eth_subscribe":
		s.subscribe(ctx, &req)
	case "eth_unsubscribe":
		s.unsubscribe(&req)
	default:
		resp, err := s.router.Dispatch(ctx, s.key, s.remoteIP, &req)
		if err != nil {
			resp = dispatchErrorResponse(req.ID, err)
		}
		s.writeResponse(resp)
	}
}

func (s *clientSession) subscribe(ctx context.Context, req *rpcgate.Request) {
	var args []json.RawMessage
	if err := json.Unmarshal(req.Params, &args); err != nil || len(args) == 0 {
		s.writeResponse(&rpcgate.Response{JSONRPC: "2.0", ID: req.ID, Error: &rpcgate.RPCError{Code: rpcgate.CodeInvalidParams, Message: "invalid params"}})
		return
	}
	var kind string
	if err := json.Unmarshal(args[0], &kind); err != nil || kind == "" {
		s.writeResponse(&rpcgate.Response{JSONRPC: "2.0", ID: req.ID, Error: &rpcgate.RPCError{Code: rpcgate.CodeInvalidParams, Message: "invalid params"}})
		return
	}
	var filter json.RawMessage
	if len(args) > 1 {
		filter = args[1]
	}
	clientSubID := uuid.Must(uuid.NewV7()).String()

	ch, upstreamID, err := s.broker.Subscribe(ctx, kind, filter, clientSubID)
	if err != nil {
		s.writeResponse(dispatchErrorResponse(req.ID, err))
		return
	}

	subCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.subs[clientSubID] = clientSub{upstreamID: upstreamID, kind: kind, filter: filter, cancel: cancel}
	s.mu.Unlock()

	go s.pumpSubscription(subCtx, clientSubID, ch)

	idJSON, _ := json.Marshal(clientSubID)
	s.writeResponse(&rpcgate.Response{JSONRPC: "2.0", ID: req.ID, Result: idJSON})
}

func (s *clientSession) pumpSubscription(ctx context.Context, clientSubID string, ch <-chan json.RawMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case result, ok := <-ch:
			if !ok {
				return
			}
			s.writeNotification(clientSubID, result)
		}
	}
}

func (s *clientSession) unsubscribe(req *rpcgate.Request) {
	var ids []string
	if err := json.Unmarshal(req.Params, &ids); err != nil || len(ids) == 0 {
		s.writeResponse(&rpcgate.Response{JSONRPC: "2.0", ID: req.ID, Error: &rpcgate.RPCError{Code: rpcgate.CodeInvalidParams, Message: "invalid params"}})
		return
	}
	clientSubID := ids[0]

	s.mu.Lock()
	sub, ok := s.subs[clientSubID]
	delete(s.subs, clientSubID)
	s.mu.Unlock()

	if ok {
		sub.cancel()
		s.broker.Unsubscribe(sub.upstreamID, sub.kind, sub.filter, clientSubID)
	}

	resultJSON, _ := json.Marshal(ok)
	s.writeResponse(&rpcgate.Response{JSONRPC: "2.0", ID: req.ID, Result: resultJSON})
}

type subscriptionNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  struct {
		Subscription string          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params"`
}

func (s *clientSession) writeNotification(clientSubID string, result json.RawMessage) {
	n := subscriptionNotification{JSONRPC: "2.0", Method: "eth_subscription"}
	n.Params.Subscription = clientSubID
	n.Params.Result = result
	s.write(n)
}

func (s *clientSession) writeResponse(resp *rpcgate.Response) {
	s.write(resp)
}

func (s *clientSession) write(v any) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed.Load() {
		return
	}
	if err := s.conn.WriteJSON(v); err != nil {
		slog.LogAttrs(context.Background(), slog.LevelWarn, "websocket write failed", slog.String("error", err.Error()))
	}
}

func (s *clientSession) shutdown() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	for id, sub := range s.subs {
		sub.cancel()
		s.broker.Unsubscribe(sub.upstreamID, sub.kind, sub.filter, id)
	}
	s.subs = nil
	s.mu.Unlock()
	s.conn.Close()
}

func dispatchErrorResponse(id json.RawMessage, err error) *rpcgate.Response {
	var rl *router.RateLimitError
	code := rpcgate.CodeInternalError
	switch {
	case errors.As(err, &rl):
		code = rpcgate.CodeRateLimited
	case errors.Is(err, rpcgate.ErrNotReady):
		code = rpcgate.CodeNotReady
	case errors.Is(err, rpcgate.ErrInvalidBlockTag):
		code = rpcgate.CodeInvalidBlockTag
	case errors.Is(err, rpcgate.ErrUpstreamError):
		code = rpcgate.CodeUpstreamError
	}
	return &rpcgate.Response{JSONRPC: "2.0", ID: id, Error: &rpcgate.RPCError{Code: code, Message: err.Error()}}
}
