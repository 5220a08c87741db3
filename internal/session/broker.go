// Package session implements the long-lived WebSocket transport: one-shot
// JSON-RPC dispatch over a persistent connection, plus eth_subscribe fan-out
// from a single upstream WebSocket feed to every interested client.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	rpcgate "github.com/rpcgate/rpcgate/internal"
	"github.com/rpcgate/rpcgate/internal/pool"
)

// upstreamSub is one subscription this broker holds open against an
// upstream's WebSocket endpoint, shared by every client subscribed to the
// same (upstream, kind) pair so N clients cost one upstream subscription.
type upstreamSub struct {
	conn     *websocket.Conn
	subID    string // the upstream's own subscription id
	fanout   map[string]chan<- json.RawMessage // keyed by clientSubID
	mu       sync.Mutex
	cancel   context.CancelFunc
}

// Broker multiplexes upstream push subscriptions across client sessions.
// Grounded on this codebase's single-flight cache coalescing pattern
// (internal/cache/singleflight.go): many callers collapse onto one
// in-flight resource, keyed here by upstream+kind instead of a cache key.
type Broker struct {
	pool *pool.Pool

	mu   sync.Mutex
	subs map[string]*upstreamSub // keyed by upstreamID+"/"+kind
}

// NewBroker returns a Broker that dials subscriptions against p's
// upstreams on demand.
func NewBroker(p *pool.Pool) *Broker {
	return &Broker{pool: p, subs: make(map[string]*upstreamSub)}
}

// Subscribe opens (or joins) the upstream subscription for (kind, filter),
// routed to the best-eligible upstream, and returns a channel of raw
// "result" payloads for this one client subscription plus the upstream id
// chosen. filter is the optional second eth_subscribe argument (e.g. a logs
// address/topics filter); two clients only share one upstream subscription
// when both kind and filter match exactly.
func (b *Broker) Subscribe(ctx context.Context, kind string, filter json.RawMessage, clientSubID string) (<-chan json.RawMessage, string, error) {
	candidates := b.pool.Eligible(0, false)
	if len(candidates) == 0 {
		return nil, "", rpcgate.ErrNotReady
	}
	u := candidates[0]
	key := subKey(u.ID(), kind, filter)

	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan json.RawMessage, 32)
	sub, ok := b.subs[key]
	if !ok {
		var err error
		sub, err = b.dial(u.ID(), u.WSURL(), kind, filter)
		if err != nil {
			return nil, "", err
		}
		b.subs[key] = sub
	}
	sub.mu.Lock()
	sub.fanout[clientSubID] = ch
	sub.mu.Unlock()
	return ch, u.ID(), nil
}

// Unsubscribe removes one client's interest; the last client leaving a
// (upstream, kind, filter) pair tears down the upstream connection.
func (b *Broker) Unsubscribe(upstreamID, kind string, filter json.RawMessage, clientSubID string) {
	key := subKey(upstreamID, kind, filter)
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[key]
	if !ok {
		return
	}
	sub.mu.Lock()
	delete(sub.fanout, clientSubID)
	empty := len(sub.fanout) == 0
	sub.mu.Unlock()
	if empty {
		sub.cancel()
		sub.conn.Close()
		delete(b.subs, key)
	}
}

// dial opens one upstream WebSocket connection, issues eth_subscribe, and
// starts the pump goroutine that fans out every notification.
func (b *Broker) dial(upstreamID, wsURL, kind string, filter json.RawMessage) (*upstreamSub, error) {
	if wsURL == "" {
		return nil, fmt.Errorf("upstream %s has no ws_url configured", upstreamID)
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial upstream %s: %w", upstreamID, err)
	}

	req := rpcgate.Request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "eth_subscribe", Params: mustParams(kind, filter)}
	if err := conn.WriteJSON(req); err != nil {
		conn.Close()
		return nil, err
	}
	var resp rpcgate.Response
	if err := conn.ReadJSON(&resp); err != nil {
		conn.Close()
		return nil, err
	}
	if resp.Error != nil {
		conn.Close()
		return nil, fmt.Errorf("upstream %s rejected subscribe: %s", upstreamID, resp.Error.Message)
	}
	var subID string
	_ = json.Unmarshal(resp.Result, &subID)

	ctx, cancel := context.WithCancel(context.Background())
	sub := &upstreamSub{conn: conn, subID: subID, fanout: make(map[string]chan<- json.RawMessage), cancel: cancel}
	go sub.pump(ctx, upstreamID)
	return sub, nil
}

// subscribeNotification is the shape of an upstream's pushed notification
// for an active subscription.
type subscribeNotification struct {
	Method string `json:"method"`
	Params struct {
		Subscription string          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params"`
}

func (sub *upstreamSub) pump(ctx context.Context, upstreamID string) {
	defer sub.conn.Close()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		var notif subscribeNotification
		if err := sub.conn.ReadJSON(&notif); err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "upstream subscription feed closed",
				slog.String("upstream", upstreamID), slog.String("error", err.Error()))
			sub.broadcastClose()
			return
		}
		sub.mu.Lock()
		for _, ch := range sub.fanout {
			select {
			case ch <- notif.Params.Result:
			default:
				// Slow client; drop rather than block the shared pump.
			}
		}
		sub.mu.Unlock()
	}
}

func (sub *upstreamSub) broadcastClose() {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	for _, ch := range sub.fanout {
		close(ch)
	}
	sub.fanout = make(map[string]chan<- json.RawMessage)
}

func mustParams(kind string, filter json.RawMessage) json.RawMessage {
	if len(filter) == 0 {
		data, _ := json.Marshal([]string{kind})
		return data
	}
	data, _ := json.Marshal([]any{kind, filter})
	return data
}

// subKey identifies one shared upstream subscription by upstream, kind, and
// filter. Differently-filtered logs subscriptions (distinct address/topics)
// must never collapse onto the same upstream subscription.
func subKey(upstreamID, kind string, filter json.RawMessage) string {
	key := upstreamID + "/" + kind
	if len(filter) == 0 {
		return key
	}
	h := sha256.Sum256(filter)
	return key + "/" + hex.EncodeToString(h[:8])
}

// pingInterval is how often Session sends a WebSocket ping to detect dead
// client connections.
const pingInterval = 30 * time.Second
