// Package upstream manages one configured Ethereum JSON-RPC node: its HTTP
// dispatch transport, optional WebSocket stream transport, head tracking,
// and failure classification.
package upstream

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/dnscache"

	rpcgate "github.com/rpcgate/rpcgate/internal"
)

// Upstream is one live connection to a configured node.
type Upstream struct {
	cfg rpcgate.UpstreamConfig

	http *http.Client

	mu        sync.RWMutex
	head      rpcgate.HeadInfo
	lastSeen  time.Time
	cooldown  time.Time // set on rate-limit signal, cleared once past
	reachable bool

	inFlight int64
	latency  atomic.Int64 // EWMA latency in microseconds, for load-aware ranking
}

// New builds an Upstream with a dnscache-backed transport, the same dialer
// pattern every provider client in this codebase shares, wrapped with
// whatever auth scheme cfg.AuthType configures.
func New(cfg rpcgate.UpstreamConfig, resolver *dnscache.Resolver, timeout time.Duration) (*Upstream, error) {
	t := &http.Transport{
		MaxIdleConnsPerHost: 64,
		MaxConnsPerHost:     128,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}

	rt, err := authTransport(cfg, t)
	if err != nil {
		return nil, err
	}

	return &Upstream{
		cfg:  cfg,
		http: &http.Client{Transport: rt, Timeout: timeout},
	}, nil
}

// ID returns the upstream's configured identifier.
func (u *Upstream) ID() string { return u.cfg.ID }

// Name returns the upstream's display name.
func (u *Upstream) Name() string { return u.cfg.Name }

// Tier returns the upstream's sync tier.
func (u *Upstream) Tier() rpcgate.Tier { return u.cfg.Tier }

// Archive reports whether the upstream retains full archive state.
func (u *Upstream) Archive() bool { return u.cfg.Archive }

// Weight returns the upstream's configured load-balancing weight.
func (u *Upstream) Weight() int { return u.cfg.Weight }

// SoftLimit returns the in-flight budget past which the pool stops
// routing new requests here for fair sharing, 0 meaning unlimited.
func (u *Upstream) SoftLimit() int { return u.cfg.SoftLimit }

// HardLimit returns the provider-imposed requests-per-second ceiling,
// 0 meaning unlimited.
func (u *Upstream) HardLimit() int { return u.cfg.HardLimit }

// WSURL returns the upstream's configured WebSocket endpoint, empty if the
// upstream was not configured for subscription fan-out.
func (u *Upstream) WSURL() string { return u.cfg.WSURL }

// Head returns the latest head this upstream has reported and when it was
// last updated.
func (u *Upstream) Head() (rpcgate.HeadInfo, time.Time) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.head, u.lastSeen
}

// SetHead records a newly observed head, called by the head poller
// (worker.HeadPoller) after each successful poll.
func (u *Upstream) SetHead(h rpcgate.HeadInfo) {
	u.mu.Lock()
	u.head = h
	u.lastSeen = time.Now()
	u.reachable = true
	u.mu.Unlock()
}

// MarkUnreachable flags the upstream stale after a failed head poll,
// without discarding the last known head.
func (u *Upstream) MarkUnreachable() {
	u.mu.Lock()
	u.reachable = false
	u.mu.Unlock()
}

// Fresh reports whether the upstream's head was observed within maxAge and
// the upstream is currently reachable.
func (u *Upstream) Fresh(maxAge time.Duration) bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if !u.reachable {
		return false
	}
	if maxAge <= 0 {
		maxAge = u.cfg.MaxHeadAge
	}
	return time.Since(u.lastSeen) <= maxAge
}

// Cooldown reports whether the upstream is in a rate-limit cooldown window.
func (u *Upstream) Cooldown() bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return time.Now().Before(u.cooldown)
}

// TriggerCooldown sets a short cooldown after the upstream signals it is
// rate-limiting us, mirroring the hard_limit_until = now+1s behavior this
// proxy's failure classification is grounded on.
func (u *Upstream) TriggerCooldown() {
	u.mu.Lock()
	u.cooldown = time.Now().Add(time.Second)
	u.mu.Unlock()
}

// InFlight returns the current number of in-flight dispatches, used for
// load-aware ranking.
func (u *Upstream) InFlight() int64 { return atomic.LoadInt64(&u.inFlight) }

// beginDispatch increments the in-flight counter; the returned func must be
// deferred to decrement it and record latency.
func (u *Upstream) beginDispatch() func() {
	atomic.AddInt64(&u.inFlight, 1)
	start := time.Now()
	return func() {
		atomic.AddInt64(&u.inFlight, -1)
		elapsed := time.Since(start).Microseconds()
		prev := u.latency.Load()
		if prev == 0 {
			u.latency.Store(elapsed)
			return
		}
		// EWMA, alpha = 0.2.
		u.latency.Store((prev*4 + elapsed) / 5)
	}
}

// LatencyMicros returns the exponentially-weighted moving average dispatch
// latency, used to break ties between equally-eligible upstreams.
func (u *Upstream) LatencyMicros() int64 { return u.latency.Load() }
