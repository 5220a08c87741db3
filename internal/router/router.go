// Package router implements the failover dispatch loop: it checks the
// response cache, selects an eligible upstream from the pool, dispatches
// with failover across the next-ranked upstream on transient failure, and
// populates the cache and usage reporter on the way out.
//
// The failover loop is grounded on this codebase's provider failover
// pattern (priority list, circuit breaker skip, retry on transient error,
// stop on a definitive response) generalized from a fixed provider/model
// list to the pool's live-ranked eligible upstream set.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	rpcgate "github.com/rpcgate/rpcgate/internal"
	"github.com/rpcgate/rpcgate/internal/cache"
	"github.com/rpcgate/rpcgate/internal/circuitbreaker"
	"github.com/rpcgate/rpcgate/internal/pool"
	"github.com/rpcgate/rpcgate/internal/ratelimit"
	"github.com/rpcgate/rpcgate/internal/upstream"
)

// RevertSink accepts fire-and-forget sampled revert records.
type RevertSink interface {
	LogRevert(log rpcgate.RevertLog)
}

// RateLimitError reports that a caller exceeded its rate or concurrency
// budget. RetryAfterSeconds is a hint for the response's Retry-After header.
type RateLimitError struct {
	RetryAfterSeconds float64
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %.2fs", e.RetryAfterSeconds)
}
func (e *RateLimitError) Unwrap() error { return rpcgate.ErrRateLimited }

// Config holds the router's tunables, set once at startup from the
// operator's chain configuration.
type Config struct {
	MaxTries     int
	PublicLimits ratelimit.Limits // applied to unauthenticated/IP-scoped callers
}

// Router dispatches a single JSON-RPC request end to end.
type Router struct {
	pool     *pool.Pool
	limiters *ratelimit.Registry
	breakers *circuitbreaker.Registry
	cache    *cache.Coalescer
	usage    rpcgate.UsageReporter // nil disables usage reporting
	reverts  RevertSink            // nil disables revert sampling
	cfg      Config
}

// New returns a Router wired to its collaborators. usage and reverts may be
// nil to disable their respective reporting paths.
func New(p *pool.Pool, limiters *ratelimit.Registry, breakers *circuitbreaker.Registry, c *cache.Coalescer, usage rpcgate.UsageReporter, reverts RevertSink, cfg Config) *Router {
	if cfg.MaxTries <= 0 {
		cfg.MaxTries = 3
	}
	return &Router{pool: p, limiters: limiters, breakers: breakers, cache: c, usage: usage, reverts: reverts, cfg: cfg}
}

type cachedPayload struct {
	Result json.RawMessage   `json:"result,omitempty"`
	Err    *rpcgate.RPCError `json:"error,omitempty"`
}

// Dispatch routes one JSON-RPC request: rate limit, cache lookup, failover
// dispatch across eligible upstreams, cache populate, usage report.
func (r *Router) Dispatch(ctx context.Context, key *rpcgate.AuthKey, remoteIP string, req *rpcgate.Request) (*rpcgate.Response, error) {
	start := time.Now()

	limiter := r.scopedLimiter(key, remoteIP)
	result, slot := limiter.Allow()
	if !result.Allowed {
		return nil, &RateLimitError{RetryAfterSeconds: result.RetryAfterSeconds}
	}
	defer slot.Release()

	class := classifyMethod(req.Method)
	requiredBlock, archive, err := blockRequirement(req.Method, req.Params)
	if err != nil {
		return nil, rpcgate.ErrInvalidBlockTag
	}
	resolvedBlock := requiredBlock
	if resolvedBlock == 0 && class == rpcgate.CacheClassHeadBound {
		if head, ok := r.pool.Consensus(); ok {
			resolvedBlock = head.Number
		}
	}

	cacheable := class != rpcgate.CacheClassNone
	var cacheKey string
	isLeader := false
	if cacheable {
		fp := fingerprint(req.Method, req.Params, resolvedBlock)
		cacheKey = fingerprintKey(fp)

		if resp, found, leader := r.cache.Load(ctx, cacheKey); found {
			r.reportUsage(key, req.Method, "", time.Since(start), true, "ok", resolvedBlock)
			return r.respondFromCache(resp, req.ID), nil
		} else if !leader {
			// The previous leader abandoned (a transient error); take one
			// more shot at leadership rather than serving every waiter a
			// guaranteed miss.
			resp, found, leader = r.cache.Load(ctx, cacheKey)
			if found {
				r.reportUsage(key, req.Method, "", time.Since(start), true, "ok", resolvedBlock)
				return r.respondFromCache(resp, req.ID), nil
			}
			isLeader = leader
		} else {
			isLeader = true
		}
	}

	candidates := r.pool.Eligible(requiredBlock, archive)
	if len(candidates) == 0 {
		if isLeader {
			r.cache.Abandon(cacheKey)
		}
		return nil, rpcgate.ErrNotReady
	}

	resp, upstreamID, revertClass, err := r.tryCandidates(ctx, candidates, req, key)
	latency := time.Since(start)
	if err != nil {
		if isLeader {
			r.cache.Abandon(cacheKey)
		}
		r.reportUsage(key, req.Method, upstreamID, latency, false, "error", 0)
		return nil, err
	}

	if isLeader {
		ttl := cacheTTL(class)
		if revertClass {
			ttl = cacheTTL(rpcgate.CacheClassRevert)
		}
		if ttl > 0 {
			payload, _ := json.Marshal(cachedPayload{Result: resp.Result, Err: resp.Error})
			r.cache.Resolve(ctx, cacheKey, payload, ttl)
		} else {
			r.cache.Abandon(cacheKey)
		}
	}

	outcome := "ok"
	if revertClass {
		outcome = "revert"
	}
	r.reportUsage(key, req.Method, upstreamID, latency, false, outcome, resolvedBlock)
	return resp, nil
}

func (r *Router) respondFromCache(raw []byte, id json.RawMessage) *rpcgate.Response {
	var payload cachedPayload
	_ = json.Unmarshal(raw, &payload)
	return &rpcgate.Response{JSONRPC: "2.0", ID: id, Result: payload.Result, Error: payload.Err}
}

func (r *Router) scopedLimiter(key *rpcgate.AuthKey, remoteIP string) *ratelimit.Limiter {
	if key != nil {
		limits := ratelimit.Limits{Rate: key.RPM, Burst: key.Burst, MaxConcurrent: key.MaxConcurrent}
		return r.limiters.GetOrCreate("key", key.ID, limits)
	}
	return r.limiters.GetOrCreate("ip", remoteIP, r.cfg.PublicLimits)
}

// tryCandidates dispatches req against each eligible upstream in rank
// order, stopping on the first definitive response (success or revert) and
// falling through to the next candidate on a transient failure or an
// upstream self-reported rate limit. revertClass reports whether the
// returned response is a sampled-eligible revert.
func (r *Router) tryCandidates(ctx context.Context, candidates []*upstream.Upstream, req *rpcgate.Request, key *rpcgate.AuthKey) (resp *rpcgate.Response, upstreamID string, revertClass bool, err error) {
	tries := min(len(candidates), r.cfg.MaxTries)
	for _, u := range candidates[:tries] {
		if cb := r.breakers.Get(u.ID()); cb != nil && !cb.Allow() {
			continue
		}

		if hardLimit := u.HardLimit(); hardLimit > 0 {
			result, slot := r.limiters.GetOrCreate("upstream", u.ID(),
				ratelimit.Limits{Rate: int64(hardLimit) * 60, Burst: int64(hardLimit)}).Allow()
			if !result.Allowed {
				continue
			}
			defer slot.Release()
		}

		outcome := u.Dispatch(ctx, req)
		if outcome.Err != nil {
			if weight := circuitbreaker.ClassifyError(outcome.Err); weight > 0 {
				r.breakers.GetOrCreate(u.ID()).RecordError(weight)
			}
			slog.LogAttrs(ctx, slog.LevelWarn, "upstream dispatch failed, trying next",
				slog.String("upstream", u.ID()), slog.String("method", req.Method), slog.String("error", outcome.Err.Error()))
			continue
		}

		switch outcome.RPCResult {
		case circuitbreaker.RPCOutcomeOK:
			r.breakers.GetOrCreate(u.ID()).RecordSuccess()
			return outcome.Resp, u.ID(), false, nil

		case circuitbreaker.RPCOutcomeRevert:
			// Not the upstream's fault; a definitive, cacheable response.
			r.breakers.GetOrCreate(u.ID()).RecordSuccess()
			if r.reverts != nil && key != nil && upstream.ShouldSampleRevert(req.Method, key.LogRevertChance) {
				r.reverts.LogRevert(rpcgate.RevertLog{
					KeyID:     key.ID,
					Method:    req.Method,
					Timestamp: time.Now(),
				})
			}
			return outcome.Resp, u.ID(), true, nil

		case circuitbreaker.RPCOutcomeRateLimited, circuitbreaker.RPCOutcomePoisoned:
			r.breakers.GetOrCreate(u.ID()).RecordError(circuitbreaker.RPCOutcomeWeight(outcome.RPCResult))
			continue
		}
	}
	return nil, "", false, rpcgate.ErrUpstreamError
}

func (r *Router) reportUsage(key *rpcgate.AuthKey, method, upstreamID string, latency time.Duration, cached bool, outcome string, blockNumber uint64) {
	if r.usage == nil {
		return
	}
	keyID := ""
	if key != nil {
		keyID = key.ID
	}
	r.usage.Report(rpcgate.UsageEvent{
		KeyID:       keyID,
		Method:      method,
		Upstream:    upstreamID,
		LatencyMs:   int(latency.Milliseconds()),
		Outcome:     outcome,
		BlockNumber: blockNumber,
		Cached:      cached,
		CreatedAt:   time.Now(),
	})
}
