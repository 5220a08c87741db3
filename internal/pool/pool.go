// Package pool maintains the set of live upstream connections and the
// pool-wide consensus head computed from their reported heads.
package pool

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	rpcgate "github.com/rpcgate/rpcgate/internal"
	"github.com/rpcgate/rpcgate/internal/upstream"
)

// defaultReorgDepth and defaultConsensusStaleness bound the reorg guard
// when the operator configures neither, matching a typical L1 finality
// window.
const (
	defaultReorgDepth         = 5
	defaultConsensusStaleness = 30 * time.Second
)

// Pool holds every configured Upstream and exposes eligibility ranking for
// the router.
type Pool struct {
	mu        sync.RWMutex
	upstreams map[string]*upstream.Upstream

	reorgDepth         uint64
	consensusStaleness time.Duration
	lastPublished      rpcgate.ConsensusHead
	havePublished      bool
}

// New returns an empty, ready-to-use Pool with the default reorg guard
// policy. Call SetReorgPolicy to override it from operator config.
func New() *Pool {
	return &Pool{
		upstreams:          make(map[string]*upstream.Upstream),
		reorgDepth:         defaultReorgDepth,
		consensusStaleness: defaultConsensusStaleness,
	}
}

// SetReorgPolicy overrides the reorg-depth guard and the staleness window
// past which a previous head may be displaced by a larger backward jump,
// per spec.md §4.3 step 5. A zero consensusStaleness leaves the default.
func (p *Pool) SetReorgPolicy(reorgDepth uint64, consensusStaleness time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reorgDepth = reorgDepth
	if consensusStaleness > 0 {
		p.consensusStaleness = consensusStaleness
	}
}

// Register adds an upstream under its own ID.
func (p *Pool) Register(u *upstream.Upstream) {
	p.mu.Lock()
	p.upstreams[u.ID()] = u
	p.mu.Unlock()
}

// Get returns the upstream registered under id, or nil.
func (p *Pool) Get(id string) *upstream.Upstream {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.upstreams[id]
}

// All returns every registered upstream, in registration-independent sorted
// order by ID for deterministic iteration in tests.
func (p *Pool) All() []*upstream.Upstream {
	p.mu.RLock()
	out := make([]*upstream.Upstream, 0, len(p.upstreams))
	for _, u := range p.upstreams {
		out = append(out, u)
	}
	p.mu.RUnlock()
	slices.SortFunc(out, func(a, b *upstream.Upstream) int {
		if a.ID() < b.ID() {
			return -1
		}
		if a.ID() > b.ID() {
			return 1
		}
		return 0
	})
	return out
}

// Eligible returns upstreams that can serve a call requiring the chain be
// synced at least to requiredBlock (0 means "no requirement") and, if
// archive is true, that retain full archive state. Per spec.md §4.3, an
// upstream configured with a soft_limit is also excluded once its
// in-flight count reaches that budget, so it can still serve requests
// already underway without taking on more. The result is ranked (tier
// asc, latency asc, load asc, weight desc) per the router's failover
// ordering.
func (p *Pool) Eligible(requiredBlock uint64, archive bool) []*upstream.Upstream {
	p.mu.RLock()
	candidates := make([]*upstream.Upstream, 0, len(p.upstreams))
	for _, u := range p.upstreams {
		candidates = append(candidates, u)
	}
	p.mu.RUnlock()

	out := make([]*upstream.Upstream, 0, len(candidates))
	for _, u := range candidates {
		if archive && !u.Archive() {
			continue
		}
		if !u.Fresh(0) {
			continue
		}
		if u.Cooldown() {
			continue
		}
		if softLimit := u.SoftLimit(); softLimit > 0 && u.InFlight() >= int64(softLimit) {
			continue
		}
		if requiredBlock > 0 {
			head, _ := u.Head()
			if head.Number < requiredBlock {
				continue
			}
		}
		out = append(out, u)
	}

	slices.SortFunc(out, func(a, b *upstream.Upstream) int {
		if a.Tier() != b.Tier() {
			return int(a.Tier()) - int(b.Tier())
		}
		if al, bl := a.LatencyMicros(), b.LatencyMicros(); al != bl {
			if al < bl {
				return -1
			}
			return 1
		}
		if ai, bi := a.InFlight(), b.InFlight(); ai != bi {
			if ai < bi {
				return -1
			}
			return 1
		}
		return b.Weight() - a.Weight()
	})
	return out
}

// headSample is one upstream's reported head, used only for the consensus
// computation below.
type headSample struct {
	upstreamID string
	weight     int
	head       rpcgate.HeadInfo
}

// Consensus groups the pool's current heads by hash and, per spec.md §4.3
// step 2, picks the group with the highest weighted score (sum of the
// agreeing upstreams' configured Weight, not a raw count), breaking ties
// by the deepest block number. If no two upstreams agree, the same rule
// picks among the single-upstream groups: the heaviest upstream's head
// wins, and the highest block number only among equal weights. It then
// reports NumAgreeing == 1 so callers can treat it as low confidence.
//
// Step 5's reorg guard is then applied: a candidate whose block number
// jumps backward by more than reorgDepth from the last published head is
// rejected and the previous head is returned unchanged, unless that
// previous head has aged past consensusStaleness, in which case the jump
// is logged and accepted anyway so the pool doesn't get stuck on a dead
// branch forever.
func (p *Pool) Consensus() (rpcgate.ConsensusHead, bool) {
	samples := p.freshHeadSamples()
	if len(samples) == 0 {
		return rpcgate.ConsensusHead{}, false
	}

	type group struct {
		count  int
		weight int
		number uint64
	}
	byHash := make(map[string]*group)
	for _, s := range samples {
		g, ok := byHash[s.head.Hash]
		if !ok {
			g = &group{number: s.head.Number}
			byHash[s.head.Hash] = g
		}
		g.count++
		g.weight += s.weight
	}

	var best rpcgate.ConsensusHead
	var bestWeight int
	for hash, g := range byHash {
		if g.weight < bestWeight {
			continue
		}
		if g.weight == bestWeight && g.number <= best.Number {
			continue
		}
		bestWeight = g.weight
		best = rpcgate.ConsensusHead{Number: g.number, Hash: hash, NumAgreeing: g.count}
	}
	best.ObservedAt = latestTimestamp(samples)

	return p.applyReorgGuard(best), true
}

// applyReorgGuard enforces spec.md §4.3 step 5 and §8's invariant that
// consecutive published heads never jump backward by more than
// reorgDepth, unless the previous head has gone stale.
func (p *Pool) applyReorgGuard(candidate rpcgate.ConsensusHead) rpcgate.ConsensusHead {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.havePublished {
		p.lastPublished = candidate
		p.havePublished = true
		return candidate
	}

	var floor uint64
	if p.reorgDepth < p.lastPublished.Number {
		floor = p.lastPublished.Number - p.reorgDepth
	}
	if candidate.Number >= floor {
		p.lastPublished = candidate
		return candidate
	}

	if time.Since(p.lastPublished.ObservedAt) > p.consensusStaleness {
		slog.Warn("accepting backward consensus jump past reorg depth, previous head stale",
			"previous_number", p.lastPublished.Number, "candidate_number", candidate.Number,
			"reorg_depth", p.reorgDepth)
		p.lastPublished = candidate
		return candidate
	}

	slog.Warn("rejecting backward consensus jump beyond reorg depth",
		"previous_number", p.lastPublished.Number, "candidate_number", candidate.Number,
		"reorg_depth", p.reorgDepth)
	return p.lastPublished
}

func latestTimestamp(samples []headSample) time.Time {
	var t time.Time
	for _, s := range samples {
		if s.head.Timestamp.After(t) {
			t = s.head.Timestamp
		}
	}
	return t
}

func (p *Pool) freshHeadSamples() []headSample {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]headSample, 0, len(p.upstreams))
	for id, u := range p.upstreams {
		if !u.Fresh(0) {
			continue
		}
		head, seenAt := u.Head()
		if seenAt.IsZero() {
			continue
		}
		out = append(out, headSample{upstreamID: id, weight: u.Weight(), head: head})
	}
	return out
}
