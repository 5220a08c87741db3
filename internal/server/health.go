package server

import (
	"net/http"
	"time"
)

// Pre-allocated response body and header value slice.
// okBody avoids a []byte("ok") heap escape per call.
// plainCT avoids the []string{v} alloc from Header.Set (see rpc.go:jsonCT).
var (
	okBody       = []byte("ok")
	notReadyBody = []byte("not ready")
	plainCT      = []string{"text/plain"}
)

// handleHealth reports 200 iff the pool has a consensus head no older than
// MaxHeadAge; 503 otherwise.
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	head, ok := s.deps.Pool.Consensus()
	fresh := ok && time.Since(head.ObservedAt) <= s.deps.MaxHeadAge
	w.Header()["Content-Type"] = plainCT
	if !fresh {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write(notReadyBody)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
}

// statusUpstream is one upstream's entry in the /status snapshot.
type statusUpstream struct {
	ID         string `json:"id"`
	Tier       int    `json:"tier"`
	Archive    bool   `json:"archive"`
	HeadNumber uint64 `json:"head_number"`
	LatencyMs  int64  `json:"latency_ms"`
	InFlight   int64  `json:"in_flight"`
	Cooldown   bool   `json:"cooldown"`
	Fresh      bool   `json:"fresh"`
}

type statusSnapshot struct {
	Consensus *consensusView    `json:"consensus,omitempty"`
	Upstreams []statusUpstream  `json:"upstreams"`
}

type consensusView struct {
	Number      uint64 `json:"number"`
	Hash        string `json:"hash"`
	NumAgreeing int    `json:"num_agreeing"`
}

// handleStatus returns a JSON snapshot of pool state: per-upstream head,
// latency, and cooldown, plus the pool-wide consensus head if any.
func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := statusSnapshot{}
	if head, ok := s.deps.Pool.Consensus(); ok {
		snap.Consensus = &consensusView{Number: head.Number, Hash: head.Hash, NumAgreeing: head.NumAgreeing}
	}
	for _, u := range s.deps.Pool.All() {
		head, _ := u.Head()
		snap.Upstreams = append(snap.Upstreams, statusUpstream{
			ID:         u.ID(),
			Tier:       int(u.Tier()),
			Archive:    u.Archive(),
			HeadNumber: head.Number,
			LatencyMs:  u.LatencyMicros() / 1000,
			InFlight:   u.InFlight(),
			Cooldown:   u.Cooldown(),
			Fresh:      u.Fresh(0),
		})
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleReadyz checks storage connectivity via the ReadyCheck hook,
// distinct from /health's upstream-freshness check above.
func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header()["Content-Type"] = plainCT
	if s.deps.ReadyCheck != nil {
		if err := s.deps.ReadyCheck(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write(notReadyBody)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
}
