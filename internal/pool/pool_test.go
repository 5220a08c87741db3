package pool

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	rpcgate "github.com/rpcgate/rpcgate/internal"
	"github.com/rpcgate/rpcgate/internal/upstream"
)

func newTestUpstream(id string, tier rpcgate.Tier, archive bool, weight int) *upstream.Upstream {
	u, err := upstream.New(rpcgate.UpstreamConfig{
		ID:         id,
		Name:       id,
		HTTPURL:    "http://" + id + ".local",
		Tier:       tier,
		Archive:    archive,
		Weight:     weight,
		MaxHeadAge: time.Minute,
		Enabled:    true,
	}, nil, 5*time.Second)
	if err != nil {
		panic(err)
	}
	return u
}

func TestPool_RegisterAndGet(t *testing.T) {
	t.Parallel()
	p := New()
	u := newTestUpstream("a", rpcgate.TierFull, false, 1)
	p.Register(u)

	if got := p.Get("a"); got != u {
		t.Fatalf("Get(a) = %v, want %v", got, u)
	}
	if p.Get("missing") != nil {
		t.Fatal("Get(missing) should be nil")
	}
	if len(p.All()) != 1 {
		t.Fatalf("All() len = %d, want 1", len(p.All()))
	}
}

func TestPool_Eligible_FiltersUnreachableAndCooldown(t *testing.T) {
	t.Parallel()
	p := New()

	fresh := newTestUpstream("fresh", rpcgate.TierFull, false, 1)
	fresh.SetHead(rpcgate.HeadInfo{Number: 100, Hash: "0xa"})

	stale := newTestUpstream("stale", rpcgate.TierFull, false, 1)
	// never called SetHead, stays unreachable

	cooling := newTestUpstream("cooling", rpcgate.TierFull, false, 1)
	cooling.SetHead(rpcgate.HeadInfo{Number: 100, Hash: "0xa"})
	cooling.TriggerCooldown()

	p.Register(fresh)
	p.Register(stale)
	p.Register(cooling)

	got := p.Eligible(0, false)
	if len(got) != 1 || got[0].ID() != "fresh" {
		t.Fatalf("Eligible = %v, want only [fresh]", ids(got))
	}
}

func TestPool_Eligible_RequiresArchiveAndMinBlock(t *testing.T) {
	t.Parallel()
	p := New()

	archiveNode := newTestUpstream("archive", rpcgate.TierArchive, true, 1)
	archiveNode.SetHead(rpcgate.HeadInfo{Number: 200, Hash: "0xb"})

	prunedNode := newTestUpstream("pruned", rpcgate.TierPruned, false, 1)
	prunedNode.SetHead(rpcgate.HeadInfo{Number: 200, Hash: "0xb"})

	p.Register(archiveNode)
	p.Register(prunedNode)

	onlyArchive := p.Eligible(0, true)
	if len(onlyArchive) != 1 || onlyArchive[0].ID() != "archive" {
		t.Fatalf("archive-required Eligible = %v, want [archive]", ids(onlyArchive))
	}

	tooDeep := p.Eligible(500, false)
	if len(tooDeep) != 0 {
		t.Fatalf("Eligible(500) = %v, want none", ids(tooDeep))
	}
}

func TestPool_Eligible_RankedByTierThenLatencyThenLoadThenWeight(t *testing.T) {
	t.Parallel()
	p := New()

	slow := newTestUpstream("slow", rpcgate.TierFull, false, 5)
	slow.SetHead(rpcgate.HeadInfo{Number: 10, Hash: "0xc"})
	fast := newTestUpstream("fast", rpcgate.TierFull, false, 1)
	fast.SetHead(rpcgate.HeadInfo{Number: 10, Hash: "0xc"})
	archivePrimary := newTestUpstream("primary", rpcgate.TierArchive, false, 1)
	archivePrimary.SetHead(rpcgate.HeadInfo{Number: 10, Hash: "0xc"})

	p.Register(slow)
	p.Register(fast)
	p.Register(archivePrimary)

	got := p.Eligible(0, false)
	if len(got) != 3 || got[0].ID() != "primary" {
		t.Fatalf("Eligible ranking = %v, want primary first (lower tier)", ids(got))
	}
}

func TestPool_Consensus_NoUpstreams(t *testing.T) {
	t.Parallel()
	p := New()
	if _, ok := p.Consensus(); ok {
		t.Fatal("Consensus() on empty pool should report ok=false")
	}
}

func TestPool_Consensus_MajorityWins(t *testing.T) {
	t.Parallel()
	p := New()

	a := newTestUpstream("a", rpcgate.TierFull, false, 1)
	a.SetHead(rpcgate.HeadInfo{Number: 100, Hash: "0xmajority", Timestamp: time.Unix(1000, 0)})
	b := newTestUpstream("b", rpcgate.TierFull, false, 1)
	b.SetHead(rpcgate.HeadInfo{Number: 100, Hash: "0xmajority", Timestamp: time.Unix(1001, 0)})
	c := newTestUpstream("c", rpcgate.TierFull, false, 1)
	c.SetHead(rpcgate.HeadInfo{Number: 101, Hash: "0xstraggler", Timestamp: time.Unix(1002, 0)})

	p.Register(a)
	p.Register(b)
	p.Register(c)

	head, ok := p.Consensus()
	if !ok {
		t.Fatal("expected ok=true")
	}
	if head.Hash != "0xmajority" || head.NumAgreeing != 2 {
		t.Fatalf("Consensus = %+v, want hash=0xmajority agreeing=2", head)
	}
}

func TestPool_Consensus_NoAgreementFallsBackToHighest(t *testing.T) {
	t.Parallel()
	p := New()

	a := newTestUpstream("a", rpcgate.TierFull, false, 1)
	a.SetHead(rpcgate.HeadInfo{Number: 100, Hash: "0x1", Timestamp: time.Unix(1000, 0)})
	b := newTestUpstream("b", rpcgate.TierFull, false, 1)
	b.SetHead(rpcgate.HeadInfo{Number: 102, Hash: "0x2", Timestamp: time.Unix(1001, 0)})

	p.Register(a)
	p.Register(b)

	head, ok := p.Consensus()
	if !ok {
		t.Fatal("expected ok=true")
	}
	if head.NumAgreeing != 1 || head.Number != 102 {
		t.Fatalf("Consensus = %+v, want the lone highest head with NumAgreeing=1", head)
	}
}

func TestPool_Eligible_ExcludesUpstreamAtSoftLimit(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0x1"}`))
	}))
	defer srv.Close()

	u, err := upstream.New(rpcgate.UpstreamConfig{
		ID: "limited", Name: "limited", HTTPURL: srv.URL, Tier: rpcgate.TierFull,
		Weight: 1, SoftLimit: 1, MaxHeadAge: time.Minute, Enabled: true,
	}, nil, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	u.SetHead(rpcgate.HeadInfo{Number: 100, Hash: "0xa"})

	p := New()
	p.Register(u)

	if got := p.Eligible(0, false); len(got) != 1 {
		t.Fatalf("Eligible before in-flight request = %v, want [limited]", ids(got))
	}

	done := make(chan struct{})
	go func() {
		u.Dispatch(t.Context(), &rpcgate.Request{JSONRPC: "2.0", Method: "eth_blockNumber"})
		close(done)
	}()
	for u.InFlight() == 0 {
		time.Sleep(time.Millisecond)
	}

	if got := p.Eligible(0, false); len(got) != 0 {
		t.Fatalf("Eligible while at soft_limit = %v, want none", ids(got))
	}

	close(release)
	<-done

	if got := p.Eligible(0, false); len(got) != 1 {
		t.Fatalf("Eligible after request completes = %v, want [limited]", ids(got))
	}
}

func TestPool_Consensus_WeighsByUpstreamWeightNotRawCount(t *testing.T) {
	t.Parallel()
	p := New()

	// Two low-weight upstreams agree on one hash; one heavyweight upstream
	// reports a different hash. Raw count would favor the pair, but the
	// heavyweight upstream's configured weight must win per spec.md §4.3.
	a := newTestUpstream("a", rpcgate.TierFull, false, 1)
	a.SetHead(rpcgate.HeadInfo{Number: 100, Hash: "0xminority-by-count", Timestamp: time.Unix(1000, 0)})
	b := newTestUpstream("b", rpcgate.TierFull, false, 1)
	b.SetHead(rpcgate.HeadInfo{Number: 100, Hash: "0xminority-by-count", Timestamp: time.Unix(1001, 0)})
	heavy := newTestUpstream("heavy", rpcgate.TierFull, false, 10)
	heavy.SetHead(rpcgate.HeadInfo{Number: 100, Hash: "0xheavy", Timestamp: time.Unix(1002, 0)})

	p.Register(a)
	p.Register(b)
	p.Register(heavy)

	head, ok := p.Consensus()
	if !ok {
		t.Fatal("expected ok=true")
	}
	if head.Hash != "0xheavy" {
		t.Fatalf("Consensus = %+v, want the higher-weighted hash to win despite fewer agreeing upstreams", head)
	}
	if head.NumAgreeing != 1 {
		t.Fatalf("NumAgreeing = %d, want the raw agreement count (1), independent of weight", head.NumAgreeing)
	}
}

func TestPool_Consensus_ReorgGuardRejectsDeepBackwardJump(t *testing.T) {
	t.Parallel()
	p := New()
	p.SetReorgPolicy(5, time.Hour)

	u := newTestUpstream("a", rpcgate.TierFull, false, 1)
	u.SetHead(rpcgate.HeadInfo{Number: 100, Hash: "0x100", Timestamp: time.Now()})
	p.Register(u)

	first, ok := p.Consensus()
	if !ok || first.Number != 100 {
		t.Fatalf("first Consensus = %+v, ok=%v, want number=100", first, ok)
	}

	// A jump more than reorgDepth=5 blocks backward, with the previous head
	// still fresh, must be rejected and the previous head returned unchanged.
	u.SetHead(rpcgate.HeadInfo{Number: 80, Hash: "0x80", Timestamp: time.Now()})
	rejected, ok := p.Consensus()
	if !ok {
		t.Fatal("expected ok=true")
	}
	if rejected.Number != 100 || rejected.Hash != "0x100" {
		t.Fatalf("Consensus after deep backward jump = %+v, want the previous head retained", rejected)
	}
}

func TestPool_Consensus_ReorgGuardAllowsShallowBackwardJump(t *testing.T) {
	t.Parallel()
	p := New()
	p.SetReorgPolicy(5, time.Hour)

	u := newTestUpstream("a", rpcgate.TierFull, false, 1)
	u.SetHead(rpcgate.HeadInfo{Number: 100, Hash: "0x100", Timestamp: time.Now()})
	p.Register(u)
	if _, ok := p.Consensus(); !ok {
		t.Fatal("expected ok=true")
	}

	// A jump of 3 blocks backward, within reorgDepth=5, must be accepted.
	u.SetHead(rpcgate.HeadInfo{Number: 97, Hash: "0x97", Timestamp: time.Now()})
	accepted, ok := p.Consensus()
	if !ok {
		t.Fatal("expected ok=true")
	}
	if accepted.Number != 97 || accepted.Hash != "0x97" {
		t.Fatalf("Consensus after shallow backward jump = %+v, want the new head accepted", accepted)
	}
}

func TestPool_Consensus_ReorgGuardAcceptsDeepJumpPastStaleness(t *testing.T) {
	t.Parallel()
	p := New()
	p.SetReorgPolicy(5, time.Millisecond)

	u := newTestUpstream("a", rpcgate.TierFull, false, 1)
	u.SetHead(rpcgate.HeadInfo{Number: 100, Hash: "0x100", Timestamp: time.Now()})
	p.Register(u)
	if _, ok := p.Consensus(); !ok {
		t.Fatal("expected ok=true")
	}

	time.Sleep(5 * time.Millisecond)

	// Previous head has now aged past consensusStaleness, so even a deep
	// backward jump must be accepted rather than rejected forever.
	u.SetHead(rpcgate.HeadInfo{Number: 80, Hash: "0x80", Timestamp: time.Now()})
	accepted, ok := p.Consensus()
	if !ok {
		t.Fatal("expected ok=true")
	}
	if accepted.Number != 80 || accepted.Hash != "0x80" {
		t.Fatalf("Consensus after stale-previous deep jump = %+v, want the new head accepted", accepted)
	}
}

func ids(us []*upstream.Upstream) []string {
	out := make([]string, len(us))
	for i, u := range us {
		out[i] = u.ID()
	}
	return out
}
