package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	rpcgate "github.com/rpcgate/rpcgate/internal"
	"github.com/rpcgate/rpcgate/internal/cache"
	"github.com/rpcgate/rpcgate/internal/circuitbreaker"
	"github.com/rpcgate/rpcgate/internal/pool"
	"github.com/rpcgate/rpcgate/internal/ratelimit"
	"github.com/rpcgate/rpcgate/internal/upstream"
)

type fakeUsage struct {
	events []rpcgate.UsageEvent
}

func (f *fakeUsage) Report(ev rpcgate.UsageEvent) { f.events = append(f.events, ev) }

type fakeReverts struct {
	logs []rpcgate.RevertLog
}

func (f *fakeReverts) LogRevert(l rpcgate.RevertLog) { f.logs = append(f.logs, l) }

// fakeNode spins up an httptest server returning a fixed JSON-RPC response
// (or error) and registers an Upstream backed by it, marked fresh.
func fakeNode(t *testing.T, id string, handler http.HandlerFunc) (*upstream.Upstream, *httptest.Server) {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	u, err := upstream.New(rpcgate.UpstreamConfig{
		ID: id, Name: id, HTTPURL: ts.URL, Tier: rpcgate.TierFull,
		MaxHeadAge: time.Minute, Enabled: true,
	}, nil, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	u.SetHead(rpcgate.HeadInfo{Number: 100, Hash: "0xabc", Timestamp: time.Now()})
	return u, ts
}

func newTestRouter(usage rpcgate.UsageReporter, reverts RevertSink, upstreams ...*upstream.Upstream) *Router {
	p := pool.New()
	for _, u := range upstreams {
		p.Register(u)
	}
	limiters := ratelimit.NewRegistry()
	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	mem, err := cache.NewMemory(1024, time.Minute)
	if err != nil {
		panic(err)
	}
	coalescer := cache.NewCoalescer(mem)
	return New(p, limiters, breakers, coalescer, usage, reverts, Config{MaxTries: 3, PublicLimits: ratelimit.Limits{}})
}

func jsonResult(w http.ResponseWriter, result string) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"jsonrpc":"2.0","id":1,"result":%s}`, result)
}

func TestRouter_Dispatch_SuccessOnFirstUpstream(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	u, _ := fakeNode(t, "u1", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		jsonResult(w, `"0x1"`)
	})

	usage := &fakeUsage{}
	r := newTestRouter(usage, nil, u)

	req := &rpcgate.Request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "eth_chainId"}
	resp, err := r.Dispatch(context.Background(), nil, "127.0.0.1", req)
	if err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}
	if string(resp.Result) != `"0x1"` {
		t.Errorf("result = %s, want 0x1", resp.Result)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
	if len(usage.events) != 1 || usage.events[0].Outcome != "ok" {
		t.Errorf("usage events = %+v", usage.events)
	}
}

func TestRouter_Dispatch_FailsOverToSecondUpstream(t *testing.T) {
	t.Parallel()
	bad, _ := fakeNode(t, "bad", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	good, _ := fakeNode(t, "good", func(w http.ResponseWriter, r *http.Request) {
		jsonResult(w, `"0x2"`)
	})

	r := newTestRouter(nil, nil, bad, good)
	req := &rpcgate.Request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "eth_chainId"}

	resp, err := r.Dispatch(context.Background(), nil, "127.0.0.1", req)
	if err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}
	if string(resp.Result) != `"0x2"` {
		t.Errorf("result = %s, want 0x2 (should have failed over)", resp.Result)
	}
}

func TestRouter_Dispatch_AllUpstreamsFail(t *testing.T) {
	t.Parallel()
	u, _ := fakeNode(t, "u1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	r := newTestRouter(nil, nil, u)
	req := &rpcgate.Request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "eth_chainId"}

	_, err := r.Dispatch(context.Background(), nil, "127.0.0.1", req)
	if err == nil {
		t.Fatal("expected error when every upstream fails")
	}
}

func TestRouter_Dispatch_NoEligibleUpstreams(t *testing.T) {
	t.Parallel()
	r := newTestRouter(nil, nil)
	req := &rpcgate.Request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "eth_chainId"}

	_, err := r.Dispatch(context.Background(), nil, "127.0.0.1", req)
	if err == nil {
		t.Fatal("expected ErrNotReady with an empty pool")
	}
}

func TestRouter_Dispatch_CachesImmutableResult(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	u, _ := fakeNode(t, "u1", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		jsonResult(w, `"0xcached"`)
	})

	r := newTestRouter(nil, nil, u)
	req := &rpcgate.Request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "eth_chainId"}

	for range 3 {
		resp, err := r.Dispatch(context.Background(), nil, "127.0.0.1", req)
		if err != nil {
			t.Fatalf("Dispatch error: %v", err)
		}
		if string(resp.Result) != `"0xcached"` {
			t.Errorf("result = %s", resp.Result)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (second/third should hit cache)", calls.Load())
	}
}

func TestRouter_Dispatch_RevertIsNotFailover(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	u, _ := fakeNode(t, "u1", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"execution reverted: insufficient balance"}}`)
	})

	reverts := &fakeReverts{}
	r := newTestRouter(nil, reverts, u)
	key := &rpcgate.AuthKey{ID: "k1", LogRevertChance: 1.0}

	req := &rpcgate.Request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "eth_call", Params: json.RawMessage(`["0xdead", "latest"]`)}
	resp, err := r.Dispatch(context.Background(), key, "127.0.0.1", req)
	if err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}
	if resp.Error == nil {
		t.Fatal("expected an RPC error in the response")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 -- a revert must not trigger failover", calls.Load())
	}
	if len(reverts.logs) != 1 {
		t.Errorf("revert logs = %d, want 1", len(reverts.logs))
	}
}

func TestRouter_Dispatch_RateLimited(t *testing.T) {
	t.Parallel()
	u, _ := fakeNode(t, "u1", func(w http.ResponseWriter, r *http.Request) {
		jsonResult(w, `"0x1"`)
	})

	r := newTestRouter(nil, nil, u)
	key := &rpcgate.AuthKey{ID: "k1", RPM: 1, Burst: 1}
	req := &rpcgate.Request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "eth_chainId"}

	if _, err := r.Dispatch(context.Background(), key, "127.0.0.1", req); err != nil {
		t.Fatalf("first call should be allowed: %v", err)
	}
	_, err := r.Dispatch(context.Background(), key, "127.0.0.1", req)
	if err == nil {
		t.Fatal("second call should be rate limited")
	}
	var rle *RateLimitError
	if !asRateLimitError(err, &rle) {
		t.Errorf("expected a *RateLimitError, got %v (%T)", err, err)
	}
}

func TestRouter_Dispatch_InvalidBlockTag(t *testing.T) {
	t.Parallel()
	u, _ := fakeNode(t, "u1", func(w http.ResponseWriter, r *http.Request) {
		jsonResult(w, `"0x1"`)
	})

	r := newTestRouter(nil, nil, u)
	req := &rpcgate.Request{
		JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "eth_call",
		Params: json.RawMessage(`["0xdead", "not-a-block-tag"]`),
	}

	_, err := r.Dispatch(context.Background(), nil, "127.0.0.1", req)
	if !errors.Is(err, rpcgate.ErrInvalidBlockTag) {
		t.Fatalf("err = %v, want ErrInvalidBlockTag", err)
	}
}

func TestRouter_Dispatch_UpstreamHardLimitSkipsToNextCandidate(t *testing.T) {
	t.Parallel()
	var limitedCalls, fallbackCalls atomic.Int32
	lts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limitedCalls.Add(1)
		jsonResult(w, `"0xlimited"`)
	}))
	t.Cleanup(lts.Close)
	limited, err := upstream.New(rpcgate.UpstreamConfig{
		ID: "limited", Name: "limited", HTTPURL: lts.URL, HardLimit: 1, Weight: 10,
		Tier: rpcgate.TierArchive, MaxHeadAge: time.Minute, Enabled: true,
	}, nil, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	limited.SetHead(rpcgate.HeadInfo{Number: 100, Hash: "0xabc", Timestamp: time.Now()})

	fallback, _ := fakeNode(t, "fallback", func(w http.ResponseWriter, r *http.Request) {
		fallbackCalls.Add(1)
		jsonResult(w, `"0xfallback"`)
	})

	r := newTestRouter(nil, nil, limited, fallback)
	// eth_getLogs is uncacheable, so both dispatches reach an upstream.
	req := &rpcgate.Request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "eth_getLogs"}

	// limited's archive tier ranks it first; its hard_limit=1 budget is
	// drained by the first dispatch, forcing the second to fail over.
	for range 2 {
		if _, err := r.Dispatch(context.Background(), nil, "127.0.0.1", req); err != nil {
			t.Fatalf("Dispatch error: %v", err)
		}
	}
	if limitedCalls.Load() != 1 {
		t.Errorf("limited calls = %d, want 1 (its hard_limit budget)", limitedCalls.Load())
	}
	if fallbackCalls.Load() == 0 {
		t.Error("expected at least one request to fail over to the non-hard-limited upstream once limited's budget was exhausted")
	}
}

func asRateLimitError(err error, target **RateLimitError) bool {
	rle, ok := err.(*RateLimitError)
	if ok {
		*target = rle
	}
	return ok
}
