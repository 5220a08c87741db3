package worker

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	rpcgate "github.com/rpcgate/rpcgate/internal"
	"github.com/rpcgate/rpcgate/internal/pool"
	"github.com/rpcgate/rpcgate/internal/upstream"
)

func TestHeadPoller_PollOneSetsHead(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"number":"0x64","hash":"0xabc"}}`))
	}))
	t.Cleanup(ts.Close)

	u, err := upstream.New(rpcgate.UpstreamConfig{ID: "u1", HTTPURL: ts.URL, MaxHeadAge: time.Minute}, nil, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	p := pool.New()
	p.Register(u)

	poller := NewHeadPoller(p)
	poller.pollAll(t.Context())

	head, _ := u.Head()
	if head.Number != 0x64 {
		t.Errorf("head.Number = %d, want %d", head.Number, 0x64)
	}
	if head.Hash != "0xabc" {
		t.Errorf("head.Hash = %s, want 0xabc", head.Hash)
	}
	if !u.Fresh(time.Minute) {
		t.Error("expected upstream to be fresh after a successful poll")
	}
}

func TestHeadPoller_PollOneMarksUnreachableOnError(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(ts.Close)

	u, err := upstream.New(rpcgate.UpstreamConfig{ID: "u1", HTTPURL: ts.URL, MaxHeadAge: time.Minute}, nil, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	u.SetHead(rpcgate.HeadInfo{Number: 1, Timestamp: time.Now()})
	p := pool.New()
	p.Register(u)

	poller := NewHeadPoller(p)
	poller.pollAll(t.Context())

	if u.Fresh(time.Minute) {
		t.Error("expected upstream to be marked unreachable after a failed poll")
	}
}
