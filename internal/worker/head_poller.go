package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	rpcgate "github.com/rpcgate/rpcgate/internal"
	"github.com/rpcgate/rpcgate/internal/pool"
	"github.com/rpcgate/rpcgate/internal/upstream"
)

const headPollInterval = 5 * time.Second

// HeadPoller periodically calls eth_getBlockByNumber("latest", false) on
// every upstream in the pool and records the result via Upstream.SetHead
// -- this proxy polls over HTTP rather than subscribing to newHeads so an
// upstream with no ws_url configured still participates in consensus and
// eligibility.
type HeadPoller struct {
	pool *pool.Pool
}

// NewHeadPoller returns a HeadPoller for every upstream currently (and
// later) registered in p.
func NewHeadPoller(p *pool.Pool) *HeadPoller {
	return &HeadPoller{pool: p}
}

// Name returns the worker identifier.
func (h *HeadPoller) Name() string { return "head_poller" }

// Run polls every upstream's head on a fixed interval until ctx is cancelled.
func (h *HeadPoller) Run(ctx context.Context) error {
	ticker := time.NewTicker(headPollInterval)
	defer ticker.Stop()

	h.pollAll(ctx)
	for {
		select {
		case <-ticker.C:
			h.pollAll(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (h *HeadPoller) pollAll(ctx context.Context) {
	for _, u := range h.pool.All() {
		h.pollOne(ctx, u)
	}
}

func (h *HeadPoller) pollOne(ctx context.Context, u *upstream.Upstream) {
	req := &rpcgate.Request{
		JSONRPC: "2.0", ID: json.RawMessage("1"), Method: "eth_getBlockByNumber",
		Params: json.RawMessage(`["latest",false]`),
	}
	outcome := u.Dispatch(ctx, req)
	if outcome.Err != nil || outcome.Resp == nil || outcome.Resp.Error != nil {
		u.MarkUnreachable()
		slog.LogAttrs(ctx, slog.LevelWarn, "head poll failed",
			slog.String("upstream", u.ID()), slog.Any("error", outcome.Err))
		return
	}
	number, ok := upstream.ExtractBlockNumber(outcome.Resp.Result)
	if !ok {
		u.MarkUnreachable()
		return
	}
	var block struct {
		Hash string `json:"hash"`
	}
	_ = json.Unmarshal(outcome.Resp.Result, &block)
	u.SetHead(rpcgate.HeadInfo{Number: number, Hash: block.Hash, Timestamp: time.Now()})
}
