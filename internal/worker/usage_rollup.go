package worker

import (
	"context"
	"log/slog"
	"time"

	rpcgate "github.com/rpcgate/rpcgate/internal"
)

const (
	rollupInterval = 5 * time.Minute
)

// RollupStore is the persistence interface consumed by UsageRollupWorker.
type RollupStore interface {
	QueryUsage(ctx context.Context, filter rpcgate.UsageFilter) ([]rpcgate.UsageEvent, error)
	UpsertRollups(ctx context.Context, rollups []rpcgate.UsageRollup) error
}

// UsageRollupWorker periodically aggregates raw usage events into hourly
// rollups stored in usage_rollups; the admin /usage endpoint reads the raw
// events, not these rollups.
type UsageRollupWorker struct {
	store RollupStore
}

// NewUsageRollupWorker creates a new rollup worker.
func NewUsageRollupWorker(store RollupStore) *UsageRollupWorker {
	return &UsageRollupWorker{store: store}
}

// Name returns the worker identifier.
func (w *UsageRollupWorker) Name() string { return "usage_rollup" }

// Run aggregates usage events into hourly rollups on a periodic schedule.
func (w *UsageRollupWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(rollupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.rollup(ctx)
		}
	}
}

func (w *UsageRollupWorker) rollup(ctx context.Context) {
	// Aggregate the last 2 hours to cover any late-arriving events.
	now := time.Now().UTC()
	since := now.Add(-2 * time.Hour).Truncate(time.Hour).Format(time.RFC3339)
	until := now.Truncate(time.Hour).Format(time.RFC3339)

	events, err := w.store.QueryUsage(ctx, rpcgate.UsageFilter{
		Since: since,
		Until: until,
		Limit: 10_000,
	})
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "rollup query failed",
			slog.String("error", err.Error()),
		)
		return
	}
	if len(events) == 0 {
		return
	}

	type key struct {
		KeyID  string
		Method string
		Bucket string
	}
	type accum struct {
		rpcgate.UsageRollup
		latencySum int64
	}
	agg := make(map[key]*accum)
	for _, e := range events {
		bucket := e.CreatedAt.UTC().Truncate(time.Hour).Format(time.RFC3339)
		k := key{KeyID: e.KeyID, Method: e.Method, Bucket: bucket}
		a, ok := agg[k]
		if !ok {
			a = &accum{UsageRollup: rpcgate.UsageRollup{
				KeyID:  e.KeyID,
				Method: e.Method,
				Period: "hourly",
				Bucket: bucket,
			}}
			agg[k] = a
		}
		a.RequestCount++
		a.latencySum += int64(e.LatencyMs)
		if e.Cached {
			a.CachedCount++
		}
		if e.Outcome == "error" || e.Outcome == "rate_limited" {
			a.ErrorCount++
		}
	}

	rollups := make([]rpcgate.UsageRollup, 0, len(agg))
	for _, a := range agg {
		if a.RequestCount > 0 {
			a.AvgLatencyMs = float64(a.latencySum) / float64(a.RequestCount)
		}
		rollups = append(rollups, a.UsageRollup)
	}

	if err := w.store.UpsertRollups(ctx, rollups); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "rollup upsert failed",
			slog.String("error", err.Error()),
		)
		return
	}
	slog.Info("usage rollup completed", "rollups", len(rollups), "events", len(events))
}
