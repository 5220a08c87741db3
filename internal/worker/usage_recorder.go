package worker

import (
	"context"
	"log/slog"
	"time"

	rpcgate "github.com/rpcgate/rpcgate/internal"
)

const (
	usageChanSize   = 1000
	usageBatchSize  = 100
	usageFlushEvery = 5 * time.Second
	usageDrainTime  = 30 * time.Second
)

// UsageStore is the persistence interface consumed by UsageRecorder.
type UsageStore interface {
	InsertUsage(ctx context.Context, events []rpcgate.UsageEvent) error
}

// UsageRecorder buffers usage events and batch-flushes them to the store.
// It implements rpcgate.UsageReporter. Events are dropped if the channel is
// full -- back-pressure on a slow store must never stall the hot path.
type UsageRecorder struct {
	ch    chan rpcgate.UsageEvent
	store UsageStore
}

// NewUsageRecorder creates a UsageRecorder backed by store.
func NewUsageRecorder(store UsageStore) *UsageRecorder {
	return &UsageRecorder{
		ch:    make(chan rpcgate.UsageEvent, usageChanSize),
		store: store,
	}
}

// Name returns the worker identifier.
func (u *UsageRecorder) Name() string { return "usage_recorder" }

// Report enqueues a usage event. It never blocks; drops on full channel.
// Implements rpcgate.UsageReporter.
func (u *UsageRecorder) Report(ev rpcgate.UsageEvent) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	select {
	case u.ch <- ev:
	default:
		slog.Warn("usage event dropped, channel full")
	}
}

// Run processes events until ctx is cancelled, then drains remaining events.
func (u *UsageRecorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(usageFlushEvery)
	defer ticker.Stop()

	buf := make([]rpcgate.UsageEvent, 0, usageBatchSize)

	for {
		select {
		case ev := <-u.ch:
			buf = append(buf, ev)
			if len(buf) >= usageBatchSize {
				u.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				u.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			u.drain(buf)
			return nil
		}
	}
}

func (u *UsageRecorder) drain(buf []rpcgate.UsageEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), usageDrainTime)
	defer cancel()

	for {
		select {
		case ev := <-u.ch:
			buf = append(buf, ev)
			if len(buf) >= usageBatchSize {
				u.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) > 0 {
				u.flush(ctx, buf)
			}
			return
		}
	}
}

func (u *UsageRecorder) flush(ctx context.Context, buf []rpcgate.UsageEvent) {
	batch := make([]rpcgate.UsageEvent, len(buf))
	copy(batch, buf)

	if err := u.store.InsertUsage(ctx, batch); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "usage flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
}
