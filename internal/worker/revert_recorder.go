package worker

import (
	"context"
	"log/slog"
	"time"

	rpcgate "github.com/rpcgate/rpcgate/internal"
)

const (
	revertChanSize   = 200
	revertBatchSize  = 50
	revertFlushEvery = 10 * time.Second
	revertDrainTime  = 10 * time.Second
)

// RevertStore is the persistence interface consumed by RevertRecorder.
type RevertStore interface {
	InsertReverts(ctx context.Context, logs []rpcgate.RevertLog) error
}

// RevertRecorder buffers sampled revert logs and batch-flushes them to the
// store, mirroring UsageRecorder's shape for the router's other
// fire-and-forget sink (router.RevertSink). Logs are dropped if the channel
// is full -- a full channel means the store is behind, and reverts are a
// diagnostic sample, not the authoritative usage record.
type RevertRecorder struct {
	ch    chan rpcgate.RevertLog
	store RevertStore
}

// NewRevertRecorder creates a RevertRecorder backed by store.
func NewRevertRecorder(store RevertStore) *RevertRecorder {
	return &RevertRecorder{
		ch:    make(chan rpcgate.RevertLog, revertChanSize),
		store: store,
	}
}

// Name returns the worker identifier.
func (r *RevertRecorder) Name() string { return "revert_recorder" }

// LogRevert enqueues a revert log. It never blocks; drops on full channel.
// Implements router.RevertSink.
func (r *RevertRecorder) LogRevert(log rpcgate.RevertLog) {
	if log.Timestamp.IsZero() {
		log.Timestamp = time.Now()
	}
	select {
	case r.ch <- log:
	default:
		slog.Warn("revert log dropped, channel full")
	}
}

// Run processes logs until ctx is cancelled, then drains remaining logs.
func (r *RevertRecorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(revertFlushEvery)
	defer ticker.Stop()

	buf := make([]rpcgate.RevertLog, 0, revertBatchSize)

	for {
		select {
		case log := <-r.ch:
			buf = append(buf, log)
			if len(buf) >= revertBatchSize {
				r.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				r.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			r.drain(buf)
			return nil
		}
	}
}

func (r *RevertRecorder) drain(buf []rpcgate.RevertLog) {
	ctx, cancel := context.WithTimeout(context.Background(), revertDrainTime)
	defer cancel()

	for {
		select {
		case log := <-r.ch:
			buf = append(buf, log)
			if len(buf) >= revertBatchSize {
				r.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) > 0 {
				r.flush(ctx, buf)
			}
			return
		}
	}
}

func (r *RevertRecorder) flush(ctx context.Context, buf []rpcgate.RevertLog) {
	batch := make([]rpcgate.RevertLog, len(buf))
	copy(batch, buf)

	if err := r.store.InsertReverts(ctx, batch); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "revert flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
}
