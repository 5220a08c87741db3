package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	rpcgate "github.com/rpcgate/rpcgate/internal"
)

type fakeUsageStore struct {
	mu      sync.Mutex
	batches [][]rpcgate.UsageEvent
}

func (s *fakeUsageStore) InsertUsage(_ context.Context, events []rpcgate.UsageEvent) error {
	s.mu.Lock()
	s.batches = append(s.batches, events)
	s.mu.Unlock()
	return nil
}

func (s *fakeUsageStore) totalEvents() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func TestUsageRecorder_BatchOnSize(t *testing.T) {
	t.Parallel()
	store := &fakeUsageStore{}
	rec := NewUsageRecorder(store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	for i := range usageBatchSize {
		rec.Report(rpcgate.UsageEvent{Method: string(rune('a' + i%26))})
	}

	deadline := time.After(2 * time.Second)
	for {
		if store.totalEvents() >= usageBatchSize {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("batch not flushed; got %d events", store.totalEvents())
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}

	cancel()
	<-done
}

func TestUsageRecorder_FlushOnTimeout(t *testing.T) {
	t.Parallel()
	store := &fakeUsageStore{}
	rec := &UsageRecorder{
		ch:    make(chan rpcgate.UsageEvent, usageChanSize),
		store: store,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	rec.Report(rpcgate.UsageEvent{Method: "eth_call"})
	rec.Report(rpcgate.UsageEvent{Method: "eth_blockNumber"})

	deadline := time.After(10 * time.Second)
	for {
		if store.totalEvents() >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timeout flush not triggered; got %d events", store.totalEvents())
		default:
			time.Sleep(100 * time.Millisecond)
		}
	}

	cancel()
	<-done
}

func TestUsageRecorder_DropOnFull(t *testing.T) {
	t.Parallel()
	store := &fakeUsageStore{}
	rec := &UsageRecorder{
		ch:    make(chan rpcgate.UsageEvent, 2), // tiny buffer
		store: store,
	}

	rec.Report(rpcgate.UsageEvent{Method: "1"})
	rec.Report(rpcgate.UsageEvent{Method: "2"})
	rec.Report(rpcgate.UsageEvent{Method: "3"}) // dropped silently

	if len(rec.ch) != 2 {
		t.Errorf("channel len = %d, want 2", len(rec.ch))
	}
}

func TestUsageRecorder_DrainOnShutdown(t *testing.T) {
	t.Parallel()
	store := &fakeUsageStore{}
	rec := NewUsageRecorder(store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	rec.Report(rpcgate.UsageEvent{Method: "drain-1"})
	rec.Report(rpcgate.UsageEvent{Method: "drain-2"})

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	if store.totalEvents() < 2 {
		t.Errorf("expected at least 2 drained events, got %d", store.totalEvents())
	}
}
