package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCoalescer_SingleDispatchOnConcurrentMiss(t *testing.T) {
	t.Parallel()
	m, err := NewMemory(100, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	c := NewCoalescer(m)
	ctx := context.Background()

	var dispatches int64
	const callers = 20
	var wg sync.WaitGroup
	results := make([][]byte, callers)

	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			val, found, leader := c.Load(ctx, "eth_call:abc")
			if leader {
				atomic.AddInt64(&dispatches, 1)
				time.Sleep(20 * time.Millisecond) // simulate upstream round trip
				c.Resolve(ctx, "eth_call:abc", []byte("result"), time.Minute)
				results[i] = []byte("result")
				return
			}
			if !found {
				t.Errorf("caller %d: expected a resolved result, got miss", i)
				return
			}
			results[i] = val
		}(i)
	}
	wg.Wait()

	if dispatches != 1 {
		t.Errorf("dispatches = %d, want 1", dispatches)
	}
	for i, r := range results {
		if string(r) != "result" {
			t.Errorf("caller %d result = %q, want %q", i, r, "result")
		}
	}
}

func TestCoalescer_AbandonReleasesWaiters(t *testing.T) {
	t.Parallel()
	m, err := NewMemory(100, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	c := NewCoalescer(m)
	ctx := context.Background()

	var wg sync.WaitGroup
	var waiterFound int64
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, found, leader := c.Load(ctx, "k")
		if !leader {
			t.Error("first caller should be leader")
		}
		_ = found
	}()

	// Ensure the first goroutine claims leadership before we start waiting.
	time.Sleep(10 * time.Millisecond)

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, found, leader := c.Load(ctx, "k")
		if leader {
			t.Error("concurrent caller should not also become leader")
		}
		if found {
			atomic.AddInt64(&waiterFound, 1)
		}
	}()

	time.Sleep(10 * time.Millisecond)
	c.Abandon("k")
	wg.Wait()

	if waiterFound != 0 {
		t.Error("abandoned dispatch should resolve waiters as not-found")
	}

	// Key should be cacheable again after abandonment.
	_, found, leader := c.Load(ctx, "k")
	if !leader || found {
		t.Error("key should be a fresh miss after Abandon")
	}
	c.Abandon("k")
}

func TestCoalescer_CachedHitNeverDispatches(t *testing.T) {
	t.Parallel()
	m, err := NewMemory(100, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	c := NewCoalescer(m)
	ctx := context.Background()

	_, _, leaderSetup := c.Load(ctx, "warm")
	if !leaderSetup {
		t.Fatal("first load of an empty key should be the leader")
	}
	c.Resolve(ctx, "warm", []byte("v"), time.Minute)
	time.Sleep(50 * time.Millisecond)

	val, found, leader := c.Load(ctx, "warm")
	if leader {
		t.Fatal("warm key should never require a leader")
	}
	if !found || string(val) != "v" {
		t.Fatalf("val=%q found=%v, want v/true", val, found)
	}
}
