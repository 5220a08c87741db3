package config

import (
	"context"
	"testing"

	rpcgate "github.com/rpcgate/rpcgate/internal"
	"github.com/rpcgate/rpcgate/internal/storage/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	path := t.TempDir() + "/test.db"
	s, err := sqlite.New(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBootstrap(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	cfg := &Config{
		Upstreams: []UpstreamEntry{
			{
				ID:      "primary",
				Name:    "primary",
				HTTPURL: "https://rpc.example.com",
				Tier:    "archive",
				Weight:  1,
			},
		},
		Keys: []KeyEntry{
			{
				Name: "test-key",
				Key:  "rpcg_testkey123456",
				RPM:  600,
			},
		},
	}

	// First call seeds everything.
	if err := Bootstrap(ctx, cfg, store); err != nil {
		t.Fatal("bootstrap:", err)
	}

	upstreams, err := store.ListUpstreams(ctx)
	if err != nil {
		t.Fatal("list upstreams:", err)
	}
	if len(upstreams) != 1 {
		t.Fatalf("upstream count = %d, want 1", len(upstreams))
	}
	if upstreams[0].ID != "primary" {
		t.Errorf("upstream id = %q, want %q", upstreams[0].ID, "primary")
	}

	key, err := store.GetKeyByHash(ctx, rpcgate.HashKey("rpcg_testkey123456"))
	if err != nil {
		t.Fatal("get key:", err)
	}
	if key.RPM != 600 {
		t.Errorf("key rpm = %d, want 600", key.RPM)
	}

	// Second call is idempotent -- no errors, no duplicates.
	if err := Bootstrap(ctx, cfg, store); err != nil {
		t.Fatal("idempotent bootstrap:", err)
	}

	upstreams, err = store.ListUpstreams(ctx)
	if err != nil {
		t.Fatal("list upstreams:", err)
	}
	if len(upstreams) != 1 {
		t.Errorf("upstream count after second bootstrap = %d, want 1", len(upstreams))
	}
}

func TestBootstrapSkipsEmptyKeys(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	cfg := &Config{
		Keys: []KeyEntry{
			{Name: "empty", Key: ""},
		},
	}

	if err := Bootstrap(ctx, cfg, store); err != nil {
		t.Fatal("bootstrap:", err)
	}

	keys, err := store.ListKeys(ctx, 0, 10)
	if err != nil {
		t.Fatal("list keys:", err)
	}
	if len(keys) != 0 {
		t.Errorf("key count = %d, want 0 (empty key should be skipped)", len(keys))
	}
}
