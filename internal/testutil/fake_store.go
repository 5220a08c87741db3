package testutil

import (
	"context"
	"sync"

	rpcgate "github.com/rpcgate/rpcgate/internal"
)

// FakeStore is an in-memory implementation of storage.Store for testing.
type FakeStore struct {
	mu        sync.RWMutex
	keys      map[string]*rpcgate.AuthKey // hash -> key
	upstreams map[string]*rpcgate.UpstreamConfig
	events    []rpcgate.UsageEvent
	reverts   []rpcgate.RevertLog
}

// NewFakeStore returns a FakeStore with empty collections.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		keys:      make(map[string]*rpcgate.AuthKey),
		upstreams: make(map[string]*rpcgate.UpstreamConfig),
	}
}

// AddKey inserts a key into the fake store, keyed by its hash.
func (s *FakeStore) AddKey(k *rpcgate.AuthKey) {
	s.mu.Lock()
	s.keys[k.KeyHash] = k
	s.mu.Unlock()
}

// --- AuthKeyStore ---

func (s *FakeStore) CreateKey(_ context.Context, k *rpcgate.AuthKey) error {
	s.mu.Lock()
	s.keys[k.KeyHash] = k
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) GetKeyByHash(_ context.Context, hash string) (*rpcgate.AuthKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[hash]
	if !ok {
		return nil, rpcgate.ErrNotFound
	}
	return k, nil
}

func (s *FakeStore) ListKeys(_ context.Context, offset, limit int) ([]*rpcgate.AuthKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*rpcgate.AuthKey, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, k)
	}
	if offset >= len(out) {
		return nil, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(out) {
		end = len(out)
	}
	return out[offset:end], nil
}

func (s *FakeStore) UpdateKey(_ context.Context, k *rpcgate.AuthKey) error {
	s.mu.Lock()
	s.keys[k.KeyHash] = k
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) DeleteKey(_ context.Context, id string) error {
	s.mu.Lock()
	for hash, k := range s.keys {
		if k.ID == id {
			delete(s.keys, hash)
			break
		}
	}
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) TouchKeyUsed(context.Context, string) error { return nil }

// --- UpstreamStore ---

func (s *FakeStore) CreateUpstream(_ context.Context, u *rpcgate.UpstreamConfig) error {
	s.mu.Lock()
	s.upstreams[u.ID] = u
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) ListUpstreams(_ context.Context) ([]*rpcgate.UpstreamConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*rpcgate.UpstreamConfig, 0, len(s.upstreams))
	for _, u := range s.upstreams {
		out = append(out, u)
	}
	return out, nil
}

func (s *FakeStore) UpdateUpstream(_ context.Context, u *rpcgate.UpstreamConfig) error {
	s.mu.Lock()
	s.upstreams[u.ID] = u
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) DeleteUpstream(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.upstreams, id)
	s.mu.Unlock()
	return nil
}

// --- UsageStore ---

func (s *FakeStore) InsertUsage(_ context.Context, events []rpcgate.UsageEvent) error {
	s.mu.Lock()
	s.events = append(s.events, events...)
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) QueryUsage(_ context.Context, filter rpcgate.UsageFilter) ([]rpcgate.UsageEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]rpcgate.UsageEvent, 0, len(s.events))
	for _, e := range s.events {
		if filter.KeyID != "" && e.KeyID != filter.KeyID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *FakeStore) UpsertRollups(context.Context, []rpcgate.UsageRollup) error { return nil }

// --- RevertStore ---

func (s *FakeStore) InsertReverts(_ context.Context, logs []rpcgate.RevertLog) error {
	s.mu.Lock()
	s.reverts = append(s.reverts, logs...)
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) Close() error { return nil }
