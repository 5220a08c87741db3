// Package storage defines persistence interfaces for the proxy.
package storage

import (
	"context"

	rpcgate "github.com/rpcgate/rpcgate/internal"
)

// AuthKeyStore manages opaque API key persistence.
type AuthKeyStore interface {
	CreateKey(ctx context.Context, key *rpcgate.AuthKey) error
	GetKeyByHash(ctx context.Context, hash string) (*rpcgate.AuthKey, error)
	ListKeys(ctx context.Context, offset, limit int) ([]*rpcgate.AuthKey, error)
	UpdateKey(ctx context.Context, key *rpcgate.AuthKey) error
	DeleteKey(ctx context.Context, id string) error
	TouchKeyUsed(ctx context.Context, id string) error
}

// UpstreamStore manages operator-configured upstream node persistence.
type UpstreamStore interface {
	CreateUpstream(ctx context.Context, u *rpcgate.UpstreamConfig) error
	ListUpstreams(ctx context.Context) ([]*rpcgate.UpstreamConfig, error)
	UpdateUpstream(ctx context.Context, u *rpcgate.UpstreamConfig) error
	DeleteUpstream(ctx context.Context, id string) error
}

// UsageStore manages usage event and hourly-rollup persistence.
type UsageStore interface {
	InsertUsage(ctx context.Context, events []rpcgate.UsageEvent) error
	QueryUsage(ctx context.Context, filter rpcgate.UsageFilter) ([]rpcgate.UsageEvent, error)
	UpsertRollups(ctx context.Context, rollups []rpcgate.UsageRollup) error
}

// RevertStore manages sampled revert-log persistence.
type RevertStore interface {
	InsertReverts(ctx context.Context, logs []rpcgate.RevertLog) error
}

// Store combines all storage interfaces.
type Store interface {
	AuthKeyStore
	UpstreamStore
	UsageStore
	RevertStore
	Close() error
}
