// Package testutil provides configurable test fakes for proxy interfaces.
package testutil

import (
	"context"
	"net/http"

	rpcgate "github.com/rpcgate/rpcgate/internal"
)

// FakeAuth always authenticates successfully with a fixed AuthKey.
type FakeAuth struct {
	Key *rpcgate.AuthKey
}

// Authenticate returns the configured key, or a default test key if unset.
func (f FakeAuth) Authenticate(_ context.Context, _ *http.Request) (*rpcgate.AuthKey, error) {
	return f.key(), nil
}

// AuthenticateRaw returns the configured key regardless of the raw value.
func (f FakeAuth) AuthenticateRaw(_ context.Context, _ string) (*rpcgate.AuthKey, error) {
	return f.key(), nil
}

func (f FakeAuth) key() *rpcgate.AuthKey {
	if f.Key != nil {
		return f.Key
	}
	return &rpcgate.AuthKey{
		ID:            "test-key",
		KeyPrefix:     "rpcg_test",
		RPM:           600,
		Burst:         600,
		MaxConcurrent: 10,
	}
}

// RejectAuth always rejects authentication.
type RejectAuth struct{}

// Authenticate always returns ErrUnauthorized.
func (RejectAuth) Authenticate(context.Context, *http.Request) (*rpcgate.AuthKey, error) {
	return nil, rpcgate.ErrUnauthorized
}

// AuthenticateRaw always returns ErrUnauthorized.
func (RejectAuth) AuthenticateRaw(context.Context, string) (*rpcgate.AuthKey, error) {
	return nil, rpcgate.ErrUnauthorized
}
