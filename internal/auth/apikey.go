// Package auth implements opaque API key authentication for the proxy.
// Keys are validated against the store and cached in a W-TinyLFU cache.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	rpcgate "github.com/rpcgate/rpcgate/internal"
	"github.com/rpcgate/rpcgate/internal/storage"
	"github.com/maypok86/otter/v2"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up key revocations promptly
	cacheMaxLen = 10_000           // max concurrent active keys expected per deployment
)

// APIKeyAuth authenticates requests using opaque "rpcg_"-prefixed API keys.
// It caches resolved keys in an otter W-TinyLFU cache for fast lookups.
type APIKeyAuth struct {
	store       storage.AuthKeyStore
	cache       *otter.Cache[string, *rpcgate.AuthKey]
	keyIDToHash sync.Map // keyID -> hash for cache invalidation by key ID
}

// NewAPIKeyAuth returns a new APIKeyAuth backed by store.
func NewAPIKeyAuth(store storage.AuthKeyStore) (*APIKeyAuth, error) {
	c, err := otter.New(&otter.Options[string, *rpcgate.AuthKey]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *rpcgate.AuthKey](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	return &APIKeyAuth{store: store, cache: c}, nil
}

// Authenticate extracts a Bearer token from the Authorization header and
// resolves it via AuthenticateRaw. Only keys with the AuthKeyPrefix are
// handled; all others return ErrUnauthorized so the caller falls back to
// IP-scoped rate limiting as an anonymous caller.
func (a *APIKeyAuth) Authenticate(ctx context.Context, r *http.Request) (*rpcgate.AuthKey, error) {
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if raw == "" || raw == r.Header.Get("Authorization") {
		return nil, rpcgate.ErrUnauthorized
	}
	return a.AuthenticateRaw(ctx, raw)
}

// AuthenticateRaw validates a raw opaque key (the "rpcg_..." secret itself,
// independent of how the transport carried it -- an Authorization header
// for Authenticate, or the {key} path segment of the /u/{key} routes).
func (a *APIKeyAuth) AuthenticateRaw(ctx context.Context, raw string) (*rpcgate.AuthKey, error) {
	if !strings.HasPrefix(raw, rpcgate.AuthKeyPrefix) {
		return nil, rpcgate.ErrUnauthorized
	}

	hash := rpcgate.HashKey(raw)

	if key, ok := a.cache.GetIfPresent(hash); ok {
		if key.Blocked {
			return nil, rpcgate.ErrKeyBlocked
		}
		if key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now()) {
			a.cache.Invalidate(hash)
			return nil, rpcgate.ErrKeyExpired
		}
		return key, nil
	}

	key, err := a.store.GetKeyByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, rpcgate.ErrNotFound) {
			return nil, rpcgate.ErrUnauthorized
		}
		return nil, err
	}

	// Belt-and-suspenders: constant-time comparison of the stored hash against
	// the computed hash. The DB lookup already matched, but this guards against
	// hypothetical SQL collation or encoding surprises.
	if subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(hash)) != 1 {
		return nil, rpcgate.ErrUnauthorized
	}

	if key.Blocked {
		return nil, rpcgate.ErrKeyBlocked
	}
	if key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now()) {
		return nil, rpcgate.ErrKeyExpired
	}

	a.cache.Set(hash, key)
	a.keyIDToHash.Store(key.ID, hash)

	// Touch last-used timestamp asynchronously.
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		a.store.TouchKeyUsed(ctx, key.ID) //nolint:errcheck
	}()

	return key, nil
}

// InvalidateByKeyID removes a cached API key by its key ID. Used when admin
// operations (block, update, delete) modify a key.
func (a *APIKeyAuth) InvalidateByKeyID(keyID string) {
	if hash, ok := a.keyIDToHash.LoadAndDelete(keyID); ok {
		a.cache.Invalidate(hash.(string))
	}
}
