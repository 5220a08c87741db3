package rpcgate

import "errors"

// Sentinel errors for the proxy domain.
var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrForbidden        = errors.New("forbidden")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrRateLimited      = errors.New("rate limited")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrInvalidBlockTag  = errors.New("invalid block tag")
	ErrNotReady         = errors.New("no eligible upstream")
	ErrUpstreamRevert   = errors.New("upstream reverted")
	ErrUpstreamError    = errors.New("upstream error")
	ErrKeyExpired       = errors.New("api key expired")
	ErrKeyBlocked       = errors.New("api key blocked")
	ErrSubscriptionLost = errors.New("subscription lost upstream")
)
