// Package rpcgate defines domain types and interfaces shared across the
// proxy. This package has no project imports -- it is the dependency root.
package rpcgate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"
)

// --- Wire types ---

// Request is a single JSON-RPC 2.0 request object.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a single JSON-RPC 2.0 response object.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Standard JSON-RPC error codes, plus the proxy's own extensions in the
// -32000..-32099 "server error" band.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeRateLimited     = -32005
	CodeNotReady        = -32006
	CodeUpstreamError   = -32007
	CodeInvalidBlockTag = -32008
)

// --- Upstream ---

// Tier buckets upstreams by sync/archive class for eligibility ranking.
type Tier int

const (
	TierArchive Tier = iota
	TierFull
	TierPruned
)

// UpstreamConfig is the static, operator-supplied description of one node.
type UpstreamConfig struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	HTTPURL      string        `json:"http_url"`
	WSURL        string        `json:"ws_url,omitempty"`
	Tier         Tier          `json:"tier"`
	Archive      bool          `json:"archive"`
	Weight       int           `json:"weight"`
	SoftLimit    int           `json:"soft_limit"` // 0 = unlimited; active_in_flight must stay below this
	HardLimit    int           `json:"hard_limit"` // 0 = unlimited; provider-imposed requests/sec ceiling
	MaxHeadAge   time.Duration `json:"max_head_age"`
	AuthType     string        `json:"auth_type,omitempty"` // "", "header", "oauth2_client_credentials"
	AuthHeader   string        `json:"auth_header,omitempty"`
	AuthValueEnc string        `json:"-"`
	Enabled      bool          `json:"enabled"`
}

// HeadInfo is the latest block header an upstream has reported.
type HeadInfo struct {
	Number    uint64    `json:"number"`
	Hash      string    `json:"hash"`
	Timestamp time.Time `json:"timestamp"`
}

// --- Consensus ---

// ConsensusHead is the pool-wide agreed-upon chain head, computed by
// Pool.Consensus on each call and returned by value.
type ConsensusHead struct {
	Number      uint64    `json:"number"`
	Hash        string    `json:"hash"`
	NumAgreeing int       `json:"num_agreeing"`
	ObservedAt  time.Time `json:"observed_at"`
}

// --- Cache ---

// RequestFingerprint canonically identifies a cacheable call: method plus
// normalized parameters (and, for block-sensitive calls, the resolved block
// number rather than the original tag).
type RequestFingerprint struct {
	Method      string
	ParamsHash  string
	BlockNumber uint64 // 0 if not block-sensitive
}

// CacheClass buckets a method by how long its result stays valid.
type CacheClass int

const (
	CacheClassNone      CacheClass = iota // never cached
	CacheClassImmutable                   // valid forever once a block is final
	CacheClassHeadBound                   // valid until next head
	CacheClassRevert                      // a short-lived revert entry
)

// CacheEntry is one resolved (or pending) cache slot.
type CacheEntry struct {
	Fingerprint RequestFingerprint
	Result      json.RawMessage
	Err         *RPCError
	StoredAt    time.Time
	ExpiresAt   time.Time
}

// --- Rate limiting ---

// RateBucket identifies one token-bucket scope: an IP, an auth key, or an
// upstream's own outbound budget.
type RateBucket struct {
	Scope string // "ip", "key", "upstream"
	Key   string
}

// --- Sessions & subscriptions ---

// Session is one client connection: a single HTTP request/response pair, or
// a long-lived WebSocket connection.
type Session struct {
	ID        string
	RemoteIP  string
	KeyID     string // empty for anonymous/IP-limited callers
	Origin    string
	StartedAt time.Time
}

// Subscription is a client's standing interest in upstream-pushed events
// (e.g. eth_subscribe("newHeads")), translated between the client-visible
// subscription ID and the upstream's own subscription ID.
type Subscription struct {
	ClientSubID   string
	UpstreamSubID string
	UpstreamID    string
	Kind          string          // "newHeads", "logs", "newPendingTransactions", ...
	Filter        json.RawMessage // the logs filter object, nil for unfiltered kinds
	SessionID     string
}

// --- Auth ---

// AuthKey is an opaque API key record, the default in-tree implementation of
// the auth resolver interface below.
type AuthKey struct {
	ID              string     `json:"id"`
	KeyHash         string     `json:"-"`
	KeyPrefix       string     `json:"key_prefix"`
	RPM             int64      `json:"rpm"`
	Burst           int64      `json:"burst"`
	MaxConcurrent   int        `json:"max_concurrent"`
	LogRevertChance float64    `json:"log_revert_chance"`
	AllowedOrigins  []string   `json:"allowed_origins,omitempty"`
	Blocked         bool       `json:"blocked"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// --- Usage & revert reporting ---

// UsageEvent is a single completed (or failed) dispatch, handed to the usage
// reporter interface for batched, fire-and-forget persistence.
type UsageEvent struct {
	KeyID       string    `json:"key_id"`
	Method      string    `json:"method"`
	Upstream    string    `json:"upstream"`
	LatencyMs   int       `json:"latency_ms"`
	BytesIn     int       `json:"bytes_in"`
	BytesOut    int       `json:"bytes_out"`
	Outcome     string    `json:"outcome"` // "ok", "revert", "rate_limited", "error"
	BlockNumber uint64    `json:"block_number,omitempty"`
	Cached      bool      `json:"cached"`
	CreatedAt   time.Time `json:"created_at"`
}

// RevertLog is a sampled record of a reverted eth_call/eth_estimateGas.
type RevertLog struct {
	KeyID     string    `json:"key_id"`
	Method    string    `json:"method"`
	To        string    `json:"to"`
	CallData  string    `json:"call_data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// UsageFilter bounds a UsageEvent query for the admin usage endpoint and
// for the rollup worker's periodic aggregation pass.
type UsageFilter struct {
	KeyID string
	Since string // RFC3339
	Until string // RFC3339
	Limit int
}

// UsageRollup is an aggregated bucket of UsageEvents over one hour, scoped
// to a single key and method.
type UsageRollup struct {
	KeyID        string  `json:"key_id"`
	Method       string  `json:"method"`
	Period       string  `json:"period"` // "hourly"
	Bucket       string  `json:"bucket"` // RFC3339 truncated to the hour
	RequestCount int     `json:"request_count"`
	CachedCount  int     `json:"cached_count"`
	ErrorCount   int     `json:"error_count"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
type requestMeta struct {
	RequestID string
	Session   *Session
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// SessionFromContext extracts the current session from context.
func SessionFromContext(ctx context.Context) *Session {
	if m := metaFromContext(ctx); m != nil {
		return m.Session
	}
	return nil
}

// ContextWithSession stores the session in the existing requestMeta if
// present, avoiding a new context.WithValue allocation.
func ContextWithSession(ctx context.Context, s *Session) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Session = s
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Session: s})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.RequestID = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// --- Shared constants and helpers ---

// AuthKeyPrefix is the prefix for all proxy-issued opaque API keys.
const AuthKeyPrefix = "rpcg_"

// HashKey returns the hex-encoded SHA-256 hash of a raw API key.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// --- Collaborator interfaces (external, consumed not owned) ---

// Authenticator validates an opaque API key (or bare IP, for anonymous
// callers) and returns the resolved AuthKey.
type Authenticator interface {
	// Authenticate extracts and validates the key from a request's
	// Authorization header.
	Authenticate(ctx context.Context, r *http.Request) (*AuthKey, error)
	// AuthenticateRaw validates a raw key string directly, for transports
	// that carry the key outside a header (e.g. the /u/{key} path segment).
	AuthenticateRaw(ctx context.Context, raw string) (*AuthKey, error)
}

// UsageReporter accepts fire-and-forget usage events. Implementations must
// not block the caller's hot path; batch and flush asynchronously.
type UsageReporter interface {
	Report(ev UsageEvent)
}
