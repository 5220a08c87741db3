package router

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	rpcgate "github.com/rpcgate/rpcgate/internal"
)

// cacheClassByMethod buckets known methods by cache lifetime. A method not
// listed defaults to CacheClassNone -- safe, since writes and subscription
// calls must never be cached.
var cacheClassByMethod = map[string]rpcgate.CacheClass{
	"eth_chainId":               rpcgate.CacheClassImmutable,
	"net_version":               rpcgate.CacheClassImmutable,
	"eth_getTransactionByHash":  rpcgate.CacheClassImmutable,
	"eth_getTransactionReceipt": rpcgate.CacheClassImmutable,
	"eth_getBlockByHash":        rpcgate.CacheClassImmutable,
	"eth_getCode":               rpcgate.CacheClassImmutable,
	"eth_getBlockByNumber":      rpcgate.CacheClassHeadBound,
	"eth_blockNumber":           rpcgate.CacheClassHeadBound,
	"eth_gasPrice":              rpcgate.CacheClassHeadBound,
	"eth_getBalance":            rpcgate.CacheClassHeadBound,
	"eth_call":                  rpcgate.CacheClassHeadBound,
	"eth_estimateGas":           rpcgate.CacheClassHeadBound,
	"eth_getStorageAt":          rpcgate.CacheClassHeadBound,
	"eth_getTransactionCount":   rpcgate.CacheClassHeadBound,
}

// archiveHintMethods take a trailing block-tag parameter, by JSON-RPC
// convention the last element of Params, and may require a full-archive
// upstream when that tag names a specific historical block rather than
// "latest"/"pending"/"safe"/"finalized".
var archiveHintMethods = map[string]bool{
	"eth_call":                true,
	"eth_getBalance":          true,
	"eth_getCode":             true,
	"eth_getStorageAt":        true,
	"eth_getTransactionCount": true,
	"eth_estimateGas":         true,
}

func classifyMethod(method string) rpcgate.CacheClass {
	if cc, ok := cacheClassByMethod[method]; ok {
		return cc
	}
	return rpcgate.CacheClassNone
}

// blockRequirement inspects the request's trailing block-tag parameter and
// reports the block number an eligible upstream must have synced to, and
// whether the call needs full archive state to answer it. A relative tag
// ("latest", "pending", absent) imposes no requirement; an explicit block
// number or "earliest" requires archive, conservatively, since a pruned
// node cannot serve state older than its retention window. A tag that is
// neither a recognized keyword nor a parseable hex/decimal number is
// reported via err so the caller can surface rpcgate.ErrInvalidBlockTag
// instead of silently treating a malformed call as unconstrained.
func blockRequirement(method string, params json.RawMessage) (requiredBlock uint64, archive bool, err error) {
	if !archiveHintMethods[method] || len(params) == 0 {
		return 0, false, nil
	}
	arr := gjson.ParseBytes(params).Array()
	if len(arr) == 0 {
		return 0, false, nil
	}
	tag := arr[len(arr)-1].String()
	switch tag {
	case "", "latest", "pending", "safe", "finalized":
		return 0, false, nil
	case "earliest":
		return 0, true, nil
	}
	n, ok := parseHexOrDecimal(tag)
	if !ok {
		return 0, false, rpcgate.ErrInvalidBlockTag
	}
	return n, true, nil
}

func parseHexOrDecimal(s string) (uint64, bool) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		n, err := strconv.ParseUint(s[2:], 16, 64)
		return n, err == nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	return n, err == nil
}

// fingerprint builds the cache key for a request: method plus a hash of its
// raw params, with resolvedBlock substituted for a relative block tag so
// that "latest" at head 100 and an explicit 0x64 collapse onto the same
// entry.
func fingerprint(method string, params json.RawMessage, resolvedBlock uint64) rpcgate.RequestFingerprint {
	hashed := params
	if archiveHintMethods[method] && resolvedBlock > 0 {
		if arr := gjson.ParseBytes(params).Array(); len(arr) > 0 {
			tag := arr[len(arr)-1].String()
			if n, ok := parseHexOrDecimal(tag); tag == "latest" || (ok && n == resolvedBlock) {
				raws := make([]string, len(arr)-1)
				for i, v := range arr[:len(arr)-1] {
					raws[i] = v.Raw
				}
				hashed = json.RawMessage("[" + strings.Join(raws, ",") + "]")
			}
		}
	}
	h := sha256.Sum256(hashed)
	return rpcgate.RequestFingerprint{
		Method:      method,
		ParamsHash:  hex.EncodeToString(h[:]),
		BlockNumber: resolvedBlock,
	}
}

func fingerprintKey(fp rpcgate.RequestFingerprint) string {
	return fp.Method + ":" + fp.ParamsHash + ":" + strconv.FormatUint(fp.BlockNumber, 10)
}

// cacheTTL returns how long a resolved entry of the given class stays
// valid. Head-sensitive entries expire quickly since a new head can
// invalidate them at any moment; immutable entries are cheap to keep for
// hours; reverts get a short TTL purely to dampen storms from a buggy
// client retrying the same failing call.
func cacheTTL(class rpcgate.CacheClass) time.Duration {
	switch class {
	case rpcgate.CacheClassImmutable:
		return 6 * time.Hour
	case rpcgate.CacheClassHeadBound:
		return 300 * time.Millisecond
	case rpcgate.CacheClassRevert:
		return time.Second
	default:
		return 0
	}
}
