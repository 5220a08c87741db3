package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"

	"github.com/tidwall/gjson"

	rpcgate "github.com/rpcgate/rpcgate/internal"
	"github.com/rpcgate/rpcgate/internal/circuitbreaker"
)

// httpStatusError lets the circuit breaker's ClassifyError weight HTTP
// transport failures the same way every other client in this tree does.
type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("upstream: HTTP %d: %s", e.status, e.body)
}
func (e *httpStatusError) HTTPStatus() int { return e.status }

// Outcome carries a dispatch's classification, consumed by the router to
// decide whether to retry on the next upstream and by the breaker/usage
// layers to record what happened.
type Outcome struct {
	Resp      *rpcgate.Response
	RPCResult circuitbreaker.RPCOutcome
	Err       error // transport-level error; nil even on a JSON-RPC error response
}

// Dispatch sends one JSON-RPC request to this upstream over HTTP and
// classifies the result. Revert sampling is the router's concern (via
// ShouldSampleRevert) since only it knows the calling key's configured
// log_revert_chance.
func (u *Upstream) Dispatch(ctx context.Context, req *rpcgate.Request) Outcome {
	done := u.beginDispatch()
	defer done()

	body, err := json.Marshal(req)
	if err != nil {
		return Outcome{Err: fmt.Errorf("upstream: marshal request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.cfg.HTTPURL, bytes.NewReader(body))
	if err != nil {
		return Outcome{Err: fmt.Errorf("upstream: create request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := u.http.Do(httpReq)
	if err != nil {
		return Outcome{Err: fmt.Errorf("upstream: do request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Outcome{Err: &httpStatusError{status: resp.StatusCode, body: string(respBody)}}
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return Outcome{Err: fmt.Errorf("upstream: read response: %w", err)}
	}

	var rpcResp rpcgate.Response
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return Outcome{Err: fmt.Errorf("upstream: decode response: %w", err)}
	}

	if rpcResp.Error == nil {
		return Outcome{Resp: &rpcResp, RPCResult: circuitbreaker.RPCOutcomeOK}
	}

	outcome := circuitbreaker.ClassifyRPCMessage(rpcResp.Error.Message)
	if outcome == circuitbreaker.RPCOutcomeRateLimited {
		u.TriggerCooldown()
	}
	return Outcome{Resp: &rpcResp, RPCResult: outcome}
}

// ShouldSampleRevert reports whether a reverted eth_call/eth_estimateGas
// should be persisted as a RevertLog, gated by the key's log_revert_chance
// the way the original implementation samples reverts to bound write volume.
func ShouldSampleRevert(method string, logRevertChance float64) bool {
	if method != "eth_call" && method != "eth_estimateGas" {
		return false
	}
	if logRevertChance <= 0 {
		return false
	}
	if logRevertChance >= 1 {
		return true
	}
	return rand.Float64() < logRevertChance
}

// ExtractBlockNumber pulls a hex block number out of a raw JSON-RPC result
// (a bare quantity or a block object's "number"), used by the head poller
// to read an upstream's head without a full struct decode.
func ExtractBlockNumber(result json.RawMessage) (uint64, bool) {
	if len(result) == 0 {
		return 0, false
	}
	v := gjson.ParseBytes(result)
	if v.Type == gjson.String {
		return parseHexUint(v.Str)
	}
	if v.IsObject() {
		if n := v.Get("number"); n.Exists() {
			return parseHexUint(n.String())
		}
	}
	return 0, false
}

func parseHexUint(s string) (uint64, bool) {
	if len(s) > 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	var n uint64
	if len(s) == 0 {
		return 0, false
	}
	for _, c := range s {
		var d uint64
		switch {
		case c >= '0' && c <= '9':
			d = uint64(c - '0')
		case c >= 'a' && c <= 'f':
			d = uint64(c-'a') + 10
		case c >= 'A' && c <= 'F':
			d = uint64(c-'A') + 10
		default:
			return 0, false
		}
		n = n*16 + d
	}
	return n, true
}
