package upstream

import (
	"net/http"
	"net/http/httptest"
	"testing"

	rpcgate "github.com/rpcgate/rpcgate/internal"
)

type recordingRoundTripper struct {
	req *http.Request
}

func (r *recordingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	r.req = req
	return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody, Header: make(http.Header)}, nil
}

func TestAuthTransport_NoAuthType(t *testing.T) {
	t.Parallel()
	base := &recordingRoundTripper{}
	rt, err := authTransport(rpcgate.UpstreamConfig{}, base)
	if err != nil {
		t.Fatal(err)
	}
	if rt != http.RoundTripper(base) {
		t.Error("expected base transport returned unchanged when AuthType is empty")
	}
}

func TestAuthTransport_Header(t *testing.T) {
	t.Parallel()
	base := &recordingRoundTripper{}
	cfg := rpcgate.UpstreamConfig{AuthType: "header", AuthHeader: "X-Api-Key", AuthValueEnc: "secret123"}
	rt, err := authTransport(cfg, base)
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "http://example.local", nil)
	if _, err := rt.RoundTrip(req); err != nil {
		t.Fatal(err)
	}
	if got := base.req.Header.Get("X-Api-Key"); got != "secret123" {
		t.Errorf("X-Api-Key = %q, want secret123", got)
	}
}

func TestAuthTransport_UnknownType(t *testing.T) {
	t.Parallel()
	_, err := authTransport(rpcgate.UpstreamConfig{AuthType: "nonsense"}, nil)
	if err == nil {
		t.Fatal("expected error for unknown auth type")
	}
}

func TestAuthTransport_OAuthMalformedJSON(t *testing.T) {
	t.Parallel()
	cfg := rpcgate.UpstreamConfig{AuthType: "oauth2_client_credentials", AuthValueEnc: "{not json"}
	_, err := authTransport(cfg, nil)
	if err == nil {
		t.Fatal("expected error decoding malformed oauth2 credentials JSON")
	}
}
