package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	rpcgate "github.com/rpcgate/rpcgate/internal"
)

// oauthCreds is the decoded form of UpstreamConfig.AuthValueEnc when
// AuthType is "oauth2_client_credentials". Some managed node providers
// (enterprise Infura/Alchemy-style tiers) gate RPC access behind OAuth2
// instead of a static header.
type oauthCreds struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	TokenURL     string   `json:"token_url"`
	Scopes       []string `json:"scopes,omitempty"`
}

// authTransport wraps base with whatever auth scheme cfg.AuthType names.
// An empty AuthType returns base unchanged.
func authTransport(cfg rpcgate.UpstreamConfig, base http.RoundTripper) (http.RoundTripper, error) {
	switch cfg.AuthType {
	case "":
		return base, nil
	case "header":
		return &staticHeaderTransport{header: cfg.AuthHeader, value: cfg.AuthValueEnc, base: base}, nil
	case "oauth2_client_credentials":
		var creds oauthCreds
		if err := json.Unmarshal([]byte(cfg.AuthValueEnc), &creds); err != nil {
			return nil, fmt.Errorf("upstream %s: decode oauth2 credentials: %w", cfg.ID, err)
		}
		conf := &clientcredentials.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			TokenURL:     creds.TokenURL,
			Scopes:       creds.Scopes,
		}
		return &oauth2Transport{source: conf.TokenSource(context.Background()), base: base}, nil
	default:
		return nil, fmt.Errorf("upstream %s: unknown auth type %q", cfg.ID, cfg.AuthType)
	}
}

// staticHeaderTransport injects a fixed header on every outbound request,
// for upstreams authenticated by a static API key or bearer token.
type staticHeaderTransport struct {
	header string
	value  string
	base   http.RoundTripper
}

func (t *staticHeaderTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r2 := r.Clone(r.Context())
	r2.Header.Set(t.header, t.value)
	return t.rt().RoundTrip(r2)
}

func (t *staticHeaderTransport) rt() http.RoundTripper {
	if t.base != nil {
		return t.base
	}
	return http.DefaultTransport
}

// oauth2Transport injects an OAuth2 client-credentials bearer token,
// refreshed automatically by the underlying TokenSource.
type oauth2Transport struct {
	source oauth2.TokenSource
	base   http.RoundTripper
}

func (t *oauth2Transport) RoundTrip(r *http.Request) (*http.Response, error) {
	tok, err := t.source.Token()
	if err != nil {
		return nil, fmt.Errorf("upstream oauth2: obtain token: %w", err)
	}
	r2 := r.Clone(r.Context())
	r2.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	return t.rt().RoundTrip(r2)
}

func (t *oauth2Transport) rt() http.RoundTripper {
	if t.base != nil {
		return t.base
	}
	return http.DefaultTransport
}
