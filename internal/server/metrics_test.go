package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rpcgate/rpcgate/internal/pool"
	"github.com/rpcgate/rpcgate/internal/telemetry"
	"github.com/rpcgate/rpcgate/internal/testutil"
)

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)

	u := fakeNode(t, "u1", func(w http.ResponseWriter, r *http.Request) {
		jsonResult(w, `"0x1"`)
	})
	p := pool.New()
	p.Register(u)

	h := New(Deps{
		Auth:           testutil.FakeAuth{},
		Router:         newTestRouter(t, u),
		Pool:           p,
		Store:          testutil.NewFakeStore(),
		Metrics:        metrics,
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})

	body := `{"jsonrpc":"2.0","id":1,"method":"eth_blockNumber","params":[]}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("rpc: status = %d; body = %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: status = %d; body = %s", rec.Code, rec.Body.String())
	}
	metricsBody := rec.Body.String()
	if !strings.Contains(metricsBody, "rpcgate_requests_total") {
		t.Error("metrics should contain rpcgate_requests_total")
	}
	if !strings.Contains(metricsBody, "rpcgate_request_duration_seconds") {
		t.Error("metrics should contain rpcgate_request_duration_seconds")
	}
}

func TestMetricsMiddleware_IncrementsCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)

	u := fakeNode(t, "u1", func(w http.ResponseWriter, r *http.Request) {
		jsonResult(w, `"0x1"`)
	})
	p := pool.New()
	p.Register(u)

	h := New(Deps{
		Auth:           testutil.FakeAuth{},
		Router:         newTestRouter(t, u),
		Pool:           p,
		Store:          testutil.NewFakeStore(),
		Metrics:        metrics,
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})

	for range 3 {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}

	found := false
	for _, f := range families {
		if f.GetName() == "rpcgate_requests_total" {
			found = true
			for _, m := range f.GetMetric() {
				for _, l := range m.GetLabel() {
					if l.GetName() == "path" && l.GetValue() == "/healthz" {
						if m.GetCounter().GetValue() < 3 {
							t.Errorf("requests_total for /healthz = %f, want >= 3", m.GetCounter().GetValue())
						}
					}
				}
			}
		}
	}
	if !found {
		t.Error("rpcgate_requests_total metric not found")
	}
}
