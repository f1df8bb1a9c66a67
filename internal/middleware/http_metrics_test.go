package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newMetricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /audit/entries/{seq}/verify", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"valid":true}`))
	})
	mux.HandleFunc("PUT /ratelimit/config", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {})
	return mux
}

func TestHTTPMetrics_LabelsByRoute(t *testing.T) {
	m := NewMetrics()
	handler := HTTPMetrics(m)(newMetricsMux())

	for _, path := range []string{"/audit/entries/1/verify", "/audit/entries/2/verify", "/audit/entries/77/verify"} {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	}
	req := httptest.NewRequest(http.MethodPut, "/ratelimit/config", strings.NewReader(`{"limit":0}`))
	handler.ServeHTTP(httptest.NewRecorder(), req)
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope/123", nil))

	tests := []struct {
		method, route, status string
		want                  float64
	}{
		{"GET", "/audit/entries/{seq}/verify", "200", 3},
		{"PUT", "/ratelimit/config", "400", 1},
		{"GET", unmatchedRoute, "404", 1},
	}
	for _, tt := range tests {
		got := testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues(tt.method, tt.route, tt.status))
		if got != tt.want {
			t.Errorf("requests{%s %s %s} = %v, want %v", tt.method, tt.route, tt.status, got, tt.want)
		}
	}
	if n := testutil.CollectAndCount(m.httpRequestsTotal); n != 3 {
		t.Errorf("series = %d, want 3", n)
	}
}

func TestHTTPMetrics_SkipsHealthEndpoints(t *testing.T) {
	m := NewMetrics()
	handler := HTTPMetrics(m)(newMetricsMux())
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	if n := testutil.CollectAndCount(m.httpRequestsTotal); n != 0 {
		t.Errorf("series = %d, want 0", n)
	}
}

func TestHTTPMetrics_ResponseSize(t *testing.T) {
	m := NewMetrics()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	handler := HTTPMetrics(m)(newMetricsMux())
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/audit/entries/5/verify", nil))

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != MetricHTTPResponseSizeBytes {
			continue
		}
		h := mf.GetMetric()[0].GetHistogram()
		if h.GetSampleCount() != 1 || h.GetSampleSum() != float64(len(`{"valid":true}`)) {
			t.Errorf("response size histogram = %d samples, sum %v", h.GetSampleCount(), h.GetSampleSum())
		}
		return
	}
	t.Fatalf("metric %s not gathered", MetricHTTPResponseSizeBytes)
}

func TestRouteLabel(t *testing.T) {
	tests := []struct {
		pattern string
		want    string
	}{
		{"", unmatchedRoute},
		{"GET /keys/info", "/keys/info"},
		{"/metrics", "/metrics"},
		{"DELETE /ratelimit/whitelist/{identity}", "/ratelimit/whitelist/{identity}"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Pattern = tt.pattern
		if got := routeLabel(r); got != tt.want {
			t.Errorf("routeLabel(%q) = %q, want %q", tt.pattern, got, tt.want)
		}
	}
}
