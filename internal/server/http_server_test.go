package server

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	archid "github.com/pilab-dev/arch-idp"
	"github.com/pilab-dev/arch-idp/log"
)

func serve(t *testing.T, opts Options, path string) *httptest.ResponseRecorder {
	t.Helper()

	router := NewRouter(archid.NewOAuth2API(nil, nil), opts)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	return rec
}

func TestHealthy(t *testing.T) {
	rec := serve(t, Options{HealthChecks: map[string]HealthCheck{
		"store": func(context.Context) error { return nil },
	}}, archid.PathHealth)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestUnhealthy(t *testing.T) {
	rec := serve(t, Options{HealthChecks: map[string]HealthCheck{
		"store": func(context.Context) error { return nil },
		"redis": func(context.Context) error { return errors.New("connection refused") },
	}}, archid.PathHealth)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"unavailable","checks":{"redis":"connection refused"}}`, rec.Body.String())
}

func TestMetricsRoute(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "archidp_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	rec := serve(t, Options{Gatherer: reg}, archid.PathMetrics)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "archidp_test_total 1")

	rec = serve(t, Options{}, archid.PathMetrics)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequestLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := log.NewZerologAdapter(log.New(zerolog.DebugLevel, false, &buf))

	rec := serve(t, Options{Logger: logger}, archid.PathHealth)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Contains(t, buf.String(), `"path":"/healthz"`)
	assert.Contains(t, buf.String(), `"status":200`)
	assert.Contains(t, buf.String(), `"message":"HTTP request"`)
}

func TestNewHTTPServer(t *testing.T) {
	srv := NewHTTPServer(archid.NewOAuth2API(nil, nil), Options{Addr: ":0"})

	assert.Equal(t, ":0", srv.Addr)
	assert.NotNil(t, srv.Handler)
	assert.NotZero(t, srv.ReadHeaderTimeout)
}

func TestSecurityHeaders(t *testing.T) {
	rec := serve(t, Options{}, archid.PathHealth)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Contains(t, rec.Header().Get("Content-Security-Policy"), "frame-ancestors 'none'")
	assert.Empty(t, rec.Header().Get("Strict-Transport-Security"))

	rec = serve(t, Options{HSTS: true}, archid.PathHealth)
	assert.Contains(t, rec.Header().Get("Strict-Transport-Security"), "max-age=31536000")
}
