package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"hls-relay-go/internal/metrics"
)

func TestMetricsMiddleware_CountsRequests(t *testing.T) {
	m := metrics.New()
	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.GET("/proxy", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/proxy?u=x", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "200", "/proxy"))
	if got != 1 {
		t.Errorf("requests_total{GET,200,/proxy} = %v, want 1", got)
	}
}

func TestMetricsMiddleware_ResolvesHTTPErrorStatus(t *testing.T) {
	m := metrics.New()
	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.GET("/proxy", func(echo.Context) error {
		return echo.NewHTTPError(http.StatusBadGateway)
	})

	req := httptest.NewRequest(http.MethodGet, "/proxy", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "502", "/proxy"))
	if got != 1 {
		t.Errorf("requests_total{GET,502,/proxy} = %v, want 1", got)
	}
}
