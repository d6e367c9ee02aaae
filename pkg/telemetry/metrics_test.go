package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()
	m.ObserveRequest("/api/jobs", http.MethodGet, http.StatusOK, 0.01)
	m.RunnersMarkedOffline.Add(2)

	require.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("/api/jobs", "GET", "200")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.RunnersMarkedOffline))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.True(t, strings.Contains(body, "fleet_http_requests_total"), body)
	require.True(t, strings.Contains(body, "fleet_liveness_runners_marked_offline_total 2"), body)
}

func TestInitTracerDisabled(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), "fleetd", false)
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}
