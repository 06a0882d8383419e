package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestMetrics_Dispatch(t *testing.T) {
	m, err := New()
	require.NoError(t, err)

	m.DispatchOutcome(OutcomeRejected)
	m.AgentCallStarted()
	assert.Contains(t, scrape(t, m), "vulnerax_dispatch_in_flight 1")

	m.AgentCallFinished(OutcomeFailed, "transport_failure", 2*time.Second)
	out := scrape(t, m)
	assert.Contains(t, out, "vulnerax_dispatch_in_flight 0")
	assert.Contains(t, out, `vulnerax_dispatch_total{outcome="failed"} 1`)
	assert.Contains(t, out, `vulnerax_dispatch_total{outcome="rejected"} 1`)
	assert.Contains(t, out, `vulnerax_dispatch_failures_total{kind="transport_failure"} 1`)
	assert.Contains(t, out, `vulnerax_dispatch_duration_seconds_count{outcome="failed"} 1`)
}

func TestMetrics_Handler(t *testing.T) {
	m, err := New()
	require.NoError(t, err)
	m.HTTPRequest(http.MethodGet, "/api/dashboard", http.StatusOK, 10*time.Millisecond)

	assert.Contains(t, scrape(t, m), `vulnerax_http_requests_total{method="GET",route="/api/dashboard",status="200"} 1`)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.DispatchOutcome(OutcomeReplayed)
		m.AgentCallStarted()
		m.AgentCallFinished(OutcomeCompleted, "", time.Second)
		m.HTTPRequest(http.MethodGet, "/", 200, time.Millisecond)
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
