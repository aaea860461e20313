package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New("test", nil)

	m.ObserveItem("success")
	m.ObserveItem("success")
	m.ObserveItem("failed")
	m.ObserveBatch()
	m.ObserveRelogin("success")
	m.ObserveRecovery("exhausted")
	m.ObserveHealthCheck("healthy")

	expected := `
		# HELP test_batch_items_total Total number of batch items by outcome
		# TYPE test_batch_items_total counter
		test_batch_items_total{status="failed"} 1
		test_batch_items_total{status="success"} 2
	`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "test_batch_items_total"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.batches))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.relogins.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.recoveries.WithLabelValues("exhausted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.healthChecks.WithLabelValues("healthy")))
}

func TestStatusGauges(t *testing.T) {
	m := New("test", func() (int, int, bool) { return 2, 3, true })

	expected := `
		# HELP test_leased_contexts Execution contexts currently leased
		# TYPE test_leased_contexts gauge
		test_leased_contexts 2
		# HELP test_session_initialized 1 when the browser session is initialized
		# TYPE test_session_initialized gauge
		test_session_initialized 1
	`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "test_leased_contexts", "test_session_initialized"))

	count, err := testutil.GatherAndCount(m.Registry(), "test_context_ceiling")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestHandler(t *testing.T) {
	m := New("", nil)
	m.ObserveBatch()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "consolepilot_batches_total 1")
}
