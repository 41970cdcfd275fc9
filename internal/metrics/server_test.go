package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyclerun/cyclerun/internal/domain"
)

func serveRequest(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServerHealthEndpoint(t *testing.T) {
	s := NewServer(":0", NewCollector(), nil)

	rec := serveRequest(t, s.Handler(), "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, body["timestamp"])
}

func TestServerStatusEndpoint(t *testing.T) {
	source := func() any {
		return map[string]any{"state": "trading", "open_trades": 2}
	}
	s := NewServer(":0", NewCollector(), source)

	rec := serveRequest(t, s.Handler(), "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "trading", body["state"])
	assert.EqualValues(t, 2, body["open_trades"])

	// Without a source the endpoint still answers.
	bare := NewServer(":0", NewCollector(), nil)
	rec = serveRequest(t, bare.Handler(), "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown")
}

func TestServerMetricsEndpoint(t *testing.T) {
	collector := NewCollector()
	collector.ObserveCycle(domain.CycleResult{
		Symbol: "BTCUSDT", Timeframe: "1h",
		ExecutionTimeMS: 1200, PnL: 5, TradesCount: 2,
		Status: domain.CycleSuccess,
	})
	s := NewServer(":0", collector, nil)

	rec := serveRequest(t, s.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "execution_cycles_total")
	assert.Contains(t, rec.Body.String(), "execution_cycle_time_seconds")
}
