package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filterproxy/internal/interface/repository/metrics"
	"filterproxy/internal/usecase"
)

func newDashboardServer(t *testing.T, log string) (*httptest.Server, *metrics.Repository) {
	t.Helper()

	fs := afero.NewMemMapFs()
	if log != "" {
		require.NoError(t, afero.WriteFile(fs, "proxy.log", []byte(log), 0o644))
	}

	metricsRepo := metrics.New()
	dashboardUseCase := usecase.NewDashboardUseCase(fs, "proxy.log", metricsRepo)
	h := NewDashboardHandler(dashboardUseCase, metricsRepo.Registry(), slog.Make(sloghuman.Sink(io.Discard)))

	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return srv, metricsRepo
}

const dashboardLog = `2026-03-01 12:00:01 - INFO - ALLOWED | 127.0.0.1:50001 -> example.org:80 | GET http://example.org/x HTTP/1.1 | 200 | 3 bytes
2026-03-01 12:00:02 - WARNING - BLOCKED | 127.0.0.1:50002 -> example.com:80 | GET http://example.com/ HTTP/1.1
`

func TestDashboardLogsEndpoint(t *testing.T) {
	t.Parallel()

	srv, _ := newDashboardServer(t, dashboardLog)

	resp, err := http.Get(srv.URL + "/api/logs?limit=10")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Logs  []usecase.LogView `json:"logs"`
		Count int               `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	assert.Equal(t, 2, body.Count)
	assert.Equal(t, "BLOCKED", body.Logs[0].Verdict)
	assert.Equal(t, "ALLOWED", body.Logs[1].Verdict)
}

func TestDashboardStatsEndpoint(t *testing.T) {
	t.Parallel()

	srv, _ := newDashboardServer(t, dashboardLog)

	resp, err := http.Get(srv.URL + "/api/stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	var stats usecase.DashboardStats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))

	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Allowed)
	assert.Equal(t, 1, stats.Blocked)
}

func TestDashboardStatusEndpoint(t *testing.T) {
	t.Parallel()

	srv, metricsRepo := newDashboardServer(t, "")
	metricsRepo.RecordRequest()
	metricsRepo.RecordRequest()

	resp, err := http.Get(srv.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var snapshot map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snapshot))
	assert.Equal(t, float64(2), snapshot["total_requests"])
}

func TestDashboardMetricsEndpoint(t *testing.T) {
	t.Parallel()

	srv, metricsRepo := newDashboardServer(t, "")
	metricsRepo.RecordBlockedRequest()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	exposition := string(body)
	assert.Contains(t, exposition, "proxy_blocked_requests 1")
	assert.Contains(t, exposition, "proxy_total_requests 0")
}

func TestDashboardIndex(t *testing.T) {
	t.Parallel()

	srv, _ := newDashboardServer(t, "")

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
}
