package usecase

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleLog = `2026-03-01 12:00:00 - INFO - Proxy server started on 127.0.0.1:8888
2026-03-01 12:00:01 - INFO - ALLOWED | 127.0.0.1:50001 -> example.org:80 | GET http://example.org/x HTTP/1.1 | 200 | 3 bytes
2026-03-01 12:00:02 - WARNING - BLOCKED | 127.0.0.1:50002 -> example.com:80 | GET http://example.com/ HTTP/1.1
2026-03-01 12:00:03 - ERROR - ERROR | 127.0.0.1:50003 -> dead.example:81 | GET http://dead.example:81/ HTTP/1.1 | UPSTREAM_CONNECT: connection refused
2026-03-01 12:00:04 - INFO - ALLOWED | 127.0.0.1:50004 -> example.org:443 | CONNECT example.org:443 HTTP/1.1 | 200 | 8192 bytes
`

func newDashboard(t *testing.T, log string) *DashboardUseCase {
	t.Helper()

	fs := afero.NewMemMapFs()
	if log != "" {
		require.NoError(t, afero.WriteFile(fs, "logs/proxy.log", []byte(log), 0o644))
	}
	return NewDashboardUseCase(fs, "logs/proxy.log", &fakeMetrics{})
}

func TestTailLogs(t *testing.T) {
	t.Parallel()

	uc := newDashboard(t, sampleLog)

	logs, err := uc.TailLogs(3)
	require.NoError(t, err)
	require.Len(t, logs, 3)

	// 新しい順に並ぶ.
	assert.Equal(t, "ALLOWED", logs[0].Verdict)
	assert.Equal(t, "example.org:443", logs[0].Destination)
	assert.Equal(t, "ERROR", logs[1].Verdict)
	assert.Equal(t, "UPSTREAM_CONNECT: connection refused", logs[1].Detail)
	assert.Equal(t, "BLOCKED", logs[2].Verdict)
	assert.Equal(t, "127.0.0.1:50002", logs[2].Client)
	assert.Equal(t, "GET http://example.com/ HTTP/1.1", logs[2].RequestLine)
}

func TestTailLogsMissingFile(t *testing.T) {
	t.Parallel()

	uc := newDashboard(t, "")
	logs, err := uc.TailLogs(10)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestStats(t *testing.T) {
	t.Parallel()

	uc := newDashboard(t, sampleLog)

	stats, err := uc.Stats()
	require.NoError(t, err)

	// 情報行は集計に含めない.
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 2, stats.Allowed)
	assert.Equal(t, 1, stats.Blocked)
	assert.Equal(t, 1, stats.Errors)
}

func TestParseLogLine(t *testing.T) {
	t.Parallel()

	v, ok := parseLogLine("2026-03-01 12:00:00 - INFO - Proxy server started on 127.0.0.1:8888")
	require.True(t, ok)
	assert.Empty(t, v.Verdict)
	assert.Equal(t, "Proxy server started on 127.0.0.1:8888", v.Detail)

	_, ok = parseLogLine("not a log line")
	assert.False(t, ok)
}
