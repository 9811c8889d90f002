package accesslog

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filterproxy/internal/domain"
)

func recordTime(t *testing.T) time.Time {
	t.Helper()
	ts, err := time.Parse("2006-01-02 15:04:05", "2026-03-01 12:34:56")
	require.NoError(t, err)
	return ts
}

func TestFormatRecord(t *testing.T) {
	t.Parallel()

	ts := recordTime(t)

	testCases := []struct {
		name string
		rec  domain.Record
		want string
	}{
		{
			name: "allowed",
			rec: domain.Record{
				Time:        ts,
				Level:       domain.LevelInfo,
				Verdict:     domain.VerdictAllowed,
				ClientAddr:  "127.0.0.1:54321",
				Destination: "example.org:80",
				RequestLine: "GET http://example.org/x HTTP/1.1",
				Status:      "200",
				Bytes:       3,
			},
			want: "2026-03-01 12:34:56 - INFO - ALLOWED | 127.0.0.1:54321 -> example.org:80 | GET http://example.org/x HTTP/1.1 | 200 | 3 bytes\n",
		},
		{
			name: "blocked omits status and bytes",
			rec: domain.Record{
				Time:        ts,
				Level:       domain.LevelWarning,
				Verdict:     domain.VerdictBlocked,
				ClientAddr:  "127.0.0.1:54321",
				Destination: "example.com:80",
				RequestLine: "GET http://example.com/ HTTP/1.1",
			},
			want: "2026-03-01 12:34:56 - WARNING - BLOCKED | 127.0.0.1:54321 -> example.com:80 | GET http://example.com/ HTTP/1.1\n",
		},
		{
			name: "error carries free text reason",
			rec: domain.Record{
				Time:        ts,
				Level:       domain.LevelError,
				Verdict:     domain.VerdictError,
				ClientAddr:  "127.0.0.1:54321",
				Destination: "example.org:81",
				RequestLine: "GET http://example.org:81/ HTTP/1.1",
				Reason:      "UPSTREAM_CONNECT: dial tcp: connection refused",
			},
			want: "2026-03-01 12:34:56 - ERROR - ERROR | 127.0.0.1:54321 -> example.org:81 | GET http://example.org:81/ HTTP/1.1 | UPSTREAM_CONNECT: dial tcp: connection refused\n",
		},
		{
			name: "plain message",
			rec: domain.Record{
				Time:    ts,
				Level:   domain.LevelInfo,
				Message: "Proxy server started on 127.0.0.1:8888",
			},
			want: "2026-03-01 12:34:56 - INFO - Proxy server started on 127.0.0.1:8888\n",
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, formatRecord(tc.rec))
		})
	}
}

func TestRepositorySerialisesRecords(t *testing.T) {
	t.Parallel()

	sink := &memSink{}
	repo := NewWithSink(sink, slog.Make(sloghuman.Sink(io.Discard)))

	ts := recordTime(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			repo.Record(domain.Record{
				Time:    ts,
				Level:   domain.LevelInfo,
				Verdict: domain.VerdictAllowed,
				Status:  "200",
			})
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimRight(sink.String(), "\n"), "\n")
	assert.Len(t, lines, 50)
	for _, line := range lines {
		// 部分書き込みが交錯しないこと.
		assert.True(t, strings.HasPrefix(line, "2026-03-01 12:34:56 - INFO - ALLOWED"), line)
	}
}

type memSink struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *memSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *memSink) Close() error { return nil }

func (s *memSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}
