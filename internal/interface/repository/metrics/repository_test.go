package metrics

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSnapshotCounts(t *testing.T) {
	t.Parallel()

	r := New()

	r.IncrementConnections()
	r.IncrementConnections()
	r.DecrementConnections()
	r.RecordRequest()
	r.RecordRequest()
	r.RecordRequest()
	r.AddBytesTransferred(1024)
	r.AddBytesTransferred(0) // 無視される
	r.RecordBlockedRequest()
	r.RecordError()

	s := r.GetSnapshot()
	assert.Equal(t, int64(1), s.CurrentConnections)
	assert.Equal(t, int64(3), s.TotalRequests)
	assert.Equal(t, int64(1024), s.BytesTransferred)
	assert.Equal(t, int64(1), s.BlockedRequests)
	assert.Equal(t, int64(1), s.Errors)
	assert.NotEmpty(t, s.Uptime)
}

func TestPrometheusCollectors(t *testing.T) {
	t.Parallel()

	r := New()
	r.RecordRequest()
	r.RecordBlockedRequest()
	r.IncrementConnections()
	r.AddBytesTransferred(100)

	assert.Equal(t, float64(1), testutil.ToFloat64(r.counterRequests))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.counterBlocked))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.gaugeConnections))
	assert.Equal(t, float64(100), testutil.ToFloat64(r.counterBytes))
}

func TestConcurrentUpdates(t *testing.T) {
	t.Parallel()

	r := New()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.RecordRequest()
			r.AddBytesTransferred(10)
		}()
	}
	wg.Wait()

	s := r.GetSnapshot()
	assert.Equal(t, int64(100), s.TotalRequests)
	assert.Equal(t, int64(1000), s.BytesTransferred)
}
