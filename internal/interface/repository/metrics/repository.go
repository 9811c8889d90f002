// Package metrics はプロキシの実行時メトリクスを収集する.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"filterproxy/internal/domain"
)

// Repository はメトリクスのリポジトリ実装.
// スナップショット用のカウンタと Prometheus コレクタを同時に更新する.
type Repository struct {
	registry  *prometheus.Registry
	startTime time.Time

	connections int64
	requests    int64
	bytes       int64
	blocked     int64
	errors      int64

	gaugeConnections prometheus.Gauge
	counterRequests  prometheus.Counter
	counterBytes     prometheus.Counter
	counterBlocked   prometheus.Counter
	counterErrors    prometheus.Counter
}

// インターフェースの実装を検証
var _ domain.MetricsCollector = (*Repository)(nil)

// New は新しい Repository インスタンスを作成する.
func New() *Repository {
	registry := prometheus.NewRegistry()

	r := &Repository{
		registry:  registry,
		startTime: time.Now(),
		gaugeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "proxy_current_connections",
			Help: "Current number of active connections",
		}),
		counterRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_total_requests",
			Help: "Total number of processed requests",
		}),
		counterBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_bytes_transferred",
			Help: "Total number of bytes transferred",
		}),
		counterBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_blocked_requests",
			Help: "Total number of blocked requests",
		}),
		counterErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_errors",
			Help: "Total number of errors",
		}),
	}

	registry.MustRegister(
		r.gaugeConnections,
		r.counterRequests,
		r.counterBytes,
		r.counterBlocked,
		r.counterErrors,
	)

	return r
}

// Registry は /metrics 配信用のレジストリを返す.
func (r *Repository) Registry() *prometheus.Registry {
	return r.registry
}

func (r *Repository) IncrementConnections() {
	atomic.AddInt64(&r.connections, 1)
	r.gaugeConnections.Inc()
}

func (r *Repository) DecrementConnections() {
	atomic.AddInt64(&r.connections, -1)
	r.gaugeConnections.Dec()
}

func (r *Repository) AddBytesTransferred(bytes int64) {
	if bytes <= 0 {
		return
	}
	atomic.AddInt64(&r.bytes, bytes)
	r.counterBytes.Add(float64(bytes))
}

func (r *Repository) RecordRequest() {
	atomic.AddInt64(&r.requests, 1)
	r.counterRequests.Inc()
}

func (r *Repository) RecordBlockedRequest() {
	atomic.AddInt64(&r.blocked, 1)
	r.counterBlocked.Inc()
}

func (r *Repository) RecordError() {
	atomic.AddInt64(&r.errors, 1)
	r.counterErrors.Inc()
}

// GetSnapshot は現在のメトリクスのスナップショットを返す.
func (r *Repository) GetSnapshot() *domain.MetricsSnapshot {
	now := time.Now()
	return &domain.MetricsSnapshot{
		Timestamp:          now,
		StartTime:          r.startTime,
		CurrentConnections: atomic.LoadInt64(&r.connections),
		TotalRequests:      atomic.LoadInt64(&r.requests),
		BytesTransferred:   atomic.LoadInt64(&r.bytes),
		BlockedRequests:    atomic.LoadInt64(&r.blocked),
		Errors:             atomic.LoadInt64(&r.errors),
		Uptime:             now.Sub(r.startTime).String(),
	}
}
