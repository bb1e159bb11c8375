// =============================================================================
// 文件: internal/metrics/gauges.go
// 描述: 实时埋点指标（Counter/Gauge/Histogram） - 应用读取侧
// =============================================================================
package metrics

import (
	"time"

	"github.com/mrcgq/pgm/internal/rxw"
	"github.com/prometheus/client_golang/prometheus"
)

// DeliveryMetrics 应用读取侧指标集合
type DeliveryMetrics struct {
	// 交付相关
	Messages     prometheus.Counter
	Bytes        prometheus.Counter
	MessageSize  prometheus.Histogram
	BatchSize    prometheus.Histogram
	LastDelivery prometheus.Gauge

	// 错误相关
	RecvErrors *prometheus.CounterVec

	// 延迟相关
	RecvLatency prometheus.Histogram
}

// NewDeliveryMetrics 创建指标集合并注册到 registry
func NewDeliveryMetrics(registry *prometheus.Registry) *DeliveryMetrics {
	m := &DeliveryMetrics{
		Messages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "app",
			Name:      "messages_total",
			Help:      "APDUs consumed by the application",
		}),

		Bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "app",
			Name:      "bytes_total",
			Help:      "APDU payload bytes consumed by the application",
		}),

		MessageSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "app",
			Name:      "message_size_bytes",
			Help:      "Size of delivered APDUs",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
		}),

		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "app",
			Name:      "recv_batch_size",
			Help:      "APDUs returned by a single receive call",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64},
		}),

		LastDelivery: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "app",
			Name:      "last_delivery_timestamp_seconds",
			Help:      "Unix time of the most recent delivery",
		}),

		RecvErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "app",
			Name:      "recv_errors_total",
			Help:      "Receive call failures by type",
		}, []string{"type"}),

		RecvLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "app",
			Name:      "recv_wait_seconds",
			Help:      "Time spent blocked in a receive call",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}),
	}

	registry.MustRegister(
		m.Messages,
		m.Bytes,
		m.MessageSize,
		m.BatchSize,
		m.LastDelivery,
		m.RecvErrors,
		m.RecvLatency,
	)

	return m
}

// RecordBatch 记录一次读取返回的 APDU
func (m *DeliveryMetrics) RecordBatch(msgv []rxw.Msgv, wait time.Duration, now time.Time) {
	m.RecvLatency.Observe(wait.Seconds())
	if len(msgv) == 0 {
		return
	}
	m.BatchSize.Observe(float64(len(msgv)))
	for i := range msgv {
		size := msgv[i].Len()
		m.Messages.Inc()
		m.Bytes.Add(float64(size))
		m.MessageSize.Observe(float64(size))
	}
	m.LastDelivery.Set(float64(now.UnixNano()) / 1e9)
}

// RecordError 记录读取错误
func (m *DeliveryMetrics) RecordError(errorType string) {
	m.RecvErrors.WithLabelValues(errorType).Inc()
}
