package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons attached to opsboard_metering_events_dropped_total.
const (
	DropReasonUnattributable = "unattributable"
	DropReasonRegistry       = "registry_error"
	DropReasonStore          = "store_error"
)

// MeteringMetrics instruments the usage metering pipeline.
type MeteringMetrics struct {
	emitted      *prometheus.CounterVec
	deduplicated prometheus.Counter
	dropped      *prometheus.CounterVec
	flushes      prometheus.Counter
	flushSize    prometheus.Histogram
}

func NewMeteringMetrics() *MeteringMetrics {
	return &MeteringMetrics{
		emitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "opsboard_metering_events_emitted_total",
			Help: "Usage events written, by resource type and source.",
		}, []string{"resource_type", "source"}),
		deduplicated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opsboard_metering_events_deduplicated_total",
			Help: "Usage events suppressed by idempotency checks.",
		}),
		dropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "opsboard_metering_events_dropped_total",
			Help: "Usage events dropped, by reason.",
		}, []string{"reason"}),
		flushes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opsboard_metering_flushes_total",
			Help: "Buffered metering flush cycles.",
		}),
		flushSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "opsboard_metering_flush_batch_size",
			Help:    "Events per buffered metering flush.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 150},
		}),
	}
}

func (m *MeteringMetrics) IncEmitted(resourceType, source string) {
	if m == nil {
		return
	}
	m.emitted.WithLabelValues(resourceType, source).Inc()
}

func (m *MeteringMetrics) IncDeduplicated() {
	if m == nil {
		return
	}
	m.deduplicated.Inc()
}

func (m *MeteringMetrics) IncDropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *MeteringMetrics) ObserveFlush(batchSize int) {
	if m == nil {
		return
	}
	m.flushes.Inc()
	m.flushSize.Observe(float64(batchSize))
}
