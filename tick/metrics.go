package tick

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// tickMetrics tracks tick duration.
type tickMetrics struct {
	duration prometheus.Histogram
}

func newTickMetrics(reg prometheus.Registerer, namespace string) *tickMetrics {
	m := &tickMetrics{
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "tick", Name: "duration_seconds",
			Help:    "Wall-clock duration of one full orchestrator tick.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.duration)
	}
	return m
}

func (m *tickMetrics) observeTick(d time.Duration) {
	m.duration.Observe(d.Seconds())
}
