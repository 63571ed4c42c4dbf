package admission

import "github.com/prometheus/client_golang/prometheus"

// metrics holds the prometheus collectors for admission decisions.
type metrics struct {
	accepted *prometheus.CounterVec
	rejected *prometheus.CounterVec
	active   prometheus.Gauge
	sources  prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer, namespace string) *metrics {
	m := &metrics{
		accepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "admission", Name: "accepted_total",
			Help: "Total sessions accepted by the admission filter.",
		}, []string{"source"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "admission", Name: "rejected_total",
			Help: "Total sessions rejected, by reason (concurrency or rate).",
		}, []string{"reason"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "admission", Name: "active_sessions",
			Help: "Current sum of activeCount across all tracked sources.",
		}),
		sources: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "admission", Name: "tracked_sources",
			Help: "Current number of source records tracked (buntdb row count).",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.accepted, m.rejected, m.active, m.sources)
	}
	return m
}

// observeAccept deliberately drops the source label's cardinality concern
// by aggregating into a single "ok" bucket — per-source labels would be
// unbounded under a real connection-flood attack, which is precisely what
// this filter exists to blunt.
func (m *metrics) observeAccept() { m.accepted.WithLabelValues("ok").Inc() }

func (m *metrics) observeReject(reason string) { m.rejected.WithLabelValues(reason).Inc() }

func (m *metrics) setActive(n float64)  { m.active.Set(n) }
func (m *metrics) setSources(n float64) { m.sources.Set(n) }
