package cellmgr

import "github.com/prometheus/client_golang/prometheus"

// managerMetrics holds the prometheus collectors for migration protocol
// events.
type managerMetrics struct {
	started   prometheus.Counter
	completed prometheus.Counter
	rejected  prometheus.Counter
	timedOut  *prometheus.CounterVec
}

func newManagerMetrics(reg prometheus.Registerer, namespace string) *managerMetrics {
	m := &managerMetrics{
		started: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cellmgr", Name: "migrations_started_total",
			Help: "Total migrations begun via BeginMigration.",
		}),
		completed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cellmgr", Name: "migrations_completed_total",
			Help: "Total migrations that reached Complete at the destination.",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cellmgr", Name: "migrations_rejected_total",
			Help: "Total migrations rejected by the destination cell.",
		}),
		timedOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cellmgr", Name: "migrations_timed_out_total",
			Help: "Total migrations aborted by timeout, by the state they were in.",
		}, []string{"state"}),
	}
	if reg != nil {
		reg.MustRegister(m.started, m.completed, m.rejected, m.timedOut)
	}
	return m
}

func (m *managerMetrics) observeStart()    { m.started.Inc() }
func (m *managerMetrics) observeComplete() { m.completed.Inc() }
func (m *managerMetrics) observeReject()   { m.rejected.Inc() }
func (m *managerMetrics) observeTimeout(s MigrationState) {
	m.timedOut.WithLabelValues(s.String()).Inc()
}
