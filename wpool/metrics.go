package wpool

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the prometheus collectors the pool exposes: pending-task
// depth per type, execution/steal/panic counters.
type metrics struct {
	pending  *prometheus.GaugeVec
	executed *prometheus.CounterVec
	stolen   *prometheus.CounterVec
	panics   *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer, namespace string) *metrics {
	m := &metrics{
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "wpool", Name: "pending_tasks",
			Help: "Number of tasks of this type submitted but not yet executed.",
		}, []string{"type"}),
		executed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "wpool", Name: "tasks_executed_total",
			Help: "Total tasks executed, by type and whether stolen.",
		}, []string{"type", "stolen"}),
		stolen: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "wpool", Name: "steals_total",
			Help: "Total successful Steal() calls, by type.",
		}, []string{"type"}),
		panics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "wpool", Name: "task_panics_total",
			Help: "Total recovered task panics, by type.",
		}, []string{"type"}),
	}
	if reg != nil {
		reg.MustRegister(m.pending, m.executed, m.stolen, m.panics)
	}
	return m
}

func typeLabel(t TaskType) string { return strconv.Itoa(int(t)) }

func (m *metrics) setPending(t TaskType, n int64) {
	m.pending.WithLabelValues(typeLabel(t)).Set(float64(n))
}

func (m *metrics) observeExec(t TaskType, stolen bool) {
	m.executed.WithLabelValues(typeLabel(t), strconv.FormatBool(stolen)).Inc()
	if stolen {
		m.stolen.WithLabelValues(typeLabel(t)).Inc()
	}
}

func (m *metrics) observePanic(t TaskType) {
	m.panics.WithLabelValues(typeLabel(t)).Inc()
}
