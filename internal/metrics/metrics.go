// Package metrics exposes Prometheus counters for the engine's hot paths.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	VersionsDecided   *prometheus.CounterVec
	InstancesStarted  prometheus.Counter
	ResolverRuns      prometheus.Counter
	JobsCompleted     *prometheus.CounterVec
	DecisionsRecorded *prometheus.CounterVec
}

// New registers the engine counters on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		VersionsDecided: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reviewline",
			Name:      "versions_decided_total",
			Help:      "Version decisions recorded, by outcome.",
		}, []string{"outcome"}),
		InstancesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reviewline",
			Name:      "instances_started_total",
			Help:      "Phase instances started.",
		}),
		ResolverRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reviewline",
			Name:      "resolver_runs_total",
			Help:      "Dependency resolver evaluations.",
		}),
		JobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reviewline",
			Name:      "jobs_completed_total",
			Help:      "External job callbacks, by result.",
		}, []string{"result"}),
		DecisionsRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reviewline",
			Name:      "decisions_recorded_total",
			Help:      "Item decisions recorded, by track.",
		}, []string{"track"}),
	}
	reg.MustRegister(m.VersionsDecided, m.InstancesStarted, m.ResolverRuns, m.JobsCompleted, m.DecisionsRecorded)
	return m
}
