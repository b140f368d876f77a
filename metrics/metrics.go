// Package metrics holds the Prometheus collectors the engine records into.
// Collectors are registered on a caller-supplied registry so several
// repositories, or several test cases, never collide on the global one.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "refgraph"

// Results recorded on ref updates.
const (
	ResultOK       = "ok"
	ResultConflict = "conflict"
	ResultError    = "error"
)

// Metrics groups every collector. All vectors carry a "repo" label holding
// the repository instance ID.
type Metrics struct {
	Registry prometheus.Gatherer

	ObjectWrites      *prometheus.CounterVec
	ObjectReads       *prometheus.CounterVec
	ObjectBytes       *prometheus.CounterVec
	RefUpdates        *prometheus.CounterVec
	Commits           *prometheus.CounterVec
	Resets            *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
}

// New registers the collectors on reg.
func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		ObjectWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "objects",
			Name:      "writes_total",
			Help:      "Object writes by outcome (stored or deduplicated)",
		}, []string{"repo", "outcome"}),

		ObjectReads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "objects",
			Name:      "reads_total",
			Help:      "Object reads by source (cache or backend)",
		}, []string{"repo", "source"}),

		ObjectBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "objects",
			Name:      "stored_bytes_total",
			Help:      "Bytes handed to the backend for newly stored objects",
		}, []string{"repo"}),

		RefUpdates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "refs",
			Name:      "updates_total",
			Help:      "Reference updates by operation and result",
		}, []string{"repo", "op", "result"}),

		Commits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_total",
			Help:      "Commits created",
		}, []string{"repo"}),

		Resets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resets_total",
			Help:      "Branch resets by mode",
		}, []string{"repo", "mode"}),

		OperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of repository operations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"repo", "op"}),
	}
}

// NewNop returns collectors on a private registry nobody scrapes.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// ObserveOperation records how long op took for repo.
func (m *Metrics) ObserveOperation(repo, op string, start time.Time) {
	m.OperationDuration.WithLabelValues(repo, op).Observe(time.Since(start).Seconds())
}

// RefResult maps an update error to a result label.
func RefResult(err error, conflict func(error) bool) string {
	switch {
	case err == nil:
		return ResultOK
	case conflict(err):
		return ResultConflict
	default:
		return ResultError
	}
}
