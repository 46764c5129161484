package replistate

// metrics.go keeps instrumentation behind a tiny internal sink interface
// with a no-op implementation (the default, so the happy path never pays
// for a metric update it didn't ask for) and a Prometheus-backed
// implementation selected by WithMetrics.
//
// © 2025 replistate authors. MIT License.

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metricsSink is the internal abstraction Engine talks to. It is not
// exported: callers only ever pass a *prometheus.Registry via WithMetrics.
type metricsSink interface {
	incEventsRecorded()
	incSyncEventsApplied(n int)
	incGCRuns()
	incBusyRejections()
	incQuotaRetries()
	setActiveShards(n int)
}

type noopMetrics struct{}

func (noopMetrics) incEventsRecorded()       {}
func (noopMetrics) incSyncEventsApplied(int) {}
func (noopMetrics) incGCRuns()               {}
func (noopMetrics) incBusyRejections()       {}
func (noopMetrics) incQuotaRetries()         {}
func (noopMetrics) setActiveShards(int)      {}

type promMetrics struct {
	eventsRecorded    prometheus.Counter
	syncEventsApplied prometheus.Counter
	gcRuns            prometheus.Counter
	busyRejections    prometheus.Counter
	quotaRetries      prometheus.Counter
	activeShards      prometheus.Gauge
}

func newPromMetrics(peer string, reg *prometheus.Registry) *promMetrics {
	labels := prometheus.Labels{"peer": peer}
	pm := &promMetrics{
		eventsRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "replistate",
			Name:        "events_recorded_total",
			Help:        "Number of events recorded locally.",
			ConstLabels: labels,
		}),
		syncEventsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "replistate",
			Name:        "sync_events_applied_total",
			Help:        "Number of remote events applied by sync.",
			ConstLabels: labels,
		}),
		gcRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "replistate",
			Name:        "gc_runs_total",
			Help:        "Number of garbage collection passes run.",
			ConstLabels: labels,
		}),
		busyRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "replistate",
			Name:        "busy_rejections_total",
			Help:        "Number of operations rejected because the engine was busy.",
			ConstLabels: labels,
		}),
		quotaRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "replistate",
			Name:        "quota_retries_total",
			Help:        "Number of writes retried after a quota-exceeded GC pass.",
			ConstLabels: labels,
		}),
		activeShards: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "replistate",
			Name:        "shards_active",
			Help:        "Number of currently active shards for this peer.",
			ConstLabels: labels,
		}),
	}
	reg.MustRegister(pm.eventsRecorded, pm.syncEventsApplied, pm.gcRuns,
		pm.busyRejections, pm.quotaRetries, pm.activeShards)
	return pm
}

func (m *promMetrics) incEventsRecorded()         { m.eventsRecorded.Inc() }
func (m *promMetrics) incSyncEventsApplied(n int) { m.syncEventsApplied.Add(float64(n)) }
func (m *promMetrics) incGCRuns()                 { m.gcRuns.Inc() }
func (m *promMetrics) incBusyRejections()         { m.busyRejections.Inc() }
func (m *promMetrics) incQuotaRetries()           { m.quotaRetries.Inc() }
func (m *promMetrics) setActiveShards(n int)      { m.activeShards.Set(float64(n)) }

func newMetricsSink(peer string, reg *prometheus.Registry) metricsSink {
	if reg == nil {
		return noopMetrics{}
	}
	return newPromMetrics(peer, reg)
}
