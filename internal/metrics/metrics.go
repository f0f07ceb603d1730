package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DaemonMetrics holds all Prometheus metrics exposed by tetherd.
type DaemonMetrics struct {
	RequestsTotal   *prometheus.CounterVec
	SyncPassesTotal *prometheus.CounterVec
	RecordsUpserted prometheus.Counter
	StorageDropped  prometheus.Counter
	SessionsActive  prometheus.Gauge
	SyncLastEventID *prometheus.GaugeVec
}

// New initializes and registers the daemon metrics on reg. A nil registerer
// uses a throwaway registry, which keeps tests independent.
func New(reg prometheus.Registerer) *DaemonMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &DaemonMetrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tether",
			Subsystem: "dispatch",
			Name:      "requests_total",
			Help:      "Dispatched requests by kind and outcome.",
		}, []string{"kind", "outcome"}),
		SyncPassesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tether",
			Subsystem: "sync",
			Name:      "passes_total",
			Help:      "Log synchronization passes by result.",
		}, []string{"result"}), // result: ok, skipped, error
		RecordsUpserted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tether",
			Subsystem: "sync",
			Name:      "records_upserted_total",
			Help:      "Structured log records written to the local store.",
		}),
		StorageDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tether",
			Subsystem: "store",
			Name:      "degraded_operations_total",
			Help:      "Storage failures swallowed by the best-effort store boundary.",
		}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "tether",
			Subsystem: "session",
			Name:      "active_gauge",
			Help:      "Sessions currently tracked by the lifecycle manager.",
		}),
		SyncLastEventID: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tether",
			Subsystem: "sync",
			Name:      "high_water_mark",
			Help:      "Highest event id durably stored per server.",
		}, []string{"server_id"}),
	}
}
