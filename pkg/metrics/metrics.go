// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	RefreshTotal    *prometheus.CounterVec
	RefreshDuration *prometheus.HistogramVec
	RowsAffected    prometheus.Counter
	AffectedKeys    prometheus.Histogram
	ActiveClaims    prometheus.Gauge
	SubtasksTotal   *prometheus.CounterVec
	QueueDepth      prometheus.Gauge
	Staleness       *prometheus.GaugeVec
	SweeperExpired  prometheus.Counter
}

func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RefreshTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dynamic_tables_refresh_total",
			Help: "Refresh attempts by executed strategy and outcome.",
		}, []string{"strategy", "status"}),
		RefreshDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dynamic_tables_refresh_duration_seconds",
			Help:    "Wall-clock duration of refresh attempts.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"strategy"}),
		RowsAffected: factory.NewCounter(prometheus.CounterOpts{
			Name: "dynamic_tables_rows_affected_total",
			Help: "Rows written across all refreshes.",
		}),
		AffectedKeys: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "dynamic_tables_affected_keys",
			Help:    "Affected-key counts per incremental refresh.",
			Buckets: prometheus.ExponentialBuckets(1, 10, 9),
		}),
		ActiveClaims: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dynamic_tables_active_claims",
			Help: "Table-level claims currently held by this worker.",
		}),
		SubtasksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dynamic_tables_subtasks_total",
			Help: "Subtask executions by outcome.",
		}, []string{"status"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dynamic_tables_pending_refreshes",
			Help: "Refreshes enqueued as due by the last scheduler tick.",
		}),
		Staleness: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dynamic_tables_staleness_seconds",
			Help: "Staleness per table at the last scheduler tick.",
		}, []string{"table"}),
		SweeperExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "dynamic_tables_expired_claims_total",
			Help: "Claims expired by the sweeper.",
		}),
	}
}

// Handler returns the exposition endpoint for reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
