// Package metrics exposes Prometheus instrumentation for the station.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// collectCycles counts completed collection cycles per source.
	collectCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_collect_cycles_total",
		Help: "Collection cycles run, by source and result",
	}, []string{"source", "result"})

	// itemsCollected counts items emitted by collectors before dedup.
	itemsCollected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_items_collected_total",
		Help: "Items emitted by collectors, by source",
	}, []string{"source"})

	// itemsNew counts items surviving dedup and exclusion.
	itemsNew = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_items_new_total",
		Help: "New items persisted, by source",
	}, []string{"source"})

	// collectDuration measures wall time of a full per-source cycle.
	collectDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sentinel_collect_duration_seconds",
		Help:    "Duration of a per-source collection cycle",
		Buckets: prometheus.DefBuckets,
	}, []string{"source"})

	// filterMatches counts filter rule hits by action.
	filterMatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_filter_matches_total",
		Help: "Filter rule matches, by filter and action",
	}, []string{"filter", "action"})

	// alertsSent counts channel deliveries.
	alertsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_alerts_sent_total",
		Help: "Alert channel sends, by channel and result",
	}, []string{"channel", "result"})

	// activeJobs tracks collection jobs currently running.
	activeJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sentinel_active_jobs",
		Help: "Collection jobs currently in flight",
	})
)

// ObserveCycle records the outcome and duration of one collection cycle.
func ObserveCycle(source string, err error, d time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	collectCycles.WithLabelValues(source, result).Inc()
	collectDuration.WithLabelValues(source).Observe(d.Seconds())
}

// AddCollected records items emitted by a collector.
func AddCollected(source string, n int) {
	itemsCollected.WithLabelValues(source).Add(float64(n))
}

// AddNew records items persisted after dedup.
func AddNew(source string, n int) {
	itemsNew.WithLabelValues(source).Add(float64(n))
}

// FilterMatch records one rule hit.
func FilterMatch(filter, action string) {
	filterMatches.WithLabelValues(filter, action).Inc()
}

// AlertSent records one channel delivery attempt.
func AlertSent(channel string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	alertsSent.WithLabelValues(channel, result).Inc()
}

// JobStarted and JobFinished track the in-flight job gauge.
func JobStarted()  { activeJobs.Inc() }
func JobFinished() { activeJobs.Dec() }

// Handler serves the Prometheus exposition endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
