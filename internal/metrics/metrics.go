// Package metrics holds the Prometheus collectors exported by the agent.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	QueueMutations = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fieldsync_queue_mutations",
			Help: "Queued mutations by status",
		},
		[]string{"status"},
	)

	ReplaysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_replays_total",
			Help: "Replay attempts by result (succeeded, retrying, dead_lettered, skipped)",
		},
		[]string{"result"},
	)

	FlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_flushes_total",
			Help: "Flush calls, labelled by whether the result was shared with an in-flight pass",
		},
		[]string{"shared"},
	)

	FlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fieldsync_flush_duration_seconds",
			Help:    "Duration of a flush pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Connectivity metrics
	Online = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fieldsync_online",
			Help: "Whether the agent currently considers itself online (1 = online)",
		},
	)

	// Cache metrics
	CacheRecords = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fieldsync_cache_records",
			Help: "Cached reference records by kind",
		},
		[]string{"kind"},
	)

	CacheEvictedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_cache_evicted_total",
			Help: "Cache records removed by age-based eviction",
		},
		[]string{"kind"},
	)

	// Gateway metrics
	SubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_submissions_total",
			Help: "Form submissions by route taken (sent, queued, rejected, network_error, storage_error)",
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(QueueMutations)
	prometheus.MustRegister(ReplaysTotal)
	prometheus.MustRegister(FlushesTotal)
	prometheus.MustRegister(FlushDuration)
	prometheus.MustRegister(Online)
	prometheus.MustRegister(CacheRecords)
	prometheus.MustRegister(CacheEvictedTotal)
	prometheus.MustRegister(SubmissionsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetOnline records the connectivity state.
func SetOnline(online bool) {
	if online {
		Online.Set(1)
		return
	}
	Online.Set(0)
}
