package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	TransitionsApplied  = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_transitions_applied_total", Help: "Lifecycle transitions committed"})
	TransitionsRejected = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_transitions_rejected_total", Help: "Lifecycle transitions rejected as invalid"})
	RestagesTotal       = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_restages_total", Help: "Jobs reset for another run"})
	HandshakesConfirmed = prometheus.NewCounter(prometheus.CounterOpts{Name: "grundner_handshakes_confirmed_total", Help: "Controller exchanges confirmed by echo"})
	HandshakesFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "grundner_handshakes_failed_total", Help: "Controller exchanges that timed out, mismatched, or were busy"})
	BatchLockRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "reservation_batch_rejects_total", Help: "Lock batches rejected for insufficient stock"})
	LockRateRejects     = prometheus.NewCounter(prometheus.CounterOpts{Name: "reservation_rate_rejects_total", Help: "Lock requests rejected by the controller rate limit"})
	StatusFilesSeen     = prometheus.NewCounter(prometheus.CounterOpts{Name: "watcher_status_files_total", Help: "Status files picked up by the watcher"})
	StatusRowsUnmatched = prometheus.NewCounter(prometheus.CounterOpts{Name: "watcher_status_rows_unmatched_total", Help: "Status rows that matched no job"})
	ForwardsTotal       = prometheus.NewCounter(prometheus.CounterOpts{Name: "watcher_nestpick_forwards_total", Help: "Parts files forwarded to nestpick"})
	IngestPasses        = prometheus.NewCounter(prometheus.CounterOpts{Name: "watcher_ingest_passes_total", Help: "Completed ingest scans"})
	PruneSkips          = prometheus.NewCounter(prometheus.CounterOpts{Name: "watcher_prune_skips_total", Help: "Ingest passes that skipped pruning after a scan error"})
	FeedClients         = prometheus.NewGauge(prometheus.GaugeOpts{Name: "feed_clients", Help: "Connected event-feed clients"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			TransitionsApplied,
			TransitionsRejected,
			RestagesTotal,
			HandshakesConfirmed,
			HandshakesFailed,
			BatchLockRejects,
			LockRateRejects,
			StatusFilesSeen,
			StatusRowsUnmatched,
			ForwardsTotal,
			IngestPasses,
			PruneSkips,
			FeedClients,
		)
	})
	return promhttp.Handler()
}
