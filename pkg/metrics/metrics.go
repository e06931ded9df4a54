package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Store metrics
	MediaTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "urpmd_media_total",
			Help: "Total number of configured media",
		},
	)

	PackagesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "urpmd_packages_total",
			Help: "Total number of indexed packages by media",
		},
		[]string{"media"},
	)

	PinsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "urpmd_pins_total",
			Help: "Total number of active version pins",
		},
	)

	HoldsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "urpmd_holds_total",
			Help: "Total number of held packages",
		},
	)

	CacheFilesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "urpmd_cache_files_total",
			Help: "Total number of files in the package cache",
		},
	)

	CacheBytesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "urpmd_cache_bytes_total",
			Help: "Total size of the package cache in bytes",
		},
	)

	// Resolver metrics
	ResolverRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "urpmd_resolver_runs_total",
			Help: "Total number of resolver invocations by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	ResolverDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "urpmd_resolver_duration_seconds",
			Help:    "Time taken to compute a resolution plan in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Download metrics
	DownloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "urpmd_downloads_total",
			Help: "Total number of package downloads by source and outcome",
		},
		[]string{"source", "outcome"},
	)

	DownloadBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "urpmd_download_bytes_total",
			Help: "Total bytes downloaded by source",
		},
		[]string{"source"},
	)

	DownloadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "urpmd_download_duration_seconds",
			Help:    "Time taken to fetch a single package in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Peer metrics
	PeerRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "urpmd_peer_requests_total",
			Help: "Total number of requests made to LAN peers by outcome",
		},
		[]string{"peer_host", "outcome"},
	)

	PeersKnownTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "urpmd_peers_known_total",
			Help: "Total number of peers currently known to the discovery service",
		},
	)

	// Transaction metrics
	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "urpmd_transactions_total",
			Help: "Total number of transactions by status",
		},
		[]string{"status"},
	)

	TransactionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "urpmd_transaction_duration_seconds",
			Help:    "Time taken to execute a transaction in seconds by action",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"action"},
	)

	// IPC metrics
	IPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "urpmd_ipc_requests_total",
			Help: "Total number of IPC requests by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	IPCRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "urpmd_ipc_request_duration_seconds",
			Help:    "IPC request duration in seconds by method",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	AuthDeniedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "urpmd_auth_denied_total",
			Help: "Total number of requests rejected by the auth gate by permission",
		},
		[]string{"permission"},
	)
)

func init() {
	prometheus.MustRegister(MediaTotal)
	prometheus.MustRegister(PackagesTotal)
	prometheus.MustRegister(PinsTotal)
	prometheus.MustRegister(HoldsTotal)
	prometheus.MustRegister(CacheFilesTotal)
	prometheus.MustRegister(CacheBytesTotal)

	prometheus.MustRegister(ResolverRunsTotal)
	prometheus.MustRegister(ResolverDuration)

	prometheus.MustRegister(DownloadsTotal)
	prometheus.MustRegister(DownloadBytesTotal)
	prometheus.MustRegister(DownloadDuration)

	prometheus.MustRegister(PeerRequestsTotal)
	prometheus.MustRegister(PeersKnownTotal)

	prometheus.MustRegister(TransactionsTotal)
	prometheus.MustRegister(TransactionDuration)

	prometheus.MustRegister(IPCRequestsTotal)
	prometheus.MustRegister(IPCRequestDuration)
	prometheus.MustRegister(AuthDeniedTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
