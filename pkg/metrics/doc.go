/*
Package metrics defines and registers the Prometheus metrics exposed by
urpmd over HTTP for scraping.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  Collector (polls pkg/store every 15s)                   │
	│    MediaTotal, PackagesTotal, PinsTotal, HoldsTotal,      │
	│    CacheFilesTotal, CacheBytesTotal                       │
	│                                                            │
	│  Counters/histograms by area (no caller updates them)    │
	│    pkg/resolver  → ResolverRunsTotal, ResolverDuration    │
	│    pkg/download  → DownloadsTotal, DownloadBytesTotal,    │
	│                    DownloadDuration, PeerRequestsTotal    │
	│    pkg/txqueue   → TransactionsTotal, TransactionDuration │
	│    pkg/ipc       → IPCRequestsTotal, IPCRequestDuration,  │
	│                    AuthDeniedTotal                        │
	│                                                            │
	│  Handler() → promhttp.Handler(), mounted at /metrics     │
	└────────────────────────────────────────────────────────────┘

# Usage

Counters and histograms are updated at the call site, as below. No
package in this module makes these calls, so they report zero:

	t := metrics.NewTimer()
	plan, err := resolver.ResolveInstall(ctx, names, nil, nil)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.ResolverRunsTotal.WithLabelValues("install", outcome).Inc()
	t.ObserveDuration(metrics.ResolverDuration)

Gauges sampled periodically from storage:

	collector := metrics.NewCollector(store)
	collector.Start()
	defer collector.Stop()

Mounting the handler (alongside pkg/peerapi's mux, or a dedicated
listener):

	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())

# Health vs. readiness

HealthHandler reports whether registered components (store, ipc, ...) are
reporting themselves healthy via RegisterComponent/UpdateComponent.
ReadyHandler additionally requires every component on the critical list to
be registered at all, so a daemon that hasn't finished opening its store
yet reports not_ready rather than a false healthy.
*/
package metrics
