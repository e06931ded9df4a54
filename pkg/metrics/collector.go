package metrics

import (
	"context"
	"time"
)

// StatsSource is satisfied by pkg/store's Store. It is declared here,
// rather than imported, so the collector doesn't pull in the storage
// package's full dependency surface just to report gauges.
type StatsSource interface {
	CountMedia(ctx context.Context) (int, error)
	CountPackagesByMedia(ctx context.Context) (map[string]int, error)
	CountPins(ctx context.Context) (int, error)
	CountHolds(ctx context.Context) (int, error)
	CacheStats(ctx context.Context) (files int, bytes int64, err error)
}

// Collector periodically samples store-derived gauges.
type Collector struct {
	source StatsSource
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector over source.
func NewCollector(source StatsSource) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics every 15 seconds.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c.collectMediaMetrics(ctx)
	c.collectPackageMetrics(ctx)
	c.collectPinHoldMetrics(ctx)
	c.collectCacheMetrics(ctx)
}

func (c *Collector) collectMediaMetrics(ctx context.Context) {
	count, err := c.source.CountMedia(ctx)
	if err != nil {
		return
	}
	MediaTotal.Set(float64(count))
}

func (c *Collector) collectPackageMetrics(ctx context.Context) {
	counts, err := c.source.CountPackagesByMedia(ctx)
	if err != nil {
		return
	}
	for media, count := range counts {
		PackagesTotal.WithLabelValues(media).Set(float64(count))
	}
}

func (c *Collector) collectPinHoldMetrics(ctx context.Context) {
	if pins, err := c.source.CountPins(ctx); err == nil {
		PinsTotal.Set(float64(pins))
	}
	if holds, err := c.source.CountHolds(ctx); err == nil {
		HoldsTotal.Set(float64(holds))
	}
}

func (c *Collector) collectCacheMetrics(ctx context.Context) {
	files, bytes, err := c.source.CacheStats(ctx)
	if err != nil {
		return
	}
	CacheFilesTotal.Set(float64(files))
	CacheBytesTotal.Set(float64(bytes))
}
