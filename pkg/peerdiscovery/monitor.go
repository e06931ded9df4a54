package peerdiscovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/urpmd/urpmd/pkg/health"
	"github.com/urpmd/urpmd/pkg/types"
)

// Monitor probes every known peer's /api/peers endpoint on an interval
// and flips its Alive flag with failure-streak hysteresis, so one lost
// datagram or slow response doesn't evict a peer from download plans.
type Monitor struct {
	registry *Registry
	cfg      health.Config

	mu       sync.Mutex
	statuses map[string]*health.Status
}

// NewMonitor returns a Monitor over registry. A zero cfg takes
// health.DefaultConfig().
func NewMonitor(registry *Registry, cfg health.Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg = health.DefaultConfig()
	}
	return &Monitor{registry: registry, cfg: cfg, statuses: make(map[string]*health.Status)}
}

// Run probes until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep checks every currently known peer once.
func (m *Monitor) sweep(ctx context.Context) {
	for _, p := range m.registry.Peers() {
		key := fmt.Sprintf("%s:%d", p.Host, p.Port)
		result := m.checkPeer(ctx, p)

		m.mu.Lock()
		status, ok := m.statuses[key]
		if !ok {
			status = health.NewStatus()
			m.statuses[key] = status
		}
		status.Update(result, m.cfg)
		alive := status.Healthy
		m.mu.Unlock()

		m.registry.setAlive(p.Host, p.Port, alive)
		if !alive {
			discoveryLog.Warn().Str("peer", key).Str("reason", result.Message).Msg("peer marked dead")
		}
	}
}

func (m *Monitor) checkPeer(ctx context.Context, p types.Peer) health.Result {
	checker := health.NewHTTPChecker(fmt.Sprintf("http://%s:%d/api/peers", p.Host, p.Port)).
		WithTimeout(m.cfg.Timeout)
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()
	return checker.Check(ctx)
}

// Status returns the tracked health status for a peer key ("host:port"),
// nil if the peer has never been probed.
func (m *Monitor) Status(key string) *health.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statuses[key]
}
