// Package peerdiscovery maintains the set of LAN peers the Download
// Coordinator may fetch RPMs from. The daemon's own /api/peers is
// preferred when a local daemon answers; UDP broadcast ("URPMD1" magic
// + JSON payload) is the fallback.
package peerdiscovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/urpmd/urpmd/pkg/log"
	"github.com/urpmd/urpmd/pkg/types"
)

var discoveryLog = log.WithComponent("peerdiscovery")

// magic is the fixed preamble of every discovery datagram.
const magic = "URPMD1"

// announcement is the JSON payload following the magic bytes.
type announcement struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Version string `json:"version"`
}

// Config tunes discovery.
type Config struct {
	BroadcastPort int
	LocalAPIPort  int // the local daemon's own /api/peers port, checked first
	Version       string
	RefreshEvery  time.Duration
	ListenTimeout time.Duration
}

// DefaultConfig matches the daemon's conventional ports.
func DefaultConfig() Config {
	return Config{BroadcastPort: 9631, LocalAPIPort: 9630, Version: "1", RefreshEvery: 30 * time.Second, ListenTimeout: 2 * time.Second}
}

// Registry holds the current peer set and refreshes it on demand or on
// a background ticker. It implements pkg/download.PeerSource.
type Registry struct {
	cfg    Config
	client *http.Client

	mu    sync.RWMutex
	peers []types.Peer
}

// New returns a Registry that has not yet performed a refresh.
func New(cfg Config) *Registry {
	if cfg.BroadcastPort == 0 {
		cfg = DefaultConfig()
	}
	return &Registry{cfg: cfg, client: &http.Client{Timeout: cfg.ListenTimeout}}
}

// Peers returns the last-refreshed peer set; satisfies
// pkg/download.PeerSource.
func (r *Registry) Peers() []types.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Peer, len(r.peers))
	copy(out, r.peers)
	return out
}

// Refresh rebuilds the peer set: the local daemon's /api/peers first,
// falling back to a UDP broadcast sweep if no local daemon answers.
func (r *Registry) Refresh(ctx context.Context) error {
	peers, err := r.queryLocalDaemon(ctx)
	if err != nil {
		discoveryLog.Debug().Err(err).Msg("local daemon peers query failed, falling back to UDP broadcast")
		peers, err = r.broadcastSweep(ctx)
		if err != nil {
			return fmt.Errorf("peer discovery failed: %w", err)
		}
	}

	r.mu.Lock()
	r.peers = peers
	r.mu.Unlock()
	return nil
}

// Run refreshes on cfg.RefreshEvery until ctx is canceled.
func (r *Registry) Run(ctx context.Context) {
	if err := r.Refresh(ctx); err != nil {
		discoveryLog.Warn().Err(err).Msg("initial peer discovery failed")
	}
	interval := r.cfg.RefreshEvery
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				discoveryLog.Warn().Err(err).Msg("peer discovery refresh failed")
			}
		}
	}
}

// setAlive flips a known peer's Alive flag in place; unknown peers are
// ignored (a refresh may have dropped them already).
func (r *Registry) setAlive(host string, port int, alive bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.peers {
		if r.peers[i].Host == host && r.peers[i].Port == port {
			r.peers[i].Alive = alive
		}
	}
}

type localPeersResponse struct {
	Peers []types.Peer `json:"peers"`
}

// queryLocalDaemon asks the daemon running on this host for its already
// assembled peer list — cheaper and more current than a fresh sweep.
func (r *Registry) queryLocalDaemon(ctx context.Context) ([]types.Peer, error) {
	u := fmt.Sprintf("http://127.0.0.1:%d/api/peers", r.cfg.LocalAPIPort)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("local daemon returned status %d", resp.StatusCode)
	}
	var body localPeersResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body.Peers, nil
}

// broadcastSweep sends one URPMD1 broadcast datagram and collects
// responses until ListenTimeout elapses.
func (r *Registry) broadcastSweep(ctx context.Context) ([]types.Peer, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
	if err != nil {
		return nil, fmt.Errorf("failed to open discovery socket: %w", err)
	}
	defer conn.Close()

	broadcastAddr := &net.UDPAddr{IP: net.IPv4bcast, Port: r.cfg.BroadcastPort}
	payload, err := buildDatagram(announcement{Host: "", Port: 0, Version: r.cfg.Version})
	if err != nil {
		return nil, err
	}
	if _, err := conn.WriteToUDP(payload, broadcastAddr); err != nil {
		return nil, fmt.Errorf("failed to send discovery broadcast: %w", err)
	}

	deadline := time.Now().Add(r.cfg.ListenTimeout)
	_ = conn.SetReadDeadline(deadline)

	seen := make(map[string]types.Peer)
	buf := make([]byte, 2048)
	for {
		select {
		case <-ctx.Done():
			return mapToSlice(seen), ctx.Err()
		default:
		}
		if time.Now().After(deadline) {
			break
		}
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			break // deadline exceeded or socket closed
		}
		a, ok := parseDatagram(buf[:n])
		if !ok {
			continue
		}
		host := a.Host
		if host == "" {
			host = addr.IP.String()
		}
		key := fmt.Sprintf("%s:%d", host, a.Port)
		seen[key] = types.Peer{Host: host, Port: a.Port, Alive: true}
	}
	return mapToSlice(seen), nil
}

func mapToSlice(m map[string]types.Peer) []types.Peer {
	out := make([]types.Peer, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	return out
}

func buildDatagram(a announcement) ([]byte, error) {
	body, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return append([]byte(magic), body...), nil
}

func parseDatagram(data []byte) (announcement, bool) {
	if len(data) <= len(magic) || string(data[:len(magic)]) != magic {
		return announcement{}, false
	}
	var a announcement
	if err := json.Unmarshal(data[len(magic):], &a); err != nil {
		return announcement{}, false
	}
	return a, true
}

// ListenAndRespond runs the responder half of the discovery protocol:
// it listens for URPMD1 broadcasts and echoes back this host's own
// announcement, framed identically. Intended to run as a daemon
// goroutine for the lifetime of the process.
func ListenAndRespond(ctx context.Context, cfg Config, selfHost string, selfPort int) error {
	addr := &net.UDPAddr{Port: cfg.BroadcastPort}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return fmt.Errorf("failed to listen for discovery broadcasts: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, 2048)
	for {
		n, raddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			discoveryLog.Warn().Err(err).Msg("discovery read failed")
			continue
		}
		if _, ok := parseDatagram(buf[:n]); !ok {
			continue
		}
		reply, err := buildDatagram(announcement{Host: selfHost, Port: selfPort, Version: cfg.Version})
		if err != nil {
			continue
		}
		if _, err := conn.WriteToUDP(reply, raddr); err != nil {
			discoveryLog.Debug().Err(err).Msg("discovery reply failed")
		}
	}
}
