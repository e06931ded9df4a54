package download

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/urpmd/urpmd/pkg/log"
	"github.com/urpmd/urpmd/pkg/store"
	"github.com/urpmd/urpmd/pkg/types"
)

var peerLog = log.WithComponent("download.peer")

// PeerSource supplies the coordinator with the current set of candidate
// peers; pkg/peerdiscovery.Registry and a static test double both
// satisfy it.
type PeerSource interface {
	Peers() []types.Peer
}

// PeerClient wraps peer discovery and the /api/have fan-out query, and
// tracks blacklist state through the store so a peer excluded in a
// previous run stays excluded.
type PeerClient struct {
	source  PeerSource
	store   *store.Store
	client  *http.Client
	timeout time.Duration
}

// NewPeerClient builds a client over source, consulting st for
// blacklist membership before including a peer in a plan.
func NewPeerClient(source PeerSource, st *store.Store, timeout time.Duration) *PeerClient {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &PeerClient{source: source, store: st, client: &http.Client{Timeout: timeout}, timeout: timeout}
}

// Discover returns every currently known peer that is alive and not
// blacklisted.
func (pc *PeerClient) Discover(ctx context.Context) []types.Peer {
	if pc.source == nil {
		return nil
	}
	all := pc.source.Peers()
	out := make([]types.Peer, 0, len(all))
	for _, p := range all {
		if !p.Alive {
			continue
		}
		if pc.store != nil {
			blacklisted, err := pc.store.IsPeerBlacklisted(ctx, p.Host, p.Port)
			if err == nil && blacklisted {
				continue
			}
		}
		out = append(out, p)
	}
	return out
}

// haveRequest/haveResponse mirror the peer-facing wire protocol
// pkg/peerapi serves: POST {packages: [...]} answered with
// {available: [{filename, size, path}, ...]}.
type haveRequest struct {
	Packages []string `json:"packages"`
}

type haveEntry struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Path     string `json:"path"`
}

type haveResponse struct {
	Available []haveEntry `json:"available"`
}

// QueryHave fans out a POST /api/have to every peer concurrently,
// returning a map of "host:port" -> set of filenames it reports having.
// A peer that errors or times out is simply absent from the result, not
// treated as a fatal error for the whole plan.
func (pc *PeerClient) QueryHave(ctx context.Context, peers []types.Peer, filenames []string) map[string]map[string]bool {
	result := make(map[string]map[string]bool, len(peers))
	if len(peers) == 0 || len(filenames) == 0 {
		return result
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range peers {
		p := p
		g.Go(func() error {
			files, err := pc.queryOne(gctx, p, filenames)
			if err != nil {
				peerLog.Debug().Err(err).Str("peer", p.Host).Msg("peer have query failed")
				return nil
			}
			mu.Lock()
			result[peerKey(p.Host, p.Port)] = files
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return result
}

func (pc *PeerClient) queryOne(ctx context.Context, p types.Peer, filenames []string) (map[string]bool, error) {
	ctx, cancel := context.WithTimeout(ctx, pc.timeout)
	defer cancel()

	body, err := json.Marshal(haveRequest{Packages: filenames})
	if err != nil {
		return nil, err
	}

	u := fmt.Sprintf("http://%s:%d/api/have", p.Host, p.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := pc.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("peer %s returned status %d", p.Host, resp.StatusCode)
	}

	var hr haveResponse
	if err := json.NewDecoder(resp.Body).Decode(&hr); err != nil {
		return nil, err
	}

	set := make(map[string]bool, len(hr.Available))
	for _, e := range hr.Available {
		set[e.Filename] = true
	}
	return set, nil
}

// AlternativeFor returns another peer (other than excludeKey) known to
// have filename, or nil if none remain — used when a peer dispatch
// fails mid-run and the coordinator wants to reroute rather than fall
// back to upstream immediately.
func (pc *PeerClient) AlternativeFor(filename, excludeKey string) *types.Peer {
	if pc.source == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), pc.timeout)
	defer cancel()

	peers := pc.Discover(ctx)
	candidates := make([]types.Peer, 0, len(peers))
	for _, p := range peers {
		if peerKey(p.Host, p.Port) != excludeKey {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	have := pc.QueryHave(ctx, candidates, []string{filename})
	for _, p := range candidates {
		key := peerKey(p.Host, p.Port)
		if files, ok := have[key]; ok && files[filename] {
			pp := p
			return &pp
		}
	}
	return nil
}
