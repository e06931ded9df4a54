// Package download implements the parallel, multi-source RPM download
// coordinator: a fixed-slot worker pool that prefers LAN peers over
// upstream mirrors, with dynamic reassignment on peer failure,
// RPM-magic validation, and real-time progress reporting.
// golang.org/x/sync/errgroup bounds the worker pool and the peer-`have`
// fan-out.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/urpmd/urpmd/pkg/errs"
	"github.com/urpmd/urpmd/pkg/log"
	"github.com/urpmd/urpmd/pkg/store"
	"github.com/urpmd/urpmd/pkg/types"
)

// rpmMagic is the four leading bytes of a well-formed RPM: 0xEDABEEDB.
var rpmMagic = []byte{0xED, 0xAB, 0xEE, 0xDB}

// Config tunes the coordinator; its fields mirror
// pkg/config.DownloadConfig (callers copy them across field by field),
// plus OnlyPeers.
type Config struct {
	WorkerSlots          int
	MaxRetries            int
	RetryBackoff          []time.Duration
	ConnectTimeout        time.Duration
	PeerHaveTimeout       time.Duration
	ProgressPollInterval  time.Duration
	SpeedWindowSamples    int
	OnlyPeers             bool
}

// DefaultConfig mirrors pkg/config.Default().Download.
func DefaultConfig() Config {
	return Config{
		WorkerSlots:          4,
		MaxRetries:           3,
		RetryBackoff:         []time.Duration{1 * time.Second, 2 * time.Second, 3 * time.Second},
		ConnectTimeout:       30 * time.Second,
		PeerHaveTimeout:      2 * time.Second,
		ProgressPollInterval: 100 * time.Millisecond,
		SpeedWindowSamples:   10,
	}
}

// ProgressCallback receives the aggregate transfer state on every poll
// tick: the package currently in front, completed/total counts, byte
// totals, and a per-slot snapshot for stable-row display.
type ProgressCallback func(currentPkg string, packagesCompleted, totalPackages int,
	bytesDoneTotal, bytesTotal, itemBytes, itemTotal int64, slots []SlotSnapshot)

// SlotSnapshot is one [(slot, progress_or_null)] entry.
type SlotSnapshot struct {
	Slot     int
	Active   bool
	Progress types.DownloadProgress
	Speed    float64 // bytes/sec, rolling window
}

// Coordinator dispatches a list of DownloadItems across upstream
// mirrors and discovered LAN peers.
type Coordinator struct {
	cfg     Config
	cacheDir string
	store   *store.Store
	peers   *PeerClient

	// clients holds one http.Client per address-family mode: a server's
	// ip_mode forces the dial network ("tcp4"/"tcp6") for every attempt
	// against it via the Transport's DialContext.
	clients map[types.IPMode]*http.Client

	mu           sync.Mutex
	failedPeers  map[string]bool // "host:port" marked failed for this run
	assignCounts map[string]int  // peer -> in-flight assignment count, for load balancing

	slotsMu sync.Mutex
	slots   map[int]*types.DownloadProgress
	samples map[int][]sample

	stats struct {
		mu          sync.Mutex
		fromPeers   int
		fromUpstream int
		cached      int
	}
}

type sample struct {
	t     time.Time
	bytes int64
}

// New returns a Coordinator writing into cacheDir, recording provenance
// into st, discovering peers through peers.
func New(cfg Config, cacheDir string, st *store.Store, peers *PeerClient) *Coordinator {
	if cfg.WorkerSlots <= 0 {
		cfg.WorkerSlots = 4
	}
	return &Coordinator{
		cfg: cfg, cacheDir: cacheDir, store: st, peers: peers,
		clients: map[types.IPMode]*http.Client{
			types.IPModeAuto: newHTTPClient("tcp", cfg.ConnectTimeout),
			types.IPModeDual: newHTTPClient("tcp", cfg.ConnectTimeout),
			types.IPModeV4:   newHTTPClient("tcp4", cfg.ConnectTimeout),
			types.IPModeV6:   newHTTPClient("tcp6", cfg.ConnectTimeout),
		},
		failedPeers:  make(map[string]bool),
		assignCounts: make(map[string]int),
		slots:        make(map[int]*types.DownloadProgress),
		samples:      make(map[int][]sample),
	}
}

// newHTTPClient builds a client whose Transport dials only the given
// network ("tcp", "tcp4", or "tcp6"), forcing the address family.
func newHTTPClient(network string, timeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: timeout}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: func(ctx context.Context, _, addr string) (net.Conn, error) {
				return dialer.DialContext(ctx, network, addr)
			},
		},
	}
}

// clientFor maps a server's ip_mode to the matching address-family
// client; unknown modes dial unconstrained.
func (c *Coordinator) clientFor(mode types.IPMode) *http.Client {
	if cl, ok := c.clients[mode]; ok {
		return cl
	}
	return c.clients[types.IPModeAuto]
}

// Run executes the coordinator's full plan→work→report cycle for items,
// invoking progressCb on each poll tick, and returns one DownloadResult
// per item. Results carry no inter-worker ordering; callers must treat
// them as a bag.
func (c *Coordinator) Run(ctx context.Context, items []types.DownloadItem, progressCb ProgressCallback) ([]types.DownloadResult, error) {
	if len(items) == 0 {
		return nil, nil
	}

	plan := c.createPlan(ctx, items)

	workCh := make(chan planned, len(plan))
	for _, p := range plan {
		workCh <- p
	}
	close(workCh)

	resultsCh := make(chan types.DownloadResult, len(plan))

	g, gctx := errgroup.WithContext(ctx)
	for slot := 0; slot < c.cfg.WorkerSlots; slot++ {
		slot := slot
		g.Go(func() error {
			c.workerLoop(gctx, slot, workCh, resultsCh)
			return nil
		})
	}

	done := make(chan struct{})
	var resultsMu sync.Mutex
	var results []types.DownloadResult
	go func() {
		defer close(done)
		for r := range resultsCh {
			resultsMu.Lock()
			results = append(results, r)
			resultsMu.Unlock()
		}
	}()

	completed := func() int {
		resultsMu.Lock()
		defer resultsMu.Unlock()
		return len(results)
	}

	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		c.pollProgress(gctx, len(items), completed, progressCb)
	}()

	_ = g.Wait()
	close(resultsCh)
	<-done
	<-pollDone

	return results, nil
}

type planned struct {
	item     types.DownloadItem
	peerHost string
	peerPort int
	upstream bool
}

// createPlan assigns items: those whose filename is advertised by a
// non-blacklisted discovered peer go to the least-loaded such peer;
// everything else is marked upstream.
func (c *Coordinator) createPlan(ctx context.Context, items []types.DownloadItem) []planned {
	plan := make([]planned, len(items))

	peers := c.peers.Discover(ctx)
	haveByPeer := c.peers.QueryHave(ctx, peers, filenamesOf(items))

	for i, item := range items {
		plan[i] = planned{item: item, upstream: true}

		if c.cachedOnDisk(item.Filename) {
			continue // cache hit short-circuits both peer and upstream dispatch
		}

		var bestPeer *types.Peer
		bestCount := -1
		for _, p := range peers {
			key := peerKey(p.Host, p.Port)
			if c.isPeerFailed(key) {
				continue
			}
			files, ok := haveByPeer[key]
			if !ok || !files[item.Filename] {
				continue
			}
			c.mu.Lock()
			count := c.assignCounts[key]
			c.mu.Unlock()
			if bestPeer == nil || count < bestCount {
				pp := p
				bestPeer = &pp
				bestCount = count
			}
		}

		if bestPeer != nil {
			plan[i] = planned{item: item, peerHost: bestPeer.Host, peerPort: bestPeer.Port}
			c.mu.Lock()
			c.assignCounts[peerKey(bestPeer.Host, bestPeer.Port)]++
			c.mu.Unlock()
		}
	}

	return plan
}

func filenamesOf(items []types.DownloadItem) []string {
	names := make([]string, 0, len(items))
	for _, it := range items {
		names = append(names, it.Filename)
	}
	return names
}

func (c *Coordinator) cachedOnDisk(filename string) bool {
	path := filepath.Join(c.cacheDir, filename)
	return hasRPMMagic(path)
}

func hasRPMMagic(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	buf := make([]byte, 4)
	if _, err := io.ReadFull(f, buf); err != nil {
		return false
	}
	return matchMagic(buf)
}

func matchMagic(buf []byte) bool {
	if len(buf) < 4 {
		return false
	}
	for i := 0; i < 4; i++ {
		if buf[i] != rpmMagic[i] {
			return false
		}
	}
	return true
}

func peerKey(host string, port int) string { return fmt.Sprintf("%s:%d", host, port) }

func (c *Coordinator) isPeerFailed(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failedPeers[key]
}

func (c *Coordinator) markPeerFailed(key string) {
	c.mu.Lock()
	c.failedPeers[key] = true
	c.mu.Unlock()
}

// FailedPeers returns the host:port keys marked failed during the last
// Run, so the façade (not a worker) can write them into the
// PeerBlacklist table once the run completes, keeping SQLite writes
// single-threaded.
func (c *Coordinator) FailedPeers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.failedPeers))
	for k := range c.failedPeers {
		out = append(out, k)
	}
	return out
}

// workerLoop is one fixed worker slot: dequeue, dispatch, emit a result,
// repeat until the work channel is drained.
func (c *Coordinator) workerLoop(ctx context.Context, slot int, work <-chan planned, results chan<- types.DownloadResult) {
	logger := log.WithComponent("download").With().Int("slot", slot).Logger()
	for p := range work {
		select {
		case <-ctx.Done():
			results <- types.DownloadResult{Item: p.item, Err: ctx.Err()}
			continue
		default:
		}

		r := c.dispatch(ctx, slot, p)
		if r.Err != nil {
			logger.Warn().Err(r.Err).Str("filename", p.item.Filename).Msg("download failed")
		}
		results <- r
		c.clearSlot(slot)
	}
}

// dispatch obtains one planned item: cache check, peer transfer with
// reroute-on-failure, upstream fallback.
func (c *Coordinator) dispatch(ctx context.Context, slot int, p planned) types.DownloadResult {
	target := filepath.Join(c.cacheDir, p.item.Filename)

	if hasRPMMagic(target) {
		c.incStat("cached")
		return types.DownloadResult{Item: p.item, Cached: true, Source: types.SourceCache, Path: target, Size: fileSize(target)}
	}

	if p.upstream && c.cfg.OnlyPeers {
		return types.DownloadResult{Item: p.item, Err: errs.Downloadf("dispatch", "%s not available from any peer in only-peers mode", p.item.Filename)}
	}

	if !p.upstream {
		key := peerKey(p.peerHost, p.peerPort)
		if c.isPeerFailed(key) {
			alt := c.peers.AlternativeFor(p.item.Filename, key)
			if alt != nil {
				p.peerHost, p.peerPort = alt.Host, alt.Port
			} else if c.cfg.OnlyPeers {
				return types.DownloadResult{Item: p.item, Err: errs.Downloadf("dispatch", "no peer available for %s in only-peers mode", p.item.Filename)}
			} else {
				p.upstream = true
			}
		}
	}

	if !p.upstream {
		r := c.downloadFromPeer(ctx, slot, p, target)
		if r.Err == nil {
			c.incStat("peer")
			return r
		}
		c.markPeerFailed(peerKey(p.peerHost, p.peerPort))
		if c.cfg.OnlyPeers {
			return r
		}
		// fall through to upstream
	}

	r := c.downloadFromUpstream(ctx, slot, p)
	if r.Err == nil {
		c.incStat("upstream")
	}
	return r
}

func (c *Coordinator) incStat(which string) {
	c.stats.mu.Lock()
	defer c.stats.mu.Unlock()
	switch which {
	case "peer":
		c.stats.fromPeers++
	case "upstream":
		c.stats.fromUpstream++
	case "cached":
		c.stats.cached++
	}
}

// Stats returns the run's from_peers/from_upstream/cached counters.
func (c *Coordinator) Stats() (fromPeers, fromUpstream, cached int) {
	c.stats.mu.Lock()
	defer c.stats.mu.Unlock()
	return c.stats.fromPeers, c.stats.fromUpstream, c.stats.cached
}

func fileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}

// downloadFromPeer GETs the peer's media endpoint, streams to a .tmp
// sibling while hashing and counting bytes, renames atomically on
// success, checks the RPM magic, and records provenance.
func (c *Coordinator) downloadFromPeer(ctx context.Context, slot int, p planned, target string) types.DownloadResult {
	base := fmt.Sprintf("http://%s:%d", p.peerHost, p.peerPort)
	u := base + "/media/" + url.PathEscape(p.item.Filename)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return types.DownloadResult{Item: p.item, Err: errs.Download("peer-request", err)}
	}

	c.registerSlot(slot, p.item.Name, p.item.Size, fmt.Sprintf("peer:%s", p.peerHost))
	resp, err := c.clientFor(types.IPModeAuto).Do(req)
	if err != nil {
		return types.DownloadResult{Item: p.item, Err: errs.Download("peer-fetch", err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return types.DownloadResult{Item: p.item, Err: errs.Downloadf("peer-fetch", "peer returned status %d", resp.StatusCode)}
	}

	size, sum, err := c.streamToTemp(ctx, slot, target, resp.Body, resp.ContentLength)
	if err != nil {
		return types.DownloadResult{Item: p.item, Err: err, PeerHost: p.peerHost}
	}

	if !hasRPMMagic(target) {
		os.Remove(target)
		return types.DownloadResult{Item: p.item, Err: errs.Downloadf("peer-fetch", "peer %s served malformed content for %s", p.peerHost, p.item.Filename), PeerHost: p.peerHost}
	}

	if c.store != nil {
		_ = c.store.RecordPeerDownload(ctx, &types.PeerDownload{
			Filename: p.item.Filename, PeerHost: p.peerHost, PeerPort: p.peerPort, Size: size, SHA256: sum, Verified: true,
		})
		_ = c.store.RecordCacheFile(ctx, &types.CacheFile{Filename: p.item.Filename, FileSize: size, Source: "peer"})
	}

	return types.DownloadResult{
		Item: p.item, Downloaded: true, Source: types.SourcePeer, PeerHost: p.peerHost,
		Path: target, Size: size, SHA256: sum,
	}
}

// downloadFromUpstream iterates servers starting at slot%len(servers)
// so workers pre-load-balance across mirrors, up to MaxRetries per
// server with linear backoff; 4xx falls immediately to the next server.
func (c *Coordinator) downloadFromUpstream(ctx context.Context, slot int, p planned) types.DownloadResult {
	target := filepath.Join(c.cacheDir, p.item.Filename)
	servers := p.item.Servers
	if len(servers) == 0 {
		return types.DownloadResult{Item: p.item, Err: errs.Downloadf("upstream", "no servers configured for %s", p.item.Filename)}
	}

	start := slot % len(servers)
	var lastErrs []string

	for i := 0; i < len(servers); i++ {
		srv := servers[(start+i)%len(servers)]
		u := fmt.Sprintf("%s://%s%s/%s", srv.Protocol, srv.Host, srv.BasePath, p.item.Filename)

		var attemptErr error
		for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
			if err != nil {
				attemptErr = err
				break
			}
			c.registerSlot(slot, p.item.Name, p.item.Size, fmt.Sprintf("upstream:%s", srv.Host))
			resp, err := c.clientFor(srv.IPMode).Do(req)
			if err != nil {
				attemptErr = err
				c.backoff(ctx, attempt)
				continue
			}

			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				resp.Body.Close()
				attemptErr = fmt.Errorf("%s: http %d", srv.Host, resp.StatusCode)
				break // 4xx: fall to next server immediately
			}
			if resp.StatusCode >= 500 {
				resp.Body.Close()
				attemptErr = fmt.Errorf("%s: http %d", srv.Host, resp.StatusCode)
				c.backoff(ctx, attempt)
				continue
			}

			size, sum, err := c.streamToTemp(ctx, slot, target, resp.Body, resp.ContentLength)
			resp.Body.Close()
			if err != nil {
				attemptErr = err
				c.backoff(ctx, attempt)
				continue
			}

			if !hasRPMMagic(target) {
				os.Remove(target)
				attemptErr = fmt.Errorf("%s: bad rpm magic", srv.Host)
				break
			}

			if c.store != nil {
				_ = c.store.RecordCacheFile(ctx, &types.CacheFile{Filename: p.item.Filename, FileSize: size, Source: "upstream"})
			}

			return types.DownloadResult{Item: p.item, Downloaded: true, Source: types.SourceUpstream, Path: target, Size: size, SHA256: sum}
		}

		if attemptErr != nil {
			lastErrs = append(lastErrs, attemptErr.Error())
		}
	}

	if len(lastErrs) > 3 {
		lastErrs = lastErrs[len(lastErrs)-3:]
	}
	return types.DownloadResult{Item: p.item, Err: errs.Downloadf("upstream", "all servers failed for %s: %v", p.item.Filename, lastErrs)}
}

func (c *Coordinator) backoff(ctx context.Context, attempt int) {
	delays := c.cfg.RetryBackoff
	if len(delays) == 0 {
		delays = []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}
	}
	d := delays[attempt%len(delays)]
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// streamToTemp streams src to a .tmp sibling of target while hashing
// SHA-256 and counting bytes through the slot's progress record, then
// renames atomically.
func (c *Coordinator) streamToTemp(ctx context.Context, slot int, target string, src io.Reader, total int64) (int64, string, error) {
	tmp := target + ".tmp"
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, "", errs.Download("stream", fmt.Errorf("failed to create cache dir: %w", err))
	}

	f, err := os.Create(tmp)
	if err != nil {
		return 0, "", errs.Download("stream", fmt.Errorf("failed to create %s: %w", tmp, err))
	}

	h := sha256.New()
	counter := &countingReader{r: src, onRead: func(n int) { c.updateSlotProgress(slot, int64(n), total) }}
	w := io.MultiWriter(f, h)

	_, err = io.Copy(w, counter)
	closeErr := f.Close()
	if err != nil {
		os.Remove(tmp)
		return 0, "", errs.Download("stream", err)
	}
	if closeErr != nil {
		os.Remove(tmp)
		return 0, "", errs.Download("stream", closeErr)
	}

	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return 0, "", errs.Download("stream", fmt.Errorf("failed to rename into place: %w", err))
	}

	fi, err := os.Stat(target)
	if err != nil {
		return 0, "", errs.Download("stream", err)
	}
	return fi.Size(), hex.EncodeToString(h.Sum(nil)), nil
}

type countingReader struct {
	r      io.Reader
	onRead func(n int)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 && c.onRead != nil {
		c.onRead(n)
	}
	return n, err
}
