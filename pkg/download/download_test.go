package download

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urpmd/urpmd/pkg/store"
	"github.com/urpmd/urpmd/pkg/types"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "urpmd.db"), store.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testConfig() Config {
	return Config{
		WorkerSlots:          1,
		MaxRetries:           2,
		RetryBackoff:         []time.Duration{time.Millisecond, time.Millisecond},
		ConnectTimeout:       5 * time.Second,
		PeerHaveTimeout:      time.Second,
		ProgressPollInterval: 5 * time.Millisecond,
		SpeedWindowSamples:   10,
	}
}

func rpmBody() []byte {
	return append([]byte{0xED, 0xAB, 0xEE, 0xDB}, []byte("payload-bytes-of-a-minimal-rpm")...)
}

// staticPeers is a fixed PeerSource.
type staticPeers []types.Peer

func (s staticPeers) Peers() []types.Peer { return s }

func serverFor(t *testing.T, ts *httptest.Server) *types.Server {
	t.Helper()
	u, err := url.Parse(ts.URL)
	require.NoError(t, err)
	return &types.Server{Protocol: "http", Host: u.Host, Enabled: true, IPMode: types.IPModeAuto}
}

// peerFor stands up a fake LAN peer: /api/have advertises every
// filename, /media/ serves body.
func peerFor(t *testing.T, body []byte) (types.Peer, *httptest.Server) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/have", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Packages []string `json:"packages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		type entry struct {
			Filename string `json:"filename"`
			Size     int64  `json:"size"`
			Path     string `json:"path"`
		}
		var resp struct {
			Available []entry `json:"available"`
		}
		for _, f := range req.Packages {
			resp.Available = append(resp.Available, entry{Filename: f, Size: int64(len(body)), Path: f})
		}
		json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/media/", func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	u, err := url.Parse(ts.URL)
	require.NoError(t, err)
	host, portStr, err := splitHostPortStrings(u.Host)
	require.NoError(t, err)
	port, _ := strconv.Atoi(portStr)
	return types.Peer{Host: host, Port: port, Alive: true}, ts
}

func splitHostPortStrings(hostport string) (string, string, error) {
	for i := len(hostport) - 1; i >= 0; i-- {
		if hostport[i] == ':' {
			return hostport[:i], hostport[i+1:], nil
		}
	}
	return hostport, "", nil
}

func item(filename string, servers ...*types.Server) types.DownloadItem {
	return types.DownloadItem{
		Name: "foo", Version: "1.0", Release: "1", Arch: "x86_64",
		Filename: filename, MediaID: 1, Servers: servers, Size: int64(len(rpmBody())),
	}
}

func noPeers(st *store.Store) *PeerClient {
	return NewPeerClient(staticPeers{}, st, time.Second)
}

func TestCachedFileShortCircuits(t *testing.T) {
	st := testStore(t)
	cacheDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(cacheDir, "foo-1.0-1.x86_64.rpm"), rpmBody(), 0o644))

	c := New(testConfig(), cacheDir, st, noPeers(st))
	results, err := c.Run(context.Background(), []types.DownloadItem{item("foo-1.0-1.x86_64.rpm")}, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.True(t, results[0].Cached)
	assert.False(t, results[0].Downloaded)
	assert.Equal(t, types.SourceCache, results[0].Source)
	assert.NoError(t, results[0].Err)

	_, _, cached := c.Stats()
	assert.Equal(t, 1, cached)

	// No provenance row is written for a cache hit.
	rows, err := st.ListPeerDownloadsByHost(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestUpstreamDownload(t *testing.T) {
	st := testStore(t)
	cacheDir := t.TempDir()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(rpmBody())
	}))
	defer ts.Close()

	c := New(testConfig(), cacheDir, st, noPeers(st))
	results, err := c.Run(context.Background(), []types.DownloadItem{item("foo-1.0-1.x86_64.rpm", serverFor(t, ts))}, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)

	r := results[0]
	require.NoError(t, r.Err)
	assert.True(t, r.Downloaded)
	assert.Equal(t, types.SourceUpstream, r.Source)
	assert.NotEmpty(t, r.SHA256)
	assert.Equal(t, int64(len(rpmBody())), r.Size)

	data, err := os.ReadFile(r.Path)
	require.NoError(t, err)
	assert.Equal(t, rpmBody(), data)

	cf, err := st.GetCacheFile(context.Background(), "foo-1.0-1.x86_64.rpm")
	require.NoError(t, err)
	assert.Equal(t, "upstream", cf.Source)
}

func TestUpstream4xxFallsToNextServer(t *testing.T) {
	st := testStore(t)
	cacheDir := t.TempDir()

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(rpmBody())
	}))
	defer good.Close()

	c := New(testConfig(), cacheDir, st, noPeers(st))
	results, err := c.Run(context.Background(), []types.DownloadItem{
		item("foo-1.0-1.x86_64.rpm", serverFor(t, bad), serverFor(t, good)),
	}, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.True(t, results[0].Downloaded)
}

func TestAllServersFailed(t *testing.T) {
	st := testStore(t)
	cacheDir := t.TempDir()

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer bad.Close()

	c := New(testConfig(), cacheDir, st, noPeers(st))
	results, err := c.Run(context.Background(), []types.DownloadItem{
		item("foo-1.0-1.x86_64.rpm", serverFor(t, bad)),
	}, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Error(t, results[0].Err)
	assert.Contains(t, results[0].Err.Error(), "foo-1.0-1.x86_64.rpm")
}

func TestBadMagicFromUpstreamIsDeleted(t *testing.T) {
	st := testStore(t)
	cacheDir := t.TempDir()

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte{0, 0, 0, 0})
	}))
	defer bad.Close()

	c := New(testConfig(), cacheDir, st, noPeers(st))
	results, err := c.Run(context.Background(), []types.DownloadItem{
		item("foo-1.0-1.x86_64.rpm", serverFor(t, bad)),
	}, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Error(t, results[0].Err)

	// Neither the final file nor a .tmp sibling survives.
	_, statErr := os.Stat(filepath.Join(cacheDir, "foo-1.0-1.x86_64.rpm"))
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(filepath.Join(cacheDir, "foo-1.0-1.x86_64.rpm.tmp"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestPeerWinsOverMirror(t *testing.T) {
	st := testStore(t)
	cacheDir := t.TempDir()

	peer, _ := peerFor(t, rpmBody())
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream contacted although a peer advertised the file")
	}))
	defer upstream.Close()

	pc := NewPeerClient(staticPeers{peer}, st, time.Second)
	c := New(testConfig(), cacheDir, st, pc)
	results, err := c.Run(context.Background(), []types.DownloadItem{
		item("foo-1.0-1.x86_64.rpm", serverFor(t, upstream)),
	}, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)

	r := results[0]
	require.NoError(t, r.Err)
	assert.Equal(t, types.SourcePeer, r.Source)
	assert.Equal(t, peer.Host, r.PeerHost)

	fromPeers, fromUpstream, _ := c.Stats()
	assert.Equal(t, 1, fromPeers)
	assert.Equal(t, 0, fromUpstream)

	// Provenance row with the SHA-256 of the received bytes.
	rows, err := st.ListPeerDownloadsByHost(context.Background(), peer.Host)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, r.SHA256, rows[0].SHA256)
}

func TestPeerServingGarbageFallsBackAndIsMarkedFailed(t *testing.T) {
	st := testStore(t)
	cacheDir := t.TempDir()

	peer, _ := peerFor(t, []byte{0, 0, 0, 0})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(rpmBody())
	}))
	defer upstream.Close()

	pc := NewPeerClient(staticPeers{peer}, st, time.Second)
	c := New(testConfig(), cacheDir, st, pc)
	results, err := c.Run(context.Background(), []types.DownloadItem{
		item("foo-1.0-1.x86_64.rpm", serverFor(t, upstream)),
	}, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)

	r := results[0]
	require.NoError(t, r.Err)
	assert.Equal(t, types.SourceUpstream, r.Source, "garbage peer falls back to upstream")

	failed := c.FailedPeers()
	require.Len(t, failed, 1)
	assert.Equal(t, peerKey(peer.Host, peer.Port), failed[0])

	fromPeers, fromUpstream, _ := c.Stats()
	assert.Equal(t, 0, fromPeers)
	assert.Equal(t, 1, fromUpstream)
}

func TestOnlyPeersModeFailsWithoutPeer(t *testing.T) {
	st := testStore(t)
	cacheDir := t.TempDir()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(rpmBody())
	}))
	defer upstream.Close()

	cfg := testConfig()
	cfg.OnlyPeers = true
	c := New(cfg, cacheDir, st, noPeers(st))
	results, err := c.Run(context.Background(), []types.DownloadItem{
		item("foo-1.0-1.x86_64.rpm", serverFor(t, upstream)),
	}, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Error(t, results[0].Err)
	assert.Contains(t, results[0].Err.Error(), "only-peers")
}

func TestOnlyPeersModeStillHitsCache(t *testing.T) {
	st := testStore(t)
	cacheDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(cacheDir, "foo-1.0-1.x86_64.rpm"), rpmBody(), 0o644))

	cfg := testConfig()
	cfg.OnlyPeers = true
	c := New(cfg, cacheDir, st, noPeers(st))
	results, err := c.Run(context.Background(), []types.DownloadItem{item("foo-1.0-1.x86_64.rpm")}, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Cached)
	assert.NoError(t, results[0].Err)
}

func TestBlacklistedPeerExcludedFromPlan(t *testing.T) {
	st := testStore(t)
	cacheDir := t.TempDir()

	peer, _ := peerFor(t, rpmBody())
	require.NoError(t, st.BlacklistPeer(context.Background(), peer.Host, peer.Port, "test"))

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(rpmBody())
	}))
	defer upstream.Close()

	pc := NewPeerClient(staticPeers{peer}, st, time.Second)
	c := New(testConfig(), cacheDir, st, pc)
	results, err := c.Run(context.Background(), []types.DownloadItem{
		item("foo-1.0-1.x86_64.rpm", serverFor(t, upstream)),
	}, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.Equal(t, types.SourceUpstream, results[0].Source)
}

func TestProgressCallbackReportsCompletion(t *testing.T) {
	st := testStore(t)
	cacheDir := t.TempDir()

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(rpmBody()[:4])
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		time.Sleep(30 * time.Millisecond)
		w.Write(rpmBody()[4:])
	}))
	defer slow.Close()

	var calls int
	var lastTotal int
	cb := func(currentPkg string, completed, total int, bytesDone, bytesTotal, _, _ int64, slots []SlotSnapshot) {
		calls++
		lastTotal = total
	}

	c := New(testConfig(), cacheDir, st, noPeers(st))
	results, err := c.Run(context.Background(), []types.DownloadItem{
		item("foo-1.0-1.x86_64.rpm", serverFor(t, slow)),
	}, cb)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)

	assert.Greater(t, calls, 0)
	assert.Equal(t, 1, lastTotal)
}

func TestEmptyRunReturnsNothing(t *testing.T) {
	st := testStore(t)
	c := New(testConfig(), t.TempDir(), st, noPeers(st))
	results, err := c.Run(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}
