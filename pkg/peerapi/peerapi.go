// Package peerapi serves the minimal HTTP surface a urpmd daemon
// exposes to LAN peers: GET /api/peers, POST /api/have,
// GET /media/<path>, POST /api/invalidate-cache. One handler struct,
// a mux.HandleFunc per route, http.Error on failure, streamed bytes
// for artifacts.
package peerapi

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/urpmd/urpmd/pkg/log"
	"github.com/urpmd/urpmd/pkg/store"
	"github.com/urpmd/urpmd/pkg/types"
)

var peerapiLog = log.WithComponent("peerapi")

// CacheInvalidator is notified when the façade wants the daemon to drop
// its advertised cache listing after a download run.
type CacheInvalidator interface {
	InvalidateCache()
}

// Handler implements the four peer-facing endpoints over a cache
// directory and the package store.
type Handler struct {
	CacheDir   string
	SelfHost   string
	SelfPort   int
	Store      *store.Store
	Invalidate CacheInvalidator
}

// Mux returns an http.ServeMux with all four routes registered.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/peers", h.handlePeers)
	mux.HandleFunc("/api/have", h.handleHave)
	mux.HandleFunc("/api/invalidate-cache", h.handleInvalidateCache)
	mux.HandleFunc("/media/", h.handleMedia)
	return mux
}

type peersResponse struct {
	Peers []types.Peer `json:"peers"`
}

// handlePeers answers GET /api/peers with this daemon's own identity as
// a single-element peer list; a full mesh is assembled by each daemon
// independently via pkg/peerdiscovery, not by relaying through this
// endpoint.
func (h *Handler) handlePeers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := peersResponse{Peers: []types.Peer{{Host: h.SelfHost, Port: h.SelfPort, Media: h.advertisedMedia(), Alive: true}}}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (h *Handler) advertisedMedia() []string {
	entries, err := os.ReadDir(h.CacheDir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names
}

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

// handleHave answers POST /api/have: for each requested filename whose
// matching file exists in the cache with valid RPM magic, report its
// size and relative path.
func (h *Handler) handleHave(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req haveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var out haveResponse
	for _, filename := range req.Packages {
		full := filepath.Join(h.CacheDir, filepath.Base(filename))
		fi, err := os.Stat(full)
		if err != nil || fi.IsDir() {
			continue
		}
		if !fileHasRPMMagic(full) {
			continue
		}
		out.Available = append(out.Available, haveEntry{Filename: filename, Size: fi.Size(), Path: filename})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

var rpmMagic = [4]byte{0xED, 0xAB, 0xEE, 0xDB}

func fileHasRPMMagic(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	var buf [4]byte
	if _, err := f.Read(buf[:]); err != nil {
		return false
	}
	return buf == rpmMagic
}

// handleMedia serves raw RPM bytes for GET /media/<url-encoded path>,
// the endpoint pkg/download.downloadFromPeer fetches from.
func (h *Handler) handleMedia(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rel := strings.TrimPrefix(r.URL.Path, "/media/")
	clean := filepath.Clean("/" + rel) // collapse any ../ escape attempt
	filename := filepath.Base(clean)

	full := filepath.Join(h.CacheDir, filename)
	f, err := os.Open(full)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		http.Error(w, "stat failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-rpm")
	http.ServeContent(w, r, filename, fi.ModTime(), f)
}

// handleInvalidateCache answers POST /api/invalidate-cache: no body,
// 200 on acknowledged.
func (h *Handler) handleInvalidateCache(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.Invalidate != nil {
		h.Invalidate.InvalidateCache()
	}
	peerapiLog.Debug().Msg("cache invalidation acknowledged")
	w.WriteHeader(http.StatusOK)
}
