// Package config loads urpmd's on-disk YAML configuration, the shared
// settings file of the daemon and the CLI.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level shape of /etc/urpmd/urpmd.yaml.
type Config struct {
	Store    StoreConfig    `yaml:"store"`
	Download DownloadConfig `yaml:"download"`
	Peer     PeerConfig     `yaml:"peer"`
	Mirror   MirrorConfig   `yaml:"mirror"`
	Log      LogConfig      `yaml:"log"`
}

// StoreConfig controls the SQLite-backed package database.
type StoreConfig struct {
	// Path is the database file location.
	Path string `yaml:"path"`

	// CacheDir holds downloaded .rpm files pending or after install.
	CacheDir string `yaml:"cache_dir"`

	// CacheQuotaBytes is the soft limit the cache accounting enforces;
	// zero means unlimited.
	CacheQuotaBytes int64 `yaml:"cache_quota_bytes"`

	// LockRetries/LockBaseDelay govern the commit-under-contention
	// backoff used by begin/complete/abort_transaction.
	LockRetries   int           `yaml:"lock_retries"`
	LockBaseDelay time.Duration `yaml:"lock_base_delay"`
}

// DownloadConfig controls the parallel download coordinator.
type DownloadConfig struct {
	// WorkerSlots is the fixed number of download worker goroutines.
	WorkerSlots int `yaml:"worker_slots"`

	// MaxRetries is the per-server attempt count on transient errors.
	MaxRetries int `yaml:"max_retries"`

	// RetryBackoff lists the linear per-attempt delays; len should equal
	// MaxRetries.
	RetryBackoff []time.Duration `yaml:"retry_backoff"`

	// ConnectTimeout bounds a single HTTP download attempt's connection
	// phase.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// PeerHaveTimeout bounds a single peer /api/have query.
	PeerHaveTimeout time.Duration `yaml:"peer_have_timeout"`

	// ProgressPollInterval is how often the coordinator's main loop
	// snapshots active slots and invokes the progress callback.
	ProgressPollInterval time.Duration `yaml:"progress_poll_interval"`

	// SpeedWindowSamples is the rolling-window size for per-slot speed
	// computation.
	SpeedWindowSamples int `yaml:"speed_window_samples"`
}

// PeerConfig controls LAN peer discovery and the peer-facing HTTP surface.
type PeerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	BroadcastAddr   string        `yaml:"broadcast_addr"`
	DiscoveryPort   int           `yaml:"discovery_port"`
	AnnounceEvery   time.Duration `yaml:"announce_every"`
	BlacklistExpiry time.Duration `yaml:"blacklist_expiry"`
}

// MirrorConfig holds the file's mirror-mode settings. The store seeds
// each media's mirror_config row itself (sharing off) and does not read
// these values.
type MirrorConfig struct {
	ShareEnabled     bool     `yaml:"share_enabled"`
	DisabledVersions []string `yaml:"disabled_versions"`
}

// LogConfig mirrors pkg/log.Config in YAML-serializable form.
type LogConfig struct {
	Level      string `yaml:"level"`
	JSONOutput bool   `yaml:"json_output"`
	File       string `yaml:"file"`
}

// Default returns the configuration defaults taken from the resolution's
// source implementation: 4 worker slots, 3 retries with 1s/2s/3s linear
// backoff, a 30s connect timeout, and a 2s peer have timeout.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Path:          "/var/lib/urpmd/urpmd.db",
			CacheDir:      "/var/cache/urpmd/rpms",
			LockRetries:   10,
			LockBaseDelay: 500 * time.Millisecond,
		},
		Download: DownloadConfig{
			WorkerSlots: 4,
			MaxRetries:  3,
			RetryBackoff: []time.Duration{
				1 * time.Second,
				2 * time.Second,
				3 * time.Second,
			},
			ConnectTimeout:       30 * time.Second,
			PeerHaveTimeout:      2 * time.Second,
			ProgressPollInterval: 100 * time.Millisecond,
			SpeedWindowSamples:   10,
		},
		Peer: PeerConfig{
			ListenAddr:      ":8387",
			BroadcastAddr:   "255.255.255.255:8388",
			DiscoveryPort:   8388,
			AnnounceEvery:   30 * time.Second,
			BlacklistExpiry: 1 * time.Hour,
		},
		Mirror: MirrorConfig{
			ShareEnabled: false,
		},
		Log: LogConfig{
			Level:      "info",
			JSONOutput: true,
		},
	}
}

// Load reads and parses the YAML file at path over Default(): fields the
// file does not mention keep their default value, while a field the file
// sets explicitly (even to zero) takes the file's value. A missing file is not an
// error: Load returns Default() unchanged, the way a fresh install has no
// /etc/urpmd/urpmd.yaml yet.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}
