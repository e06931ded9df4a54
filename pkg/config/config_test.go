package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_OverridesMergeOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "urpmd.yaml")

	yamlContent := `
download:
  worker_slots: 8
log:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Download.WorkerSlots)
	assert.Equal(t, "debug", cfg.Log.Level)

	// Untouched sections keep their defaults.
	assert.Equal(t, 3, cfg.Download.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Download.PeerHaveTimeout)
	assert.Equal(t, "/var/lib/urpmd/urpmd.db", cfg.Store.Path)
}

func TestLoad_InvalidYAMLReturnsError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "urpmd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("not: [valid: yaml"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestDefault_RetryBackoffMatchesSpec(t *testing.T) {
	cfg := Default()
	require.Len(t, cfg.Download.RetryBackoff, 3)
	assert.Equal(t, time.Second, cfg.Download.RetryBackoff[0])
	assert.Equal(t, 2*time.Second, cfg.Download.RetryBackoff[1])
	assert.Equal(t, 3*time.Second, cfg.Download.RetryBackoff[2])
}
