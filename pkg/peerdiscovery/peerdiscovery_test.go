package peerdiscovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDatagramRoundTrip(t *testing.T) {
	a := announcement{Host: "10.0.0.5", Port: 8387, Version: "1"}
	data, err := buildDatagram(a)
	require.NoError(t, err)

	// Wire format: URPMD1 magic followed by the JSON payload.
	assert.Equal(t, magic, string(data[:len(magic)]))

	got, ok := parseDatagram(data)
	require.True(t, ok)
	assert.Equal(t, a, got)
}

func TestParseDatagramRejectsBadMagic(t *testing.T) {
	_, ok := parseDatagram([]byte(`XXXXXX{"host":"h","port":1,"version":"1"}`))
	assert.False(t, ok)
}

func TestParseDatagramRejectsShortAndMalformed(t *testing.T) {
	_, ok := parseDatagram([]byte("URP"))
	assert.False(t, ok)

	_, ok = parseDatagram([]byte(magic + "not-json"))
	assert.False(t, ok)
}

func TestRegistryStartsEmpty(t *testing.T) {
	r := New(DefaultConfig())
	assert.Empty(t, r.Peers())
}

func TestDefaultConfigPorts(t *testing.T) {
	cfg := DefaultConfig()
	assert.NotZero(t, cfg.BroadcastPort)
	assert.NotZero(t, cfg.LocalAPIPort)
	assert.NotEqual(t, cfg.BroadcastPort, cfg.LocalAPIPort)
}
