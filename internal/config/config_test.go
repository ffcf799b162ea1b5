package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, DiscoveryLAN, cfg.Discovery)
	assert.Equal(t, TransportTCP, cfg.Transport)
	assert.Len(t, cfg.STUNServers, 5)
	assert.Equal(t, "239.255.42.99:9876", cfg.MulticastAddr)
	assert.Empty(t, cfg.NodeID)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"PEERTRADE_USERNAME":        "alice",
		"PEERTRADE_DISCOVERY":       "rendezvous",
		"PEERTRADE_STUN_SERVERS":    "stun:a:1, ,stun:b:2",
		"PEERTRADE_BEACON_INTERVAL": "500ms",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, cfg.applyEnv(lookup))

	assert.Equal(t, "alice", cfg.Username)
	assert.Equal(t, DiscoveryRendezvous, cfg.Discovery)
	assert.Equal(t, []string{"stun:a:1", "stun:b:2"}, cfg.STUNServers)
	assert.Equal(t, 500*time.Millisecond, cfg.BeaconInterval)
	assert.Equal(t, 10*time.Second, cfg.PeerTTL)
}

func TestApplyEnvBadDuration(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(func(k string) (string, bool) {
		if k == "PEERTRADE_PEER_TTL" {
			return "forever", true
		}
		return "", false
	})
	assert.ErrorContains(t, err, "PEERTRADE_PEER_TTL")
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("PEERTRADE_LOG_LEVEL=debug\n"), 0o644))
	t.Setenv("PEERTRADE_LOG_LEVEL", "")
	os.Unsetenv("PEERTRADE_LOG_LEVEL")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadMissingEnvFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, DiscoveryLAN, cfg.Discovery)
}

func TestFinalize(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Finalize())
	assert.NotEmpty(t, cfg.NodeID)

	id := cfg.NodeID
	require.NoError(t, cfg.Finalize())
	assert.Equal(t, id, cfg.NodeID)

	cfg.Discovery = "carrier-pigeon"
	assert.ErrorIs(t, cfg.Finalize(), ErrInvalidDiscovery)

	cfg = Default()
	cfg.Transport = TransportWebRTC
	assert.ErrorIs(t, cfg.Finalize(), ErrInvalidTransport)

	cfg.Discovery = DiscoveryRendezvous
	assert.NoError(t, cfg.Finalize())

	cfg = Default()
	cfg.Transport = TransportQUIC
	assert.NoError(t, cfg.Finalize())

	cfg.Transport = "pigeon"
	assert.ErrorIs(t, cfg.Finalize(), ErrInvalidTransport)
}
