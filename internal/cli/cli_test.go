package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rudransh-shrivastava/peer-trade/internal/config"
)

func TestLoadConfigFlagsOverride(t *testing.T) {
	envFile = filepath.Join(t.TempDir(), "missing.env")
	t.Cleanup(func() { envFile = ".env" })

	require.NoError(t, nodeCmd.Flags().Set("username", "bob"))
	require.NoError(t, nodeCmd.Flags().Set("discovery", "none"))
	require.NoError(t, nodeCmd.Flags().Set("stun", "stun:a:1,stun:b:2"))

	cfg, err := loadConfig(nodeCmd)
	require.NoError(t, err)

	assert.Equal(t, "bob", cfg.Username)
	assert.Equal(t, config.DiscoveryNone, cfg.Discovery)
	assert.Equal(t, []string{"stun:a:1", "stun:b:2"}, cfg.STUNServers)
	assert.Equal(t, config.Default().ListenAddr, cfg.ListenAddr)
}

func TestRunNodeReadsCommands(t *testing.T) {
	cfg := config.Default()
	cfg.NodeID = "node-test"
	cfg.Username = "bob"
	cfg.Discovery = config.DiscoveryNone
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.LogLevel = "error"

	in := strings.NewReader("peers\nhelp\n")
	var out bytes.Buffer

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, runNode(ctx, cfg, in, &out))

	assert.Contains(t, out.String(), "node node-test ready")
	assert.Contains(t, out.String(), "registered as bob")
	assert.Contains(t, out.String(), "commands:")
}
