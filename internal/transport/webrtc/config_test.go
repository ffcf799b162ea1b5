package webrtc

import (
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestICEConfig(t *testing.T) {
	config := ICEConfig([]string{"stun:a:1", "stun:b:2"})

	require.Len(t, config.ICEServers, 1)
	assert.Equal(t, []string{"stun:a:1", "stun:b:2"}, config.ICEServers[0].URLs)
	assert.Equal(t, webrtc.ICETransportPolicyAll, config.ICETransportPolicy)

	assert.Empty(t, ICEConfig(nil).ICEServers)
}

func TestDefaultDataChannelConfig(t *testing.T) {
	config := DefaultDataChannelConfig()

	require.NotNil(t, config.Ordered)
	assert.True(t, *config.Ordered)
	assert.Nil(t, config.MaxRetransmits, "reliable delivery")
	require.NotNil(t, config.Protocol)
	assert.Equal(t, "peer-trade/1", *config.Protocol)
}
