package lan

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rudransh-shrivastava/peer-trade/internal/discovery"
	"github.com/rudransh-shrivastava/peer-trade/internal/protocol"
)

var localIP = net.IPv4(192, 168, 1, 20)

func TestHandleBeacon(t *testing.T) {
	l := New(Options{LocalID: "self"})

	events := l.handle(&protocol.Beacon{NodeID: "p1", Port: 7400}, localIP)
	require.Len(t, events, 1)
	assert.Equal(t, discovery.Event{Kind: discovery.Found, PeerID: "p1", Addr: "192.168.1.20:7400"}, events[0])

	assert.Empty(t, l.handle(&protocol.Beacon{NodeID: "p1", Port: 7400}, localIP), "repeat beacon")

	events = l.handle(&protocol.Beacon{NodeID: "p1", Port: 7401}, localIP)
	require.Len(t, events, 1)
	assert.Equal(t, "192.168.1.20:7401", events[0].Addr)
}

func TestHandleIgnoresSelf(t *testing.T) {
	l := New(Options{LocalID: "self"})
	assert.Empty(t, l.handle(&protocol.Beacon{NodeID: "self", Port: 1}, localIP))
	assert.Empty(t, l.handle(&protocol.Beacon{Port: 1}, localIP))
}

func TestHandleLeaving(t *testing.T) {
	l := New(Options{LocalID: "self"})

	assert.Empty(t, l.handle(&protocol.Beacon{NodeID: "p1", Leaving: true}, localIP))

	l.handle(&protocol.Beacon{NodeID: "p1", Port: 7400}, localIP)
	events := l.handle(&protocol.Beacon{NodeID: "p1", Leaving: true}, localIP)
	require.Len(t, events, 1)
	assert.Equal(t, discovery.Lost, events[0].Kind)
	assert.Equal(t, "p1", events[0].PeerID)
}

func TestSweepExpiresSilentPeers(t *testing.T) {
	now := time.Unix(1000, 0)
	l := New(Options{LocalID: "self", TTL: 10 * time.Second})
	l.now = func() time.Time { return now }

	l.handle(&protocol.Beacon{NodeID: "old", Port: 1}, localIP)
	now = now.Add(8 * time.Second)
	l.handle(&protocol.Beacon{NodeID: "fresh", Port: 2}, localIP)

	assert.Empty(t, l.sweep(now))

	events := l.sweep(now.Add(5 * time.Second))
	require.Len(t, events, 1)
	assert.Equal(t, discovery.Event{Kind: discovery.Lost, PeerID: "old", Addr: "192.168.1.20:1"}, events[0])

	// rediscovered after expiry
	events = l.handle(&protocol.Beacon{NodeID: "old", Port: 1}, localIP)
	require.Len(t, events, 1)
	assert.Equal(t, discovery.Found, events[0].Kind)
}

func TestCloseBeforeStart(t *testing.T) {
	l := New(Options{LocalID: "self"})
	assert.NoError(t, l.Close())
	assert.ErrorIs(t, l.send(&protocol.Beacon{NodeID: "self"}), ErrNotStarted)
}

func TestMulticastLoopback(t *testing.T) {
	if testing.Short() {
		t.Skip("needs a multicast capable interface")
	}

	opts := Options{Group: "239.255.42.99:19876", Interval: 100 * time.Millisecond}

	optsA := opts
	optsA.LocalID, optsA.Port = "node-a", 7001
	a := New(optsA)

	optsB := opts
	optsB.LocalID, optsB.Port = "node-b", 7002
	b := New(optsB)

	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Skipf("multicast unavailable: %v", err)
	}
	defer a.Close()
	require.NoError(t, b.Start(ctx))

	select {
	case e := <-a.Events():
		assert.Equal(t, discovery.Found, e.Kind)
		assert.Equal(t, "node-b", e.PeerID)
	case <-time.After(3 * time.Second):
		t.Skip("no multicast loopback on this host")
	}

	require.NoError(t, b.Close())
	select {
	case e := <-a.Events():
		assert.Equal(t, discovery.Lost, e.Kind)
		assert.Equal(t, "node-b", e.PeerID)
	case <-time.After(3 * time.Second):
		t.Fatal("leaving beacon not received")
	}
}
