package network

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rudransh-shrivastava/peer-trade/internal/protocol"
	"github.com/rudransh-shrivastava/peer-trade/internal/transport"
	"github.com/rudransh-shrivastava/peer-trade/internal/transport/tcp"
)

// stalledConn accepts writes only when released, like a peer that stopped
// reading without closing.
type stalledConn struct {
	id      string
	recv    chan []byte
	entered chan struct{}
	release chan struct{}
	closed  chan struct{}
	once    sync.Once
}

func newStalledConn(id string) *stalledConn {
	return &stalledConn{
		id:      id,
		recv:    make(chan []byte),
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
		closed:  make(chan struct{}),
	}
}

func (c *stalledConn) PeerID() string      { return c.id }
func (c *stalledConn) Recv() <-chan []byte { return c.recv }

func (c *stalledConn) Send([]byte) error {
	select {
	case c.entered <- struct{}{}:
	default:
	}
	select {
	case <-c.release:
		return nil
	case <-c.closed:
		return transport.ErrClosed
	}
}

func (c *stalledConn) Close() error {
	c.once.Do(func() {
		close(c.closed)
		close(c.recv)
	})
	return nil
}

type chanTransport struct {
	accept chan transport.Conn
}

func (t *chanTransport) Connect(context.Context, string, transport.ConnectionMetadata) (transport.Conn, error) {
	return nil, errors.New("dial not supported")
}
func (t *chanTransport) Accept() <-chan transport.Conn { return t.accept }
func (t *chanTransport) Close() error                  { return nil }

func stalledMesh(t *testing.T) (*Mesh, *stalledConn) {
	t.Helper()
	tr := &chanTransport{accept: make(chan transport.Conn, 1)}
	m := New(Options{LocalID: "a", Transport: tr})
	m.Start()
	t.Cleanup(func() { _ = m.Close() })

	c := newStalledConn("b")
	tr.accept <- c
	waitEvent(t, m, PeerUp)
	return m, c
}

func newMesh(t *testing.T, id string) (*Mesh, *tcp.Transport) {
	t.Helper()
	tr, err := tcp.New(tcp.Options{LocalID: id, ListenAddr: "127.0.0.1:0"})
	require.NoError(t, err)

	m := New(Options{LocalID: id, Transport: tr})
	m.Start()
	t.Cleanup(func() {
		_ = m.Close()
		_ = tr.Close()
	})
	return m, tr
}

func waitEvent(t *testing.T, m *Mesh, kind EventKind) Event {
	t.Helper()
	select {
	case e := <-m.Events():
		require.Equal(t, kind, e.Kind)
		return e
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for peer %s", kind)
		return Event{}
	}
}

func waitInbound(t *testing.T, m *Mesh) Inbound {
	t.Helper()
	select {
	case in := <-m.Inbound():
		return in
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for inbound message")
		return Inbound{}
	}
}

func TestShouldDial(t *testing.T) {
	m := New(Options{LocalID: "b"})
	assert.True(t, m.ShouldDial("c"))
	assert.False(t, m.ShouldDial("a"))
}

func TestMeshSendAndBroadcast(t *testing.T) {
	a, _ := newMesh(t, "a")
	b, trB := newMesh(t, "b")

	b.Dial("a", "ignored")
	a.Dial("b", trB.Addr().String())

	assert.Equal(t, "b", waitEvent(t, a, PeerUp).PeerID)
	assert.Equal(t, "a", waitEvent(t, b, PeerUp).PeerID)
	assert.Equal(t, []string{"b"}, a.Peers())
	assert.True(t, b.Connected("a"))

	require.NoError(t, a.Send("b", &protocol.DirectMessage{Text: "psst"}))
	in := waitInbound(t, b)
	assert.Equal(t, "a", in.From)
	assert.Equal(t, &protocol.DirectMessage{Text: "psst"}, in.Msg)

	assert.Equal(t, 1, b.Broadcast(&protocol.Chat{Text: "hello all"}))
	in = waitInbound(t, a)
	assert.Equal(t, "b", in.From)
	assert.Equal(t, &protocol.Chat{Text: "hello all"}, in.Msg)
}

func TestMeshSendUnknownPeer(t *testing.T) {
	a, _ := newMesh(t, "a")

	err := a.Send("nobody", &protocol.Chat{Text: "x"})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Zero(t, a.Broadcast(&protocol.Chat{Text: "x"}))
}

func TestMeshPeerDown(t *testing.T) {
	a, _ := newMesh(t, "a")
	b, trB := newMesh(t, "b")

	a.Dial("b", trB.Addr().String())
	waitEvent(t, a, PeerUp)
	waitEvent(t, b, PeerUp)

	require.NoError(t, b.Close())

	e := waitEvent(t, a, PeerDown)
	assert.Equal(t, "b", e.PeerID)
	assert.False(t, a.Connected("b"))
}

func TestMeshSendReportsOutcome(t *testing.T) {
	a, _ := newMesh(t, "a")
	b, trB := newMesh(t, "b")

	a.Dial("b", trB.Addr().String())
	waitEvent(t, a, PeerUp)
	waitEvent(t, b, PeerUp)

	msg := &protocol.TradeAccept{OfferID: "b-1", FileBytes: []byte("lecture")}
	require.NoError(t, a.Send("b", msg))

	e := waitEvent(t, a, Sent)
	assert.Equal(t, "b", e.PeerID)
	assert.Equal(t, msg, e.Msg)
	assert.NoError(t, e.Err)
	assert.Equal(t, msg, waitInbound(t, b).Msg)
}

func TestMeshStalledPeerDoesNotBlockSend(t *testing.T) {
	m, c := stalledMesh(t)

	require.NoError(t, m.Send("b", &protocol.TradeDeliver{OfferID: "a-1", FileBytes: make([]byte, 1<<20)}))
	select {
	case <-c.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("writer never picked up the message")
	}

	start := time.Now()
	for i := 0; i < sendQueueSize; i++ {
		require.NoError(t, m.Send("b", &protocol.Chat{Text: "queued"}))
	}
	assert.ErrorIs(t, m.Send("b", &protocol.Chat{Text: "one too many"}), ErrSendQueueFull)
	assert.Less(t, time.Since(start), time.Second)

	close(c.release)
	e := waitEvent(t, m, Sent)
	assert.IsType(t, &protocol.TradeDeliver{}, e.Msg)
	assert.NoError(t, e.Err)
}

func TestMeshReportsUndeliveredOnHangUp(t *testing.T) {
	m, c := stalledMesh(t)

	require.NoError(t, m.Send("b", &protocol.TradeAccept{OfferID: "b-1"}))
	<-c.entered
	require.NoError(t, m.Send("b", &protocol.DirectMessage{Text: "behind"}))

	_ = c.Close()

	var down, failed int
	for i := 0; i < 3; i++ {
		select {
		case e := <-m.Events():
			switch e.Kind {
			case PeerDown:
				down++
			case Sent:
				assert.Error(t, e.Err)
				failed++
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	assert.Equal(t, 1, down)
	assert.Equal(t, 2, failed)
	assert.False(t, m.Connected("b"))
}
