package node_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	rdv "github.com/rudransh-shrivastava/peer-trade/internal/discovery/rendezvous"
	"github.com/rudransh-shrivastava/peer-trade/internal/network"
	"github.com/rudransh-shrivastava/peer-trade/internal/node"
	"github.com/rudransh-shrivastava/peer-trade/internal/rendezvous"
	"github.com/rudransh-shrivastava/peer-trade/internal/trade"
	"github.com/rudransh-shrivastava/peer-trade/internal/transfer"
	"github.com/rudransh-shrivastava/peer-trade/internal/transport/tcp"
)

// Network runs a rendezvous server and real nodes talking over TCP.
type Network struct {
	t      *testing.T
	ctx    context.Context
	cancel context.CancelFunc
	server *rendezvous.Server
	wg     sync.WaitGroup
}

func NewNetwork(t *testing.T) *Network {
	t.Helper()

	srv, err := rendezvous.NewServer(rendezvous.Config{Addr: "127.0.0.1:0"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	n := &Network{t: t, ctx: ctx, cancel: cancel, server: srv}

	go func() { _ = srv.Start(ctx) }()
	t.Cleanup(n.Close)
	return n
}

type testNode struct {
	*node.Node
	out *lockedBuffer
	dir string
}

func (n *Network) NewNode(id string) *testNode {
	n.t.Helper()

	tr, err := tcp.New(tcp.Options{LocalID: id, ListenAddr: "127.0.0.1:0"})
	require.NoError(n.t, err)

	mesh := network.New(network.Options{LocalID: id, Transport: tr})
	mesh.Start()

	disc := rdv.New(rdv.Options{LocalID: id, ServerAddr: n.server.Addr(), Advertise: tr.Addr().String()})

	tn := &testNode{out: &lockedBuffer{}, dir: n.t.TempDir()}
	tn.Node = node.New(node.Options{
		ID:        id,
		Mesh:      mesh,
		Discovery: disc,
		Jobs:      transfer.NewWorker(n.ctx, transfer.Options{}),
		Out:       tn.out,
	})

	require.NoError(n.t, disc.Start(n.ctx))

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		_ = tn.Run(n.ctx)
		_ = disc.Close()
		_ = mesh.Close()
		_ = tr.Close()
	}()
	return tn
}

func (n *Network) Close() {
	n.cancel()
	n.wg.Wait()
	_ = n.server.Shutdown()
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (tn *testNode) exec(t *testing.T, line string) {
	t.Helper()
	require.NoError(t, tn.Submit(context.Background(), line))
}

func (tn *testNode) waitOutput(t *testing.T, substr string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return strings.Contains(tn.out.String(), substr)
	}, 10*time.Second, 20*time.Millisecond, "output never contained %q:\n%s", substr, tn.out.String())
}

func (tn *testNode) waitState(t *testing.T, state trade.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		snap, err := tn.Snapshot(context.Background())
		if err != nil {
			return false
		}
		for _, e := range snap.Trades {
			if e.State == state && (state != trade.Accepted || e.Received) {
				return true
			}
		}
		return false
	}, 10*time.Second, 20*time.Millisecond)
}

func TestTradeOverTCP(t *testing.T) {
	net := NewNetwork(t)

	a := net.NewNode("node-a")
	b := net.NewNode("node-b")

	a.exec(t, "register bob")
	b.exec(t, "register alice")
	a.waitOutput(t, "* alice is online")
	b.waitOutput(t, "* bob is online")

	notes := filepath.Join(a.dir, "notes.rs")
	lecture := filepath.Join(b.dir, "lecture.md")
	require.NoError(t, os.WriteFile(notes, []byte("fn main() {}"), 0o644))
	require.NoError(t, os.WriteFile(lecture, []byte("# Lecture 1"), 0o644))

	a.exec(t, "send hi alice")
	b.waitOutput(t, "[bob] hi alice")

	a.exec(t, "trade notes.rs "+notes+" alice lecture.md "+filepath.Join(a.dir, "lecture.md"))
	b.waitOutput(t, "bob offers notes.rs")
	b.exec(t, "accept bob notes.rs "+filepath.Join(b.dir, "notes.rs")+" lecture.md "+lecture)

	a.waitState(t, trade.Accepted)
	b.waitState(t, trade.Accepted)

	got, err := os.ReadFile(filepath.Join(b.dir, "notes.rs"))
	require.NoError(t, err)
	require.Equal(t, "fn main() {}", string(got))

	got, err = os.ReadFile(filepath.Join(a.dir, "lecture.md"))
	require.NoError(t, err)
	require.Equal(t, "# Lecture 1", string(got))
}
