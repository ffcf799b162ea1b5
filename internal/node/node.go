// Package node runs the peer's event loop. One goroutine owns the peer
// directory and the trade table, and every command, inbound message, peer
// event and finished file job is handled there one at a time.
package node

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/peer-trade/internal/directory"
	"github.com/rudransh-shrivastava/peer-trade/internal/discovery"
	"github.com/rudransh-shrivastava/peer-trade/internal/logger"
	"github.com/rudransh-shrivastava/peer-trade/internal/network"
	"github.com/rudransh-shrivastava/peer-trade/internal/protocol"
	"github.com/rudransh-shrivastava/peer-trade/internal/store"
	"github.com/rudransh-shrivastava/peer-trade/internal/trade"
	"github.com/rudransh-shrivastava/peer-trade/internal/transfer"
)

var (
	ErrNotRegistered = errors.New("register a username first")
	ErrStopped       = errors.New("node stopped")
)

// Mesh is the connection layer the node talks to peers through.
type Mesh interface {
	Inbound() <-chan network.Inbound
	Events() <-chan network.Event
	Send(peerID string, msg protocol.Message) error
	Broadcast(msg protocol.Message) int
	Dial(peerID, addr string)
	Connected(peerID string) bool
	Peers() []string
}

// Jobs runs file loads and stores in the background and reports each
// completion on Results.
type Jobs interface {
	trade.Jobs
	Results() <-chan transfer.Result
}

type Options struct {
	ID        string
	Mesh      Mesh
	Discovery discovery.Discovery
	Jobs      Jobs
	Files     trade.Files
	// Inbox keeps chat history. Optional.
	Inbox  store.InboxRepository
	Out    io.Writer
	Logger *logrus.Logger
}

type Node struct {
	id     string
	dir    *directory.Directory
	trades *trade.Machine

	mesh   Mesh
	disc   discovery.Discovery
	jobs   Jobs
	inbox  store.InboxRepository
	out    io.Writer
	logger *logrus.Logger

	lines chan string
	calls chan func()
	done  chan struct{}
}

func New(opts Options) *Node {
	log := opts.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}
	out := opts.Out
	if out == nil {
		out = io.Discard
	}
	files := opts.Files
	if files == nil {
		files = transfer.OSFiles{}
	}
	disc := opts.Discovery
	if disc == nil {
		disc = discovery.NewNop()
	}

	dir := directory.New(opts.ID)

	return &Node{
		id:  opts.ID,
		dir: dir,
		trades: trade.New(trade.Options{
			LocalID:   opts.ID,
			Nonce:     uuid.NewString()[:8],
			Directory: dir,
			Sender:    opts.Mesh,
			Files:     files,
			Jobs:      opts.Jobs,
		}),
		mesh:   opts.Mesh,
		disc:   disc,
		jobs:   opts.Jobs,
		inbox:  opts.Inbox,
		out:    out,
		logger: log,
		lines:  make(chan string, 100),
		calls:  make(chan func()),
		done:   make(chan struct{}),
	}
}

func (n *Node) ID() string {
	return n.id
}

// Run processes events until ctx is cancelled.
func (n *Node) Run(ctx context.Context) error {
	defer close(n.done)

	discEvents := n.disc.Events()
	n.logger.WithField("id", n.id).Info("Node started")

	for {
		select {
		case <-ctx.Done():
			n.logger.Info("Node stopping")
			return nil

		case line := <-n.lines:
			if n.handleLine(ctx, line) {
				n.logger.Info("Node stopping")
				return nil
			}

		case in := <-n.mesh.Inbound():
			n.handleMessage(ctx, in.From, in.Msg)

		case ev := <-n.mesh.Events():
			n.handlePeerEvent(ev)

		case ev, ok := <-discEvents:
			if !ok {
				discEvents = nil
				continue
			}
			n.handleDiscovery(ev)

		case res := <-n.jobs.Results():
			n.handleResult(res)

		case fn := <-n.calls:
			fn()
		}
	}
}

// Submit queues a command line for the event loop.
func (n *Node) Submit(ctx context.Context, line string) error {
	select {
	case <-n.done:
		return ErrStopped
	default:
	}

	select {
	case n.lines <- line:
		return nil
	case <-n.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReadCommands submits every line read from r until r is exhausted or ctx
// is cancelled.
func (n *Node) ReadCommands(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if err := n.Submit(ctx, scanner.Text()); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// Snapshot is a copy of the node's state taken on the event loop.
type Snapshot struct {
	Username string
	Peers    []directory.Record
	Trades   []trade.Entry
}

func (n *Node) Snapshot(ctx context.Context) (Snapshot, error) {
	result := make(chan Snapshot, 1)
	fn := func() {
		_, username := n.dir.Local()
		result <- Snapshot{
			Username: username,
			Peers:    n.dir.Records(),
			Trades:   n.trades.Entries(),
		}
	}

	select {
	case n.calls <- fn:
	case <-n.done:
		return Snapshot{}, ErrStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	return <-result, nil
}

func (n *Node) printf(format string, args ...any) {
	fmt.Fprintf(n.out, format+"\n", args...)
}

// name renders a peer for display, falling back to a short id.
func (n *Node) name(peerID string) string {
	if username, ok := n.dir.Username(peerID); ok {
		return username
	}
	return short(peerID)
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
