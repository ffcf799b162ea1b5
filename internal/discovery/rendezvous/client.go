// Package rendezvous discovers peers through a rendezvous server. The same
// connection carries WebRTC signaling, so Client also serves as the
// transport.Signaler for the webrtc transport.
package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/peer-trade/internal/discovery"
	"github.com/rudransh-shrivastava/peer-trade/internal/logger"
	"github.com/rudransh-shrivastava/peer-trade/internal/protocol"
	server "github.com/rudransh-shrivastava/peer-trade/internal/rendezvous"
	"github.com/rudransh-shrivastava/peer-trade/internal/transport"
)

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
)

var ErrNotConnected = errors.New("not connected to rendezvous server")

type Options struct {
	LocalID string
	// ServerAddr is the rendezvous server to register with, either host:port
	// or a ws:// or wss:// URL.
	ServerAddr string
	// Advertise is the stream transport address other peers should dial.
	// A wildcard host is replaced by the server with our source address.
	Advertise string
	Logger    *logrus.Logger
}

type Client struct {
	opts   Options
	codec  *protocol.Codec
	logger *logrus.Logger

	conn net.Conn
	wmu  sync.Mutex

	events  chan discovery.Event
	signals chan transport.Signal
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

var (
	_ discovery.Discovery = (*Client)(nil)
	_ transport.Signaler  = (*Client)(nil)
)

func New(opts Options) *Client {
	log := opts.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &Client{
		opts:    opts,
		codec:   protocol.NewCodec(),
		logger:  log,
		events:  make(chan discovery.Event, 64),
		signals: make(chan transport.Signal, 16),
		done:    make(chan struct{}),
	}
}

// Start connects to the server and registers. The peer list the server
// answers with arrives on Events.
func (c *Client) Start(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, err := dial(dialCtx, c.opts.ServerAddr)
	if err != nil {
		return fmt.Errorf("dial rendezvous server: %w", err)
	}
	c.conn = conn

	if err := c.write(&protocol.RendezvousRegister{NodeID: c.opts.LocalID, Addr: c.opts.Advertise}); err != nil {
		conn.Close()
		return fmt.Errorf("register: %w", err)
	}

	c.wg.Add(1)
	go c.readLoop()

	c.logger.WithField("server", c.opts.ServerAddr).Info("Registered with rendezvous server")
	return nil
}

func dial(ctx context.Context, addr string) (net.Conn, error) {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return server.DialWebSocket(ctx, addr)
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

func (c *Client) Events() <-chan discovery.Event {
	return c.events
}

func (c *Client) RecvSignal() <-chan transport.Signal {
	return c.signals
}

// SendSignal asks the server to relay payload to peerID.
func (c *Client) SendSignal(ctx context.Context, peerID string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.write(&protocol.RendezvousSignal{PeerID: peerID, Payload: payload})
}

func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		if c.conn != nil {
			err = c.conn.Close()
			c.wg.Wait()
		}
	})
	return err
}

func (c *Client) write(msg protocol.Message) error {
	if c.conn == nil {
		return ErrNotConnected
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.codec.Encode(c.conn, msg)
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	defer close(c.signals)

	for {
		msg, err := c.codec.Decode(c.conn)
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownMessage) || errors.Is(err, protocol.ErrMalformed) {
				c.logger.Debugf("Dropping message from rendezvous server: %v", err)
				continue
			}
			select {
			case <-c.done:
			default:
				c.logger.Warnf("Lost connection to rendezvous server: %v", err)
			}
			return
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.RendezvousPeers:
		for _, p := range m.Peers {
			c.emit(discovery.Event{Kind: discovery.Found, PeerID: p.NodeID, Addr: p.Addr})
		}
	case *protocol.RendezvousJoined:
		c.emit(discovery.Event{Kind: discovery.Found, PeerID: m.Peer.NodeID, Addr: m.Peer.Addr})
	case *protocol.RendezvousLeft:
		c.emit(discovery.Event{Kind: discovery.Lost, PeerID: m.Peer.NodeID})
	case *protocol.RendezvousSignal:
		select {
		case c.signals <- transport.Signal{PeerID: m.PeerID, Payload: m.Payload}:
		case <-c.done:
		}
	case *protocol.Error:
		c.logger.WithField("code", m.Code.String()).Warnf("Rendezvous server: %s", m.Message)
	default:
		c.logger.Debugf("Ignoring %s from rendezvous server", msg.Type())
	}
}

func (c *Client) emit(e discovery.Event) {
	if e.PeerID == "" || e.PeerID == c.opts.LocalID {
		return
	}
	select {
	case c.events <- e:
	case <-c.done:
	}
}
