// Package tcp implements transport.Transport over plain TCP. Every message
// is a length-prefixed frame, and both sides open with a Hello frame naming
// their node id.
package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/peer-trade/internal/logger"
	"github.com/rudransh-shrivastava/peer-trade/internal/protocol"
	"github.com/rudransh-shrivastava/peer-trade/internal/transport"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 60 * time.Second
)

type Options struct {
	LocalID    string
	ListenAddr string
	Logger     *logrus.Logger
}

type Transport struct {
	localID  string
	listener net.Listener
	codec    *protocol.Codec
	logger   *logrus.Logger

	incoming chan transport.Conn
	done     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

func New(opts Options) (*Transport, error) {
	ln, err := net.Listen("tcp", opts.ListenAddr)
	if err != nil {
		return nil, err
	}

	log := opts.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}

	t := &Transport{
		localID:  opts.LocalID,
		listener: ln,
		codec:    protocol.NewCodec(),
		logger:   log,
		incoming: make(chan transport.Conn, 16),
		done:     make(chan struct{}),
	}

	t.wg.Add(1)
	go t.acceptLoop()

	return t, nil
}

func (t *Transport) Addr() net.Addr {
	return t.listener.Addr()
}

func (t *Transport) Accept() <-chan transport.Conn {
	return t.incoming
}

// Connect dials metadata.Addr and verifies the remote identifies as peerID.
// An empty peerID accepts whichever node answers.
func (t *Transport) Connect(ctx context.Context, peerID string, metadata transport.ConnectionMetadata) (transport.Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", metadata.Addr)
	if err != nil {
		return nil, err
	}

	remoteID, err := t.handshake(nc)
	if err != nil {
		nc.Close()
		return nil, err
	}
	if peerID != "" && remoteID != peerID {
		nc.Close()
		return nil, fmt.Errorf("%w: dialed %s, got %s", transport.ErrPeerMismatch, peerID, remoteID)
	}

	return newConn(remoteID, nc), nil
}

func (t *Transport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.done)
		err = t.listener.Close()
		t.wg.Wait()
		close(t.incoming)
	})
	return err
}

func (t *Transport) acceptLoop() {
	defer t.wg.Done()

	for {
		nc, err := t.listener.Accept()
		if errors.Is(err, net.ErrClosed) {
			return
		}
		if err != nil {
			t.logger.Warnf("TCP accept error: %v", err)
			continue
		}

		t.wg.Add(1)
		go t.handleInbound(nc)
	}
}

func (t *Transport) handleInbound(nc net.Conn) {
	defer t.wg.Done()

	remoteID, err := t.handshake(nc)
	if err != nil {
		t.logger.Debugf("Handshake with %s failed: %v", nc.RemoteAddr(), err)
		nc.Close()
		return
	}

	c := newConn(remoteID, nc)
	select {
	case t.incoming <- c:
	case <-t.done:
		c.Close()
	}
}

// handshake sends our Hello and reads the remote one. Both sides write
// first, which is safe because a Hello fits in the socket buffer.
func (t *Transport) handshake(nc net.Conn) (string, error) {
	if err := nc.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return "", err
	}
	defer nc.SetDeadline(time.Time{})

	if err := t.codec.Encode(nc, &protocol.Hello{NodeID: t.localID}); err != nil {
		return "", fmt.Errorf("send hello: %w", err)
	}

	msg, err := t.codec.Decode(nc)
	if err != nil {
		return "", fmt.Errorf("read hello: %w", err)
	}
	hello, ok := msg.(*protocol.Hello)
	if !ok || hello.NodeID == "" {
		return "", fmt.Errorf("%w: expected hello, got %s", protocol.ErrMalformed, msg.Type())
	}
	if hello.NodeID == t.localID {
		return "", fmt.Errorf("%w: connected to self", transport.ErrPeerMismatch)
	}
	return hello.NodeID, nil
}

type conn struct {
	peerID string
	nc     net.Conn
	recv   chan []byte
	done   chan struct{}
	once   sync.Once
	wmu    sync.Mutex
}

func newConn(peerID string, nc net.Conn) *conn {
	c := &conn{
		peerID: peerID,
		nc:     nc,
		recv:   make(chan []byte, 64),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *conn) readLoop() {
	defer close(c.recv)

	for {
		data, err := protocol.ReadFrame(c.nc)
		if err != nil {
			return
		}
		select {
		case c.recv <- data:
		case <-c.done:
			return
		}
	}
}

func (c *conn) PeerID() string {
	return c.peerID
}

func (c *conn) Send(data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	select {
	case <-c.done:
		return transport.ErrClosed
	default:
	}

	if err := c.nc.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return protocol.WriteFrame(c.nc, data)
}

func (c *conn) Recv() <-chan []byte {
	return c.recv
}

func (c *conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.nc.Close()
	})
	return err
}
