// Package quic implements transport.Transport over QUIC. Each peer
// connection carries a single bidirectional control stream of
// length-prefixed frames, opened by the dialer and started with a Hello
// exchange.
package quic

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	quicgo "github.com/quic-go/quic-go"
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
	listener *quicgo.Listener
	tlsConf  *tls.Config
	quicConf *quicgo.Config
	codec    *protocol.Codec
	logger   *logrus.Logger

	incoming chan transport.Conn
	ctx      context.Context
	cancel   context.CancelFunc
	once     sync.Once
	wg       sync.WaitGroup
}

func New(opts Options) (*Transport, error) {
	tlsConf, err := DefaultTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("tls config: %w", err)
	}
	quicConf := DefaultQUICConfig()

	ln, err := quicgo.ListenAddr(opts.ListenAddr, tlsConf, quicConf)
	if err != nil {
		return nil, err
	}

	log := opts.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		localID:  opts.LocalID,
		listener: ln,
		tlsConf:  tlsConf,
		quicConf: quicConf,
		codec:    protocol.NewCodec(),
		logger:   log,
		incoming: make(chan transport.Conn, 16),
		ctx:      ctx,
		cancel:   cancel,
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

// Connect dials metadata.Addr, opens the control stream and verifies the
// remote identifies as peerID. An empty peerID accepts whichever node
// answers.
func (t *Transport) Connect(ctx context.Context, peerID string, metadata transport.ConnectionMetadata) (transport.Conn, error) {
	qc, err := quicgo.DialAddr(ctx, metadata.Addr, t.tlsConf, t.quicConf)
	if err != nil {
		return nil, err
	}

	stream, err := qc.OpenStreamSync(ctx)
	if err != nil {
		_ = qc.CloseWithError(0, "")
		return nil, err
	}

	remoteID, err := t.handshake(stream)
	if err != nil {
		_ = qc.CloseWithError(0, "")
		return nil, err
	}
	if peerID != "" && remoteID != peerID {
		_ = qc.CloseWithError(0, "")
		return nil, fmt.Errorf("%w: dialed %s, got %s", transport.ErrPeerMismatch, peerID, remoteID)
	}

	return newConn(remoteID, qc, stream), nil
}

func (t *Transport) Close() error {
	var err error
	t.once.Do(func() {
		t.cancel()
		err = t.listener.Close()
		t.wg.Wait()
		close(t.incoming)
	})
	return err
}

func (t *Transport) acceptLoop() {
	defer t.wg.Done()

	for {
		qc, err := t.listener.Accept(t.ctx)
		if err != nil {
			if t.ctx.Err() != nil || errors.Is(err, quicgo.ErrServerClosed) {
				return
			}
			t.logger.Warnf("QUIC accept error: %v", err)
			continue
		}

		t.wg.Add(1)
		go t.handleInbound(qc)
	}
}

func (t *Transport) handleInbound(qc *quicgo.Conn) {
	defer t.wg.Done()

	ctx, cancel := context.WithTimeout(t.ctx, handshakeTimeout)
	defer cancel()

	stream, err := qc.AcceptStream(ctx)
	if err != nil {
		t.logger.Debugf("No control stream from %s: %v", qc.RemoteAddr(), err)
		_ = qc.CloseWithError(0, "")
		return
	}

	remoteID, err := t.handshake(stream)
	if err != nil {
		t.logger.Debugf("Handshake with %s failed: %v", qc.RemoteAddr(), err)
		_ = qc.CloseWithError(0, "")
		return
	}

	c := newConn(remoteID, qc, stream)
	select {
	case t.incoming <- c:
	case <-t.ctx.Done():
		c.Close()
	}
}

func (t *Transport) handshake(stream *quicgo.Stream) (string, error) {
	if err := stream.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return "", err
	}
	defer stream.SetDeadline(time.Time{})

	if err := t.codec.Encode(stream, &protocol.Hello{NodeID: t.localID}); err != nil {
		return "", fmt.Errorf("send hello: %w", err)
	}

	msg, err := t.codec.Decode(stream)
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
	qc     *quicgo.Conn
	stream *quicgo.Stream
	recv   chan []byte
	done   chan struct{}
	once   sync.Once
	wmu    sync.Mutex
}

func newConn(peerID string, qc *quicgo.Conn, stream *quicgo.Stream) *conn {
	c := &conn{
		peerID: peerID,
		qc:     qc,
		stream: stream,
		recv:   make(chan []byte, 64),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *conn) readLoop() {
	defer close(c.recv)

	for {
		data, err := protocol.ReadFrame(c.stream)
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

	if err := c.stream.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return protocol.WriteFrame(c.stream, data)
}

func (c *conn) Recv() <-chan []byte {
	return c.recv
}

func (c *conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		_ = c.stream.Close()
		err = c.qc.CloseWithError(0, "")
	})
	return err
}
