// Package webrtc implements transport.Transport over WebRTC data channels.
// Session descriptions travel through a transport.Signaler; ICE is not
// trickled, each description is sent once gathering has completed.
package webrtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/peer-trade/internal/logger"
	"github.com/rudransh-shrivastava/peer-trade/internal/transport"
)

const answerTimeout = 30 * time.Second

type Options struct {
	Signaler    transport.Signaler
	STUNServers []string
	Logger      *logrus.Logger
}

type Transport struct {
	config   webrtc.Configuration
	signaler transport.Signaler
	logger   *logrus.Logger

	connections map[string]*connection
	incoming    chan transport.Conn
	mu          sync.Mutex

	done chan struct{}
	once sync.Once
}

// New creates a WebRTC transport and starts consuming signals from
// opts.Signaler.
func New(opts Options) *Transport {
	log := opts.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}

	t := &Transport{
		config:      ICEConfig(opts.STUNServers),
		signaler:    opts.Signaler,
		logger:      log,
		connections: make(map[string]*connection),
		incoming:    make(chan transport.Conn, 16),
		done:        make(chan struct{}),
	}

	go t.signalLoop()

	return t
}

// Connect offers a session to peerID and returns once the data channel is
// open.
func (t *Transport) Connect(ctx context.Context, peerID string, _ transport.ConnectionMetadata) (transport.Conn, error) {
	pc, err := webrtc.NewPeerConnection(t.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	conn := newConnection(peerID, pc, t.signaler, true)
	t.track(conn)

	fail := func(err error) (transport.Conn, error) {
		_ = conn.Close()
		return nil, err
	}

	if err := conn.createDataChannel(); err != nil {
		return fail(err)
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fail(fmt.Errorf("failed to create offer: %w", err))
	}

	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fail(fmt.Errorf("failed to set local description: %w", err))
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return fail(ctx.Err())
	}

	if err := t.signaler.SendSignal(ctx, peerID, []byte(pc.LocalDescription().SDP)); err != nil {
		return fail(fmt.Errorf("failed to send offer: %w", err))
	}

	if err := conn.waitOpen(ctx); err != nil {
		return fail(err)
	}
	return conn, nil
}

func (t *Transport) Accept() <-chan transport.Conn {
	return t.incoming
}

func (t *Transport) signalLoop() {
	for {
		select {
		case sig, ok := <-t.signaler.RecvSignal():
			if !ok {
				return
			}
			go func() {
				if err := t.HandleSignal(sig); err != nil {
					t.logger.Warnf("Signal from %s: %v", sig.PeerID, err)
				}
			}()
		case <-t.done:
			return
		}
	}
}

// HandleSignal applies an offer or answer from a remote peer. An offer from
// a peer we already hold an answered session with replaces that session.
func (t *Transport) HandleSignal(signal transport.Signal) error {
	t.mu.Lock()
	conn, exists := t.connections[signal.PeerID]
	t.mu.Unlock()

	if exists && !conn.isInitiator && conn.pc.RemoteDescription() != nil {
		_ = conn.Close()
		exists = false
	}

	if !exists {
		pc, err := webrtc.NewPeerConnection(t.config)
		if err != nil {
			return fmt.Errorf("failed to create peer connection: %w", err)
		}

		conn = newConnection(signal.PeerID, pc, t.signaler, false)
		conn.onOpen = func() {
			select {
			case t.incoming <- conn:
			case <-t.done:
				_ = conn.Close()
			}
		}
		t.track(conn)
	}

	ctx, cancel := context.WithTimeout(context.Background(), answerTimeout)
	defer cancel()
	return conn.handleSignal(ctx, signal.Payload)
}

func (t *Transport) track(conn *connection) {
	conn.onClose = func() {
		t.mu.Lock()
		if t.connections[conn.peerID] == conn {
			delete(t.connections, conn.peerID)
		}
		t.mu.Unlock()
	}

	t.mu.Lock()
	old := t.connections[conn.peerID]
	t.connections[conn.peerID] = conn
	t.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
}

func (t *Transport) Close() error {
	t.once.Do(func() {
		close(t.done)

		t.mu.Lock()
		conns := make([]*connection, 0, len(t.connections))
		for _, conn := range t.connections {
			conns = append(conns, conn)
		}
		t.connections = make(map[string]*connection)
		t.mu.Unlock()

		for _, conn := range conns {
			_ = conn.Close()
		}
	})
	return nil
}
