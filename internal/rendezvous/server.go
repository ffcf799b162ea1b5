// Package rendezvous implements the bootstrap server peers register with
// when multicast discovery is unavailable. It tells every node who else is
// registered, pushes joins and departures, and relays WebRTC signaling
// between registered nodes.
package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/peer-trade/internal/logger"
	"github.com/rudransh-shrivastava/peer-trade/internal/protocol"
)

const writeTimeout = 10 * time.Second

type Config struct {
	Addr string
	// WSAddr optionally serves the same protocol over websockets at
	// WebSocketPath, for nodes behind proxies that only pass HTTP.
	WSAddr string
	DBPath string
	Logger *logrus.Logger
}

type Server struct {
	listener   net.Listener
	wsListener net.Listener
	httpServer *http.Server
	registry   *Registry
	codec      *protocol.Codec
	logger     *logrus.Logger

	mu      sync.Mutex
	clients map[string]*client
	conns   map[*client]struct{}
	closed  bool
	wg      sync.WaitGroup
}

type client struct {
	conn   net.Conn
	nodeID string
	wmu    sync.Mutex
}

func NewServer(cfg Config) (*Server, error) {
	log := cfg.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}

	registry, err := OpenRegistry(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		registry.Close()
		return nil, err
	}

	s := &Server{
		listener: ln,
		registry: registry,
		codec:    protocol.NewCodec(),
		logger:   log,
		clients:  make(map[string]*client),
		conns:    make(map[*client]struct{}),
	}

	if cfg.WSAddr != "" {
		wsln, err := net.Listen("tcp", cfg.WSAddr)
		if err != nil {
			ln.Close()
			registry.Close()
			return nil, err
		}
		mux := http.NewServeMux()
		mux.HandleFunc(WebSocketPath, s.handleWebSocket)
		s.wsListener = wsln
		s.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	}

	return s, nil
}

func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// WSAddr returns the websocket listener address, or "" when websockets
// are not served.
func (s *Server) WSAddr() string {
	if s.wsListener == nil {
		return ""
	}
	return s.wsListener.Addr().String()
}

// Start accepts clients until ctx is done or the server is shut down.
func (s *Server) Start(ctx context.Context) error {
	s.logger.WithField("addr", s.Addr()).Info("Rendezvous server started")

	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
		if s.httpServer != nil {
			_ = s.httpServer.Close()
		}
	}()

	if s.httpServer != nil {
		s.logger.WithField("addr", s.WSAddr()).Info("Serving rendezvous over websocket")
		go func() {
			if err := s.httpServer.Serve(s.wsListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Errorf("WebSocket server stopped: %v", err)
			}
		}()
	}

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Errorf("Failed to accept connection: %v", err)
			continue
		}

		c := &client{conn: conn}
		if !s.track(c) {
			_ = conn.Close()
			return nil
		}
		go s.handleClient(c)
	}
}

func (s *Server) Shutdown() error {
	s.logger.Info("Shutting down rendezvous server")
	err := s.listener.Close()
	if s.httpServer != nil {
		_ = s.httpServer.Close()
		_ = s.wsListener.Close()
	}

	s.mu.Lock()
	s.closed = true
	for c := range s.conns {
		_ = c.conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	if cerr := s.registry.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *Server) handleClient(c *client) {
	defer s.wg.Done()

	remote := c.conn.RemoteAddr().String()
	s.logger.WithField("remote", remote).Debug("Client connected")
	defer func() {
		_ = c.conn.Close()
		s.unregister(c)
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		s.logger.WithField("remote", remote).Debug("Client disconnected")
	}()

	for {
		msg, err := s.codec.Decode(c.conn)
		if err != nil {
			// the frame was consumed, so the stream is still in sync
			if errors.Is(err, protocol.ErrUnknownMessage) {
				s.reply(c, protocol.ErrUnknown, err.Error())
				continue
			}
			if errors.Is(err, protocol.ErrMalformed) {
				s.reply(c, protocol.ErrInvalidMsg, err.Error())
				continue
			}
			return
		}
		s.handleMessage(c, msg)
	}
}

// track records c so Shutdown can close and wait for it. It reports false
// once the server is shutting down. Every tracked client must be passed to
// handleClient.
func (s *Server) track(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) handleMessage(c *client, msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.RendezvousRegister:
		s.register(c, m)
	case *protocol.RendezvousSignal:
		s.relay(c, m)
	default:
		s.logger.Warnf("Unhandled message type %s", msg.Type())
		s.reply(c, protocol.ErrInvalidMsg, fmt.Sprintf("unexpected %s", msg.Type()))
	}
}

func (s *Server) register(c *client, m *protocol.RendezvousRegister) {
	if m.NodeID == "" {
		s.reply(c, protocol.ErrInvalidMsg, "empty node id")
		return
	}
	if c.nodeID != "" && c.nodeID != m.NodeID {
		s.reply(c, protocol.ErrInvalidMsg, "already registered as another node")
		return
	}

	reg := &Registration{
		NodeID:     m.NodeID,
		Addr:       advertised(m.Addr, c.conn.RemoteAddr()),
		RemoteAddr: c.conn.RemoteAddr().String(),
	}
	if err := s.registry.Upsert(reg); err != nil {
		s.logger.Errorf("Failed to store registration: %v", err)
		s.reply(c, protocol.ErrInternal, "registration failed")
		return
	}

	s.mu.Lock()
	old := s.clients[m.NodeID]
	c.nodeID = m.NodeID
	s.clients[m.NodeID] = c
	s.mu.Unlock()

	if old != nil && old != c {
		// a reconnecting node replaces its stale session
		_ = old.conn.Close()
	}

	regs, err := s.registry.List(m.NodeID)
	if err != nil {
		s.logger.Errorf("Failed to list registrations: %v", err)
		s.reply(c, protocol.ErrInternal, "listing peers failed")
		return
	}
	peers := make([]protocol.PeerInfo, 0, len(regs))
	for _, r := range regs {
		peers = append(peers, protocol.PeerInfo{NodeID: r.NodeID, Addr: r.Addr})
	}
	s.send(c, &protocol.RendezvousPeers{Peers: peers})

	s.logger.WithFields(logrus.Fields{"node": m.NodeID, "addr": reg.Addr}).Info("Node registered")
	s.broadcast(m.NodeID, &protocol.RendezvousJoined{Peer: protocol.PeerInfo{NodeID: m.NodeID, Addr: reg.Addr}})
}

func (s *Server) unregister(c *client) {
	if c.nodeID == "" {
		return
	}

	s.mu.Lock()
	current := s.clients[c.nodeID] == c
	if current {
		delete(s.clients, c.nodeID)
	}
	s.mu.Unlock()

	if !current {
		return
	}
	if err := s.registry.Remove(c.nodeID); err != nil {
		s.logger.Warnf("Failed to remove registration: %v", err)
	}
	s.logger.WithField("node", c.nodeID).Info("Node left")
	s.broadcast(c.nodeID, &protocol.RendezvousLeft{Peer: protocol.PeerInfo{NodeID: c.nodeID}})
}

// relay forwards a signal to its target, rewriting PeerID to the sender.
func (s *Server) relay(c *client, m *protocol.RendezvousSignal) {
	if c.nodeID == "" {
		s.reply(c, protocol.ErrNotRegistered, "register before signaling")
		return
	}

	s.mu.Lock()
	target, ok := s.clients[m.PeerID]
	s.mu.Unlock()
	if !ok {
		s.reply(c, protocol.ErrPeerNotFound, fmt.Sprintf("peer %s not registered", m.PeerID))
		return
	}

	s.send(target, &protocol.RendezvousSignal{PeerID: c.nodeID, Payload: m.Payload})
}

func (s *Server) broadcast(except string, msg protocol.Message) {
	s.mu.Lock()
	targets := make([]*client, 0, len(s.clients))
	for id, c := range s.clients {
		if id != except {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	for _, c := range targets {
		s.send(c, msg)
	}
}

func (s *Server) reply(c *client, code protocol.ErrorCode, text string) {
	s.send(c, &protocol.Error{Code: code, Message: text})
}

func (s *Server) send(c *client, msg protocol.Message) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.codec.Encode(c.conn, msg); err != nil {
		s.logger.WithField("remote", c.conn.RemoteAddr().String()).Debugf("Failed to send %s: %v", msg.Type(), err)
		_ = c.conn.Close()
	}
}

// advertised fills in the host of addr from the connection's remote
// address when the node only knows its port or listens on a wildcard.
func advertised(addr string, remote net.Addr) string {
	if addr == "" {
		return ""
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if ip := net.ParseIP(host); host != "" && (ip == nil || !ip.IsUnspecified()) {
		return addr
	}
	rhost, _, err := net.SplitHostPort(remote.String())
	if err != nil {
		return addr
	}
	return net.JoinHostPort(rhost, port)
}
