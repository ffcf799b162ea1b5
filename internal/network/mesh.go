// Package network keeps one connection per remote peer on top of a
// transport and turns raw frames into decoded protocol messages.
package network

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/peer-trade/internal/logger"
	"github.com/rudransh-shrivastava/peer-trade/internal/protocol"
	"github.com/rudransh-shrivastava/peer-trade/internal/transport"
)

var (
	ErrNotConnected  = errors.New("peer not connected")
	ErrSendQueueFull = errors.New("send queue full")
)

const (
	dialTimeout   = 30 * time.Second
	sendQueueSize = 64
)

type EventKind int

const (
	PeerUp EventKind = iota
	PeerDown
	// Sent reports the outcome of a message queued with Send.
	Sent
)

func (k EventKind) String() string {
	switch k {
	case PeerUp:
		return "up"
	case PeerDown:
		return "down"
	case Sent:
		return "sent"
	}
	return "unknown"
}

type Event struct {
	Kind   EventKind
	PeerID string
	// Msg and Err are set on Sent events. A nil Err means the message was
	// handed to the transport.
	Msg protocol.Message
	Err error
}

type Inbound struct {
	From string
	Msg  protocol.Message
}

type Options struct {
	LocalID   string
	Transport transport.Transport
	Logger    *logrus.Logger
}

type Mesh struct {
	localID string
	tr      transport.Transport
	codec   *protocol.Codec
	logger  *logrus.Logger

	mu      sync.RWMutex
	conns   map[string]*peer
	dialing map[string]bool
	closed  bool

	inbound chan Inbound
	events  chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) *Mesh {
	log := opts.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Mesh{
		localID: opts.LocalID,
		tr:      opts.Transport,
		codec:   protocol.NewCodec(),
		logger:  log,
		conns:   make(map[string]*peer),
		dialing: make(map[string]bool),
		inbound: make(chan Inbound, 256),
		events:  make(chan Event, 64),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (m *Mesh) Inbound() <-chan Inbound {
	return m.inbound
}

func (m *Mesh) Events() <-chan Event {
	return m.events
}

// Start begins accepting inbound connections.
func (m *Mesh) Start() {
	m.wg.Add(1)
	go m.acceptLoop()
}

// Close drops every connection and stops background work. The transport
// itself is left to its owner.
func (m *Mesh) Close() error {
	m.cancel()

	m.mu.Lock()
	m.closed = true
	peers := make([]*peer, 0, len(m.conns))
	for _, p := range m.conns {
		close(p.done)
		peers = append(peers, p)
	}
	m.conns = make(map[string]*peer)
	m.mu.Unlock()

	for _, p := range peers {
		_ = p.conn.Close()
	}
	m.wg.Wait()
	return nil
}

func (m *Mesh) acceptLoop() {
	defer m.wg.Done()

	for {
		select {
		case c, ok := <-m.tr.Accept():
			if !ok {
				return
			}
			m.add(c)
		case <-m.ctx.Done():
			return
		}
	}
}

// ShouldDial reports whether this node is the side that opens the
// connection to peerID. Only the lexicographically smaller id dials, so a
// pair of peers that discover each other ends up with one connection.
func (m *Mesh) ShouldDial(peerID string) bool {
	return m.localID < peerID
}

func (m *Mesh) Connected(peerID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.conns[peerID]
	return ok
}

// Dial connects to peerID in the background. It is a no-op when a
// connection exists, a dial is already running, or the remote side is the
// one expected to dial.
func (m *Mesh) Dial(peerID, addr string) {
	if peerID == m.localID || !m.ShouldDial(peerID) {
		return
	}

	m.mu.Lock()
	if _, ok := m.conns[peerID]; ok || m.dialing[peerID] {
		m.mu.Unlock()
		return
	}
	m.dialing[peerID] = true
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.dialing, peerID)
			m.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(m.ctx, dialTimeout)
		defer cancel()

		c, err := m.tr.Connect(ctx, peerID, transport.ConnectionMetadata{Addr: addr})
		if err != nil {
			m.logger.WithField("peer", short(peerID)).Warnf("Dial failed: %v", err)
			return
		}
		m.add(c)
	}()
}

// peer is one live connection and the queue feeding its writer. done is
// closed, under the mesh lock, once the connection stops being current.
type peer struct {
	conn transport.Conn
	out  chan outbound
	done chan struct{}
}

type outbound struct {
	data   []byte
	msg    protocol.Message
	report bool
}

func (m *Mesh) add(c transport.Conn) {
	peerID := c.PeerID()
	p := &peer{
		conn: c,
		out:  make(chan outbound, sendQueueSize),
		done: make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = c.Close()
		return
	}
	old := m.conns[peerID]
	if old != nil {
		close(old.done)
	}
	m.conns[peerID] = p
	m.wg.Add(2)
	m.mu.Unlock()

	if old != nil {
		m.logger.WithField("peer", short(peerID)).Debug("Replacing existing connection")
		_ = old.conn.Close()
	}

	m.logger.WithField("peer", short(peerID)).Info("Peer connected")
	m.emit(Event{Kind: PeerUp, PeerID: peerID})

	go m.readLoop(peerID, p)
	go m.writeLoop(peerID, p)
}

func (m *Mesh) readLoop(peerID string, p *peer) {
	defer m.wg.Done()

	defer func() {
		m.mu.Lock()
		current := m.conns[peerID] == p
		if current {
			delete(m.conns, peerID)
			close(p.done)
		}
		m.mu.Unlock()

		if current {
			_ = p.conn.Close()
			m.logger.WithField("peer", short(peerID)).Info("Peer disconnected")
			m.emit(Event{Kind: PeerDown, PeerID: peerID})
		}
	}()

	for data := range p.conn.Recv() {
		msg, err := m.codec.DecodeFromBytes(data)
		if err != nil {
			m.logger.WithField("peer", short(peerID)).Warnf("Dropping undecodable message: %v", err)
			continue
		}

		select {
		case m.inbound <- Inbound{From: peerID, Msg: msg}:
		case <-m.ctx.Done():
			return
		}
	}
}

// writeLoop owns every write to the connection so a slow peer only stalls
// its own queue. Whatever is still queued when the connection goes away is
// reported as undelivered.
func (m *Mesh) writeLoop(peerID string, p *peer) {
	defer m.wg.Done()

	for {
		select {
		case o := <-p.out:
			err := p.conn.Send(o.data)
			if err != nil {
				m.logger.WithField("peer", short(peerID)).Warnf("Send %s failed: %v", o.msg.Type(), err)
				_ = p.conn.Close()
			}
			m.report(peerID, o, err)
		case <-p.done:
			for {
				select {
				case o := <-p.out:
					m.report(peerID, o, fmt.Errorf("%w: %s", ErrNotConnected, short(peerID)))
				default:
					return
				}
			}
		}
	}
}

func (m *Mesh) report(peerID string, o outbound, err error) {
	if o.report {
		m.emit(Event{Kind: Sent, PeerID: peerID, Msg: o.msg, Err: err})
	}
}

func (m *Mesh) emit(e Event) {
	select {
	case m.events <- e:
	case <-m.ctx.Done():
	}
}

// Send queues msg for peerID without waiting for the wire. It fails only
// when the peer is not connected or its queue is full; the outcome of the
// write itself arrives later as a Sent event.
func (m *Mesh) Send(peerID string, msg protocol.Message) error {
	return m.enqueue(peerID, msg, true)
}

func (m *Mesh) enqueue(peerID string, msg protocol.Message, report bool) error {
	data, err := m.codec.EncodeToBytes(msg)
	if err != nil {
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.conns[peerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, short(peerID))
	}
	select {
	case p.out <- outbound{data: data, msg: msg, report: report}:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrSendQueueFull, short(peerID))
	}
}

// Broadcast queues msg for every connected peer and returns how many
// queued it. Broadcasts produce no Sent events.
func (m *Mesh) Broadcast(msg protocol.Message) int {
	sent := 0
	for _, peerID := range m.Peers() {
		if err := m.enqueue(peerID, msg, false); err != nil {
			m.logger.WithField("peer", short(peerID)).Warnf("Broadcast %s failed: %v", msg.Type(), err)
			continue
		}
		sent++
	}
	return sent
}

// Peers returns the connected peer ids in sorted order.
func (m *Mesh) Peers() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
