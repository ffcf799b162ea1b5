// Package lan discovers peers on the local network with UDP multicast
// beacons. Every node periodically announces its id and stream port to the
// group; a peer not heard from within the TTL is reported lost.
package lan

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"

	"github.com/rudransh-shrivastava/peer-trade/internal/discovery"
	"github.com/rudransh-shrivastava/peer-trade/internal/logger"
	"github.com/rudransh-shrivastava/peer-trade/internal/protocol"
)

const (
	DefaultGroup    = "239.255.42.99:9876"
	DefaultInterval = 2 * time.Second
	DefaultTTL      = 10 * time.Second

	multicastTTL  = 2
	maxBeaconSize = 1024
)

var ErrNotStarted = errors.New("lan discovery not started")

type Options struct {
	LocalID string
	// Port is the stream transport port advertised to other peers.
	Port     int
	Group    string
	Interval time.Duration
	TTL      time.Duration
	Logger   *logrus.Logger
}

type peer struct {
	addr string
	seen time.Time
}

type LAN struct {
	opts   Options
	group  *net.UDPAddr
	codec  *protocol.Codec
	logger *logrus.Logger
	now    func() time.Time

	recvConn *net.UDPConn
	sendConn *net.UDPConn

	mu    sync.Mutex
	peers map[string]peer

	events chan discovery.Event
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func New(opts Options) *LAN {
	if opts.Group == "" {
		opts.Group = DefaultGroup
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	log := opts.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &LAN{
		opts:   opts,
		codec:  protocol.NewCodec(),
		logger: log,
		now:    time.Now,
		peers:  make(map[string]peer),
		events: make(chan discovery.Event, 64),
	}
}

func (l *LAN) Events() <-chan discovery.Event {
	return l.events
}

// Start joins the multicast group and begins announcing. The socket is
// shared with other processes on the host, so several nodes can run on
// one machine.
func (l *LAN) Start(ctx context.Context) error {
	group, err := net.ResolveUDPAddr("udp4", l.opts.Group)
	if err != nil {
		return fmt.Errorf("resolve multicast group: %w", err)
	}
	l.group = group

	recvConn, err := net.ListenMulticastUDP("udp4", nil, group)
	if err != nil {
		return fmt.Errorf("join multicast group: %w", err)
	}
	joinAll(ipv4.NewPacketConn(recvConn), group)

	sendConn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		recvConn.Close()
		return fmt.Errorf("open beacon socket: %w", err)
	}
	pc := ipv4.NewPacketConn(sendConn)
	if err := pc.SetMulticastTTL(multicastTTL); err != nil {
		l.logger.Debugf("Set multicast TTL: %v", err)
	}
	if err := pc.SetMulticastLoopback(true); err != nil {
		l.logger.Debugf("Enable multicast loopback: %v", err)
	}

	l.recvConn = recvConn
	l.sendConn = sendConn

	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	l.wg.Add(2)
	go l.readLoop(ctx)
	go l.announceLoop(ctx)

	l.logger.WithField("group", group.String()).Info("LAN discovery started")
	return nil
}

// joinAll joins the group on every up multicast interface in addition to
// the default one picked by ListenMulticastUDP. Failures are expected on
// interfaces already joined.
func joinAll(pc *ipv4.PacketConn, group *net.UDPAddr) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return
	}
	for i := range ifaces {
		iface := ifaces[i]
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		_ = pc.JoinGroup(&iface, &net.UDPAddr{IP: group.IP})
	}
}

// Close sends a leaving beacon so peers drop us before the TTL runs out.
func (l *LAN) Close() error {
	l.once.Do(func() {
		if l.cancel == nil {
			return
		}
		l.cancel()
		if err := l.send(&protocol.Beacon{NodeID: l.opts.LocalID, Leaving: true}); err != nil {
			l.logger.Debugf("Send leaving beacon: %v", err)
		}
		l.recvConn.Close()
		l.sendConn.Close()
		l.wg.Wait()
	})
	return nil
}

func (l *LAN) announceLoop(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.opts.Interval)
	defer ticker.Stop()

	l.announce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.announce()
			l.emitAll(ctx, l.sweep(l.now()))
		}
	}
}

func (l *LAN) announce() {
	err := l.send(&protocol.Beacon{NodeID: l.opts.LocalID, Port: uint64(l.opts.Port)})
	if err != nil {
		l.logger.Debugf("Send beacon: %v", err)
	}
}

func (l *LAN) send(b *protocol.Beacon) error {
	if l.sendConn == nil {
		return ErrNotStarted
	}
	data, err := l.codec.EncodeToBytes(b)
	if err != nil {
		return err
	}
	_, err = l.sendConn.WriteToUDP(data, l.group)
	return err
}

func (l *LAN) readLoop(ctx context.Context) {
	defer l.wg.Done()

	buf := make([]byte, maxBeaconSize)
	for {
		n, src, err := l.recvConn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Debugf("Read beacon: %v", err)
			continue
		}

		msg, err := l.codec.DecodeFromBytes(buf[:n])
		if err != nil {
			l.logger.Debugf("Dropping datagram from %s: %v", src, err)
			continue
		}
		b, ok := msg.(*protocol.Beacon)
		if !ok {
			continue
		}
		l.emitAll(ctx, l.handle(b, src.IP))
	}
}

// handle records a beacon and returns the events it causes. A known peer
// only produces a new Found when its address changes.
func (l *LAN) handle(b *protocol.Beacon, ip net.IP) []discovery.Event {
	if b.NodeID == "" || b.NodeID == l.opts.LocalID {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	old, known := l.peers[b.NodeID]
	if b.Leaving {
		if !known {
			return nil
		}
		delete(l.peers, b.NodeID)
		return []discovery.Event{{Kind: discovery.Lost, PeerID: b.NodeID, Addr: old.addr}}
	}

	addr := net.JoinHostPort(ip.String(), strconv.FormatUint(b.Port, 10))
	l.peers[b.NodeID] = peer{addr: addr, seen: l.now()}
	if known && old.addr == addr {
		return nil
	}
	return []discovery.Event{{Kind: discovery.Found, PeerID: b.NodeID, Addr: addr}}
}

// sweep forgets peers not heard from within the TTL.
func (l *LAN) sweep(now time.Time) []discovery.Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	var events []discovery.Event
	for id, p := range l.peers {
		if now.Sub(p.seen) > l.opts.TTL {
			delete(l.peers, id)
			events = append(events, discovery.Event{Kind: discovery.Lost, PeerID: id, Addr: p.addr})
		}
	}
	return events
}

func (l *LAN) emitAll(ctx context.Context, events []discovery.Event) {
	for _, e := range events {
		l.logger.WithFields(logrus.Fields{"peer": e.PeerID, "addr": e.Addr}).Debugf("Peer %s", e.Kind)
		select {
		case l.events <- e:
		case <-ctx.Done():
			return
		}
	}
}
