package node

import (
	"context"
	"errors"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/peer-trade/internal/discovery"
	"github.com/rudransh-shrivastava/peer-trade/internal/network"
	"github.com/rudransh-shrivastava/peer-trade/internal/protocol"
	"github.com/rudransh-shrivastava/peer-trade/internal/store"
	"github.com/rudransh-shrivastava/peer-trade/internal/trade"
	"github.com/rudransh-shrivastava/peer-trade/internal/transfer"
)

func (n *Node) handleMessage(ctx context.Context, from string, msg protocol.Message) {
	log := n.logger.WithFields(logrus.Fields{"peer": short(from), "type": msg.Type().String()})
	log.Debug("Received message")

	switch m := msg.(type) {
	case *protocol.Announce:
		n.onAnnounce(from, m)
	case *protocol.Chat:
		n.printf("[%s] %s", n.name(from), m.Text)
		n.save(ctx, store.KindChat, from, m.Text)
	case *protocol.DirectMessage:
		n.printf("[dm from %s] %s", n.name(from), m.Text)
		n.save(ctx, store.KindDirect, from, m.Text)
	case *protocol.TradeOffer:
		n.onOffer(log, from, m)
	case *protocol.TradeAccept:
		e, err := n.trades.OnRemoteAccept(from, m)
		if n.tradeError(log, e, err) {
			return
		}
		n.printf("%s accepted offer %s, sending %s", n.name(from), e.ID, e.OfferedFileName)
	case *protocol.TradeDecline:
		e, err := n.trades.OnRemoteDecline(from, m)
		if n.tradeError(log, e, err) {
			return
		}
		n.printf("%s declined offer %s", n.name(from), e.ID)
	case *protocol.TradeDeliver:
		e, err := n.trades.OnDeliver(from, m)
		if n.tradeError(log, e, err) {
			return
		}
		n.printf("receiving %s (%s) for offer %s", e.OfferedFileName, humanize.Bytes(uint64(len(m.FileBytes))), e.ID)
	case *protocol.Error:
		log.Warnf("Peer reported %s: %s", m.Code, m.Message)
	default:
		log.Debug("Ignoring message")
	}
}

func (n *Node) onAnnounce(from string, m *protocol.Announce) {
	previous, known := n.dir.Username(from)
	n.dir.OnAnnouncement(from, m.Username)

	switch {
	case !known:
		n.printf("* %s is online", m.Username)
	case previous != m.Username:
		n.printf("* %s is now known as %s", previous, m.Username)
	}
}

func (n *Node) onOffer(log *logrus.Entry, from string, m *protocol.TradeOffer) {
	offerer, ok := n.dir.Username(from)
	if !ok {
		offerer = from
	}
	_, local := n.dir.Local()

	e, err := n.trades.OnOffer(from, offerer, local, m)
	if n.tradeError(log, e, err) {
		return
	}
	n.printf("%s offers %s (%s) for your %s, they want it at %s",
		offerer, m.OfferedFileName, humanize.Bytes(m.OfferedFileSize), m.RequestedFileName, m.RequestedDestPath)
	if !ok {
		n.printf("  peer %s has not announced a username yet, answer with its peer id", from)
	}
	n.printf("  accept %s %s <dest> %s <source>  |  decline %s %s %s",
		offerer, m.OfferedFileName, m.RequestedFileName, offerer, m.OfferedFileName, m.RequestedFileName)
}

// tradeError reports err and returns true when handling should stop.
// Duplicates are expected on retransmission and only logged.
func (n *Node) tradeError(log *logrus.Entry, e *trade.Entry, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, trade.ErrDuplicate) {
		log.Debug("Duplicate trade message")
		return true
	}
	if e != nil && e.State == trade.Failed {
		n.printf("trade %s failed: %v", e.ID, err)
		return true
	}
	log.Warnf("Trade message rejected: %v", err)
	return true
}

func (n *Node) save(ctx context.Context, kind store.Kind, from, text string) {
	if n.inbox == nil {
		return
	}
	username, _ := n.dir.Username(from)
	err := n.inbox.Save(ctx, &store.InboxMessage{
		Kind:     kind,
		FromPeer: from,
		FromUser: username,
		Text:     text,
	})
	if err != nil {
		n.logger.Warnf("Failed to store message: %v", err)
	}
}

func (n *Node) handlePeerEvent(ev network.Event) {
	switch ev.Kind {
	case network.PeerUp:
		if !n.dir.OnDiscovered(ev.PeerID) {
			return
		}
		_, username := n.dir.Local()
		if err := n.mesh.Send(ev.PeerID, &protocol.Announce{Username: username}); err != nil {
			n.logger.WithField("peer", short(ev.PeerID)).Warnf("Failed to announce: %v", err)
		}
	case network.PeerDown:
		n.dir.OnLost(ev.PeerID)
	case network.Sent:
		n.handleSent(ev)
	}
}

// handleSent reacts to the outcome of a queued send. File payloads finish
// their trade here; other failures are reported and otherwise left to the
// PeerDown that follows a broken connection.
func (n *Node) handleSent(ev network.Event) {
	log := n.logger.WithFields(logrus.Fields{"peer": short(ev.PeerID), "type": ev.Msg.Type().String()})

	switch m := ev.Msg.(type) {
	case *protocol.TradeAccept:
		n.onPayloadSent(log, m.OfferID, ev.Err)
	case *protocol.TradeDeliver:
		n.onPayloadSent(log, m.OfferID, ev.Err)
	case *protocol.TradeOffer:
		if ev.Err == nil {
			return
		}
		e, err := n.trades.OnOfferUndelivered(m.OfferID, ev.Err)
		n.tradeError(log, e, err)
	case *protocol.DirectMessage:
		if ev.Err != nil {
			n.printf("dm to %s was not delivered: %v", n.name(ev.PeerID), ev.Err)
		}
	default:
		if ev.Err != nil {
			log.Warnf("Message not delivered: %v", ev.Err)
		}
	}
}

func (n *Node) onPayloadSent(log *logrus.Entry, offerID string, sendErr error) {
	e, err := n.trades.OnSent(offerID, sendErr)
	if n.tradeError(log, e, err) {
		return
	}
	file := e.OfferedFileName
	if e.Role == trade.RoleRecipient {
		file = e.RequestedFileName
	}
	n.printf("trade %s accepted, sent %s to %s", e.ID, file, n.name(e.PeerID))
}

// handleDiscovery keeps the directory in step with discovery. While a
// connection to the peer is up it decides reachability, so a gap in
// discovery does not hide a live peer.
func (n *Node) handleDiscovery(ev discovery.Event) {
	log := n.logger.WithField("peer", short(ev.PeerID))

	switch ev.Kind {
	case discovery.Found:
		if n.mesh.Connected(ev.PeerID) {
			log.Debug("Rediscovered connected peer")
			n.handlePeerEvent(network.Event{Kind: network.PeerUp, PeerID: ev.PeerID})
			return
		}
		n.mesh.Dial(ev.PeerID, ev.Addr)
	case discovery.Lost:
		if n.mesh.Connected(ev.PeerID) {
			log.Debug("Discovery lost a connected peer, keeping it")
			return
		}
		n.dir.OnLost(ev.PeerID)
	}
}

func (n *Node) handleResult(res transfer.Result) {
	switch res.Kind {
	case transfer.KindLoad:
		e, err := n.trades.OnLoaded(res.OfferID, res.Data, res.Err)
		if err != nil {
			if e != nil && e.State == trade.Failed {
				n.printf("trade %s failed: %v", e.ID, err)
			} else {
				n.logger.WithField("offer", res.OfferID).Debugf("Stale load result: %v", err)
			}
			return
		}
		file := e.OfferedFileName
		if e.Role == trade.RoleRecipient {
			file = e.RequestedFileName
		}
		n.printf("sending %s to %s for trade %s", file, n.name(e.PeerID), e.ID)

	case transfer.KindStore:
		e, err := n.trades.OnStored(res.OfferID, res.Err)
		if e == nil {
			n.logger.WithField("offer", res.OfferID).Warn("Store finished for unknown offer")
			return
		}
		if err != nil {
			n.printf("trade %s: %v", e.ID, err)
			return
		}
		n.printf("trade %s complete, saved %s", e.ID, res.Path)
	}
}
