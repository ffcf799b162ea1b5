package node

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/rudransh-shrivastava/peer-trade/internal/command"
	"github.com/rudransh-shrivastava/peer-trade/internal/protocol"
	"github.com/rudransh-shrivastava/peer-trade/internal/trade"
)

// handleLine runs one command line and reports whether it asked the node
// to stop.
func (n *Node) handleLine(ctx context.Context, line string) bool {
	cmd, err := command.Parse(line)
	if err != nil {
		var usage *command.UsageError
		if errors.As(err, &usage) {
			n.printf("%v", err)
			return false
		}
		n.printf("error: %v (type 'help' for commands)", err)
		return false
	}
	if cmd == nil {
		return false
	}
	if _, ok := cmd.(command.Quit); ok {
		return true
	}

	if err := n.dispatch(ctx, cmd); err != nil {
		n.printf("%s: %v", cmd.Verb(), err)
	}
	return false
}

func (n *Node) dispatch(ctx context.Context, cmd command.Command) error {
	switch c := cmd.(type) {
	case command.Register:
		return n.register(c)
	case command.Send:
		return n.sendChat(c)
	case command.DM:
		return n.sendDirect(c)
	case command.Trade:
		return n.propose(c)
	case command.Accept:
		return n.accept(c)
	case command.Decline:
		return n.decline(c)
	case command.Find:
		return n.find(c)
	case command.Peers:
		n.listPeers()
	case command.Trades:
		n.listTrades()
	case command.History:
		return n.history(ctx, c)
	case command.Help:
		n.printf("commands:\n%s", strings.TrimRight(command.HelpText(), "\n"))
	}
	return nil
}

func (n *Node) register(c command.Register) error {
	if err := n.dir.Register(c.Username); err != nil {
		return err
	}
	sent := n.mesh.Broadcast(&protocol.Announce{Username: c.Username})
	n.logger.WithField("peers", sent).Debug("Announced username")
	n.printf("registered as %s", c.Username)
	return nil
}

func (n *Node) sendChat(c command.Send) error {
	if len(c.Text) > protocol.MaxTextSize {
		return errTextTooLong
	}
	if sent := n.mesh.Broadcast(&protocol.Chat{Text: c.Text}); sent == 0 {
		n.printf("(no peers connected)")
	}
	return nil
}

func (n *Node) sendDirect(c command.DM) error {
	if len(c.Text) > protocol.MaxTextSize {
		return errTextTooLong
	}
	peerID, err := n.dir.Resolve(c.Username)
	if err != nil {
		return err
	}
	if err := n.mesh.Send(peerID, &protocol.DirectMessage{Text: c.Text}); err != nil {
		n.dir.OnLost(peerID)
		return err
	}
	return nil
}

func (n *Node) propose(c command.Trade) error {
	_, username := n.dir.Local()
	if username == "" {
		return ErrNotRegistered
	}

	offer, err := trade.NewOffer(username, c.OfferedFileName, c.OfferedPath, c.Recipient, c.RequestedFileName, c.RequestedDestPath)
	if err != nil {
		return err
	}

	id, err := n.trades.Propose(offer)
	if err != nil {
		if id != "" {
			return fmt.Errorf("offer %s failed: %w", id, err)
		}
		return err
	}
	n.printf("offer %s sent: %s for %s's %s", id, c.OfferedFileName, c.Recipient, c.RequestedFileName)
	return nil
}

// matchOffer looks the offer up under the name given, then under the peer
// that name currently resolves to, so offers survive a rename.
func (n *Node) matchOffer(offerer, offeredName, requestedName string) (*trade.Entry, error) {
	e, err := n.trades.Match(offerer, offeredName, requestedName)
	if !errors.Is(err, trade.ErrOfferNotFound) {
		return e, err
	}
	if peerID, rerr := n.dir.Resolve(offerer); rerr == nil {
		return n.trades.Match(peerID, offeredName, requestedName)
	}
	return nil, err
}

func (n *Node) accept(c command.Accept) error {
	e, err := n.matchOffer(c.Offerer, c.OfferedFileName, c.RequestedFileName)
	if err != nil {
		return err
	}
	if err := n.trades.Respond(e.ID, trade.Accept(c.OfferedDestPath, c.RequestedSourcePath)); err != nil {
		return err
	}
	n.printf("accepting offer %s, sending %s to %s", e.ID, c.RequestedFileName, c.Offerer)
	return nil
}

func (n *Node) decline(c command.Decline) error {
	e, err := n.matchOffer(c.Offerer, c.OfferedFileName, c.RequestedFileName)
	if err != nil {
		return err
	}
	if err := n.trades.Respond(e.ID, trade.Decline()); err != nil {
		return err
	}
	n.printf("declined offer %s from %s", e.ID, c.Offerer)
	return nil
}

func (n *Node) find(c command.Find) error {
	peerID, err := n.dir.Resolve(c.Username)
	if err != nil {
		return err
	}
	n.printf("%s is %s", c.Username, peerID)
	return nil
}

func (n *Node) listPeers() {
	records := n.dir.Records()
	if len(records) == 0 {
		n.printf("no known peers (%d connected)", len(n.mesh.Peers()))
		return
	}

	w := tabwriter.NewWriter(n.out, 0, 4, 2, ' ', 0)
	for _, r := range records {
		status := "online"
		if !r.Reachable {
			status = "offline"
		}
		name := r.Username
		if name == "" {
			name = "-"
		}
		_, _ = w.Write([]byte(name + "\t" + short(r.PeerID) + "\t" + status + "\n"))
	}
	_ = w.Flush()
}

func (n *Node) listTrades() {
	entries := n.trades.Entries()
	if len(entries) == 0 {
		n.printf("no trades")
		return
	}

	w := tabwriter.NewWriter(n.out, 0, 4, 2, ' ', 0)
	for _, e := range entries {
		counterpart := e.RecipientUsername
		if e.Role == trade.RoleRecipient {
			counterpart = e.OffererUsername
		}
		line := e.ID + "\t" + e.Role.String() + "\t" + e.State.String() + "\t" + counterpart +
			"\t" + e.OfferedFileName + " (" + humanize.Bytes(e.OfferedSize) + ") for " + e.RequestedFileName
		if e.Err != nil {
			line += "\t" + e.Err.Error()
		}
		_, _ = w.Write([]byte(line + "\n"))
	}
	_ = w.Flush()
}

func (n *Node) history(ctx context.Context, c command.History) error {
	if n.inbox == nil {
		return errNoHistory
	}
	msgs, err := n.inbox.Recent(ctx, c.Limit)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		n.printf("no messages")
		return nil
	}
	for _, m := range msgs {
		from := m.FromUser
		if from == "" {
			from = short(m.FromPeer)
		}
		n.printf("%s [%s] %s: %s", m.ReceivedAt.Format("15:04:05"), m.Kind, from, m.Text)
	}
	return nil
}

var (
	errTextTooLong = errors.New("message too long")
	errNoHistory   = errors.New("history is not enabled")
)
