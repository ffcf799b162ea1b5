package cli

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/peer-trade/internal/config"
	"github.com/rudransh-shrivastava/peer-trade/internal/discovery"
	"github.com/rudransh-shrivastava/peer-trade/internal/discovery/lan"
	rdv "github.com/rudransh-shrivastava/peer-trade/internal/discovery/rendezvous"
	"github.com/rudransh-shrivastava/peer-trade/internal/logger"
	"github.com/rudransh-shrivastava/peer-trade/internal/network"
	"github.com/rudransh-shrivastava/peer-trade/internal/node"
	"github.com/rudransh-shrivastava/peer-trade/internal/store"
	"github.com/rudransh-shrivastava/peer-trade/internal/transfer"
	"github.com/rudransh-shrivastava/peer-trade/internal/transport"
	"github.com/rudransh-shrivastava/peer-trade/internal/transport/quic"
	"github.com/rudransh-shrivastava/peer-trade/internal/transport/tcp"
	"github.com/rudransh-shrivastava/peer-trade/internal/transport/webrtc"
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "runs a peer-trade node",
	Long:  `runs a peer-trade node, reading commands from standard input; type 'help' for the command list`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := cfg.Finalize(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return runNode(ctx, cfg, os.Stdin, os.Stdout)
	},
}

func init() {
	flags := nodeCmd.Flags()
	flags.String("node-id", "", "node identity (default random uuid)")
	flags.String("username", "", "register this username on start")
	flags.String("listen", "", "tcp or quic listen address (default 0.0.0.0:7400)")
	flags.String("advertise", "", "address other peers should dial")
	flags.String("transport", "", "peer transport: tcp, quic or webrtc")
	flags.String("discovery", "", "discovery backend: lan, rendezvous or none")
	flags.String("multicast", "", "lan discovery multicast group")
	flags.String("rendezvous", "", "rendezvous server address")
	flags.StringSlice("stun", nil, "stun servers for webrtc")
	flags.String("inbox", "", "chat history database path (default in memory)")
}

// runNode assembles the node from cfg and runs it until ctx is cancelled
// or in is exhausted.
func runNode(ctx context.Context, cfg config.Config, in io.Reader, out io.Writer) error {
	log := logger.NewLogger(cfg.LogLevel, os.Stderr)
	log.WithFields(logrus.Fields{
		"id":        cfg.NodeID,
		"transport": cfg.Transport,
		"discovery": cfg.Discovery,
	}).Info("Starting node")

	inbox, err := store.Open(cfg.InboxPath)
	if err != nil {
		return err
	}
	defer inbox.Close()

	var (
		tr   transport.Transport
		disc discovery.Discovery
	)

	switch cfg.Transport {
	case config.TransportWebRTC:
		client := newRendezvousClient(cfg, cfg.AdvertiseAddr, log)
		tr = webrtc.New(webrtc.Options{
			Signaler:    client,
			STUNServers: cfg.STUNServers,
			Logger:      log,
		})
		disc = client

	case config.TransportQUIC:
		quicTr, err := quic.New(quic.Options{
			LocalID:    cfg.NodeID,
			ListenAddr: cfg.ListenAddr,
			Logger:     log,
		})
		if err != nil {
			return err
		}
		tr = quicTr
		log.WithField("addr", quicTr.Addr().String()).Info("Listening on QUIC")

		disc, err = newDiscovery(cfg, quicTr.Addr(), log)
		if err != nil {
			_ = quicTr.Close()
			return err
		}

	default:
		tcpTr, err := tcp.New(tcp.Options{
			LocalID:    cfg.NodeID,
			ListenAddr: cfg.ListenAddr,
			Logger:     log,
		})
		if err != nil {
			return err
		}
		tr = tcpTr
		log.WithField("addr", tcpTr.Addr().String()).Info("Listening")

		disc, err = newDiscovery(cfg, tcpTr.Addr(), log)
		if err != nil {
			_ = tcpTr.Close()
			return err
		}
	}
	defer tr.Close()
	defer disc.Close()

	mesh := network.New(network.Options{
		LocalID:   cfg.NodeID,
		Transport: tr,
		Logger:    log,
	})
	mesh.Start()
	defer mesh.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var progress io.Writer
	if f, ok := out.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		progress = os.Stderr
	}
	jobs := transfer.NewWorker(ctx, transfer.Options{Logger: log, Progress: progress})

	n := node.New(node.Options{
		ID:        cfg.NodeID,
		Mesh:      mesh,
		Discovery: disc,
		Jobs:      jobs,
		Files:     transfer.OSFiles{},
		Inbox:     inbox,
		Out:       out,
		Logger:    log,
	})

	if err := disc.Start(ctx); err != nil {
		return fmt.Errorf("start discovery: %w", err)
	}

	if cfg.Username != "" {
		if err := n.Submit(ctx, "register "+cfg.Username); err != nil {
			return err
		}
	}

	go func() {
		if err := n.ReadCommands(ctx, in); err != nil {
			log.Debugf("Command input ended: %v", err)
			cancel()
			return
		}
		// end of input stops the node after everything queued before it
		if err := n.Submit(ctx, "quit"); err != nil {
			cancel()
		}
	}()

	fmt.Fprintf(out, "node %s ready, type 'help' for commands\n", cfg.NodeID)
	err = n.Run(ctx)
	jobs.Wait()
	return err
}

func newDiscovery(cfg config.Config, listen net.Addr, log *logrus.Logger) (discovery.Discovery, error) {
	advertise := cfg.AdvertiseAddr
	if advertise == "" {
		advertise = listen.String()
	}

	switch cfg.Discovery {
	case config.DiscoveryLAN:
		port := 0
		switch a := listen.(type) {
		case *net.TCPAddr:
			port = a.Port
		case *net.UDPAddr:
			port = a.Port
		}
		return lan.New(lan.Options{
			LocalID:  cfg.NodeID,
			Port:     port,
			Group:    cfg.MulticastAddr,
			Interval: cfg.BeaconInterval,
			TTL:      cfg.PeerTTL,
			Logger:   log,
		}), nil
	case config.DiscoveryRendezvous:
		return newRendezvousClient(cfg, advertise, log), nil
	case config.DiscoveryNone:
		return discovery.NewNop(), nil
	}
	return nil, fmt.Errorf("%w: %q", config.ErrInvalidDiscovery, cfg.Discovery)
}

func newRendezvousClient(cfg config.Config, advertise string, log *logrus.Logger) *rdv.Client {
	return rdv.New(rdv.Options{
		LocalID:    cfg.NodeID,
		ServerAddr: cfg.RendezvousAddr,
		Advertise:  advertise,
		Logger:     log,
	})
}
