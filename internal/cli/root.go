// Package cli wires configuration, logging and the node's components
// together behind cobra commands.
package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/peer-trade/internal/config"
)

var (
	envFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:           "peer-trade",
	Short:         "peer-to-peer chat and one-for-one file barter",
	Long:          `peer-trade is a peer to peer node for chatting and trading files, one file given for one file received`,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "environment file to load")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(rendezvousCmd)
}

// loadConfig reads the environment file and variables, then lets any flag
// the user set on cmd take precedence.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return config.Config{}, err
	}

	flags := cmd.Flags()
	str := func(name string, dst *string) {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}

	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	str("node-id", &cfg.NodeID)
	str("username", &cfg.Username)
	str("listen", &cfg.ListenAddr)
	str("advertise", &cfg.AdvertiseAddr)
	str("transport", &cfg.Transport)
	str("discovery", &cfg.Discovery)
	str("multicast", &cfg.MulticastAddr)
	str("rendezvous", &cfg.RendezvousAddr)
	str("inbox", &cfg.InboxPath)
	str("db", &cfg.RendezvousDBPath)

	if flags.Changed("stun") {
		cfg.STUNServers, _ = flags.GetStringSlice("stun")
	}
	return cfg, nil
}
