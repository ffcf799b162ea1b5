package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

const envPrefix = "PEERTRADE_"

const (
	DiscoveryLAN        = "lan"
	DiscoveryRendezvous = "rendezvous"
	DiscoveryNone       = "none"

	TransportTCP    = "tcp"
	TransportQUIC   = "quic"
	TransportWebRTC = "webrtc"
)

var (
	ErrInvalidDiscovery = errors.New("invalid discovery backend")
	ErrInvalidTransport = errors.New("invalid transport")
)

var defaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
	"stun:stun3.l.google.com:19302",
	"stun:stun4.l.google.com:19302",
}

type Config struct {
	NodeID   string
	Username string

	ListenAddr    string
	AdvertiseAddr string
	Transport     string
	STUNServers   []string

	Discovery      string
	MulticastAddr  string
	BeaconInterval time.Duration
	PeerTTL        time.Duration
	RendezvousAddr string

	RendezvousListen string
	// RendezvousWSListen additionally serves the rendezvous protocol over
	// websockets when set.
	RendezvousWSListen string
	RendezvousDBPath   string

	InboxPath string
	LogLevel  string
}

func Default() Config {
	return Config{
		ListenAddr:       "0.0.0.0:7400",
		Transport:        TransportTCP,
		STUNServers:      append([]string(nil), defaultSTUNServers...),
		Discovery:        DiscoveryLAN,
		MulticastAddr:    "239.255.42.99:9876",
		BeaconInterval:   2 * time.Second,
		PeerTTL:          10 * time.Second,
		RendezvousAddr:   "127.0.0.1:7500",
		RendezvousListen: "0.0.0.0:7500",
		LogLevel:         "info",
	}
}

// Load starts from Default, applies envFile (if it exists) and then the
// process environment. An empty envFile means ".env".
func Load(envFile string) (Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg := Default()
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(envPrefix + key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(envPrefix + key)
		if !ok {
			return nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, key, err)
		}
		*dst = d
		return nil
	}

	str("NODE_ID", &c.NodeID)
	str("USERNAME", &c.Username)
	str("LISTEN_ADDR", &c.ListenAddr)
	str("ADVERTISE_ADDR", &c.AdvertiseAddr)
	str("TRANSPORT", &c.Transport)
	str("DISCOVERY", &c.Discovery)
	str("MULTICAST_ADDR", &c.MulticastAddr)
	str("RENDEZVOUS_ADDR", &c.RendezvousAddr)
	str("RENDEZVOUS_LISTEN", &c.RendezvousListen)
	str("RENDEZVOUS_WS_LISTEN", &c.RendezvousWSListen)
	str("RENDEZVOUS_DB", &c.RendezvousDBPath)
	str("INBOX_PATH", &c.InboxPath)
	str("LOG_LEVEL", &c.LogLevel)

	if v, ok := lookup(envPrefix + "STUN_SERVERS"); ok {
		c.STUNServers = splitList(v)
	}

	if err := dur("BEACON_INTERVAL", &c.BeaconInterval); err != nil {
		return err
	}
	return dur("PEER_TTL", &c.PeerTTL)
}

// Finalize validates the configuration and assigns a fresh node id when
// none was configured.
func (c *Config) Finalize() error {
	switch c.Discovery {
	case DiscoveryLAN, DiscoveryRendezvous, DiscoveryNone:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidDiscovery, c.Discovery)
	}

	switch c.Transport {
	case TransportTCP, TransportQUIC:
	case TransportWebRTC:
		if c.Discovery != DiscoveryRendezvous {
			return fmt.Errorf("%w: webrtc requires rendezvous discovery for signaling", ErrInvalidTransport)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidTransport, c.Transport)
	}

	if c.NodeID == "" {
		c.NodeID = uuid.NewString()
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
