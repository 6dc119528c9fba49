package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Network groups the gossip-mesh settings.
type Network struct {
	// Key namespaces topic names so parallel deployments never cross.
	Key              string
	ListenAddr       string
	RendezvousRelays []string
	// RelayQuorum is how many responsive relays probing settles for before
	// falling back to dialing the full candidate list.
	RelayQuorum  int
	ProbeTimeout time.Duration
	BackoffBase  time.Duration
	BackoffCap   time.Duration
}

// Negotiation groups the point-to-point channel settings.
type Negotiation struct {
	ListenAddr        string
	HeartbeatInterval time.Duration
	BackoffBase       time.Duration
	BackoffCap        time.Duration
}

// Chain groups on-chain and gas-relay settings.
type Chain struct {
	RPCURL        string
	RelayURL      string
	EscrowAddress string
	ChainID       int64
}

type Node struct {
	DataDir       string
	APIAddr       string
	AddressScheme string // "hex" or "base58"
	PrivateKeyHex string
	GCInterval    time.Duration
	LogFile       string
}

type Config struct {
	Network     Network
	Negotiation Negotiation
	Chain       Chain
	Node        Node
}

func Default() Config {
	return Config{
		Network: Network{
			Key:        "devnet",
			ListenAddr: "/ip4/0.0.0.0/tcp/9100",
			RendezvousRelays: []string{
				"/ip4/127.0.0.1/tcp/9000/p2p/12D3KooWDpJ7As7BWAwRMfu1VU2WCqNjvq387JEYKDBj4kx6nXTN",
			},
			RelayQuorum:  2,
			ProbeTimeout: 3 * time.Second,
			BackoffBase:  time.Second,
			BackoffCap:   30 * time.Second,
		},
		Negotiation: Negotiation{
			ListenAddr:        "/ip4/0.0.0.0/tcp/9101",
			HeartbeatInterval: 15 * time.Second,
			BackoffBase:       time.Second,
			BackoffCap:        30 * time.Second,
		},
		Chain: Chain{
			RPCURL:   "http://localhost:8545",
			RelayURL: "http://localhost:8090",
			ChainID:  1337,
		},
		Node: Node{
			DataDir:       "data",
			APIAddr:       ":8080",
			AddressScheme: "hex",
			GCInterval:    time.Minute,
		},
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and
// environment variables. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	setString(&cfg.Network.Key, "NETWORK_KEY")
	setString(&cfg.Network.ListenAddr, "GOSSIP_LISTEN_ADDR")
	if relays := os.Getenv("RENDEZVOUS_RELAYS"); relays != "" {
		cfg.Network.RendezvousRelays = strings.Split(relays, ",")
	}
	setInt(&cfg.Network.RelayQuorum, "RELAY_QUORUM")
	setDurationMS(&cfg.Network.ProbeTimeout, "RELAY_PROBE_TIMEOUT_MS")
	setDurationMS(&cfg.Network.BackoffBase, "GOSSIP_BACKOFF_BASE_MS")
	setDurationMS(&cfg.Network.BackoffCap, "GOSSIP_BACKOFF_CAP_MS")

	setString(&cfg.Negotiation.ListenAddr, "DM_LISTEN_ADDR")
	setDurationMS(&cfg.Negotiation.HeartbeatInterval, "DM_HEARTBEAT_MS")
	setDurationMS(&cfg.Negotiation.BackoffBase, "DM_BACKOFF_BASE_MS")
	setDurationMS(&cfg.Negotiation.BackoffCap, "DM_BACKOFF_CAP_MS")

	setString(&cfg.Chain.RPCURL, "CHAIN_RPC_URL")
	setString(&cfg.Chain.RelayURL, "GAS_RELAY_URL")
	setString(&cfg.Chain.EscrowAddress, "ESCROW_ADDRESS")
	setInt64(&cfg.Chain.ChainID, "CHAIN_ID")

	setString(&cfg.Node.DataDir, "DATA_DIR")
	setString(&cfg.Node.APIAddr, "API_ADDR")
	setString(&cfg.Node.AddressScheme, "ADDRESS_SCHEME")
	setString(&cfg.Node.PrivateKeyHex, "PRIVATE_KEY")
	setDurationMS(&cfg.Node.GCInterval, "ORDER_GC_INTERVAL_MS")
	setString(&cfg.Node.LogFile, "LOG_FILE")

	return cfg
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setDurationMS(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(ms) * time.Millisecond
		}
	}
}
