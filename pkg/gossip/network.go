package gossip

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/JaeDuckHan/wonswap/pkg/market"
	"github.com/JaeDuckHan/wonswap/pkg/util"
)

// Config for the order gossip mesh. The rendezvous namespace is scoped by
// application identity and the active trading-network key so separate
// order books never mix.
type Config struct {
	NetworkKey       string
	ListenAddr       string
	RendezvousRelays []string
	RelayQuorum      int
	ProbeTimeout     time.Duration
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	SelfAddress      string   // our chain identity, announced in sync hellos
	NegotiationAddrs []string // dialable multiaddrs for our negotiation endpoint
	Logger           *zap.SugaredLogger
	Clock            util.Clock
}

// Network joins the shared rendezvous namespace and broadcasts/syncs
// orders over an ad-hoc peer mesh. Negotiation traffic never touches it.
type Network struct {
	h   host.Host
	ps  *pubsub.PubSub
	log *zap.SugaredLogger
	cfg Config

	ingest *ingestor
	dir    *Directory

	tSell, tBuy, tCancel       *pubsub.Topic
	subSell, subBuy, subCancel *pubsub.Subscription

	relays []peer.AddrInfo

	muConn    sync.Mutex
	connected bool
	observer  market.Observer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (c Config) topic(kind string) string {
	return fmt.Sprintf("wonswap/%s/%s", c.NetworkKey, kind)
}

// New starts the gossip session: probe rendezvous relays, join the three
// order topics, and begin serving point-to-point order sync.
func New(ctx context.Context, cfg Config, cache OrderCache, verify Verifier, obs market.Observer) (*Network, error) {
	if cfg.Clock == nil {
		cfg.Clock = util.RealClock{}
	}
	if obs == nil {
		obs = market.NopObserver{}
	}

	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("parse listen addr: %w", err)
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create gossip host: %w", err)
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("create gossipsub: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	n := &Network{
		h:        h,
		ps:       ps,
		log:      cfg.Logger,
		cfg:      cfg,
		ingest:   newIngestor(cache, verify, cfg.Clock, cfg.Logger, obs),
		dir:      NewDirectory(),
		observer: obs,
		cancel:   cancel,
	}

	n.relays = n.probeRelays(runCtx)
	n.dialRelays(runCtx)

	if err := n.joinTopics(); err != nil {
		cancel()
		h.Close()
		return nil, err
	}

	h.SetStreamHandler(syncProtocol, n.handleSyncStream)
	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, conn network.Conn) {
			// Sync immediately on every new peer, no artificial delay.
			go n.pushSyncTo(runCtx, conn.RemotePeer())
			n.setConnected(true)
		},
		DisconnectedF: func(nw network.Network, _ network.Conn) {
			if len(nw.Peers()) == 0 {
				n.setConnected(false)
			}
		},
	})

	n.wg.Add(4)
	go n.readLoop(runCtx, n.subSell)
	go n.readLoop(runCtx, n.subBuy)
	go n.cancelLoop(runCtx)
	go n.superviseConnectivity(runCtx)

	n.log.Infow("gossip_ready",
		"peer", h.ID().String(),
		"network_key", cfg.NetworkKey,
		"relays", len(n.relays))
	return n, nil
}

// probeRelays tries every candidate rendezvous relay with a bounded
// timeout. If fewer than the quorum respond, degrade gracefully: fall
// back to the full candidate list instead of failing startup.
func (n *Network) probeRelays(ctx context.Context) []peer.AddrInfo {
	candidates := make([]peer.AddrInfo, 0, len(n.cfg.RendezvousRelays))
	for _, addr := range n.cfg.RendezvousRelays {
		info, err := addrInfo(addr)
		if err != nil {
			n.log.Warnw("relay_addr_invalid", "addr", addr, "err", err)
			continue
		}
		candidates = append(candidates, *info)
	}

	type result struct {
		info peer.AddrInfo
		err  error
	}
	results := make(chan result, len(candidates))
	for _, info := range candidates {
		go func(info peer.AddrInfo) {
			probeCtx, cancel := context.WithTimeout(ctx, n.cfg.ProbeTimeout)
			defer cancel()
			results <- result{info: info, err: n.h.Connect(probeCtx, info)}
		}(info)
	}

	var responsive []peer.AddrInfo
	for range candidates {
		r := <-results
		if r.err != nil {
			n.log.Warnw("relay_probe_failed", "peer", r.info.ID.String(), "err", r.err)
			continue
		}
		responsive = append(responsive, r.info)
	}

	if len(responsive) < n.cfg.RelayQuorum {
		n.log.Warnw("relay_quorum_not_met",
			"responsive", len(responsive),
			"quorum", n.cfg.RelayQuorum,
			"fallback", "full candidate list")
		return candidates
	}
	return responsive
}

func (n *Network) dialRelays(ctx context.Context) int {
	ok := 0
	for _, info := range n.relays {
		dialCtx, cancel := context.WithTimeout(ctx, n.cfg.ProbeTimeout)
		err := n.h.Connect(dialCtx, info)
		cancel()
		if err != nil {
			n.log.Warnw("relay_connect_failed", "peer", info.ID.String(), "err", err)
			continue
		}
		ok++
	}
	return ok
}

func addrInfo(addr string) (*peer.AddrInfo, error) {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return nil, err
	}
	return peer.AddrInfoFromP2pAddr(m)
}

func (n *Network) joinTopics() error {
	var err error
	if n.tSell, err = n.ps.Join(n.cfg.topic("sell-orders")); err != nil {
		return fmt.Errorf("join sell topic: %w", err)
	}
	if n.tBuy, err = n.ps.Join(n.cfg.topic("buy-orders")); err != nil {
		return fmt.Errorf("join buy topic: %w", err)
	}
	if n.tCancel, err = n.ps.Join(n.cfg.topic("cancel-orders")); err != nil {
		return fmt.Errorf("join cancel topic: %w", err)
	}
	if n.subSell, err = n.tSell.Subscribe(); err != nil {
		return err
	}
	if n.subBuy, err = n.tBuy.Subscribe(); err != nil {
		return err
	}
	if n.subCancel, err = n.tCancel.Subscribe(); err != nil {
		return err
	}
	return nil
}

// PublishOrder broadcasts a sanitized copy; the bank account never leaves
// the owner's process before acceptance.
func (n *Network) PublishOrder(ctx context.Context, o *market.Order) error {
	n.ingest.markLocal(o.ID)
	data, err := json.Marshal(o.Sanitized())
	if err != nil {
		return fmt.Errorf("marshal order %s: %w", o.ID, err)
	}
	topic := n.tSell
	if o.Type == market.BuyOrder {
		topic = n.tBuy
	}
	if err := topic.Publish(ctx, data); err != nil {
		return &market.NetworkError{Op: "publish order", Err: err}
	}
	return nil
}

// PublishCancel broadcasts an advisory cancel for one of our orders.
func (n *Network) PublishCancel(ctx context.Context, orderID string) error {
	data, _ := json.Marshal(cancelMsg{OrderID: orderID})
	if err := n.tCancel.Publish(ctx, data); err != nil {
		return &market.NetworkError{Op: "publish cancel", Err: err}
	}
	return nil
}

func (n *Network) readLoop(ctx context.Context, sub *pubsub.Subscription) {
	defer n.wg.Done()
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return // subscription closed or ctx cancelled
		}
		if err := n.ingest.ingestOrder(msg.Data); err != nil {
			// Drop and log; never disconnect the sender.
			n.log.Warnw("order_rejected", "from", msg.ReceivedFrom.String(), "err", err)
		}
	}
}

func (n *Network) cancelLoop(ctx context.Context) {
	defer n.wg.Done()
	for {
		msg, err := n.subCancel.Next(ctx)
		if err != nil {
			return
		}
		id, err := n.ingest.ingestCancel(msg.Data)
		if err != nil {
			n.log.Warnw("cancel_rejected", "from", msg.ReceivedFrom.String(), "err", err)
			continue
		}
		n.log.Infow("order_cancelled", "id", id, "from", msg.ReceivedFrom.String())
	}
}

// superviseConnectivity re-dials rendezvous relays whenever the mesh goes
// quiet, with exponential backoff that resets on any success.
func (n *Network) superviseConnectivity(ctx context.Context) {
	defer n.wg.Done()
	backoff := util.NewBackoff(n.cfg.BackoffBase, n.cfg.BackoffCap)
	for {
		var delay time.Duration
		if len(n.h.Network().Peers()) > 0 {
			backoff.Reset()
			delay = n.cfg.BackoffBase
		} else {
			delay = backoff.Next()
			n.log.Infow("gossip_reconnecting", "attempt", backoff.Attempts(), "delay_ms", delay.Milliseconds())
			if n.dialRelays(ctx) > 0 {
				backoff.Reset()
				n.setConnected(true)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-n.cfg.Clock.After(delay):
		}
	}
}

func (n *Network) setConnected(up bool) {
	n.muConn.Lock()
	changed := n.connected != up
	n.connected = up
	n.muConn.Unlock()
	if changed {
		n.observer.ConnectivityChanged(up)
	}
}

// Connected reports best-effort mesh connectivity. Transport failures are
// absorbed by the supervisor and surface only through this indicator.
func (n *Network) Connected() bool {
	n.muConn.Lock()
	defer n.muConn.Unlock()
	return n.connected
}

// Directory exposes the advisory owner-address to negotiation-endpoint
// mapping learned from sync hellos.
func (n *Network) Directory() *Directory { return n.dir }

// Close leaves the rendezvous namespace and stops all timers and loops.
// In-flight continuations observe the cancelled context and become no-ops.
func (n *Network) Close() error {
	n.cancel()
	n.subSell.Cancel()
	n.subBuy.Cancel()
	n.subCancel.Cancel()
	n.wg.Wait()
	return n.h.Close()
}
