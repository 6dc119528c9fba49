package gossip

import (
	"bufio"
	"context"
	"encoding/json"
	"sync"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/JaeDuckHan/wonswap/pkg/market"
)

const syncProtocol = protocol.ID("/wonswap/order-sync/1.0.0")

// syncHello opens every sync stream. It announces the sender's chain
// identity and where its negotiation endpoint can be dialed. The mapping
// is advisory only; negotiation messages authenticate themselves.
type syncHello struct {
	Address          string   `json:"address"`
	NegotiationAddrs []string `json:"negotiationAddrs"`
}

// syncPayload follows the hello: the sender's current non-expired,
// sanitized order set.
type syncPayload struct {
	Orders []*market.Order `json:"orders"`
}

// pushSyncTo sends our local non-expired orders to a newly connected peer
// so it discovers the book without waiting for rebroadcast.
func (n *Network) pushSyncTo(ctx context.Context, p peer.ID) {
	if ctx.Err() != nil || p == n.h.ID() {
		return
	}
	s, err := n.h.NewStream(ctx, p, syncProtocol)
	if err != nil {
		n.log.Warnw("order_sync_open_failed", "peer", p.String(), "err", err)
		return
	}
	defer s.Close()

	all, err := n.ingest.cache.AllOrders()
	if err != nil {
		n.log.Warnw("order_sync_load_failed", "err", err)
		return
	}
	now := n.cfg.Clock.Now()
	live := make([]*market.Order, 0, len(all))
	for _, o := range all {
		if !o.Expired(now) {
			live = append(live, o.Sanitized())
		}
	}

	w := bufio.NewWriter(s)
	enc := json.NewEncoder(w)
	hello := syncHello{Address: n.cfg.SelfAddress, NegotiationAddrs: n.cfg.NegotiationAddrs}
	if err := enc.Encode(hello); err != nil {
		n.log.Warnw("order_sync_hello_failed", "peer", p.String(), "err", err)
		return
	}
	if err := enc.Encode(syncPayload{Orders: live}); err != nil {
		n.log.Warnw("order_sync_send_failed", "peer", p.String(), "err", err)
		return
	}
	if err := w.Flush(); err != nil {
		return
	}
	n.log.Infow("order_sync_pushed", "peer", p.String(), "orders", len(live))
}

// handleSyncStream ingests a peer's pushed order set through the normal
// pipeline, so synced orders get the same validation as gossiped ones.
func (n *Network) handleSyncStream(s network.Stream) {
	defer s.Close()
	dec := json.NewDecoder(bufio.NewReader(s))

	var hello syncHello
	if err := dec.Decode(&hello); err != nil {
		n.log.Warnw("order_sync_bad_hello", "peer", s.Conn().RemotePeer().String(), "err", err)
		return
	}
	if hello.Address != "" {
		n.dir.Put(hello.Address, hello.NegotiationAddrs)
	}

	var payload syncPayload
	if err := dec.Decode(&payload); err != nil {
		n.log.Warnw("order_sync_bad_payload", "peer", s.Conn().RemotePeer().String(), "err", err)
		return
	}

	accepted := 0
	for _, o := range payload.Orders {
		data, err := json.Marshal(o)
		if err != nil {
			continue
		}
		if err := n.ingest.ingestOrder(data); err != nil {
			n.log.Warnw("synced_order_rejected", "id", o.ID, "err", err)
			continue
		}
		accepted++
	}
	n.log.Infow("order_sync_received",
		"peer", s.Conn().RemotePeer().String(),
		"offered", len(payload.Orders),
		"accepted", accepted)
}

// Directory maps chain addresses to negotiation dial addresses, learned
// opportunistically from sync hellos.
type Directory struct {
	mu      sync.RWMutex
	entries map[string][]string
}

func NewDirectory() *Directory {
	return &Directory{entries: make(map[string][]string)}
}

func (d *Directory) Put(address string, addrs []string) {
	if len(addrs) == 0 {
		return
	}
	d.mu.Lock()
	d.entries[address] = addrs
	d.mu.Unlock()
}

// Lookup resolves a counterparty's negotiation endpoint. The second
// return is false when the address has never been seen.
func (d *Directory) Lookup(address string) (peer.AddrInfo, bool) {
	d.mu.RLock()
	addrs, ok := d.entries[address]
	d.mu.RUnlock()
	if !ok {
		return peer.AddrInfo{}, false
	}
	for _, a := range addrs {
		m, err := ma.NewMultiaddr(a)
		if err != nil {
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(m)
		if err != nil {
			continue
		}
		return *info, true
	}
	return peer.AddrInfo{}, false
}
