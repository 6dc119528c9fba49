package negotiation

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/protocol/ping"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/JaeDuckHan/wonswap/pkg/crypto"
	"github.com/JaeDuckHan/wonswap/pkg/market"
	"github.com/JaeDuckHan/wonswap/pkg/util"
)

const (
	dmProtocol     = protocol.ID("/wonswap/dm/1.0.0")
	dmSyncProtocol = protocol.ID("/wonswap/dm-sync/1.0.0")
)

// dmHello opens every negotiation stream, announcing the sender's chain
// identity. Trust comes from per-message signatures, not from the hello.
type dmHello struct {
	Address string `json:"address"`
}

type dmHistory struct {
	Envelopes []Envelope `json:"envelopes"`
}

// Resolver maps a counterparty chain address to a dialable endpoint.
// The gossip directory satisfies this.
type Resolver interface {
	Lookup(address string) (peer.AddrInfo, bool)
}

// OutboxStore persists queued envelopes across restarts so
// store-and-forward delivery survives the process. The local store
// satisfies this; values are opaque to it.
type OutboxStore interface {
	SetOutbox(counterparty string, data []byte) error
	DeleteOutbox(counterparty string) error
	AllOutbox() (map[string][]byte, error)
}

// Config for the negotiation channel. It runs on its own host: gossip and
// negotiation are independent transports with no ordering between them.
type Config struct {
	SelfAddress       string
	ListenAddr        string
	HeartbeatInterval time.Duration
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	Outbox            OutboxStore // optional; nil keeps the outbox in memory only
	Logger            *zap.SugaredLogger
	Clock             util.Clock
}

// Channel is the authenticated point-to-point path for accept/reject and
// trade-creation envelopes. Outbound messages are store-and-forward: they
// queue in the outbox and flush whenever the counterparty is reachable.
// The channel is connection-scoped with an explicit create/dispose
// lifecycle owned by the caller.
type Channel struct {
	h       host.Host
	pinger  *ping.PingService
	sigs    *crypto.Service
	resolve Resolver
	pending *PendingSet

	log      *zap.SugaredLogger
	cfg      Config
	observer market.Observer

	mu       sync.Mutex
	seen     map[string]struct{}
	history  map[string][]Envelope // transcript per counterparty address
	outbox   map[string][]Envelope
	sessions map[string]context.CancelFunc

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewChannel(ctx context.Context, cfg Config, sigs *crypto.Service, resolve Resolver, obs market.Observer) (*Channel, error) {
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
			return nil, fmt.Errorf("parse negotiation listen addr: %w", err)
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create negotiation host: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c := &Channel{
		h:        h,
		pinger:   ping.NewPingService(h),
		sigs:     sigs,
		resolve:  resolve,
		pending:  NewPendingSet(),
		log:      cfg.Logger,
		cfg:      cfg,
		observer: obs,
		seen:     make(map[string]struct{}),
		history:  make(map[string][]Envelope),
		outbox:   make(map[string][]Envelope),
		sessions: make(map[string]context.CancelFunc),
		runCtx:   runCtx,
		cancel:   cancel,
	}
	h.SetStreamHandler(dmProtocol, c.handleDMStream)
	h.SetStreamHandler(dmSyncProtocol, c.handleSyncStream)

	if err := c.loadOutbox(); err != nil {
		cfg.Logger.Warnw("outbox_load_failed", "err", err)
	}

	cfg.Logger.Infow("negotiation_ready", "peer", h.ID().String(), "address", cfg.SelfAddress)
	return c, nil
}

// loadOutbox restores queued envelopes from the previous run.
func (c *Channel) loadOutbox() error {
	if c.cfg.Outbox == nil {
		return nil
	}
	saved, err := c.cfg.Outbox.AllOutbox()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for counterparty, data := range saved {
		var envs []Envelope
		if err := json.Unmarshal(data, &envs); err != nil {
			c.log.Warnw("outbox_entry_corrupt", "counterparty", counterparty, "err", err)
			continue
		}
		c.outbox[counterparty] = envs
	}
	if len(saved) > 0 {
		c.log.Infow("outbox_restored", "counterparties", len(saved))
	}
	return nil
}

// persistOutbox mirrors one counterparty's queue to the store. Callers
// hold c.mu.
func (c *Channel) persistOutbox(to string) {
	if c.cfg.Outbox == nil {
		return
	}
	queued := c.outbox[to]
	if len(queued) == 0 {
		if err := c.cfg.Outbox.DeleteOutbox(to); err != nil {
			c.log.Warnw("outbox_delete_failed", "counterparty", to, "err", err)
		}
		return
	}
	data, err := json.Marshal(queued)
	if err != nil {
		c.log.Warnw("outbox_marshal_failed", "counterparty", to, "err", err)
		return
	}
	if err := c.cfg.Outbox.SetOutbox(to, data); err != nil {
		c.log.Warnw("outbox_persist_failed", "counterparty", to, "err", err)
	}
}

// Addrs returns dialable multiaddrs (with peer ID) for gossip hellos.
func (c *Channel) Addrs() []string {
	suffix := "/p2p/" + c.h.ID().String()
	out := make([]string, 0, len(c.h.Addrs()))
	for _, a := range c.h.Addrs() {
		out = append(out, a.String()+suffix)
	}
	return out
}

// Pending lists the undecided requests for an order.
func (c *Channel) Pending(orderID string) []market.AcceptRequest {
	return c.pending.List(orderID)
}

// SendAcceptRequest queues a signed accept-request for the order owner.
func (c *Channel) SendAcceptRequest(ctx context.Context, owner string, req market.AcceptRequest) error {
	env, err := NewEnvelope(KindAcceptReq, req, c.cfg.Clock.Now().Unix())
	if err != nil {
		return err
	}
	return c.send(ctx, owner, env)
}

// Accept resolves the order in favor of one requester. Within the same
// update every other pending requester receives a rejection and leaves
// the pending set; no requester stays undecided.
func (c *Channel) Accept(ctx context.Context, orderID, winner, bankAccount string) error {
	responses, err := c.pending.Resolve(orderID, winner, bankAccount)
	if err != nil {
		return err
	}
	var firstErr error
	for _, res := range responses {
		env, err := NewEnvelope(KindAcceptRes, res, c.cfg.Clock.Now().Unix())
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := c.send(ctx, res.Requester, env); err != nil && firstErr == nil {
			firstErr = err
		}
		c.observer.AcceptResolved(res)
	}
	return firstErr
}

// NotifyTradeCreated bridges the negotiation to the on-chain trade.
func (c *Channel) NotifyTradeCreated(ctx context.Context, to string, n market.TradeNotification) error {
	env, err := NewEnvelope(KindTradeCreated, n, c.cfg.Clock.Now().Unix())
	if err != nil {
		return err
	}
	return c.send(ctx, to, env)
}

// SendTradeSignal queues a fiat-side progress marker for the trade
// counterparty.
func (c *Channel) SendTradeSignal(ctx context.Context, to string, sig market.TradeSignal) error {
	env, err := NewEnvelope(KindTradeSignal, sig, c.cfg.Clock.Now().Unix())
	if err != nil {
		return err
	}
	return c.send(ctx, to, env)
}

// send records the envelope in the transcript, queues it in the outbox,
// and attempts immediate delivery. An unreachable counterparty is not an
// error: the outbox flushes on the next connect.
func (c *Channel) send(ctx context.Context, to string, env Envelope) error {
	c.mu.Lock()
	c.history[to] = append(c.history[to], env)
	c.outbox[to] = append(c.outbox[to], env)
	c.persistOutbox(to)
	c.mu.Unlock()

	if err := c.flushOutbox(ctx, to); err != nil {
		c.log.Warnw("dm_deferred", "to", to, "type", string(env.Type), "err", err)
	}
	return nil
}

// flushOutbox delivers all queued envelopes for a counterparty over one
// stream, clearing them only after the write succeeds.
func (c *Channel) flushOutbox(ctx context.Context, to string) error {
	c.mu.Lock()
	queued := append([]Envelope(nil), c.outbox[to]...)
	c.mu.Unlock()
	if len(queued) == 0 {
		return nil
	}

	info, ok := c.resolve.Lookup(to)
	if !ok {
		return &market.NetworkError{Op: "resolve counterparty", Err: fmt.Errorf("no known endpoint for %s", to)}
	}
	if err := c.h.Connect(ctx, info); err != nil {
		return &market.NetworkError{Op: "dial counterparty", Err: err}
	}
	s, err := c.h.NewStream(ctx, info.ID, dmProtocol)
	if err != nil {
		return &market.NetworkError{Op: "open dm stream", Err: err}
	}
	defer s.Close()

	w := bufio.NewWriter(s)
	enc := json.NewEncoder(w)
	if err := enc.Encode(dmHello{Address: c.cfg.SelfAddress}); err != nil {
		return &market.NetworkError{Op: "write dm hello", Err: err}
	}
	for _, env := range queued {
		if err := enc.Encode(env); err != nil {
			return &market.NetworkError{Op: "write dm envelope", Err: err}
		}
	}
	if err := w.Flush(); err != nil {
		return &market.NetworkError{Op: "flush dm stream", Err: err}
	}

	c.mu.Lock()
	remaining := c.outbox[to]
	if len(remaining) >= len(queued) {
		c.outbox[to] = remaining[len(queued):]
	}
	if len(c.outbox[to]) == 0 {
		delete(c.outbox, to)
	}
	c.persistOutbox(to)
	c.mu.Unlock()
	c.log.Infow("dm_flushed", "to", to, "count", len(queued))
	return nil
}

// Connect starts a supervised session with a counterparty: sync history,
// flush the outbox, then hold liveness with periodic heartbeats. Stream
// failures and failed probes both restart the session under exponential
// backoff.
func (c *Channel) Connect(counterparty string) {
	c.mu.Lock()
	if _, running := c.sessions[counterparty]; running {
		c.mu.Unlock()
		return
	}
	sessCtx, cancel := context.WithCancel(c.runCtx)
	c.sessions[counterparty] = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go c.runSession(sessCtx, counterparty)
}

// Disconnect tears down the session; in-flight continuations observe the
// cancelled context and become no-ops.
func (c *Channel) Disconnect(counterparty string) {
	c.mu.Lock()
	if cancel, ok := c.sessions[counterparty]; ok {
		cancel()
		delete(c.sessions, counterparty)
	}
	c.mu.Unlock()
}

func (c *Channel) runSession(ctx context.Context, counterparty string) {
	defer c.wg.Done()
	backoff := util.NewBackoff(c.cfg.BackoffBase, c.cfg.BackoffCap)
	for {
		if ctx.Err() != nil {
			return
		}
		err := c.sessionOnce(ctx, counterparty, backoff)
		if ctx.Err() != nil {
			return
		}
		delay := backoff.Next()
		c.log.Warnw("dm_session_restart",
			"counterparty", counterparty,
			"attempt", backoff.Attempts(),
			"delay_ms", delay.Milliseconds(),
			"err", err)
		select {
		case <-ctx.Done():
			return
		case <-c.cfg.Clock.After(delay):
		}
	}
}

// sessionOnce runs one session until it fails. A successful establishment
// resets the backoff. Any single failed probe is treated as fatal to the
// stream and forces a restart, since some transport failures never
// surface as explicit stream errors.
func (c *Channel) sessionOnce(ctx context.Context, counterparty string, backoff *util.Backoff) error {
	info, ok := c.resolve.Lookup(counterparty)
	if !ok {
		return fmt.Errorf("no known endpoint for %s", counterparty)
	}
	if err := c.h.Connect(ctx, info); err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	if err := c.syncHistory(ctx, info.ID); err != nil {
		return fmt.Errorf("history sync: %w", err)
	}
	if err := c.flushOutbox(ctx, counterparty); err != nil {
		return err
	}
	backoff.Reset()
	c.observer.ConnectivityChanged(true)
	c.log.Infow("dm_session_live", "counterparty", counterparty)

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, c.cfg.HeartbeatInterval)
			res, open := <-c.pinger.Ping(probeCtx, info.ID)
			cancel()
			if !open || res.Error != nil {
				c.observer.ConnectivityChanged(false)
				if res.Error != nil {
					return fmt.Errorf("heartbeat: %w", res.Error)
				}
				return fmt.Errorf("heartbeat: probe channel closed")
			}
		}
	}
}

// syncHistory exchanges full transcripts with the counterparty and
// replays anything relevant we have not seen. Replay goes through the
// normal envelope handler, so dedup and verification still apply.
func (c *Channel) syncHistory(ctx context.Context, p peer.ID) error {
	s, err := c.h.NewStream(ctx, p, dmSyncProtocol)
	if err != nil {
		return err
	}
	defer s.Close()

	w := bufio.NewWriter(s)
	enc := json.NewEncoder(w)
	if err := enc.Encode(dmHello{Address: c.cfg.SelfAddress}); err != nil {
		return err
	}
	if err := enc.Encode(dmHistory{}); err != nil { // we only pull on the client side
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}

	dec := json.NewDecoder(bufio.NewReader(s))
	var hello dmHello
	if err := dec.Decode(&hello); err != nil {
		return err
	}
	var hist dmHistory
	if err := dec.Decode(&hist); err != nil {
		return err
	}
	for _, env := range hist.Envelopes {
		c.handleEnvelope(hello.Address, env)
	}
	c.log.Infow("dm_history_synced", "counterparty", hello.Address, "envelopes", len(hist.Envelopes))
	return nil
}

// handleSyncStream answers a history pull with our transcript for the
// requesting counterparty and replays anything they pushed.
func (c *Channel) handleSyncStream(s network.Stream) {
	defer s.Close()
	dec := json.NewDecoder(bufio.NewReader(s))

	var hello dmHello
	if err := dec.Decode(&hello); err != nil {
		c.log.Warnw("dm_sync_bad_hello", "err", err)
		return
	}
	var pushed dmHistory
	if err := dec.Decode(&pushed); err != nil {
		c.log.Warnw("dm_sync_bad_history", "from", hello.Address, "err", err)
		return
	}
	for _, env := range pushed.Envelopes {
		c.handleEnvelope(hello.Address, env)
	}

	c.mu.Lock()
	ours := append([]Envelope(nil), c.history[hello.Address]...)
	c.mu.Unlock()

	w := bufio.NewWriter(s)
	enc := json.NewEncoder(w)
	if err := enc.Encode(dmHello{Address: c.cfg.SelfAddress}); err != nil {
		return
	}
	if err := enc.Encode(dmHistory{Envelopes: ours}); err != nil {
		return
	}
	_ = w.Flush()
}

// handleDMStream consumes live envelopes until the stream ends. Stream
// errors here do not tear anything down; the sender's supervisor owns
// reconnection.
func (c *Channel) handleDMStream(s network.Stream) {
	defer s.Close()
	dec := json.NewDecoder(bufio.NewReader(s))

	var hello dmHello
	if err := dec.Decode(&hello); err != nil {
		c.log.Warnw("dm_bad_hello", "err", err)
		return
	}
	for {
		var env Envelope
		if err := dec.Decode(&env); err != nil {
			return // EOF or broken stream
		}
		c.handleEnvelope(hello.Address, env)
	}
}

// handleEnvelope is the single entry point for inbound envelopes, live or
// replayed. Duplicates are dropped by ID before any processing.
func (c *Channel) handleEnvelope(from string, env Envelope) {
	c.mu.Lock()
	if _, dup := c.seen[env.ID]; dup {
		c.mu.Unlock()
		return
	}
	c.seen[env.ID] = struct{}{}
	c.history[from] = append(c.history[from], env)
	c.mu.Unlock()

	switch env.Type {
	case KindAcceptReq:
		var req market.AcceptRequest
		if err := env.Decode(&req); err != nil {
			c.log.Warnw("dm_bad_accept_req", "from", from, "err", err)
			return
		}
		if v := c.sigs.VerifyAccept(&req); !v.Valid {
			c.log.Warnw("dm_accept_req_rejected", "from", from, "order", req.OrderID, "reason", v.Reason)
			return
		}
		if c.pending.Add(req) {
			c.log.Infow("accept_request_pending", "order", req.OrderID, "requester", req.Requester)
			c.observer.AcceptRequested(req)
		}
	case KindAcceptRes:
		var res market.AcceptResponse
		if err := env.Decode(&res); err != nil {
			c.log.Warnw("dm_bad_accept_res", "from", from, "err", err)
			return
		}
		c.observer.AcceptResolved(res)
	case KindTradeCreated:
		var n market.TradeNotification
		if err := env.Decode(&n); err != nil {
			c.log.Warnw("dm_bad_trade_created", "from", from, "err", err)
			return
		}
		c.observer.TradeCreated(n)
	case KindTradeSignal:
		var sig market.TradeSignal
		if err := env.Decode(&sig); err != nil {
			c.log.Warnw("dm_bad_trade_signal", "from", from, "err", err)
			return
		}
		if sig.Sender == "" {
			sig.Sender = from
		}
		c.observer.TradeSignalled(sig)
	default:
		c.log.Warnw("dm_unknown_envelope", "from", from, "type", string(env.Type))
	}
}

// Close disposes the channel: all sessions stop, the host shuts down.
func (c *Channel) Close() error {
	c.cancel()
	c.wg.Wait()
	return c.h.Close()
}
