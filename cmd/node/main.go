package main

import (
	"context"
	"log"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/JaeDuckHan/wonswap/params"
	"github.com/JaeDuckHan/wonswap/pkg/api"
	"github.com/JaeDuckHan/wonswap/pkg/crypto"
	"github.com/JaeDuckHan/wonswap/pkg/gossip"
	"github.com/JaeDuckHan/wonswap/pkg/market"
	"github.com/JaeDuckHan/wonswap/pkg/negotiation"
	"github.com/JaeDuckHan/wonswap/pkg/relay"
	"github.com/JaeDuckHan/wonswap/pkg/store"
	"github.com/JaeDuckHan/wonswap/pkg/util"
)

const identityKeySetting = "identity_key"

// lazyResolver lets the negotiation channel start before the gossip
// directory exists; the two components have a cyclic startup dependency.
type lazyResolver struct {
	mu  sync.RWMutex
	dir *gossip.Directory
}

func (l *lazyResolver) set(d *gossip.Directory) {
	l.mu.Lock()
	l.dir = d
	l.mu.Unlock()
}

func (l *lazyResolver) Lookup(address string) (peer.AddrInfo, bool) {
	l.mu.RLock()
	dir := l.dir
	l.mu.RUnlock()
	if dir == nil {
		return peer.AddrInfo{}, false
	}
	return dir.Lookup(address)
}

// nodeObserver fans component events to the API hub and bridges
// trade-created notifications into the local store via the escrow
// contract.
type nodeObserver struct {
	mu     sync.RWMutex
	api    *api.Server
	db     *store.Store
	escrow *relay.EscrowCaller
	log    *zap.SugaredLogger
}

func (o *nodeObserver) target() market.Observer {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.api == nil {
		return market.NopObserver{}
	}
	return o.api
}

func (o *nodeObserver) attach(s *api.Server) {
	o.mu.Lock()
	o.api = s
	o.mu.Unlock()
}

func (o *nodeObserver) OrderAdded(order *market.Order)         { o.target().OrderAdded(order) }
func (o *nodeObserver) OrderRemoved(id string)                 { o.target().OrderRemoved(id) }
func (o *nodeObserver) AcceptRequested(r market.AcceptRequest) { o.target().AcceptRequested(r) }
func (o *nodeObserver) AcceptResolved(r market.AcceptResponse) { o.target().AcceptResolved(r) }
func (o *nodeObserver) ConnectivityChanged(up bool)            { o.target().ConnectivityChanged(up) }
func (o *nodeObserver) TradeSignalled(s market.TradeSignal)    { o.target().TradeSignalled(s) }

func (o *nodeObserver) TradeCreated(n market.TradeNotification) {
	if o.escrow != nil {
		if id, ok := new(big.Int).SetString(n.TradeID, 10); ok {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			t, err := o.escrow.GetTrade(ctx, id)
			cancel()
			if err != nil {
				o.log.Warnw("trade_fetch_failed", "trade", n.TradeID, "err", err)
			} else if err := o.db.PutTrade(t); err != nil {
				o.log.Warnw("trade_store_failed", "trade", n.TradeID, "err", err)
			}
		}
	}
	o.target().TradeCreated(n)
}

func main() {
	cfg := params.LoadFromEnv("")

	logFile := cfg.Node.LogFile
	if logFile == "" {
		logFile = filepath.Join(cfg.Node.DataDir, "node.log")
	}
	logger, err := util.NewLoggerWithFile(logFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	db, err := store.Open(filepath.Join(cfg.Node.DataDir, "store"))
	if err != nil {
		sugar.Fatalw("store_open_failed", "err", err)
	}
	defer db.Close()

	scheme := crypto.SchemeHex
	if cfg.Node.AddressScheme == "base58" {
		scheme = crypto.SchemeBase58
	}
	signer, err := loadIdentity(db, cfg.Node.PrivateKeyHex, scheme)
	if err != nil {
		sugar.Fatalw("identity_failed", "err", err)
	}
	sigs := crypto.NewService()
	sugar.Infow("identity_ready", "address", signer.Address(), "scheme", scheme.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs := &nodeObserver{db: db, log: sugar}
	resolver := &lazyResolver{}

	dm, err := negotiation.NewChannel(ctx, negotiation.Config{
		SelfAddress:       signer.Address(),
		ListenAddr:        cfg.Negotiation.ListenAddr,
		HeartbeatInterval: cfg.Negotiation.HeartbeatInterval,
		BackoffBase:       cfg.Negotiation.BackoffBase,
		BackoffCap:        cfg.Negotiation.BackoffCap,
		Outbox:            db,
		Logger:            sugar,
	}, sigs, resolver, obs)
	if err != nil {
		sugar.Fatalw("negotiation_init_failed", "err", err)
	}
	defer dm.Close()

	net, err := gossip.New(ctx, gossip.Config{
		NetworkKey:       cfg.Network.Key,
		ListenAddr:       cfg.Network.ListenAddr,
		RendezvousRelays: cfg.Network.RendezvousRelays,
		RelayQuorum:      cfg.Network.RelayQuorum,
		ProbeTimeout:     cfg.Network.ProbeTimeout,
		BackoffBase:      cfg.Network.BackoffBase,
		BackoffCap:       cfg.Network.BackoffCap,
		SelfAddress:      signer.Address(),
		NegotiationAddrs: dm.Addrs(),
		Logger:           sugar,
	}, db, sigs, obs)
	if err != nil {
		sugar.Fatalw("gossip_init_failed", "err", err)
	}
	defer net.Close()
	resolver.set(net.Directory())

	apiServer := api.NewServer(db, sigs, signer, net, dm, sugar)
	obs.attach(apiServer)

	if cfg.Chain.EscrowAddress != "" {
		escrowAddr, err := crypto.HexAddress(cfg.Chain.EscrowAddress)
		if err != nil {
			sugar.Fatalw("bad_escrow_address", "err", err)
		}
		caller, err := relay.NewEscrowCaller(cfg.Chain.RPCURL, escrowAddr)
		if err != nil {
			sugar.Fatalw("escrow_init_failed", "err", err)
		}
		obs.escrow = caller
		apiServer.AttachTradeReader(caller)

		actor, err := crypto.HexAddress(signer.Address())
		if err != nil {
			sugar.Fatalw("bad_actor_address", "err", err)
		}
		apiServer.AttachEscrow(relay.NewClient(relay.Config{
			BaseURL:        cfg.Chain.RelayURL,
			ChainID:        big.NewInt(cfg.Chain.ChainID),
			EscrowContract: escrowAddr,
			Actor:          actor,
			// Headless node: the node's own key approves its signatures.
			Sign:   signer.Sign,
			Nonces: caller,
			Logger: sugar,
		}))
		sugar.Infow("escrow_ready", "contract", cfg.Chain.EscrowAddress, "relay", cfg.Chain.RelayURL)
	} else {
		sugar.Info("escrow disabled: no ESCROW_ADDRESS configured")
	}

	go func() {
		if err := apiServer.Start(cfg.Node.APIAddr); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	// Expired orders are pruned continuously; expiry itself already makes
	// them inert everywhere, the sweep just reclaims space.
	ticker := time.NewTicker(cfg.Node.GCInterval)
	defer ticker.Stop()

	sugar.Infow("node_started",
		"network_key", cfg.Network.Key,
		"api_addr", cfg.Node.APIAddr,
		"data_dir", cfg.Node.DataDir)

	for {
		select {
		case <-ctx.Done():
			sugar.Info("shutting down")
			return
		case <-ticker.C:
			removed, err := db.DeleteExpiredOrders(time.Now())
			if err != nil {
				sugar.Warnw("order_gc_failed", "err", err)
			} else if removed > 0 {
				sugar.Infow("orders_expired", "removed", removed)
			}
		}
	}
}

// loadIdentity resolves the node key: explicit env key first, then the
// persisted identity, otherwise generate and persist a fresh one.
func loadIdentity(db *store.Store, privHex string, scheme crypto.Scheme) (*crypto.Signer, error) {
	if privHex != "" {
		return crypto.FromPrivateKeyHex(privHex, scheme)
	}
	if stored, err := db.GetSetting(identityKeySetting); err == nil && stored != "" {
		return crypto.FromPrivateKeyHex(stored, scheme)
	}
	signer, err := crypto.GenerateKey(scheme)
	if err != nil {
		return nil, err
	}
	if err := db.SetSetting(identityKeySetting, signer.PrivateKeyHex()); err != nil {
		return nil, err
	}
	return signer, nil
}
