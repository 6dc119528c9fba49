package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/JaeDuckHan/wonswap/pkg/crypto"
	"github.com/JaeDuckHan/wonswap/pkg/market"
	"github.com/JaeDuckHan/wonswap/pkg/store"
	"github.com/JaeDuckHan/wonswap/pkg/trade"
	"github.com/JaeDuckHan/wonswap/pkg/util"
)

const defaultOrderTTL = time.Hour

// Broadcaster publishes orders and cancels to the gossip mesh.
type Broadcaster interface {
	PublishOrder(ctx context.Context, o *market.Order) error
	PublishCancel(ctx context.Context, orderID string) error
	Connected() bool
}

// Negotiator is the point-to-point path to order owners and requesters.
type Negotiator interface {
	SendAcceptRequest(ctx context.Context, owner string, req market.AcceptRequest) error
	Accept(ctx context.Context, orderID, winner, bankAccount string) error
	Pending(orderID string) []market.AcceptRequest
	NotifyTradeCreated(ctx context.Context, to string, n market.TradeNotification) error
	SendTradeSignal(ctx context.Context, to string, sig market.TradeSignal) error
	Connect(counterparty string)
}

// Server exposes the coordination layer over REST and WebSocket. It also
// implements market.Observer: component events fan out to subscribed
// WebSocket clients.
type Server struct {
	db     *store.Store
	sigs   *crypto.Service
	signer *crypto.Signer
	net    Broadcaster
	dm     Negotiator
	escrow EscrowSubmitter
	trades TradeReader

	router *mux.Router
	hub    *Hub
	log    *zap.SugaredLogger
	clock  util.Clock

	mu      sync.Mutex
	signals map[string][]trade.Signal // tradeID -> transcript
}

func NewServer(db *store.Store, sigs *crypto.Service, signer *crypto.Signer, net Broadcaster, dm Negotiator, log *zap.SugaredLogger) *Server {
	s := &Server{
		db:      db,
		sigs:    sigs,
		signer:  signer,
		net:     net,
		dm:      dm,
		router:  mux.NewRouter(),
		hub:     NewHub(log),
		log:     log,
		clock:   util.RealClock{},
		signals: make(map[string][]trade.Signal),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/orders", s.handleListOrders).Methods("GET")
	api.HandleFunc("/orders", s.handleCreateOrder).Methods("POST")
	api.HandleFunc("/orders/{id}/cancel", s.handleCancelOrder).Methods("POST")
	api.HandleFunc("/orders/{id}/request", s.handleRequestOrder).Methods("POST")
	api.HandleFunc("/orders/{id}/requests", s.handleListRequests).Methods("GET")
	api.HandleFunc("/orders/{id}/accept", s.handleAcceptOrder).Methods("POST")

	api.HandleFunc("/trades", s.handleListTrades).Methods("GET")
	api.HandleFunc("/trades/{id}", s.handleGetTrade).Methods("GET")
	api.HandleFunc("/trades/{id}/signal", s.handleTradeSignal).Methods("POST")
	api.HandleFunc("/trades/{id}/state", s.handleTradeState).Methods("GET")

	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	s.setupEscrowRoutes(api)

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start serves until the listener fails. Run it in its own goroutine.
func (s *Server) Start(addr string) error {
	go s.hub.Run()

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:3001"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	s.log.Infow("api_listening", "addr", addr)
	return http.ListenAndServe(addr, c.Handler(s.router))
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	now := s.clock.Now()
	if _, err := s.db.DeleteExpiredOrders(now); err != nil {
		s.log.Warnw("order_gc_failed", "err", err)
	}

	var (
		orders []*market.Order
		err    error
	)
	switch {
	case r.URL.Query().Get("owner") != "":
		orders, err = s.db.OrdersByOwner(r.URL.Query().Get("owner"))
	case r.URL.Query().Get("type") != "":
		orders, err = s.db.OrdersByType(market.OrderType(r.URL.Query().Get("type")))
	default:
		orders, err = s.db.AllOrders()
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "list orders failed", err.Error())
		return
	}

	live := make([]*market.Order, 0, len(orders))
	for _, o := range orders {
		if !o.Expired(now) {
			live = append(live, o)
		}
	}
	respondJSON(w, live)
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	now := s.clock.Now()
	expiry := req.Expiry
	if expiry == 0 {
		expiry = now.Add(defaultOrderTTL).Unix()
	}
	order := &market.Order{
		ID:          newOrderID(s.signer.Address(), now),
		Type:        market.OrderType(req.Type),
		Amount:      req.Amount,
		PriceKRW:    req.PriceKRW,
		BankAccount: req.BankAccount,
		Expiry:      expiry,
		CreatedAt:   now.Unix(),
	}
	if err := s.sigs.SignOrder(order, s.signer); err != nil {
		respondError(w, http.StatusInternalServerError, "sign order failed", err.Error())
		return
	}
	if err := market.ValidateOrder(order, now); err != nil {
		respondError(w, http.StatusBadRequest, "invalid order", err.Error())
		return
	}

	// Keep the full order (bank account included) locally; the mesh only
	// ever sees the sanitized copy.
	if err := s.db.PutOrder(order); err != nil {
		respondError(w, http.StatusInternalServerError, "store order failed", err.Error())
		return
	}
	if err := s.net.PublishOrder(r.Context(), order); err != nil {
		s.log.Warnw("order_publish_failed", "order", order.ID, "err", err)
	}

	s.log.Infow("order_created", "order", order.ID, "type", order.Type, "amount", order.Amount, "price_krw", order.PriceKRW)
	respondJSON(w, CreateOrderResponse{Status: "published", OrderID: order.ID})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	order, err := s.db.GetOrder(id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if !crypto.SameAddress(s.signer.Scheme(), order.Owner, s.signer.Address()) {
		respondError(w, http.StatusForbidden, "not order owner", "")
		return
	}
	if err := s.db.DeleteOrder(id); err != nil {
		respondError(w, http.StatusInternalServerError, "delete order failed", err.Error())
		return
	}
	if err := s.net.PublishCancel(r.Context(), id); err != nil {
		s.log.Warnw("cancel_publish_failed", "order", id, "err", err)
	}
	respondJSON(w, map[string]string{"status": "cancelled", "orderId": id})
}

// handleRequestOrder sends a signed accept-request to the order's owner
// and opens a supervised session so the response comes back promptly.
func (s *Server) handleRequestOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	order, err := s.db.GetOrder(id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if order.Expired(s.clock.Now()) {
		respondError(w, http.StatusGone, "order expired", "")
		return
	}
	if crypto.SameAddress(s.signer.Scheme(), order.Owner, s.signer.Address()) {
		respondError(w, http.StatusBadRequest, "cannot request own order", "")
		return
	}

	req := market.AcceptRequest{OrderID: id, Timestamp: s.clock.Now().Unix()}
	if err := s.sigs.SignAccept(&req, s.signer); err != nil {
		respondError(w, http.StatusInternalServerError, "sign request failed", err.Error())
		return
	}
	if err := s.dm.SendAcceptRequest(r.Context(), order.Owner, req); err != nil {
		respondError(w, http.StatusBadGateway, "send request failed", err.Error())
		return
	}
	s.dm.Connect(order.Owner)

	s.log.Infow("accept_request_sent", "order", id, "owner", order.Owner)
	respondJSON(w, map[string]string{"status": "requested", "orderId": id})
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.dm.Pending(mux.Vars(r)["id"]))
}

func (s *Server) handleAcceptOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req AcceptOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.Requester == "" {
		respondError(w, http.StatusBadRequest, "missing requester", "")
		return
	}

	order, err := s.db.GetOrder(id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if !crypto.SameAddress(s.signer.Scheme(), order.Owner, s.signer.Address()) {
		respondError(w, http.StatusForbidden, "not order owner", "")
		return
	}

	if err := s.dm.Accept(r.Context(), id, req.Requester, order.BankAccount); err != nil {
		respondStoreError(w, err)
		return
	}
	s.dm.Connect(req.Requester)

	s.log.Infow("order_accepted", "order", id, "requester", req.Requester)
	respondJSON(w, map[string]string{"status": "accepted", "orderId": id, "requester": req.Requester})
}

func (s *Server) handleListTrades(w http.ResponseWriter, r *http.Request) {
	var (
		trades []*market.Trade
		err    error
	)
	if addr := r.URL.Query().Get("address"); addr != "" {
		trades, err = s.db.TradesByAddress(addr)
	} else {
		trades, err = s.db.AllTrades()
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "list trades failed", err.Error())
		return
	}
	respondJSON(w, trades)
}

func (s *Server) handleGetTrade(w http.ResponseWriter, r *http.Request) {
	t, err := s.db.GetTrade(mux.Vars(r)["id"])
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, t)
}

func (s *Server) handleTradeSignal(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req SignalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	kind := trade.SignalKind(req.Kind)
	if kind != trade.SignalFundsSent && kind != trade.SignalFundsConfirmed {
		respondError(w, http.StatusBadRequest, "unknown signal kind", req.Kind)
		return
	}
	tr, err := s.db.GetTrade(id)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	s.RecordSignal(id, trade.Signal{Kind: kind, Mine: true})

	// The counterparty fuses the mirrored entry as Mine:false; without it
	// a seller would never see the buyer's funds-sent.
	counterparty := tr.Seller
	if crypto.SameAddress(s.signer.Scheme(), tr.Seller, s.signer.Address()) {
		counterparty = tr.Buyer
	}
	if err := s.dm.SendTradeSignal(r.Context(), counterparty, market.TradeSignal{
		TradeID: id,
		Kind:    string(kind),
		Sender:  s.signer.Address(),
	}); err != nil {
		s.log.Warnw("signal_forward_failed", "trade", id, "err", err)
	}
	respondJSON(w, map[string]string{"status": "recorded", "tradeId": id})
}

func (s *Server) handleTradeState(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	t, err := s.db.GetTrade(id)
	status := trade.StatusNone
	if err == nil {
		status = t.Status
	} else {
		var notFound *market.NotFoundError
		if !errors.As(err, &notFound) {
			respondError(w, http.StatusInternalServerError, "load trade failed", err.Error())
			return
		}
	}

	// The stored trade is a snapshot; the contract may have moved on to
	// RELEASED/REFUNDED/DISPUTED since. Re-read when a chain reader is
	// configured, falling back to the snapshot if the read fails.
	if s.trades != nil {
		if num, ok := new(big.Int).SetString(id, 10); ok {
			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			fresh, ferr := s.trades.GetTrade(ctx, num)
			cancel()
			if ferr != nil {
				var notFound *market.NotFoundError
				if !errors.As(ferr, &notFound) {
					s.log.Warnw("trade_refresh_failed", "trade", id, "err", ferr)
				}
			} else {
				if err := s.db.PutTrade(fresh); err != nil {
					s.log.Warnw("trade_store_failed", "trade", id, "err", err)
				}
				t = fresh
				status = fresh.Status
			}
		}
	}

	role := trade.RoleBuyer
	if t != nil && crypto.SameAddress(s.signer.Scheme(), t.Seller, s.signer.Address()) {
		role = trade.RoleSeller
	}

	s.mu.Lock()
	signals := append([]trade.Signal(nil), s.signals[id]...)
	s.mu.Unlock()

	respondJSON(w, TradeStateResponse{
		TradeID: id,
		Role:    string(role),
		Status:  status.String(),
		State:   string(trade.Resolve(status, role, signals)),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, StatusResponse{
		Address:   s.signer.Address(),
		Scheme:    s.signer.Scheme().String(),
		Connected: s.net.Connected(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// RecordSignal appends one transcript entry for a trade. Counterparty
// signals arrive through TradeSignalled.
func (s *Server) RecordSignal(tradeID string, sig trade.Signal) {
	s.mu.Lock()
	s.signals[tradeID] = append(s.signals[tradeID], sig)
	s.mu.Unlock()
	s.hub.Broadcast("trades", WSEvent{Channel: "trades", Event: "signal", Data: map[string]any{
		"tradeId": tradeID,
		"kind":    string(sig.Kind),
		"mine":    sig.Mine,
	}})
}

// market.Observer: component events become WebSocket pushes.

func (s *Server) OrderAdded(o *market.Order) {
	s.hub.Broadcast("orders", WSEvent{Channel: "orders", Event: "added", Data: o.Sanitized()})
}

func (s *Server) OrderRemoved(id string) {
	s.hub.Broadcast("orders", WSEvent{Channel: "orders", Event: "removed", Data: map[string]string{"orderId": id}})
}

func (s *Server) AcceptRequested(req market.AcceptRequest) {
	s.hub.Broadcast("requests", WSEvent{Channel: "requests", Event: "requested", Data: req})
}

func (s *Server) AcceptResolved(res market.AcceptResponse) {
	s.hub.Broadcast("requests", WSEvent{Channel: "requests", Event: "resolved", Data: res})
}

func (s *Server) TradeCreated(n market.TradeNotification) {
	s.hub.Broadcast("trades", WSEvent{Channel: "trades", Event: "created", Data: n})
}

func (s *Server) TradeSignalled(sig market.TradeSignal) {
	kind := trade.SignalKind(sig.Kind)
	if kind != trade.SignalFundsSent && kind != trade.SignalFundsConfirmed {
		s.log.Warnw("unknown_trade_signal", "trade", sig.TradeID, "kind", sig.Kind)
		return
	}
	s.RecordSignal(sig.TradeID, trade.Signal{Kind: kind, Mine: false})
}

func (s *Server) ConnectivityChanged(connected bool) {
	s.hub.Broadcast("connectivity", WSEvent{Channel: "connectivity", Event: "changed", Data: map[string]bool{"connected": connected}})
}

func newOrderID(owner string, now time.Time) string {
	h := ethcrypto.Keccak256([]byte(fmt.Sprintf("%s|%d", owner, now.UnixNano())))
	return hex.EncodeToString(h[:8])
}

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, errMsg, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: errMsg, Message: detail})
}

func respondStoreError(w http.ResponseWriter, err error) {
	var notFound *market.NotFoundError
	if errors.As(err, &notFound) {
		respondError(w, http.StatusNotFound, notFound.Error(), "")
		return
	}
	respondError(w, http.StatusInternalServerError, "internal error", err.Error())
}
