package api

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/JaeDuckHan/wonswap/pkg/crypto"
	"github.com/JaeDuckHan/wonswap/pkg/market"
	"github.com/JaeDuckHan/wonswap/pkg/relay"
)

// EscrowSubmitter submits sponsored escrow actions through the gas relay.
type EscrowSubmitter interface {
	Submit(ctx context.Context, action relay.Action, params relay.SubmitParams) (string, error)
	Drip(ctx context.Context, address string) (relay.DripResult, error)
}

// TradeReader reads live trade state from the escrow contract.
type TradeReader interface {
	GetTrade(ctx context.Context, tradeID *big.Int) (*market.Trade, error)
}

// AttachEscrow enables the sponsored-action endpoints. Without it the
// node still coordinates orders and negotiation, it just cannot move
// escrow.
func (s *Server) AttachEscrow(e EscrowSubmitter) {
	s.escrow = e
}

// AttachTradeReader enables on-chain refresh of trade status on state
// reads.
func (s *Server) AttachTradeReader(r TradeReader) {
	s.trades = r
}

func (s *Server) setupEscrowRoutes(api *mux.Router) {
	api.HandleFunc("/orders/{id}/deposit", s.handleDeposit).Methods("POST")
	api.HandleFunc("/trades/{id}/release", s.escrowAction(relay.ActionRelease)).Methods("POST")
	api.HandleFunc("/trades/{id}/dispute", s.escrowAction(relay.ActionDispute)).Methods("POST")
	api.HandleFunc("/trades/{id}/refund", s.escrowAction(relay.ActionRefund)).Methods("POST")
	api.HandleFunc("/faucet", s.handleFaucet).Methods("POST")
}

// handleDeposit locks escrow for an accepted order. The requester calls
// this after winning the negotiation.
func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	if s.escrow == nil {
		respondError(w, http.StatusServiceUnavailable, "escrow not configured", "")
		return
	}
	id := mux.Vars(r)["id"]
	order, err := s.db.GetOrder(id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	seller, err := crypto.HexAddress(order.Owner)
	if err != nil {
		respondError(w, http.StatusBadRequest, "unresolvable seller address", err.Error())
		return
	}

	txHash, err := s.escrow.Submit(r.Context(), relay.ActionDeposit, relay.SubmitParams{
		OrderID: id,
		Seller:  seller,
		Amount:  big.NewInt(order.ScaledAmount()),
	})
	if err != nil {
		respondRelayError(w, err)
		return
	}
	s.log.Infow("escrow_deposit_submitted", "order", id, "tx_hash", txHash)
	respondJSON(w, map[string]string{"status": "submitted", "txHash": txHash})
}

func (s *Server) escrowAction(action relay.Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.escrow == nil {
			respondError(w, http.StatusServiceUnavailable, "escrow not configured", "")
			return
		}
		id := mux.Vars(r)["id"]
		tradeID, ok := new(big.Int).SetString(id, 10)
		if !ok {
			respondError(w, http.StatusBadRequest, "invalid trade id", id)
			return
		}

		txHash, err := s.escrow.Submit(r.Context(), action, relay.SubmitParams{TradeID: tradeID})
		if err != nil {
			respondRelayError(w, err)
			return
		}
		s.log.Infow("escrow_action_submitted", "action", string(action), "trade", id, "tx_hash", txHash)
		respondJSON(w, map[string]string{"status": "submitted", "txHash": txHash})
	}
}

func (s *Server) handleFaucet(w http.ResponseWriter, r *http.Request) {
	if s.escrow == nil {
		respondError(w, http.StatusServiceUnavailable, "escrow not configured", "")
		return
	}
	var req struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Address == "" {
		respondError(w, http.StatusBadRequest, "missing address", "")
		return
	}

	res, err := s.escrow.Drip(r.Context(), req.Address)
	if err != nil {
		respondRelayError(w, err)
		return
	}
	respondJSON(w, res)
}

func respondRelayError(w http.ResponseWriter, err error) {
	var rejected *market.SignatureRejectedError
	if errors.As(err, &rejected) {
		respondError(w, http.StatusConflict, "signature rejected", rejected.Error())
		return
	}
	var svcErr *market.SponsorshipServiceError
	if errors.As(err, &svcErr) {
		respondError(w, http.StatusBadGateway, "sponsorship service error", svcErr.Error())
		return
	}
	var netErr *market.NetworkError
	if errors.As(err, &netErr) {
		respondError(w, http.StatusBadGateway, "relay unreachable", netErr.Error())
		return
	}
	respondError(w, http.StatusInternalServerError, "relay submit failed", err.Error())
}
