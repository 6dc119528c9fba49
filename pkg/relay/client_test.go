package relay

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/JaeDuckHan/wonswap/pkg/crypto"
	"github.com/JaeDuckHan/wonswap/pkg/market"
)

type fixedNonces struct{ nonce uint64 }

func (f fixedNonces) MetaNonces(context.Context, common.Address) (uint64, error) {
	return f.nonce, nil
}

func testClient(t *testing.T, baseURL string, sign SignFunc) *Client {
	t.Helper()
	if sign == nil {
		signer, err := crypto.GenerateKey(crypto.SchemeHex)
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		sign = signer.Sign
	}
	return NewClient(Config{
		BaseURL:        baseURL,
		ChainID:        big.NewInt(1337),
		EscrowContract: common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Actor:          common.HexToAddress("0x2222222222222222222222222222222222222222"),
		Sign:           sign,
		Nonces:         fixedNonces{nonce: 7},
	})
}

func TestSubmitRelease(t *testing.T) {
	var got market.RelayEnvelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/relay" {
			t.Errorf("path = %s, want /relay", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode envelope: %v", err)
		}
		json.NewEncoder(w).Encode(relayResult{TxHash: "0xabc123"})
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, nil)
	txHash, err := c.Submit(context.Background(), ActionRelease, SubmitParams{TradeID: big.NewInt(42)})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if txHash != "0xabc123" {
		t.Errorf("txHash = %s", txHash)
	}
	if got.Action != "release" || got.Nonce != 7 {
		t.Errorf("envelope = %+v", got)
	}
	var params tradeActionParams
	if err := json.Unmarshal(got.Params, &params); err != nil || params.TradeID != "42" {
		t.Errorf("params = %s (%v)", got.Params, err)
	}
	if len(got.Signature) < 4 || got.Signature[:2] != "0x" {
		t.Errorf("signature not hex encoded: %q", got.Signature)
	}
}

func TestSubmitServiceFailureNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(relayResult{Error: "sequencer unavailable"})
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, nil)
	_, err := c.Submit(context.Background(), ActionRefund, SubmitParams{TradeID: big.NewInt(1)})

	var svcErr *market.SponsorshipServiceError
	if !errors.As(err, &svcErr) {
		t.Fatalf("error = %v, want SponsorshipServiceError", err)
	}
	if svcErr.Status != http.StatusBadGateway || svcErr.Message != "sequencer unavailable" {
		t.Errorf("unexpected service error: %+v", svcErr)
	}
	// The transaction may already be in flight on the relay's side, so
	// exactly one attempt ever hits the wire.
	if n := calls.Load(); n != 1 {
		t.Errorf("relay called %d times, want 1", n)
	}
}

func TestSubmitUserRejection(t *testing.T) {
	var wireHit atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wireHit.Store(true)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, func([]byte) ([]byte, error) {
		return nil, ErrUserRejected
	})
	_, err := c.Submit(context.Background(), ActionDispute, SubmitParams{TradeID: big.NewInt(9)})

	var rejected *market.SignatureRejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("error = %v, want SignatureRejectedError", err)
	}
	if rejected.Action != "dispute" {
		t.Errorf("action = %s", rejected.Action)
	}
	if wireHit.Load() {
		t.Error("rejected submission reached the relay service")
	}
}

func TestSubmitDepositParams(t *testing.T) {
	var got market.RelayEnvelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(relayResult{TxHash: "0xdead"})
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, nil)
	seller := common.HexToAddress("0x3333333333333333333333333333333333333333")
	_, err := c.Submit(context.Background(), ActionDeposit, SubmitParams{
		OrderID: "ord-1",
		Seller:  seller,
		Amount:  big.NewInt(5_000_000),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	var params depositParams
	if err := json.Unmarshal(got.Params, &params); err != nil {
		t.Fatalf("decode params: %v", err)
	}
	if params.OrderID != "ord-1" || params.Seller != seller.Hex() || params.Amount != "5000000" {
		t.Errorf("params = %+v", params)
	}
}

func TestDrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/drip" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["address"] == "" {
			t.Error("drip request missing address")
		}
		json.NewEncoder(w).Encode(DripResult{TxHash: "0xfaucet", Amount: "100000000000000000"})
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, nil)
	res, err := c.Drip(context.Background(), "0x4444444444444444444444444444444444444444")
	if err != nil {
		t.Fatalf("drip: %v", err)
	}
	if res.TxHash != "0xfaucet" {
		t.Errorf("txHash = %s", res.TxHash)
	}
}
