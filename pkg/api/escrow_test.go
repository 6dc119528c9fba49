package api

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"testing"
	"time"

	"github.com/JaeDuckHan/wonswap/pkg/market"
	"github.com/JaeDuckHan/wonswap/pkg/relay"
)

type fakeSubmitter struct {
	action relay.Action
	params relay.SubmitParams
	err    error
}

func (f *fakeSubmitter) Submit(_ context.Context, action relay.Action, params relay.SubmitParams) (string, error) {
	f.action, f.params = action, params
	if f.err != nil {
		return "", f.err
	}
	return "0xsubmitted", nil
}

func (f *fakeSubmitter) Drip(context.Context, string) (relay.DripResult, error) {
	return relay.DripResult{TxHash: "0xfaucet", Amount: "1000"}, nil
}

func TestDepositUsesScaledOrderAmount(t *testing.T) {
	s, _, _ := newTestServer(t)
	sub := &fakeSubmitter{}
	s.AttachEscrow(sub)

	order := &market.Order{
		ID:        "ord-1",
		Type:      market.SellOrder,
		Owner:     "0x9999999999999999999999999999999999999999",
		Amount:    2.5,
		PriceKRW:  1950,
		Expiry:    time.Now().Add(time.Hour).Unix(),
		CreatedAt: time.Now().Unix(),
	}
	if err := s.db.PutOrder(order); err != nil {
		t.Fatalf("seed order: %v", err)
	}

	rec := doJSON(t, s, http.MethodPost, "/api/v1/orders/ord-1/deposit", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("deposit: %d %s", rec.Code, rec.Body.String())
	}
	if sub.action != relay.ActionDeposit {
		t.Errorf("action = %s", sub.action)
	}
	if want := big.NewInt(2_500_000); sub.params.Amount.Cmp(want) != 0 {
		t.Errorf("amount = %s, want %s", sub.params.Amount, want)
	}
	if sub.params.OrderID != "ord-1" {
		t.Errorf("orderId = %s", sub.params.OrderID)
	}
}

func TestReleaseSurfacesRejection(t *testing.T) {
	s, _, _ := newTestServer(t)
	sub := &fakeSubmitter{err: &market.SignatureRejectedError{Action: "release"}}
	s.AttachEscrow(sub)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/trades/42/release", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("release with rejection: %d, want 409", rec.Code)
	}
	var body ErrorResponse
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Error != "signature rejected" {
		t.Errorf("error = %q", body.Error)
	}
}

func TestEscrowUnconfiguredReturns503(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/trades/42/refund", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("refund without escrow: %d, want 503", rec.Code)
	}
}
