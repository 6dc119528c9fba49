package crypto

import (
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/JaeDuckHan/wonswap/pkg/market"
)

func testOrder() *market.Order {
	return &market.Order{
		ID:        "ord-1",
		Type:      market.SellOrder,
		Amount:    100,
		PriceKRW:  1420,
		Expiry:    time.Now().Add(30 * time.Minute).Unix(),
		CreatedAt: time.Now().Unix(),
	}
}

func TestSignAndVerifyOrder(t *testing.T) {
	svc := NewService()

	for _, scheme := range []Scheme{SchemeHex, SchemeBase58} {
		signer, err := GenerateKey(scheme)
		if err != nil {
			t.Fatalf("generate key (%s): %v", scheme, err)
		}

		o := testOrder()
		if err := svc.SignOrder(o, signer); err != nil {
			t.Fatalf("sign order (%s): %v", scheme, err)
		}

		v := svc.VerifyOrder(o)
		if !v.Valid {
			t.Errorf("scheme %s: valid order rejected: %s", scheme, v.Reason)
		}
		if !SameAddress(scheme, v.Recovered, signer.Address()) {
			t.Errorf("scheme %s: recovered %s, want %s", scheme, v.Recovered, signer.Address())
		}
	}
}

func TestMutatedOrderInvalidatesSignature(t *testing.T) {
	svc := NewService()
	signer, _ := GenerateKey(SchemeHex)

	mutations := []struct {
		name   string
		mutate func(o *market.Order)
	}{
		{"amount", func(o *market.Order) { o.Amount = 101 }},
		{"price", func(o *market.Order) { o.PriceKRW = 1421 }},
		{"expiry", func(o *market.Order) { o.Expiry += 60 }},
		{"id", func(o *market.Order) { o.ID = "ord-2" }},
	}

	for _, tt := range mutations {
		t.Run(tt.name, func(t *testing.T) {
			o := testOrder()
			if err := svc.SignOrder(o, signer); err != nil {
				t.Fatalf("sign: %v", err)
			}
			tt.mutate(o)
			if v := svc.VerifyOrder(o); v.Valid {
				t.Errorf("mutated %s still verifies", tt.name)
			}
		})
	}
}

func TestVerifyFailsClosed(t *testing.T) {
	svc := NewService()
	signer, _ := GenerateKey(SchemeHex)

	o := testOrder()
	if err := svc.SignOrder(o, signer); err != nil {
		t.Fatalf("sign: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(o *market.Order)
	}{
		{"missing signature", func(o *market.Order) { o.Signature = "" }},
		{"malformed signature", func(o *market.Order) { o.Signature = "0xzzzz" }},
		{"truncated signature", func(o *market.Order) { o.Signature = o.Signature[:20] }},
		{"unknown address format", func(o *market.Order) { o.Owner = "not-an-address" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := *o
			tt.mutate(&c)
			v := svc.VerifyOrder(&c)
			if v.Valid {
				t.Error("expected invalid")
			}
			if v.Reason == "" {
				t.Error("expected a reason string")
			}
		})
	}
}

func TestAcceptDomainSeparation(t *testing.T) {
	svc := NewService()
	signer, _ := GenerateKey(SchemeHex)

	req := &market.AcceptRequest{OrderID: "ord-1", Timestamp: time.Now().Unix()}
	if err := svc.SignAccept(req, signer); err != nil {
		t.Fatalf("sign accept: %v", err)
	}
	if v := svc.VerifyAccept(req); !v.Valid {
		t.Fatalf("valid accept rejected: %s", v.Reason)
	}

	// An accept signature must never validate as an order signature for the
	// same id, even from the same signer.
	o := testOrder()
	o.Owner = signer.Address()
	o.Signature = req.Signature
	if v := svc.VerifyOrder(o); v.Valid {
		t.Error("accept signature accepted as order signature")
	}
}

func TestVerifyWrongSigner(t *testing.T) {
	svc := NewService()
	alice, _ := GenerateKey(SchemeHex)
	bob, _ := GenerateKey(SchemeHex)

	o := testOrder()
	if err := svc.SignOrder(o, alice); err != nil {
		t.Fatalf("sign: %v", err)
	}
	o.Owner = bob.Address()

	v := svc.VerifyOrder(o)
	if v.Valid {
		t.Error("signature verified against wrong owner")
	}
	if !SameAddress(SchemeHex, v.Recovered, alice.Address()) {
		t.Errorf("recovered %s, want %s", v.Recovered, alice.Address())
	}
}

func TestDetectScheme(t *testing.T) {
	hexSigner, _ := GenerateKey(SchemeHex)
	b58Signer, _ := GenerateKey(SchemeBase58)

	if s, err := DetectScheme(hexSigner.Address()); err != nil || s != SchemeHex {
		t.Errorf("hex address detected as %v, err=%v", s, err)
	}
	if s, err := DetectScheme(b58Signer.Address()); err != nil || s != SchemeBase58 {
		t.Errorf("base58 address detected as %v, err=%v", s, err)
	}
	if _, err := DetectScheme("garbage"); err == nil {
		t.Error("garbage address detected as valid")
	}
	if _, err := DetectScheme("0x1234"); err == nil {
		t.Error("short hex address detected as valid")
	}
}

func TestEqualAddress(t *testing.T) {
	hexSigner, _ := GenerateKey(SchemeHex)
	b58Signer, _ := GenerateKey(SchemeBase58)

	addr := hexSigner.Address()
	if !EqualAddress(addr, strings.ToLower(addr)) {
		t.Error("hex address casing treated as a different identity")
	}
	if EqualAddress(addr, "0x9999999999999999999999999999999999999999") {
		t.Error("distinct hex addresses compared equal")
	}
	if !EqualAddress(b58Signer.Address(), b58Signer.Address()) {
		t.Error("base58 address not equal to itself")
	}
	if !EqualAddress("not-an-address", "not-an-address") {
		t.Error("unparseable inputs must fall back to exact comparison")
	}
}

func TestWalletStyleVSignature(t *testing.T) {
	// Wallets return V in {27,28}; verification must accept both encodings.
	svc := NewService()
	signer, _ := GenerateKey(SchemeHex)

	o := testOrder()
	if err := svc.SignOrder(o, signer); err != nil {
		t.Fatalf("sign: %v", err)
	}

	sig, err := hex.DecodeString(o.Signature[2:])
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	sig[64] += 27
	o.Signature = "0x" + hex.EncodeToString(sig)

	if v := svc.VerifyOrder(o); !v.Valid {
		t.Errorf("V=27 signature rejected: %s", v.Reason)
	}
}
