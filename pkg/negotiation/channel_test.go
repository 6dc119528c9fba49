package negotiation

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/JaeDuckHan/wonswap/pkg/crypto"
	"github.com/JaeDuckHan/wonswap/pkg/market"
	"github.com/JaeDuckHan/wonswap/pkg/util"
)

type emptyResolver struct{}

func (emptyResolver) Lookup(string) (peer.AddrInfo, bool) { return peer.AddrInfo{}, false }

type recordingObserver struct {
	market.NopObserver
	mu       sync.Mutex
	requests []market.AcceptRequest
	resolved []market.AcceptResponse
	signals  []market.TradeSignal
}

func (r *recordingObserver) AcceptRequested(req market.AcceptRequest) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.mu.Unlock()
}

func (r *recordingObserver) AcceptResolved(res market.AcceptResponse) {
	r.mu.Lock()
	r.resolved = append(r.resolved, res)
	r.mu.Unlock()
}

func (r *recordingObserver) TradeSignalled(sig market.TradeSignal) {
	r.mu.Lock()
	r.signals = append(r.signals, sig)
	r.mu.Unlock()
}

type memOutbox struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func newMemOutbox() *memOutbox { return &memOutbox{entries: make(map[string][]byte)} }

func (m *memOutbox) SetOutbox(counterparty string, data []byte) error {
	m.mu.Lock()
	m.entries[counterparty] = append([]byte(nil), data...)
	m.mu.Unlock()
	return nil
}

func (m *memOutbox) DeleteOutbox(counterparty string) error {
	m.mu.Lock()
	delete(m.entries, counterparty)
	m.mu.Unlock()
	return nil
}

func (m *memOutbox) AllOutbox() (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte, len(m.entries))
	for k, v := range m.entries {
		out[k] = append([]byte(nil), v...)
	}
	return out, nil
}

// testChannel builds a channel with no live transport: sends land in the
// outbox (counterparties are unresolvable) which is exactly what the
// store-and-forward tests need.
func testChannel(obs market.Observer) *Channel {
	return testChannelWithOutbox(obs, nil)
}

func testChannelWithOutbox(obs market.Observer, outbox OutboxStore) *Channel {
	if obs == nil {
		obs = market.NopObserver{}
	}
	return &Channel{
		sigs:     crypto.NewService(),
		resolve:  emptyResolver{},
		pending:  NewPendingSet(),
		log:      zap.NewNop().Sugar(),
		cfg:      Config{SelfAddress: "0xSELF", Clock: util.RealClock{}, Outbox: outbox},
		observer: obs,
		seen:     make(map[string]struct{}),
		history:  make(map[string][]Envelope),
		outbox:   make(map[string][]Envelope),
		sessions: make(map[string]context.CancelFunc),
	}
}

func signedAccept(t *testing.T, svc *crypto.Service, orderID string) (market.AcceptRequest, *crypto.Signer) {
	t.Helper()
	signer, err := crypto.GenerateKey(crypto.SchemeHex)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	req := market.AcceptRequest{OrderID: orderID, Timestamp: time.Now().Unix()}
	if err := svc.SignAccept(&req, signer); err != nil {
		t.Fatalf("sign accept: %v", err)
	}
	return req, signer
}

func TestInboundAcceptRequestVerifiedBeforeAdmission(t *testing.T) {
	obs := &recordingObserver{}
	c := testChannel(obs)

	req, _ := signedAccept(t, c.sigs, "ord-1")
	env, _ := NewEnvelope(KindAcceptReq, req, time.Now().Unix())
	c.handleEnvelope(req.Requester, env)

	if got := len(c.Pending("ord-1")); got != 1 {
		t.Fatalf("pending = %d, want 1", got)
	}
	if len(obs.requests) != 1 {
		t.Errorf("observer saw %d requests, want 1", len(obs.requests))
	}

	// A forged request (signature from someone else) must never be admitted.
	forged, _ := signedAccept(t, c.sigs, "ord-1")
	forged.Requester = "0x9999999999999999999999999999999999999999"
	env2, _ := NewEnvelope(KindAcceptReq, forged, time.Now().Unix())
	c.handleEnvelope(forged.Requester, env2)

	if got := len(c.Pending("ord-1")); got != 1 {
		t.Errorf("forged request admitted: pending = %d", got)
	}
}

func TestDuplicateEnvelopeDelivery(t *testing.T) {
	obs := &recordingObserver{}
	c := testChannel(obs)

	req, _ := signedAccept(t, c.sigs, "ord-1")
	env, _ := NewEnvelope(KindAcceptReq, req, time.Now().Unix())

	// FIFO per stream but duplicates possible; same envelope twice.
	c.handleEnvelope(req.Requester, env)
	c.handleEnvelope(req.Requester, env)

	if len(obs.requests) != 1 {
		t.Errorf("duplicate delivery observed %d times, want 1", len(obs.requests))
	}
}

func TestAcceptScenario(t *testing.T) {
	// Seller posts an order; buyers A and B request; seller accepts A.
	obs := &recordingObserver{}
	c := testChannel(obs)

	reqA, signerA := signedAccept(t, c.sigs, "ord-1")
	reqB, signerB := signedAccept(t, c.sigs, "ord-1")
	envA, _ := NewEnvelope(KindAcceptReq, reqA, time.Now().Unix())
	envB, _ := NewEnvelope(KindAcceptReq, reqB, time.Now().Unix())
	c.handleEnvelope(reqA.Requester, envA)
	c.handleEnvelope(reqB.Requester, envB)

	if err := c.Accept(context.Background(), "ord-1", signerA.Address(), "110-234-567890"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	// Both responses queued store-and-forward for their requesters.
	for addr, wantAccepted := range map[string]bool{signerA.Address(): true, signerB.Address(): false} {
		queued := c.outbox[addr]
		if len(queued) != 1 {
			t.Fatalf("outbox for %s has %d envelopes, want 1", addr, len(queued))
		}
		var res market.AcceptResponse
		if err := queued[0].Decode(&res); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if res.Accepted != wantAccepted {
			t.Errorf("%s accepted = %v, want %v", addr, res.Accepted, wantAccepted)
		}
		if wantAccepted && res.BankAccount != "110-234-567890" {
			t.Errorf("winner did not receive bank account")
		}
		if !wantAccepted && res.BankAccount != "" {
			t.Errorf("loser received bank account")
		}
	}

	if got := len(c.Pending("ord-1")); got != 0 {
		t.Errorf("pending after accept = %d, want 0", got)
	}

	if err := c.Accept(context.Background(), "ord-1", signerB.Address(), "x"); err == nil {
		t.Error("second accept on an empty pending set should fail")
	}
}

func TestTradeSignalDelivery(t *testing.T) {
	obs := &recordingObserver{}
	c := testChannel(obs)

	buyer := "0x1234567890123456789012345678901234567890"
	sig := market.TradeSignal{TradeID: "42", Kind: "funds-sent", Sender: buyer}
	env, _ := NewEnvelope(KindTradeSignal, sig, time.Now().Unix())
	c.handleEnvelope(buyer, env)

	if len(obs.signals) != 1 {
		t.Fatalf("observer saw %d signals, want 1", len(obs.signals))
	}
	if got := obs.signals[0]; got.TradeID != "42" || got.Kind != "funds-sent" || got.Sender != buyer {
		t.Errorf("delivered signal = %+v", got)
	}

	// A sender-less signal inherits the stream identity.
	bare, _ := NewEnvelope(KindTradeSignal, market.TradeSignal{TradeID: "42", Kind: "funds-confirmed"}, time.Now().Unix())
	c.handleEnvelope(buyer, bare)
	if got := obs.signals[1]; got.Sender != buyer {
		t.Errorf("sender = %q, want the stream counterparty", got.Sender)
	}
}

func TestSendTradeSignalQueuesForOfflineCounterparty(t *testing.T) {
	c := testChannel(nil)

	seller := "0x9999999999999999999999999999999999999999"
	err := c.SendTradeSignal(context.Background(), seller, market.TradeSignal{
		TradeID: "42", Kind: "funds-sent", Sender: "0xSELF",
	})
	if err != nil {
		t.Fatalf("send trade signal: %v", err)
	}
	queued := c.outbox[seller]
	if len(queued) != 1 || queued[0].Type != KindTradeSignal {
		t.Fatalf("outbox = %+v, want one queued trade signal", queued)
	}
}

func TestAcceptWinnerAddressCasing(t *testing.T) {
	// The accept endpoint passes the requester address through from the
	// client, so the winner may arrive in a different hex casing than the
	// signed request carried.
	c := testChannel(nil)

	req, signer := signedAccept(t, c.sigs, "ord-1")
	env, _ := NewEnvelope(KindAcceptReq, req, time.Now().Unix())
	c.handleEnvelope(req.Requester, env)

	if err := c.Accept(context.Background(), "ord-1", strings.ToLower(signer.Address()), "110-234-567890"); err != nil {
		t.Fatalf("accept with lowercase winner: %v", err)
	}
	queued := c.outbox[signer.Address()]
	if len(queued) != 1 {
		t.Fatalf("outbox for winner has %d envelopes, want 1", len(queued))
	}
	var res market.AcceptResponse
	if err := queued[0].Decode(&res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !res.Accepted || res.BankAccount != "110-234-567890" {
		t.Errorf("winner response = %+v, want accepted with bank account", res)
	}
}

func TestAcceptUnknownWinnerKeepsPending(t *testing.T) {
	c := testChannel(nil)

	req, _ := signedAccept(t, c.sigs, "ord-1")
	env, _ := NewEnvelope(KindAcceptReq, req, time.Now().Unix())
	c.handleEnvelope(req.Requester, env)

	err := c.Accept(context.Background(), "ord-1", "0x9999999999999999999999999999999999999999", "acct")
	if err == nil {
		t.Fatal("accept of a non-pending winner succeeded")
	}
	if got := len(c.Pending("ord-1")); got != 1 {
		t.Errorf("pending after failed accept = %d, want 1", got)
	}
	if len(c.outbox) != 0 {
		t.Errorf("failed accept queued %d outbox entries", len(c.outbox))
	}
}

func TestOutboxSurvivesRestart(t *testing.T) {
	persist := newMemOutbox()
	c := testChannelWithOutbox(nil, persist)

	req, _ := signedAccept(t, c.sigs, "ord-1")
	owner := "0x1234567890123456789012345678901234567890"
	if err := c.SendAcceptRequest(context.Background(), owner, req); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(c.outbox[owner]) != 1 {
		t.Fatalf("outbox = %d, want 1", len(c.outbox[owner]))
	}

	// A fresh channel against the same store picks the queue back up.
	restarted := testChannelWithOutbox(nil, persist)
	if err := restarted.loadOutbox(); err != nil {
		t.Fatalf("load outbox: %v", err)
	}
	queued := restarted.outbox[owner]
	if len(queued) != 1 {
		t.Fatalf("restored outbox = %d envelopes, want 1", len(queued))
	}
	var restored market.AcceptRequest
	if err := queued[0].Decode(&restored); err != nil {
		t.Fatalf("decode restored envelope: %v", err)
	}
	if restored.OrderID != "ord-1" || restored.Requester != req.Requester {
		t.Errorf("restored request = %+v", restored)
	}
}
