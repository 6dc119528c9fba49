package gossip

import (
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JaeDuckHan/wonswap/pkg/crypto"
	"github.com/JaeDuckHan/wonswap/pkg/market"
	"github.com/JaeDuckHan/wonswap/pkg/util"
)

// OrderCache is the slice of the local store the gossip layer touches.
type OrderCache interface {
	PutOrder(o *market.Order) error
	GetOrder(id string) (*market.Order, error)
	DeleteOrder(id string) error
	AllOrders() ([]*market.Order, error)
}

// Verifier checks order signatures.
type Verifier interface {
	VerifyOrder(o *market.Order) crypto.Verification
}

// ingestor runs the inbound pipeline: dedup by ID, structural validation,
// signature verification, expiry check — in that order. Any failure drops
// the message; it never disconnects the sending peer.
type ingestor struct {
	mu   sync.Mutex
	seen map[string]struct{}

	cache    OrderCache
	verify   Verifier
	clock    util.Clock
	log      *zap.SugaredLogger
	observer market.Observer
}

func newIngestor(cache OrderCache, verify Verifier, clock util.Clock, log *zap.SugaredLogger, obs market.Observer) *ingestor {
	if obs == nil {
		obs = market.NopObserver{}
	}
	return &ingestor{
		seen:     make(map[string]struct{}),
		cache:    cache,
		verify:   verify,
		clock:    clock,
		log:      log,
		observer: obs,
	}
}

// markLocal records a locally-originated order ID so its gossip echo
// reconciles instead of re-validating.
func (g *ingestor) markLocal(id string) {
	g.mu.Lock()
	g.seen[id] = struct{}{}
	g.mu.Unlock()
}

// ingestOrder processes one inbound order message. The returned error is
// the drop reason; callers log a warning and move on.
func (g *ingestor) ingestOrder(data []byte) error {
	var o market.Order
	if err := json.Unmarshal(data, &o); err != nil {
		return &market.ValidationError{Reason: fmt.Sprintf("malformed order json: %v", err)}
	}

	g.mu.Lock()
	if _, dup := g.seen[o.ID]; dup {
		g.mu.Unlock()
		return g.reconcile(&o)
	}
	g.seen[o.ID] = struct{}{}
	g.mu.Unlock()

	if err := market.ValidateOrderStructure(&o); err != nil {
		return err
	}
	if v := g.verify.VerifyOrder(&o); !v.Valid {
		return &market.SignatureError{Reason: v.Reason}
	}
	if o.Expired(g.clock.Now()) {
		return &market.ExpiredError{OrderID: o.ID, Expiry: o.Expiry}
	}

	if err := g.cache.PutOrder(&o); err != nil {
		return fmt.Errorf("cache order %s: %w", o.ID, err)
	}
	g.observer.OrderAdded(&o)
	return nil
}

// reconcile matches an authoritative echo against the tentative local
// entry by client-generated ID, clearing the local-origin flag rather
// than duplicating the order.
func (g *ingestor) reconcile(echo *market.Order) error {
	existing, err := g.cache.GetOrder(echo.ID)
	if err != nil {
		// Already seen and not stored: a plain duplicate, drop quietly.
		return nil
	}
	if !existing.Local {
		return nil
	}
	existing.Local = false
	if err := g.cache.PutOrder(existing); err != nil {
		return fmt.Errorf("reconcile order %s: %w", echo.ID, err)
	}
	g.log.Debugw("order_reconciled", "id", echo.ID)
	return nil
}

// cancelMsg is the wire body on the cancel topic.
type cancelMsg struct {
	OrderID string `json:"orderId"`
}

// ingestCancel removes the order without signature verification. Cancels
// are advisory; the authoritative invalidation remains the order's own
// expiry and signature.
func (g *ingestor) ingestCancel(data []byte) (string, error) {
	var c cancelMsg
	if err := json.Unmarshal(data, &c); err != nil {
		return "", &market.ValidationError{Reason: fmt.Sprintf("malformed cancel json: %v", err)}
	}
	if c.OrderID == "" {
		return "", &market.ValidationError{Reason: "cancel missing orderId"}
	}
	if err := g.cache.DeleteOrder(c.OrderID); err != nil {
		return "", fmt.Errorf("remove cancelled order %s: %w", c.OrderID, err)
	}
	g.observer.OrderRemoved(c.OrderID)
	return c.OrderID, nil
}
