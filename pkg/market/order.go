package market

import (
	"math"
	"time"
)

const amountScale = 1e6

// ScaledAmount returns the canonical integer form of the order quantity
// used in the signed digest. Rounding keeps the encoding stable across
// float formatting differences.
func (o *Order) ScaledAmount() int64 {
	return int64(math.Round(o.Amount * amountScale))
}

// Sanitized returns a copy safe for gossip broadcast: the bank account is
// never published, only revealed to the accepted requester.
func (o *Order) Sanitized() *Order {
	c := *o
	c.BankAccount = ""
	c.Local = false
	return &c
}

// Expired reports whether the order is inert at the given instant.
func (o *Order) Expired(now time.Time) bool {
	return o.Expiry <= now.Unix()
}

// ValidateOrder checks structure first, then expiry. Signature
// verification is a separate, later step in the ingest pipeline.
func ValidateOrder(o *Order, now time.Time) error {
	if err := ValidateOrderStructure(o); err != nil {
		return err
	}
	if o.Expired(now) {
		return &ExpiredError{OrderID: o.ID, Expiry: o.Expiry}
	}
	return nil
}

// ValidateOrderStructure checks only structural well-formedness. The
// gossip ingest pipeline runs this before signature verification and
// checks expiry last.
func ValidateOrderStructure(o *Order) error {
	switch {
	case o == nil:
		return &ValidationError{Reason: "nil order"}
	case o.ID == "":
		return &ValidationError{Reason: "missing id"}
	case o.Type != SellOrder && o.Type != BuyOrder:
		return &ValidationError{Reason: "unknown order type"}
	case o.Owner == "":
		return &ValidationError{Reason: "missing owner"}
	case o.Amount <= 0:
		return &ValidationError{Reason: "amount must be positive"}
	case o.PriceKRW <= 0:
		return &ValidationError{Reason: "priceKRW must be positive"}
	case o.Signature == "":
		return &ValidationError{Reason: "missing signature"}
	}
	return nil
}
