package market

import (
	"errors"
	"testing"
	"time"
)

func validOrder() *Order {
	return &Order{
		ID:        "ord-1",
		Type:      SellOrder,
		Owner:     "0x1234567890123456789012345678901234567890",
		Amount:    1.5,
		PriceKRW:  1950,
		Expiry:    time.Now().Add(time.Hour).Unix(),
		Signature: "0xsig",
		CreatedAt: time.Now().Unix(),
	}
}

func TestValidateOrderStructure(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Order)
	}{
		{"missing id", func(o *Order) { o.ID = "" }},
		{"unknown type", func(o *Order) { o.Type = "swap" }},
		{"missing owner", func(o *Order) { o.Owner = "" }},
		{"zero amount", func(o *Order) { o.Amount = 0 }},
		{"negative amount", func(o *Order) { o.Amount = -1 }},
		{"zero price", func(o *Order) { o.PriceKRW = 0 }},
		{"missing signature", func(o *Order) { o.Signature = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := validOrder()
			tc.mutate(o)
			err := ValidateOrderStructure(o)
			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("error = %v, want ValidationError", err)
			}
		})
	}

	if err := ValidateOrderStructure(validOrder()); err != nil {
		t.Errorf("valid order rejected: %v", err)
	}
}

func TestValidateOrderExpiry(t *testing.T) {
	now := time.Now()
	o := validOrder()
	o.Expiry = now.Add(-time.Minute).Unix()

	err := ValidateOrder(o, now)
	var expErr *ExpiredError
	if !errors.As(err, &expErr) {
		t.Fatalf("error = %v, want ExpiredError", err)
	}
	if expErr.OrderID != o.ID || expErr.Expiry != o.Expiry {
		t.Errorf("expiry error = %+v", expErr)
	}

	// Expiry boundary: an order expiring exactly now is already inert.
	o.Expiry = now.Unix()
	if !o.Expired(now) {
		t.Error("order expiring at now should be expired")
	}
}

func TestScaledAmount(t *testing.T) {
	cases := []struct {
		amount float64
		want   int64
	}{
		{1, 1_000_000},
		{2.5, 2_500_000},
		{0.000001, 1},
		{0.1 + 0.2, 300_000}, // float noise must round away
	}
	for _, tc := range cases {
		o := &Order{Amount: tc.amount}
		if got := o.ScaledAmount(); got != tc.want {
			t.Errorf("ScaledAmount(%v) = %d, want %d", tc.amount, got, tc.want)
		}
	}
}

func TestSanitizedStripsPrivateFields(t *testing.T) {
	o := validOrder()
	o.BankAccount = "110-234-567890"
	o.Local = true

	c := o.Sanitized()
	if c.BankAccount != "" || c.Local {
		t.Errorf("sanitized copy leaked private fields: %+v", c)
	}
	if o.BankAccount == "" {
		t.Error("sanitize mutated the original")
	}
	if c.ID != o.ID || c.Signature != o.Signature {
		t.Error("sanitize dropped public fields")
	}
}
