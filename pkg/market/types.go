package market

import "encoding/json"

// OrderType distinguishes the two order variants.
type OrderType string

const (
	SellOrder OrderType = "sell"
	BuyOrder  OrderType = "buy"
)

// Order is a signed intent to buy or sell at a stated KRW price.
// BankAccount is only present on sell orders and is stripped before
// broadcast; it is revealed to the winning requester after acceptance.
type Order struct {
	ID          string    `json:"id"`
	Type        OrderType `json:"type"`
	Owner       string    `json:"owner"`
	Amount      float64   `json:"amount"`
	PriceKRW    int64     `json:"priceKRW"`
	BankAccount string    `json:"bankAccount,omitempty"`
	Expiry      int64     `json:"expiry"` // unix seconds
	Signature   string    `json:"signature"`
	CreatedAt   int64     `json:"createdAt"` // unix seconds

	// Local marks an optimistic locally-originated entry that has not yet
	// been reconciled against its gossip echo. Never serialized.
	Local bool `json:"-"`
}

// AcceptRequest proves a requester's intent to take an order without
// revealing it publicly on the gossip mesh.
type AcceptRequest struct {
	OrderID   string `json:"orderId"`
	Requester string `json:"requester"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

// AcceptResponse resolves an AcceptRequest. BankAccount is present only
// when Accepted is true.
type AcceptResponse struct {
	OrderID     string `json:"orderId"`
	Requester   string `json:"requester"`
	Accepted    bool   `json:"accepted"`
	BankAccount string `json:"bankAccount,omitempty"`
}

// TradeNotification bridges an off-chain negotiation to the on-chain
// trade identity once escrow has been deposited.
type TradeNotification struct {
	OrderID string `json:"orderId"`
	TradeID string `json:"tradeId"`
	Buyer   string `json:"buyer"`
}

// TradeSignal is a fiat-side progress marker exchanged over the
// negotiation channel while escrow is locked; the contract cannot see
// KRW movement, so the parties tell each other.
type TradeSignal struct {
	TradeID string `json:"tradeId"`
	Kind    string `json:"kind"`
	Sender  string `json:"sender"`
}

// TradeStatus mirrors the escrow contract's status enum.
type TradeStatus int

const (
	StatusLocked TradeStatus = iota
	StatusReleased
	StatusDisputed
	StatusRefunded
)

func (s TradeStatus) String() string {
	switch s {
	case StatusLocked:
		return "LOCKED"
	case StatusReleased:
		return "RELEASED"
	case StatusDisputed:
		return "DISPUTED"
	case StatusRefunded:
		return "REFUNDED"
	default:
		return "UNKNOWN"
	}
}

// Trade mirrors on-chain escrow state. The coordination layer never
// writes status, only reads and reacts.
type Trade struct {
	ID        string      `json:"id"`
	Seller    string      `json:"seller"`
	Buyer     string      `json:"buyer"`
	Status    TradeStatus `json:"status"`
	CreatedAt int64       `json:"createdAt"`
	ExpiresAt int64       `json:"expiresAt"`
	Amount    string      `json:"amount"`    // base units, decimal string
	FeeAmount string      `json:"feeAmount"` // base units, decimal string
}

// RelayEnvelope is the wire body submitted to the gas-sponsorship service.
type RelayEnvelope struct {
	Action    string          `json:"action"`
	Params    json.RawMessage `json:"params"`
	Nonce     uint64          `json:"nonce"`
	Deadline  int64           `json:"deadline"`
	Signature string          `json:"signature"`
}
