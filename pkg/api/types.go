package api

// CreateOrderRequest is the body for POST /orders. The node signs the
// order with its own key; Expiry of zero defaults to one hour out.
type CreateOrderRequest struct {
	Type        string  `json:"type"`
	Amount      float64 `json:"amount"`
	PriceKRW    int64   `json:"priceKRW"`
	BankAccount string  `json:"bankAccount,omitempty"`
	Expiry      int64   `json:"expiry,omitempty"`
}

type CreateOrderResponse struct {
	Status  string `json:"status"`
	OrderID string `json:"orderId"`
}

// AcceptOrderRequest picks the winning requester for one of our orders.
type AcceptOrderRequest struct {
	Requester string `json:"requester"`
}

// SignalRequest records a local off-chain signal for a trade, e.g. the
// buyer marking KRW as sent.
type SignalRequest struct {
	Kind string `json:"kind"`
}

// TradeStateResponse is the fused on-chain + off-chain view of a trade.
type TradeStateResponse struct {
	TradeID string `json:"tradeId"`
	Role    string `json:"role"`
	Status  string `json:"status"`
	State   string `json:"state"`
}

// StatusResponse reports node identity and connectivity.
type StatusResponse struct {
	Address   string `json:"address"`
	Scheme    string `json:"scheme"`
	Connected bool   `json:"connected"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// WSSubscribeRequest is the client-to-server subscription control frame.
type WSSubscribeRequest struct {
	Op       string   `json:"op"`
	Channels []string `json:"channels"`
}

// WSEvent is the server-to-client event frame. Channel is one of
// "orders", "requests", "trades", "connectivity".
type WSEvent struct {
	Channel string `json:"channel"`
	Event   string `json:"event"`
	Data    any    `json:"data,omitempty"`
}
