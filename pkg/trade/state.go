package trade

import "github.com/JaeDuckHan/wonswap/pkg/market"

// UXState is the single user-facing progress state fused from on-chain
// status and off-chain negotiation signals.
type UXState string

const (
	AwaitingEscrow UXState = "AWAITING_ESCROW"
	EscrowLocked   UXState = "ESCROW_LOCKED"
	KRWSent        UXState = "KRW_SENT"
	Confirming     UXState = "CONFIRMING"
	Completed      UXState = "COMPLETED"
	Refunded       UXState = "REFUNDED"
	Disputed       UXState = "DISPUTED"
)

// Role is the viewer's side of the trade.
type Role string

const (
	RoleSeller Role = "seller"
	RoleBuyer  Role = "buyer"
)

// SignalKind marks typed entries in the negotiation transcript. The
// escrow contract only tracks LOCKED; these signals carry the fiat-side
// sub-steps it cannot see.
type SignalKind string

const (
	SignalFundsSent      SignalKind = "funds-sent"
	SignalFundsConfirmed SignalKind = "funds-confirmed"
)

// Signal is one typed transcript entry. Mine distinguishes self-originated
// from counterparty-originated signals.
type Signal struct {
	Kind SignalKind
	Mine bool
}

// StatusNone means no escrow trade exists yet for the order.
const StatusNone market.TradeStatus = -1

// Resolve is a pure function: no side effects, recomputed whenever any
// input changes. RELEASED/REFUNDED/DISPUTED are absorbing regardless of
// signal history; signal-derived sub-states only apply while LOCKED.
func Resolve(status market.TradeStatus, role Role, signals []Signal) UXState {
	switch status {
	case market.StatusReleased:
		return Completed
	case market.StatusRefunded:
		return Refunded
	case market.StatusDisputed:
		return Disputed
	case market.StatusLocked:
		return resolveLocked(role, signals)
	default:
		return AwaitingEscrow
	}
}

func resolveLocked(role Role, signals []Signal) UXState {
	var sent, confirmed bool
	for _, sig := range signals {
		switch sig.Kind {
		case SignalFundsSent:
			// The buyer reports their own transfer; the seller learns of it
			// from the counterparty.
			if (role == RoleBuyer && sig.Mine) || (role == RoleSeller && !sig.Mine) {
				sent = true
			}
		case SignalFundsConfirmed:
			if (role == RoleSeller && sig.Mine) || (role == RoleBuyer && !sig.Mine) {
				confirmed = true
			}
		}
	}
	if confirmed {
		return Confirming
	}
	if sent {
		return KRWSent
	}
	return EscrowLocked
}
