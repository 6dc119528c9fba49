package trade

import (
	"testing"

	"github.com/JaeDuckHan/wonswap/pkg/market"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name    string
		status  market.TradeStatus
		role    Role
		signals []Signal
		want    UXState
	}{
		{"no trade yet", StatusNone, RoleBuyer, nil, AwaitingEscrow},
		{"locked, no signals", market.StatusLocked, RoleSeller, nil, EscrowLocked},
		{
			"locked, counterparty funds-sent (seller view)",
			market.StatusLocked, RoleSeller,
			[]Signal{{Kind: SignalFundsSent, Mine: false}},
			KRWSent,
		},
		{
			"locked, own funds-sent (buyer view)",
			market.StatusLocked, RoleBuyer,
			[]Signal{{Kind: SignalFundsSent, Mine: true}},
			KRWSent,
		},
		{
			"locked, seller confirmed receipt (seller view)",
			market.StatusLocked, RoleSeller,
			[]Signal{{Kind: SignalFundsSent, Mine: false}, {Kind: SignalFundsConfirmed, Mine: true}},
			Confirming,
		},
		{
			"locked, counterparty confirmed (buyer view)",
			market.StatusLocked, RoleBuyer,
			[]Signal{{Kind: SignalFundsSent, Mine: true}, {Kind: SignalFundsConfirmed, Mine: false}},
			Confirming,
		},
		{
			"seller's own funds-sent signal does not advance",
			market.StatusLocked, RoleSeller,
			[]Signal{{Kind: SignalFundsSent, Mine: true}},
			EscrowLocked,
		},
		{"released is absorbing", market.StatusReleased, RoleBuyer, []Signal{{Kind: SignalFundsSent, Mine: true}}, Completed},
		{"refunded is absorbing", market.StatusRefunded, RoleSeller, []Signal{{Kind: SignalFundsConfirmed, Mine: true}}, Refunded},
		{"disputed is absorbing", market.StatusDisputed, RoleBuyer, nil, Disputed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Resolve(tt.status, tt.role, tt.signals); got != tt.want {
				t.Errorf("Resolve() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResolveIsPure(t *testing.T) {
	signals := []Signal{{Kind: SignalFundsSent, Mine: false}}
	first := Resolve(market.StatusLocked, RoleSeller, signals)
	second := Resolve(market.StatusLocked, RoleSeller, signals)
	if first != second {
		t.Errorf("same inputs yielded %v then %v", first, second)
	}
	if signals[0].Kind != SignalFundsSent {
		t.Error("Resolve mutated its input")
	}
}
