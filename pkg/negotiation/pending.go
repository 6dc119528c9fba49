package negotiation

import (
	"sync"

	"github.com/JaeDuckHan/wonswap/pkg/crypto"
	"github.com/JaeDuckHan/wonswap/pkg/market"
)

// PendingSet tracks undecided accept-requests per order. All multi-step
// mutations happen under one lock so no two requesters can ever observe
// the order as undecided after an acceptance.
type PendingSet struct {
	mu      sync.Mutex
	byOrder map[string]map[string]market.AcceptRequest
}

func NewPendingSet() *PendingSet {
	return &PendingSet{byOrder: make(map[string]map[string]market.AcceptRequest)}
}

// Add admits a verified request. Duplicate requests from the same
// requester are absorbed (returns false).
func (p *PendingSet) Add(req market.AcceptRequest) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	reqs, ok := p.byOrder[req.OrderID]
	if !ok {
		reqs = make(map[string]market.AcceptRequest)
		p.byOrder[req.OrderID] = reqs
	}
	if _, dup := reqs[req.Requester]; dup {
		return false
	}
	reqs[req.Requester] = req
	return true
}

// List returns the currently pending requests for an order.
func (p *PendingSet) List(orderID string) []market.AcceptRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	reqs := p.byOrder[orderID]
	out := make([]market.AcceptRequest, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, r)
	}
	return out
}

// Remove drops a single requester, e.g. after a standalone rejection.
func (p *PendingSet) Remove(orderID, requester string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if reqs, ok := p.byOrder[orderID]; ok {
		delete(reqs, requester)
		if len(reqs) == 0 {
			delete(p.byOrder, orderID)
		}
	}
}

// Resolve implements the exactly-one-winner rule: it produces an accepted
// response for the winner and a rejected response for every other pending
// requester, and empties the order's pending set in one atomic update.
// The bank account rides only on the accepted response. Winner matching
// is scheme-aware (hex addresses compare case-insensitively); a winner
// that is not pending is an error and leaves the set untouched.
func (p *PendingSet) Resolve(orderID, winner, bankAccount string) ([]market.AcceptResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	reqs := p.byOrder[orderID]
	won := ""
	for requester := range reqs {
		if crypto.EqualAddress(requester, winner) {
			won = requester
			break
		}
	}
	if won == "" {
		return nil, &market.NotFoundError{Kind: "pending requester", ID: winner}
	}

	out := make([]market.AcceptResponse, 0, len(reqs))
	for requester := range reqs {
		if requester == won {
			out = append(out, market.AcceptResponse{
				OrderID:     orderID,
				Requester:   requester,
				Accepted:    true,
				BankAccount: bankAccount,
			})
			continue
		}
		out = append(out, market.AcceptResponse{
			OrderID:   orderID,
			Requester: requester,
			Accepted:  false,
		})
	}
	delete(p.byOrder, orderID)
	return out, nil
}
