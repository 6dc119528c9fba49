package market

// Observer receives coordination-layer events. It is injected explicitly
// into the gossip and negotiation components so data flow stays traceable;
// there is no ambient global dispatch.
type Observer interface {
	OrderAdded(o *Order)
	OrderRemoved(id string)
	AcceptRequested(req AcceptRequest)
	AcceptResolved(res AcceptResponse)
	TradeCreated(n TradeNotification)
	TradeSignalled(s TradeSignal)
	ConnectivityChanged(connected bool)
}

// NopObserver satisfies Observer with no-ops for components that do not
// care about a given event source.
type NopObserver struct{}

func (NopObserver) OrderAdded(*Order)                 {}
func (NopObserver) OrderRemoved(string)               {}
func (NopObserver) AcceptRequested(AcceptRequest)     {}
func (NopObserver) AcceptResolved(AcceptResponse)     {}
func (NopObserver) TradeCreated(TradeNotification)    {}
func (NopObserver) TradeSignalled(TradeSignal)        {}
func (NopObserver) ConnectivityChanged(bool)          {}
