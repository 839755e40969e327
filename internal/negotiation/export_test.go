package negotiation

// Hooks that let tests drive the dispatch step by step, without the loop.

func (n *Negotiator) DispatchSignal(sig Signal) error {
	return n.handle(remoteSignal{sig: sig})
}

func (n *Negotiator) DispatchNegotiationNeeded() error {
	return n.handle(negotiationNeeded{})
}

func (n *Negotiator) IgnoringOffer() bool { return n.ignoreOffer }
