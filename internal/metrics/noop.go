package metrics

// NoopCollector is a no-op implementation of the Collector interface.
// All methods are empty stubs that do nothing.
type NoopCollector struct{}

func (n *NoopCollector) SessionOpened()           {}
func (n *NoopCollector) SessionClosed()           {}
func (n *NoopCollector) SubscriptionOpened()      {}
func (n *NoopCollector) SubscriptionClosed()      {}
func (n *NoopCollector) SlatePosted(bool)         {}
func (n *NoopCollector) SlateDelivered()          {}
func (n *NoopCollector) SlateQueued()             {}
func (n *NoopCollector) SlateRejected(string)     {}
func (n *NoopCollector) FederationPublished()     {}
func (n *NoopCollector) FederationPublishFailed() {}
func (n *NoopCollector) FederationConsumed()      {}
func (n *NoopCollector) ChallengeRotated()        {}
