// Package metrics provides interfaces and implementations for
// collecting grinrelay metrics. It defines the Collector interface for
// recording metrics and the Server interface for exposing them.
package metrics

import "context"

// Collector defines the interface for recording relay metrics.
type Collector interface {
	// Session lifecycle.
	SessionOpened()
	SessionClosed()

	// Subscription churn.
	SubscriptionOpened()
	SubscriptionClosed()

	// Slate posting.
	SlatePosted(local bool)
	SlateDelivered()
	SlateQueued()
	SlateRejected(kind string)

	// Federation.
	FederationPublished()
	FederationPublishFailed()
	FederationConsumed()

	// ChallengeRotated records a challenge-oracle rotation.
	ChallengeRotated()
}

// Server defines the interface for a metrics HTTP server.
type Server interface {
	// Start begins serving metrics. It blocks until the context is
	// canceled or an error occurs.
	Start(ctx context.Context) error

	// Shutdown gracefully stops the metrics server.
	Shutdown(ctx context.Context) error
}

// Noop returns a Collector whose methods do nothing, for use when
// metrics are disabled.
func Noop() Collector {
	return &NoopCollector{}
}
