package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements the Collector interface using Prometheus metrics.
type PrometheusCollector struct {
	sessionsTotal  prometheus.Counter
	sessionsActive prometheus.Gauge

	subscriptionsTotal  prometheus.Counter
	subscriptionsActive prometheus.Gauge

	slatesPostedTotal     *prometheus.CounterVec
	slatesDeliveredTotal  prometheus.Counter
	slatesQueuedTotal     prometheus.Counter
	slatesRejectedTotal   *prometheus.CounterVec

	federationPublishedTotal     prometheus.Counter
	federationPublishFailedTotal prometheus.Counter
	federationConsumedTotal      prometheus.Counter

	challengeRotationsTotal prometheus.Counter
}

// NewPrometheusCollector creates a new PrometheusCollector with all metrics registered.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grinrelay_sessions_total",
			Help: "Total number of relay sessions opened.",
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grinrelay_sessions_active",
			Help: "Number of currently connected relay sessions.",
		}),

		subscriptionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grinrelay_subscriptions_total",
			Help: "Total number of address subscriptions opened.",
		}),
		subscriptionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grinrelay_subscriptions_active",
			Help: "Number of currently active address subscriptions.",
		}),

		slatesPostedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grinrelay_slates_posted_total",
			Help: "Total number of PostSlate requests accepted.",
		}, []string{"scope"}),
		slatesDeliveredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grinrelay_slates_delivered_total",
			Help: "Total number of slates handed off directly to a subscriber.",
		}),
		slatesQueuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grinrelay_slates_queued_total",
			Help: "Total number of slates enqueued pending a subscriber.",
		}),
		slatesRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grinrelay_slates_rejected_total",
			Help: "Total number of PostSlate requests rejected, by error kind.",
		}, []string{"kind"}),

		federationPublishedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grinrelay_federation_published_total",
			Help: "Total number of slates published to the federation exchange.",
		}),
		federationPublishFailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grinrelay_federation_publish_failed_total",
			Help: "Total number of federation publishes abandoned after retry.",
		}),
		federationConsumedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grinrelay_federation_consumed_total",
			Help: "Total number of slates consumed from the federation exchange.",
		}),

		challengeRotationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grinrelay_challenge_rotations_total",
			Help: "Total number of challenge-oracle rotations.",
		}),
	}

	reg.MustRegister(
		c.sessionsTotal,
		c.sessionsActive,
		c.subscriptionsTotal,
		c.subscriptionsActive,
		c.slatesPostedTotal,
		c.slatesDeliveredTotal,
		c.slatesQueuedTotal,
		c.slatesRejectedTotal,
		c.federationPublishedTotal,
		c.federationPublishFailedTotal,
		c.federationConsumedTotal,
		c.challengeRotationsTotal,
	)

	return c
}

func (c *PrometheusCollector) SessionOpened() {
	c.sessionsTotal.Inc()
	c.sessionsActive.Inc()
}

func (c *PrometheusCollector) SessionClosed() {
	c.sessionsActive.Dec()
}

func (c *PrometheusCollector) SubscriptionOpened() {
	c.subscriptionsTotal.Inc()
	c.subscriptionsActive.Inc()
}

func (c *PrometheusCollector) SubscriptionClosed() {
	c.subscriptionsActive.Dec()
}

func (c *PrometheusCollector) SlatePosted(local bool) {
	scope := "federated"
	if local {
		scope = "local"
	}
	c.slatesPostedTotal.WithLabelValues(scope).Inc()
}

func (c *PrometheusCollector) SlateDelivered() {
	c.slatesDeliveredTotal.Inc()
}

func (c *PrometheusCollector) SlateQueued() {
	c.slatesQueuedTotal.Inc()
}

func (c *PrometheusCollector) SlateRejected(kind string) {
	c.slatesRejectedTotal.WithLabelValues(kind).Inc()
}

func (c *PrometheusCollector) FederationPublished() {
	c.federationPublishedTotal.Inc()
}

func (c *PrometheusCollector) FederationPublishFailed() {
	c.federationPublishFailedTotal.Inc()
}

func (c *PrometheusCollector) FederationConsumed() {
	c.federationConsumedTotal.Inc()
}

func (c *PrometheusCollector) ChallengeRotated() {
	c.challengeRotationsTotal.Inc()
}
