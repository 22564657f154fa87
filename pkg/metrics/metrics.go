// Package metrics exposes the session synchronizer and rate limiter counters
// to Prometheus.
package metrics

import (
	"net/http"

	"agency-portal-backend/internal/domain"
	"agency-portal-backend/pkg/apperror"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agency_portal"

// Collector implements session.Metrics and the registry/limiter hooks.
type Collector struct {
	events         *prometheus.CounterVec
	staleBuilds    prometheus.Counter
	profileFails   prometheus.Counter
	actionFailures *prometheus.CounterVec
	activeSessions prometheus.Gauge
	evictions      *prometheus.CounterVec
	rateLimit      *prometheus.CounterVec
}

func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_events_total",
			Help:      "Auth lifecycle events observed by session listeners.",
		}, []string{"event"}),
		staleBuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_builds_discarded_total",
			Help:      "User view builds discarded because a newer event superseded them.",
		}),
		profileFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "profile_fetch_failures_total",
			Help:      "Profile lookups that failed for reasons other than a missing row.",
		}),
		actionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_action_failures_total",
			Help:      "Failed auth actions by action and error kind.",
		}, []string{"action", "kind"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_providers_active",
			Help:      "Mounted session providers.",
		}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_providers_evicted_total",
			Help:      "Session providers unmounted by the registry.",
		}, []string{"reason"}),
		rateLimit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_decisions_total",
			Help:      "Rate limiter decisions by limiter backend and outcome.",
		}, []string{"limiter", "outcome"}),
	}

	reg.MustRegister(
		c.events,
		c.staleBuilds,
		c.profileFails,
		c.actionFailures,
		c.activeSessions,
		c.evictions,
		c.rateLimit,
	)
	return c
}

func (c *Collector) EventObserved(kind domain.EventKind) {
	c.events.WithLabelValues(string(kind)).Inc()
}

func (c *Collector) StaleBuildDiscarded() { c.staleBuilds.Inc() }

func (c *Collector) ProfileFetchFailed() { c.profileFails.Inc() }

func (c *Collector) ActionFailed(action string, kind apperror.Kind) {
	c.actionFailures.WithLabelValues(action, string(kind)).Inc()
}

func (c *Collector) ProviderMounted() { c.activeSessions.Inc() }

// ProviderUnmounted records an unmount labelled by reason (idle, capacity, released, shutdown).
func (c *Collector) ProviderUnmounted(reason string) {
	c.activeSessions.Dec()
	c.evictions.WithLabelValues(reason).Inc()
}

func (c *Collector) RateLimited(limiter string, allowed bool) {
	outcome := "rejected"
	if allowed {
		outcome = "allowed"
	}
	c.rateLimit.WithLabelValues(limiter, outcome).Inc()
}

// Handler serves the Prometheus scrape endpoint.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
