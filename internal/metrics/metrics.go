// Package metrics exposes Prometheus counters for the login flow.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector records login outcomes and OAuth callback rejections.
type Collector struct {
	loginOutcomes     *prometheus.CounterVec
	callbackRejection *prometheus.CounterVec
}

// NewCollector registers the login metrics on the provided registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		loginOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vaxguard_login_outcomes_total",
			Help: "Completed third-party logins by outcome.",
		}, []string{"outcome"}),
		callbackRejection: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vaxguard_oauth_callback_rejections_total",
			Help: "OAuth callbacks rejected before reaching the login handler, by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(c.loginOutcomes, c.callbackRejection)

	return c
}

// RecordLoginOutcome counts one login with the given outcome label.
func (c *Collector) RecordLoginOutcome(outcome string) {
	c.loginOutcomes.WithLabelValues(outcome).Inc()
}

// RecordCallbackRejection counts one rejected OAuth callback.
func (c *Collector) RecordCallbackRejection(reason string) {
	c.callbackRejection.WithLabelValues(reason).Inc()
}

// Handler returns the scrape handler for the given gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
