// Package metrics holds the Prometheus collectors for event processing.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// OtherLabel replaces label values that do not come from configuration, so
// caller-supplied strings cannot grow series without bound.
const OtherLabel = "other"

type Metrics struct {
	sites         map[string]bool
	registry      *prometheus.Registry
	claims        *prometheus.CounterVec
	events        *prometheus.CounterVec
	submissions   *prometheus.CounterVec
	notifyFailed  *prometheus.CounterVec
	expiredClaims prometheus.Counter
	outboxSent    prometheus.Counter
}

// New registers the collectors. sites are the tenants allowed as a label
// value; any other site is counted under OtherLabel.
func New(sites ...string) *Metrics {
	m := &Metrics{
		sites:    make(map[string]bool, len(sites)),
		registry: prometheus.NewRegistry(),
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "payledger",
			Name:      "event_claims_total",
			Help:      "Claim attempts by outcome.",
		}, []string{"outcome"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "payledger",
			Name:      "events_total",
			Help:      "Processed events by type and result.",
		}, []string{"type", "result"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "payledger",
			Name:      "submissions_total",
			Help:      "Form submissions by site and whether they were deduplicated.",
		}, []string{"site", "deduped"}),
		notifyFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "payledger",
			Name:      "notifications_failed_total",
			Help:      "Notifications abandoned after all attempts.",
		}, []string{"site"}),
		expiredClaims: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "payledger",
			Name:      "expired_claims_total",
			Help:      "Processing claims failed by the sweeper.",
		}),
		outboxSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "payledger",
			Name:      "outbox_published_total",
			Help:      "Outbox messages published.",
		}),
	}
	for _, s := range sites {
		m.sites[s] = true
	}
	m.registry.MustRegister(m.claims, m.events, m.submissions, m.notifyFailed, m.expiredClaims, m.outboxSent)
	return m
}

func (m *Metrics) siteLabel(site string) string {
	if m.sites[site] {
		return site
	}
	return OtherLabel
}

func (m *Metrics) ClaimOutcome(outcome string) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(outcome).Inc()
}

// EventResult counts a processed event. eventType must already be bounded
// by the caller; the processor passes OtherLabel for types it has no handler for.
func (m *Metrics) EventResult(eventType, result string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType, result).Inc()
}

func (m *Metrics) Submission(site string, deduped bool) {
	if m == nil {
		return
	}
	label := "false"
	if deduped {
		label = "true"
	}
	m.submissions.WithLabelValues(m.siteLabel(site), label).Inc()
}

// NotifyFailed satisfies notify.FailureRecorder.
func (m *Metrics) NotifyFailed(site string) {
	if m == nil {
		return
	}
	m.notifyFailed.WithLabelValues(m.siteLabel(site)).Inc()
}

func (m *Metrics) ClaimsExpired(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.expiredClaims.Add(float64(n))
}

func (m *Metrics) OutboxPublished() {
	if m == nil {
		return
	}
	m.outboxSent.Inc()
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
