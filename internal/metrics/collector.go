package busmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "gobusd"
	subsystem = "bus"
)

// Label names for bus metrics.
const (
	labelType   = "type"
	labelSlot   = "slot"
	labelAction = "action"
)

// -------------------------------------------------------------------------
// Collector — Prometheus Bus Metrics
// -------------------------------------------------------------------------

// Collector holds all broker Prometheus metrics.
//
// Metrics are designed for production monitoring of a busy bus:
//   - Peer gauges track currently connected and lifetime peer counts.
//   - Message counters track routed volume per wire message type.
//   - Quota counters flag principals hitting their resource ceilings.
//   - Policy counters flag access-control denials for auditing.
type Collector struct {
	// PeersActive tracks the number of currently connected peers.
	PeersActive prometheus.Gauge

	// PeersTotal counts every peer ever accepted, including those since
	// disconnected.
	PeersTotal prometheus.Counter

	// MessagesRouted counts routed messages by wire type (method_call,
	// method_return, error, signal).
	MessagesRouted *prometheus.CounterVec

	// Broadcasts counts broadcast transactions (one per transaction id,
	// regardless of fan-out width).
	Broadcasts prometheus.Counter

	// QuotaDenials counts charges refused per accounting slot.
	QuotaDenials *prometheus.CounterVec

	// PolicyDenials counts access-control refusals per decision point
	// (connect, own, send, receive).
	PolicyDenials *prometheus.CounterVec

	// MatchRules tracks the number of live match-rule subscriptions.
	MatchRules prometheus.Gauge

	// NamesOwned tracks the number of well-known names with a primary
	// owner.
	NamesOwned prometheus.Gauge
}

// NewCollector creates a Collector with all bus metrics registered
// against the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
//
// All metrics carry the "gobusd_bus_" prefix (namespace_subsystem) to
// avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.PeersActive,
		c.PeersTotal,
		c.MessagesRouted,
		c.Broadcasts,
		c.QuotaDenials,
		c.PolicyDenials,
		c.MatchRules,
		c.NamesOwned,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	return &Collector{
		PeersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "peers",
			Help:      "Number of currently connected peers.",
		}),

		PeersTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "peers_accepted_total",
			Help:      "Total peers accepted since startup.",
		}),

		MessagesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_routed_total",
			Help:      "Total messages routed, by wire message type.",
		}, []string{labelType}),

		Broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "broadcast_transactions_total",
			Help:      "Total broadcast transactions started.",
		}),

		QuotaDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "quota_denials_total",
			Help:      "Total charges refused because a per-user quota was exhausted.",
		}, []string{labelSlot}),

		PolicyDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "policy_denials_total",
			Help:      "Total access-control denials, by decision point.",
		}, []string{labelAction}),

		MatchRules: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "match_rules",
			Help:      "Number of live match-rule subscriptions.",
		}),

		NamesOwned: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "names_owned",
			Help:      "Number of well-known names with a primary owner.",
		}),
	}
}

// -------------------------------------------------------------------------
// Peer Lifecycle
// -------------------------------------------------------------------------

// PeerConnected records a newly accepted peer.
func (c *Collector) PeerConnected() {
	c.PeersActive.Inc()
	c.PeersTotal.Inc()
}

// PeerDisconnected records a freed peer.
func (c *Collector) PeerDisconnected() {
	c.PeersActive.Dec()
}

// -------------------------------------------------------------------------
// Routing
// -------------------------------------------------------------------------

// IncRouted increments the routed-message counter for a wire type
// keyword ("method_call", "method_return", "error", "signal").
func (c *Collector) IncRouted(typeKeyword string) {
	c.MessagesRouted.WithLabelValues(typeKeyword).Inc()
}

// IncBroadcast records the start of one broadcast transaction.
func (c *Collector) IncBroadcast() {
	c.Broadcasts.Inc()
}

// -------------------------------------------------------------------------
// Quota and Policy
// -------------------------------------------------------------------------

// IncQuotaDenied records a refused charge for the given slot name.
func (c *Collector) IncQuotaDenied(slot string) {
	c.QuotaDenials.WithLabelValues(slot).Inc()
}

// IncPolicyDenied records an access-control denial at the given decision
// point ("connect", "own", "send", "receive").
func (c *Collector) IncPolicyDenied(action string) {
	c.PolicyDenials.WithLabelValues(action).Inc()
}

// -------------------------------------------------------------------------
// Registry Gauges
// -------------------------------------------------------------------------

// MatchRuleAdded increments the live match-rule gauge.
func (c *Collector) MatchRuleAdded() { c.MatchRules.Inc() }

// MatchRuleRemoved decrements the live match-rule gauge.
func (c *Collector) MatchRuleRemoved() { c.MatchRules.Dec() }

// NameAcquired increments the owned-names gauge.
func (c *Collector) NameAcquired() { c.NamesOwned.Inc() }

// NameReleased decrements the owned-names gauge.
func (c *Collector) NameReleased() { c.NamesOwned.Dec() }
