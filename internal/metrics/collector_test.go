package busmetrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	busmetrics "github.com/wirebus/gobusd/internal/metrics"
)

// gaugeValue reads back a plain gauge's current value.
func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("write gauge: %v", err)
	}
	return m.GetGauge().GetValue()
}

// counterValue reads back a counter child's current value.
func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestPeerLifecycleGauges(t *testing.T) {
	t.Parallel()

	c := busmetrics.NewCollector(prometheus.NewRegistry())

	c.PeerConnected()
	c.PeerConnected()
	c.PeerDisconnected()

	if got := gaugeValue(t, c.PeersActive); got != 1 {
		t.Errorf("PeersActive = %v, want 1", got)
	}
	if got := counterValue(t, c.PeersTotal); got != 2 {
		t.Errorf("PeersTotal = %v, want 2", got)
	}
}

func TestRoutedByType(t *testing.T) {
	t.Parallel()

	c := busmetrics.NewCollector(prometheus.NewRegistry())

	c.IncRouted("signal")
	c.IncRouted("signal")
	c.IncRouted("method_call")

	if got := counterValue(t, c.MessagesRouted.WithLabelValues("signal")); got != 2 {
		t.Errorf("routed signals = %v, want 2", got)
	}
	if got := counterValue(t, c.MessagesRouted.WithLabelValues("method_call")); got != 1 {
		t.Errorf("routed method calls = %v, want 1", got)
	}
}

func TestQuotaAndPolicyCounters(t *testing.T) {
	t.Parallel()

	c := busmetrics.NewCollector(prometheus.NewRegistry())

	c.IncQuotaDenied("matches")
	c.IncPolicyDenied("send")
	c.IncPolicyDenied("send")

	if got := counterValue(t, c.QuotaDenials.WithLabelValues("matches")); got != 1 {
		t.Errorf("quota denials = %v, want 1", got)
	}
	if got := counterValue(t, c.PolicyDenials.WithLabelValues("send")); got != 2 {
		t.Errorf("policy denials = %v, want 2", got)
	}
}

func TestRegistryGauges(t *testing.T) {
	t.Parallel()

	c := busmetrics.NewCollector(prometheus.NewRegistry())

	c.MatchRuleAdded()
	c.MatchRuleAdded()
	c.MatchRuleRemoved()
	c.NameAcquired()

	if got := gaugeValue(t, c.MatchRules); got != 1 {
		t.Errorf("MatchRules = %v, want 1", got)
	}
	if got := gaugeValue(t, c.NamesOwned); got != 1 {
		t.Errorf("NamesOwned = %v, want 1", got)
	}
}
