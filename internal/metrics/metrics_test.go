package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.SubscriptionOpened("desk")
	m.SubscriptionFailed("desk", "hard")
	m.EventApplied("tickets", "messages", "insert")
	m.StaleResponse("conversation")
	m.BlobsMinted(3)
	if m.Registry() != nil {
		t.Fatal("nil metrics should have nil registry")
	}
}

func TestCounters(t *testing.T) {
	m := New()
	m.SubscriptionOpened("desk")
	m.SubscriptionOpened("ticket")
	m.SubscriptionClosed("ticket")
	m.StaleResponse("conversation")
	m.StaleResponse("conversation")

	if got := testutil.ToFloat64(m.ActiveSubscriptions.WithLabelValues("desk")); got != 1 {
		t.Errorf("desk subscriptions = %v", got)
	}
	if got := testutil.ToFloat64(m.ActiveSubscriptions.WithLabelValues("ticket")); got != 0 {
		t.Errorf("ticket subscriptions = %v", got)
	}
	if got := testutil.ToFloat64(m.StaleResponses.WithLabelValues("conversation")); got != 2 {
		t.Errorf("stale responses = %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.SessionOpened()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "helpdesk_sessions_active 1") {
		t.Fatalf("metrics output missing session gauge:\n%s", body)
	}
}
