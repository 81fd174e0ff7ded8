package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"depthview/logger"
)

func TestCollectorCountsSnapshotRequests(t *testing.T) {
	c := NewCollector()

	c.Handle(Metric{Name: MetricSnapshotRequest, Fields: logger.Fields{"pair": "BTCUSDT", "outcome": "success"}})
	c.Handle(Metric{Name: MetricSnapshotRequest, Fields: logger.Fields{"pair": "BTCUSDT", "outcome": "success"}})
	c.Handle(Metric{Name: MetricSnapshotRequest, Fields: logger.Fields{"pair": "BTCUSDT", "outcome": "error"}})

	if got := testutil.ToFloat64(c.snapshotRequests.WithLabelValues("BTCUSDT", "success")); got != 2 {
		t.Fatalf("expected 2 successful requests, got %v", got)
	}
	if got := testutil.ToFloat64(c.snapshotRequests.WithLabelValues("BTCUSDT", "error")); got != 1 {
		t.Fatalf("expected 1 failed request, got %v", got)
	}
}

func TestCollectorConnectionStatusIsExclusive(t *testing.T) {
	c := NewCollector()

	c.Handle(Metric{Name: MetricConnectionStatus, Fields: logger.Fields{"pair": "ETHUSDT", "status": "connecting"}})
	c.Handle(Metric{Name: MetricConnectionStatus, Fields: logger.Fields{"pair": "ETHUSDT", "status": "connected"}})

	if got := testutil.ToFloat64(c.connectionStatus.WithLabelValues("ETHUSDT", "connected")); got != 1 {
		t.Fatalf("expected connected=1, got %v", got)
	}
	if got := testutil.ToFloat64(c.connectionStatus.WithLabelValues("ETHUSDT", "connecting")); got != 0 {
		t.Fatalf("expected connecting=0, got %v", got)
	}
}

func TestCollectorTracksRequestWeight(t *testing.T) {
	c := NewCollector()

	c.Handle(Metric{Name: MetricWeightLimit, Value: int64(6000)})
	c.Handle(Metric{Name: MetricUsedWeight, Value: int64(42)})

	if got := testutil.ToFloat64(c.weightLimit); got != 6000 {
		t.Fatalf("expected weight limit 6000, got %v", got)
	}
	if got := testutil.ToFloat64(c.usedWeight); got != 42 {
		t.Fatalf("expected used weight 42, got %v", got)
	}
}

func TestCollectorReceivesEmittedMetrics(t *testing.T) {
	resetMetricHandlers()

	c := NewCollector()
	c.Register()
	t.Cleanup(c.Unregister)

	EmitMetric(nil, "session", MetricStaleDropped, 1, "counter", logger.Fields{"kind": "stream_message"})
	EmitMetric(nil, "dashboard", MetricDashboardClients, 3, "gauge", nil)

	if got := testutil.ToFloat64(c.staleDropped.WithLabelValues("stream_message")); got != 1 {
		t.Fatalf("expected one stale drop, got %v", got)
	}
	if got := testutil.ToFloat64(c.dashboardClients); got != 3 {
		t.Fatalf("expected 3 dashboard clients, got %v", got)
	}
}

func TestCollectorHandlerServesTextFormat(t *testing.T) {
	c := NewCollector()
	c.Handle(Metric{Name: MetricStreamMessage, Fields: logger.Fields{"pair": "SOLUSDT"}})

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), `depthview_stream_messages_total{pair="SOLUSDT"} 1`) {
		t.Fatalf("expected stream message series in scrape output:\n%s", body)
	}
}
