// Package metrics fans emitted metrics out to Prometheus and, optionally,
// CloudWatch. Registers:
//
//	#depthview_snapshot_requests_total{pair,outcome}
//	#depthview_stream_messages_total{pair}
//	#depthview_reconnect_attempts_total{pair}
//	#depthview_stale_events_dropped_total{kind}
//	#depthview_connection_status{pair,status}
//	#depthview_dashboard_clients
//	#depthview_rest_used_weight
//	#depthview_rest_weight_limit
//	#go_* and process_* system metrics
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"depthview/models"
)

var allStatuses = []models.ConnectionStatus{
	models.StatusConnecting,
	models.StatusConnected,
	models.StatusDisconnected,
	models.StatusError,
}

type Collector struct {
	registry *prometheus.Registry

	snapshotRequests  *prometheus.CounterVec
	streamMessages    *prometheus.CounterVec
	reconnectAttempts *prometheus.CounterVec
	staleDropped      *prometheus.CounterVec
	connectionStatus  *prometheus.GaugeVec
	dashboardClients  prometheus.Gauge
	usedWeight        prometheus.Gauge
	weightLimit       prometheus.Gauge

	handlerID MetricHandlerID
}

// NewCollector builds a collector on its own registry. Call Register to
// start receiving emitted metrics.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		snapshotRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "depthview_snapshot_requests_total",
			Help: "REST depth snapshot requests by outcome",
		}, []string{"pair", "outcome"}),
		streamMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "depthview_stream_messages_total",
			Help: "Depth stream messages parsed successfully",
		}, []string{"pair"}),
		reconnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "depthview_reconnect_attempts_total",
			Help: "Scheduled stream reconnect attempts",
		}, []string{"pair"}),
		staleDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "depthview_stale_events_dropped_total",
			Help: "Callbacks from superseded pair activations that were discarded",
		}, []string{"kind"}),
		connectionStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "depthview_connection_status",
			Help: "1 for the current stream status of a pair, 0 otherwise",
		}, []string{"pair", "status"}),
		dashboardClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "depthview_dashboard_clients",
			Help: "Connected dashboard websocket clients",
		}),
		usedWeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "depthview_rest_used_weight",
			Help: "Request weight used in the current minute, from X-Mbx-Used-Weight-1m",
		}),
		weightLimit: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "depthview_rest_weight_limit",
			Help: "REQUEST_WEIGHT per minute limit reported by exchangeInfo",
		}),
	}

	c.registry.MustRegister(
		c.snapshotRequests,
		c.streamMessages,
		c.reconnectAttempts,
		c.staleDropped,
		c.connectionStatus,
		c.dashboardClients,
		c.usedWeight,
		c.weightLimit,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Register subscribes the collector to EmitMetric.
func (c *Collector) Register() {
	if c.handlerID == 0 {
		c.handlerID = RegisterMetricHandler(c.Handle)
	}
}

func (c *Collector) Unregister() {
	UnregisterMetricHandler(c.handlerID)
	c.handlerID = 0
}

// Handle updates the Prometheus series matching m. Unknown names are ignored.
func (c *Collector) Handle(m Metric) {
	pair := fieldString(m.Fields, "pair")
	switch m.Name {
	case MetricSnapshotRequest:
		c.snapshotRequests.WithLabelValues(pair, fieldString(m.Fields, "outcome")).Inc()
	case MetricStreamMessage:
		c.streamMessages.WithLabelValues(pair).Inc()
	case MetricReconnectAttempt:
		c.reconnectAttempts.WithLabelValues(pair).Inc()
	case MetricStaleDropped:
		c.staleDropped.WithLabelValues(fieldString(m.Fields, "kind")).Inc()
	case MetricConnectionStatus:
		current := fieldString(m.Fields, "status")
		for _, s := range allStatuses {
			v := 0.0
			if string(s) == current {
				v = 1
			}
			c.connectionStatus.WithLabelValues(pair, string(s)).Set(v)
		}
	case MetricDashboardClients:
		if v, ok := toFloat64(m.Value); ok {
			c.dashboardClients.Set(v)
		}
	case MetricUsedWeight:
		if v, ok := toFloat64(m.Value); ok {
			c.usedWeight.Set(v)
		}
	case MetricWeightLimit:
		if v, ok := toFloat64(m.Value); ok {
			c.weightLimit.Set(v)
		}
	}
}

// Handler exposes the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
