package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry counts are polled rather than pushed so the gauges cannot drift
// from the authoritative connection maps.
type ConnectionCounter interface {
	Counts() (devices, viewers int)
}

// Collector owns the hub's Prometheus registry.
type Collector struct {
	registry *prometheus.Registry
	counter  ConnectionCounter

	connectedDevices prometheus.Gauge
	connectedViewers prometheus.Gauge

	messagesIn      *prometheus.CounterVec
	messagesDropped *prometheus.CounterVec

	sessionsStarted prometheus.Counter
	sessionsEnded   *prometheus.CounterVec

	proxyRequests *prometheus.CounterVec
	proxyLatency  prometheus.Histogram
}

func NewCollector(counter ConnectionCounter) *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{registry: reg, counter: counter}

	c.connectedDevices = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "camhub_connected_devices",
		Help: "Live device channels in the registry",
	})
	reg.MustRegister(c.connectedDevices)

	c.connectedViewers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "camhub_connected_viewers",
		Help: "Live viewer channels in the registry",
	})
	reg.MustRegister(c.connectedViewers)

	c.messagesIn = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "camhub_messages_in_total",
		Help: "Inbound signaling messages by type",
	}, []string{"type"})
	reg.MustRegister(c.messagesIn)

	c.messagesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "camhub_messages_dropped_total",
		Help: "Messages dropped because the target peer was absent or slow",
	}, []string{"type"})
	reg.MustRegister(c.messagesDropped)

	c.sessionsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "camhub_sessions_started_total",
		Help: "Watch sessions created",
	})
	reg.MustRegister(c.sessionsStarted)

	c.sessionsEnded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "camhub_sessions_ended_total",
		Help: "Watch sessions ended by reason",
	}, []string{"reason"})
	reg.MustRegister(c.sessionsEnded)

	c.proxyRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "camhub_proxy_requests_total",
		Help: "Tunneled HTTP requests by outcome status",
	}, []string{"status"})
	reg.MustRegister(c.proxyRequests)

	c.proxyLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "camhub_proxy_latency_seconds",
		Help:    "End-to-end tunneled HTTP latency",
		Buckets: prometheus.DefBuckets,
	})
	reg.MustRegister(c.proxyLatency)

	return c
}

// Start polls the connection counter until ctx is cancelled.
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			devices, viewers := c.counter.Counts()
			c.connectedDevices.Set(float64(devices))
			c.connectedViewers.Set(float64(viewers))
		}
	}
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Nil-safe instrumentation hooks used from the hot paths.

func (c *Collector) MessageIn(msgType string) {
	if c != nil {
		c.messagesIn.WithLabelValues(msgType).Inc()
	}
}

func (c *Collector) MessageDropped(msgType string) {
	if c != nil {
		c.messagesDropped.WithLabelValues(msgType).Inc()
	}
}

func (c *Collector) SessionStarted() {
	if c != nil {
		c.sessionsStarted.Inc()
	}
}

func (c *Collector) SessionEnded(reason string) {
	if c != nil {
		c.sessionsEnded.WithLabelValues(reason).Inc()
	}
}

func (c *Collector) ProxyRequest(status string, latency time.Duration) {
	if c != nil {
		c.proxyRequests.WithLabelValues(status).Inc()
		c.proxyLatency.Observe(latency.Seconds())
	}
}
