package addons

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/StarNumber12046/opencards/proxy"
)

// Metrics counts flows and connections in its own Prometheus registry.
type Metrics struct {
	proxy.BaseAddon

	registry *prometheus.Registry

	flows             *prometheus.CounterVec
	flowDuration      *prometheus.HistogramVec
	responseStatus    *prometheus.CounterVec
	flowErrors        *prometheus.CounterVec
	activeConnections prometheus.Gauge
	serverConnections prometheus.Counter
}

// NewMetrics creates the addon with a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		flows: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "opencards_flows_total",
			Help: "Flows finished, by action.",
		}, []string{"action"}),
		flowDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "opencards_flow_duration_seconds",
			Help:    "Time from request start line to the end of the response.",
			Buckets: prometheus.DefBuckets,
		}, []string{"action"}),
		responseStatus: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "opencards_response_status_total",
			Help: "Responses relayed to clients, by status class.",
		}, []string{"class"}),
		flowErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "opencards_flow_errors_total",
			Help: "Failed flows, by failure kind.",
		}, []string{"kind"}),
		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "opencards_active_client_connections",
			Help: "Client connections currently open.",
		}),
		serverConnections: factory.NewCounter(prometheus.CounterOpts{
			Name: "opencards_server_connections_total",
			Help: "Upstream connections dialled.",
		}),
	}
}

// WatchPool exports upstream pool reuse read from stats at scrape time.
func (m *Metrics) WatchPool(stats func() proxy.PoolStats) {
	factory := promauto.With(m.registry)
	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "opencards_upstream_pool_hits_total",
		Help: "Upstream connections taken from the idle pool.",
	}, func() float64 { return float64(stats().Hits) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "opencards_upstream_pool_misses_total",
		Help: "Upstream connection requests that needed a new dial.",
	}, func() float64 { return float64(stats().Misses) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "opencards_upstream_pool_idle",
		Help: "Idle upstream connections.",
	}, func() float64 { return float64(stats().Idle) })
}

// Registry is the registry the metrics are registered in.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ClientConnected(*proxy.ClientConn) {
	m.activeConnections.Inc()
}

func (m *Metrics) ClientDisconnected(*proxy.ClientConn) {
	m.activeConnections.Dec()
}

func (m *Metrics) ServerConnected(*proxy.ConnContext) {
	m.serverConnections.Inc()
}

func (m *Metrics) FlowEvent(_ *proxy.Flow, e *proxy.Event) {
	action := string(e.Action)
	m.flows.WithLabelValues(action).Inc()
	m.flowDuration.WithLabelValues(action).Observe(e.Duration.Seconds())
	if e.StatusCode != 0 {
		m.responseStatus.WithLabelValues(strconv.Itoa(e.StatusCode/100) + "xx").Inc()
	}
	if e.Err != nil {
		m.flowErrors.WithLabelValues(errorKind(e.Err)).Inc()
	}
}

func errorKind(err error) string {
	var (
		parseErr     *proxy.ParseError
		handshakeErr *proxy.HandshakeError
		connectErr   *proxy.UpstreamConnectError
		caErr        *proxy.CAError
	)
	switch {
	case errors.As(err, &parseErr):
		return "parse"
	case errors.As(err, &handshakeErr):
		return "handshake"
	case errors.As(err, &connectErr):
		return "upstream_connect"
	case errors.As(err, &caErr):
		return "ca"
	case errors.Is(err, proxy.ErrProxyAuthRequired):
		return "auth"
	default:
		return "other"
	}
}
