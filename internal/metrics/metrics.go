// Package metrics exposes the sync engine's Prometheus collectors. A Metrics
// value satisfies the recorder interfaces of the channel, reconcile and
// comments packages.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var channelStates = []string{"closed", "connecting", "open"}

type Metrics struct {
	registry *prometheus.Registry

	queueDepth       *prometheus.GaugeVec
	replays          *prometheus.CounterVec
	reconnects       *prometheus.CounterVec
	channelState     *prometheus.GaugeVec
	outboundBuffered prometheus.Gauge
	outboundEvicted  prometheus.Counter
	framesDropped    *prometheus.CounterVec
	comments         *prometheus.CounterVec
}

// New registers every collector on a fresh registry, alongside the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "discussync_oplog_depth",
			Help: "Operations waiting in the log per project and category",
		}, []string{"project", "category"}),
		replays: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "discussync_replays_total",
			Help: "Queued operations replayed against the remote service",
		}, []string{"category", "result"}),
		reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "discussync_channel_reconnects_total",
			Help: "Scheduled push channel reconnects",
		}, []string{"project"}),
		channelState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "discussync_channel_state",
			Help: "1 for the current push channel state",
		}, []string{"state"}),
		outboundBuffered: factory.NewGauge(prometheus.GaugeOpts{
			Name: "discussync_channel_outbound_buffered",
			Help: "Frames buffered while the push channel is down",
		}),
		outboundEvicted: factory.NewCounter(prometheus.CounterOpts{
			Name: "discussync_channel_outbound_evicted_total",
			Help: "Buffered frames dropped because the buffer was full",
		}),
		framesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "discussync_channel_frames_dropped_total",
			Help: "Inbound frames skipped by reason",
		}, []string{"reason"}),
		comments: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "discussync_comment_mutations_total",
			Help: "Comment mutations by action and outcome",
		}, []string{"action", "outcome"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) QueueDepth(project, category string, depth int) {
	m.queueDepth.WithLabelValues(project, category).Set(float64(depth))
}

func (m *Metrics) Replay(category string, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.replays.WithLabelValues(category, result).Inc()
}

func (m *Metrics) Reconnect(project string) {
	m.reconnects.WithLabelValues(project).Inc()
}

func (m *Metrics) ChannelState(state string) {
	for _, s := range channelStates {
		value := 0.0
		if s == state {
			value = 1
		}
		m.channelState.WithLabelValues(s).Set(value)
	}
}

func (m *Metrics) OutboundBuffered(depth int) {
	m.outboundBuffered.Set(float64(depth))
}

func (m *Metrics) OutboundEvicted() {
	m.outboundEvicted.Inc()
}

func (m *Metrics) FrameDropped(reason string) {
	m.framesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) CommentOutcome(action, outcome string) {
	m.comments.WithLabelValues(action, outcome).Inc()
}
