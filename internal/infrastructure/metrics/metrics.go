package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "xfeed"

// Metrics owns a private prometheus registry so several instances (tests,
// embedded servers) never collide on the global one.
type Metrics struct {
	reg *prometheus.Registry

	framesSent    prometheus.Counter
	framesDropped prometheus.Counter
	inboundDenied prometheus.Counter
	flushes       *prometheus.CounterVec
	flushItems    *prometheus.CounterVec
	flushSeconds  *prometheus.HistogramVec
	limiterWait   *prometheus.HistogramVec
	authFailures  *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_sent_total",
			Help: "Outbound frames queued to client connections.",
		}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_dropped_total",
			Help: "Outbound frames dropped because a connection's send buffer was full.",
		}),
		inboundDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "inbound_rate_limited_total",
			Help: "Inbound client messages rejected by the per-connection flood guard.",
		}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "batch_flushes_total",
			Help: "Batch flushes by batch and result.",
		}, []string{"batch", "result"}),
		flushItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "batch_items_total",
			Help: "Items written by successful batch flushes.",
		}, []string{"batch"}),
		flushSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "batch_flush_seconds",
			Help:    "Batch flush latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"batch"}),
		limiterWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "ratelimit_wait_seconds",
			Help:    "Time upstream calls waited for a rate limit slot.",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 30, 60},
		}, []string{"venue"}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "auth_failures_total",
			Help: "Venue credential rejections.",
		}, []string{"venue"}),
	}
	m.reg.MustRegister(
		m.framesSent, m.framesDropped, m.inboundDenied,
		m.flushes, m.flushItems, m.flushSeconds,
		m.limiterWait, m.authFailures,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) FrameSent()     { m.framesSent.Inc() }
func (m *Metrics) FrameDropped()  { m.framesDropped.Inc() }
func (m *Metrics) InboundDenied() { m.inboundDenied.Inc() }

// ObserveFlush matches batch.Batcher's observer signature.
func (m *Metrics) ObserveFlush(batch string, items int, dur time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	} else {
		m.flushItems.WithLabelValues(batch).Add(float64(items))
	}
	m.flushes.WithLabelValues(batch, result).Inc()
	m.flushSeconds.WithLabelValues(batch).Observe(dur.Seconds())
}

// LimiterWait returns a ratelimit wait observer for venue.
func (m *Metrics) LimiterWait(venue string) func(time.Duration) {
	h := m.limiterWait.WithLabelValues(venue)
	return func(d time.Duration) { h.Observe(d.Seconds()) }
}

func (m *Metrics) AuthFailure(venue string) { m.authFailures.WithLabelValues(venue).Inc() }

// Gauge registers a gauge evaluated at scrape time, e.g. live connection or
// upstream counts read from the owning component.
func (m *Metrics) Gauge(name, help string, labels prometheus.Labels, fn func() float64) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        name,
		Help:        help,
		ConstLabels: labels,
	}, fn))
}
