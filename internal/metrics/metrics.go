package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dm"

// Metrics: счётчики мессенджера. Все методы безопасны на nil-ресивере,
// чтобы компоненты можно было собирать без метрик (тесты, cli).
type Metrics struct {
	reg *prometheus.Registry

	messagesSent    prometheus.Counter
	readsMarked     prometheus.Counter
	publishFailures *prometheus.CounterVec
	deliveries      *prometheus.CounterVec
	sessions        prometheus.Gauge
	handshakes      *prometheus.CounterVec
	rateLimited     *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_sent_total",
			Help: "Messages durably stored by send.",
		}),
		readsMarked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_marked_read_total",
			Help: "Messages flipped to read by mark-read.",
		}),
		publishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "publish_failures_total",
			Help: "Realtime publishes that failed after the write was committed.",
		}, []string{"kind"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "event_deliveries_total",
			Help: "Per-handle realtime deliveries by result.",
		}, []string{"kind", "result"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "realtime_sessions",
			Help: "Live realtime connections registered in the hub.",
		}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "realtime_handshakes_total",
			Help: "Realtime handshakes by result.",
		}, []string{"result"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rate_limited_total",
			Help: "Requests rejected by the per-user limiter.",
		}, []string{"scope"}),
	}
	reg.MustRegister(
		m.messagesSent, m.readsMarked, m.publishFailures, m.deliveries,
		m.sessions, m.handshakes, m.rateLimited,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) MessageSent() {
	if m != nil {
		m.messagesSent.Inc()
	}
}

func (m *Metrics) MarkedRead(n int64) {
	if m != nil && n > 0 {
		m.readsMarked.Add(float64(n))
	}
}

func (m *Metrics) PublishFailed(kind string) {
	if m != nil {
		m.publishFailures.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Delivered(kind string) {
	if m != nil {
		m.deliveries.WithLabelValues(kind, "delivered").Inc()
	}
}

func (m *Metrics) Dropped(kind string) {
	if m != nil {
		m.deliveries.WithLabelValues(kind, "dropped").Inc()
	}
}

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.sessions.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.sessions.Dec()
	}
}

func (m *Metrics) Handshake(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.handshakes.WithLabelValues("accepted").Inc()
		return
	}
	m.handshakes.WithLabelValues("rejected").Inc()
}

func (m *Metrics) RateLimited(scope string) {
	if m != nil {
		m.rateLimited.WithLabelValues(scope).Inc()
	}
}
