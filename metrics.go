package mailer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts sends per relay host. A nil *Metrics records nothing.
type Metrics struct {
	sent     *prometheus.CounterVec
	failed   *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailer_send_success_total",
			Help: "Total number of messages accepted by the relay",
		}, []string{"host"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailer_send_failure_total",
			Help: "Total number of failed sends by failure kind",
		}, []string{"host", "kind"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mailer_send_duration_seconds",
			Help:    "Time from composing a message to the end of its SMTP session",
			Buckets: prometheus.DefBuckets,
		}, []string{"host"}),
	}
	if reg != nil {
		reg.MustRegister(m.sent, m.failed, m.duration)
	}
	return m
}

func (m *Metrics) observe(host string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(host).Observe(elapsed.Seconds())
	if err == nil {
		m.sent.WithLabelValues(host).Inc()
		return
	}
	kind := "other"
	if k, ok := KindOf(err); ok {
		kind = k.label()
	}
	m.failed.WithLabelValues(host, kind).Inc()
}
