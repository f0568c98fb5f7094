// Package observability holds the prometheus collectors shared by the
// dispatch, scheduling and connection layers.
package observability

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "remindbot"

// Metrics is nil-safe: every method on a nil *Metrics is a no-op, so
// components can be built without instrumentation in tests.
type Metrics struct {
	sends             *prometheus.CounterVec
	sendAttempts      prometheus.Counter
	firings           *prometheus.CounterVec
	dispatchDuration  prometheus.Histogram
	armedJobs         prometheus.Gauge
	connectionState   *prometheus.GaugeVec
	reconnectAttempts prometheus.Counter
	apiRequests       *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sends_total",
			Help: "Recipient deliveries by final result.",
		}, []string{"result"}),
		sendAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "send_attempts_total",
			Help: "Individual transport send attempts, retries included.",
		}),
		firings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "firings_total",
			Help: "Scheduled job firings by outcome.",
		}, []string{"result"}),
		dispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "dispatch_duration_seconds",
			Help:    "Wall time of a full broadcast.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		armedJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "armed_jobs",
			Help: "Scheduled jobs currently armed.",
		}),
		connectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connection_state",
			Help: "1 for the current connection state, 0 otherwise.",
		}, []string{"state"}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reconnect_attempts_total",
			Help: "Transport reconnect attempts.",
		}),
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "api_requests_total",
			Help: "HTTP API requests by route and status.",
		}, []string{"route", "status"}),
	}
}

// Register adds every collector to reg. Already-registered collectors are
// tolerated so a registry can be reused across restarts.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	if m == nil || reg == nil {
		return nil
	}
	for _, c := range []prometheus.Collector{
		m.sends, m.sendAttempts, m.firings, m.dispatchDuration,
		m.armedJobs, m.connectionState, m.reconnectAttempts, m.apiRequests,
	} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

func (m *Metrics) Send(ok bool, attempts int) {
	if m == nil {
		return
	}
	m.sendAttempts.Add(float64(attempts))
	if ok {
		m.sends.WithLabelValues("success").Inc()
	} else {
		m.sends.WithLabelValues("failed").Inc()
	}
}

func (m *Metrics) Firing(result string) {
	if m == nil {
		return
	}
	m.firings.WithLabelValues(result).Inc()
}

func (m *Metrics) Dispatch(d time.Duration) {
	if m == nil {
		return
	}
	m.dispatchDuration.Observe(d.Seconds())
}

func (m *Metrics) ArmedJobs(n int) {
	if m == nil {
		return
	}
	m.armedJobs.Set(float64(n))
}

// ConnectionState marks state as current among the known states.
func (m *Metrics) ConnectionState(state string, known []string) {
	if m == nil {
		return
	}
	for _, s := range known {
		v := 0.0
		if s == state {
			v = 1
		}
		m.connectionState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) ReconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

func (m *Metrics) APIRequest(route, status string) {
	if m == nil {
		return
	}
	m.apiRequests.WithLabelValues(route, status).Inc()
}
