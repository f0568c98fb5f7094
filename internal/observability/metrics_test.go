package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsAreNoop(t *testing.T) {
	t.Parallel()
	var m *Metrics
	m.Send(true, 2)
	m.Firing("ok")
	m.ArmedJobs(3)
	m.ConnectionState("ready", []string{"ready"})
	m.ReconnectAttempt()
	m.APIRequest("/health", "200")
	if err := m.Register(prometheus.NewRegistry()); err != nil {
		t.Fatalf("Register on nil: %v", err)
	}
}

func TestMetricsCount(t *testing.T) {
	t.Parallel()
	m := NewMetrics()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := m.Register(reg); err != nil {
		t.Fatalf("second Register: %v", err)
	}

	m.Send(true, 1)
	m.Send(false, 3)
	m.Send(true, 2)
	if got := testutil.ToFloat64(m.sends.WithLabelValues("success")); got != 2 {
		t.Fatalf("success sends = %v", got)
	}
	if got := testutil.ToFloat64(m.sendAttempts); got != 6 {
		t.Fatalf("attempts = %v", got)
	}

	known := []string{"connecting", "ready", "disconnected"}
	m.ConnectionState("ready", known)
	m.ConnectionState("disconnected", known)
	if got := testutil.ToFloat64(m.connectionState.WithLabelValues("ready")); got != 0 {
		t.Fatalf("ready gauge = %v", got)
	}
	if got := testutil.ToFloat64(m.connectionState.WithLabelValues("disconnected")); got != 1 {
		t.Fatalf("disconnected gauge = %v", got)
	}

	m.ArmedJobs(4)
	if got := testutil.ToFloat64(m.armedJobs); got != 4 {
		t.Fatalf("armed = %v", got)
	}
}
