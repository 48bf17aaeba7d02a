package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}
	if m.SessionsActive == nil {
		t.Error("SessionsActive metric is nil")
	}
	if m.HandshakeErrors == nil {
		t.Error("HandshakeErrors metric is nil")
	}
}

func TestSessionStartedEnded(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.SessionStarted()
	m.SessionStarted()
	m.SessionEnded()

	if got := testutil.ToFloat64(m.SessionsActive); got != 1 {
		t.Errorf("SessionsActive = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SessionsTotal); got != 2 {
		t.Errorf("SessionsTotal = %v, want 2", got)
	}
}

func TestHandshakeFailed(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.HandshakeFailed("auth_failed")
	m.HandshakeFailed("auth_failed")
	m.HandshakeFailed("protocol_error")

	if got := testutil.ToFloat64(m.HandshakeErrors.WithLabelValues("auth_failed")); got != 2 {
		t.Errorf("auth_failed errors = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.HandshakeErrors.WithLabelValues("protocol_error")); got != 1 {
		t.Errorf("protocol_error errors = %v, want 1", got)
	}
}

func TestHandshakeDuration(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.HandshakeDuration(50 * time.Millisecond)

	if got := testutil.CollectAndCount(m.HandshakeLatency); got != 1 {
		t.Errorf("HandshakeLatency collected metric count = %d, want 1", got)
	}
}

func TestUDPAssociationStartedEnded(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.UDPAssociationStarted()
	m.UDPAssociationStarted()
	m.UDPAssociationEnded()

	if got := testutil.ToFloat64(m.UDPAssocsActive); got != 1 {
		t.Errorf("UDPAssocsActive = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.UDPAssocsTotal); got != 2 {
		t.Errorf("UDPAssocsTotal = %v, want 2", got)
	}
}

func TestDefault(t *testing.T) {
	m1 := Default()
	m2 := Default()
	if m1 != m2 {
		t.Error("Default() should return the same instance across calls")
	}
}
