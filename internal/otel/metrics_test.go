package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.BusPublished == nil {
		t.Error("BusPublished is nil")
	}
	if m.BusHandlerErrors == nil {
		t.Error("BusHandlerErrors is nil")
	}
	if m.DispatchRequests == nil {
		t.Error("DispatchRequests is nil")
	}
	if m.DispatchLatency == nil {
		t.Error("DispatchLatency is nil")
	}
	if m.BackendInvocations == nil {
		t.Error("BackendInvocations is nil")
	}
	if m.MonitorTransitions == nil {
		t.Error("MonitorTransitions is nil")
	}
	if m.OutboundMessages == nil {
		t.Error("OutboundMessages is nil")
	}
	if m.CacheHits == nil {
		t.Error("CacheHits is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	// Instrument creation must work against the noop meter of a disabled provider.
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}
