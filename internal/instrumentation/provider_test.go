package instrumentation

import (
	"context"
	"testing"
)

func TestNewProviderDisabled(t *testing.T) {
	config := DefaultConfig()
	config.Enabled = false

	p, err := NewProvider(context.Background(), config)
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	if p.Enabled() {
		t.Error("Enabled() = true, want false")
	}
	if p.Metrics() == nil {
		t.Fatal("Metrics() = nil, want no-op recorder")
	}
	// Recording on a disabled provider must be safe.
	p.Metrics().RecordVerification(context.Background(), StatusSuccess, "")

	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestNewProviderPrometheus(t *testing.T) {
	config := DefaultConfig()
	config.MetricsExporter = ExporterPrometheus
	config.TracingExporter = ExporterNone

	p, err := NewProvider(context.Background(), config)
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	defer func() {
		if err := p.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown() error = %v", err)
		}
	}()

	if !p.Enabled() {
		t.Error("Enabled() = false, want true")
	}
	if p.Metrics() == nil {
		t.Error("Metrics() = nil")
	}
	if p.PrometheusHandler() == nil {
		t.Error("PrometheusHandler() = nil, want exporter")
	}
	if p.Tracer("test") == nil {
		t.Error("Tracer() = nil")
	}
}

func TestNewProviderInvalidExporter(t *testing.T) {
	config := DefaultConfig()
	config.MetricsExporter = "statsd"

	if _, err := NewProvider(context.Background(), config); err == nil {
		t.Error("NewProvider() with invalid exporter succeeded")
	}
}

func TestNewProviderOTLPWithoutEndpoint(t *testing.T) {
	config := DefaultConfig()
	config.MetricsExporter = ExporterOTLP
	config.OTLPEndpoint = ""

	if _, err := NewProvider(context.Background(), config); err == nil {
		t.Error("NewProvider() without OTLP endpoint succeeded")
	}
}

func TestPrometheusHandlerNilForOtherExporters(t *testing.T) {
	config := DefaultConfig()
	config.Enabled = false

	p, err := NewProvider(context.Background(), config)
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	if p.PrometheusHandler() != nil {
		t.Error("PrometheusHandler() != nil for disabled provider")
	}
}
