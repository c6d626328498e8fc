// Package instrumentation wires OpenTelemetry metrics and tracing for the
// server: bearer verification outcomes, signing-key refreshes, token
// exchanges, Gmail API calls, tool invocations, and the HTTP surface.
//
// Metrics are exported through Prometheus by default, with OTLP and stdout
// exporters available for collector-based or local setups. Tracing is off
// unless an exporter is configured. All configuration is environment-driven
// via DefaultConfig.
//
// Subjects never appear raw in telemetry; attribute values are limited to
// low-cardinality outcomes and reasons.
package instrumentation
