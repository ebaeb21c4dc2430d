// Package observability provides the logging, metrics and tracing stack of
// agentd.
//
// Logging is slog with a handler that adds request correlation from the
// context and redacts secrets. Metrics are Prometheus collectors registered on
// a caller-supplied registry and served from /metrics. Tracing uses
// OpenTelemetry with an OTLP/gRPC exporter when an endpoint is configured.
//
// *Metrics and *Tracer methods are safe to call on nil receivers so that
// components can be constructed without observability in tests.
package observability
