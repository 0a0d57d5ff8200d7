// Package instrumentation provides OpenTelemetry metrics and tracing for the
// authorization server, the resource guard and the storage backends.
//
// When Config.Enabled is false every provider is a no-op, so callers can
// record unconditionally.
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		Enabled:         true,
//		ServiceName:     "mcp-oauth-server",
//		ServiceVersion:  "1.0.0",
//		MetricsExporter: instrumentation.MetricsExporterPrometheus,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	mux.Handle("/metrics", inst.PrometheusHandler())
//
// Each Instrumentation owns a private Prometheus registry, so several
// servers can run in one process (and in one test binary) without
// duplicate-registration panics.
//
// # Available Metrics
//
// HTTP:
//   - oauth.http.requests.total{method, endpoint, status}
//   - oauth.http.request.duration{endpoint} (ms)
//
// OAuth flows:
//   - oauth.client.registered{client_type}
//   - oauth.code.issued{client_id}
//   - oauth.code.exchanged{client_id, pkce_method}
//   - oauth.token.refreshed{client_id, rotated}
//   - oauth.token.revoked{client_id}
//
// Security:
//   - oauth.rate_limit.exceeded{limiter_type}
//   - oauth.pkce.validation_failed{method}
//   - oauth.code.reuse_detected
//   - oauth.token.validation_failed{reason}
//   - oauth.audit.events.total{event_type}
//   - oauth.encryption.operations.total{operation}, oauth.encryption.duration (ms)
//
// Storage:
//   - storage.operation.total{operation, result}
//   - storage.operation.duration{operation} (ms)
//   - storage.size.clients, storage.size.codes, storage.size.refresh_tokens
//
// # Tracing
//
// Spans are opened per HTTP request, per server flow and per storage
// operation. Pass Config.SpanProcessor to export them; tests use a
// tracetest.SpanRecorder.
//
// Span attributes never carry tokens, codes, verifiers or client secrets.
// Client IPs are only attached when Config.LogClientIPs is true.
package instrumentation
