// Package observability provides OpenTelemetry tracing and metrics for the
// policy-distribution control plane's three surfaces (distribution,
// evaluator, replay).
//
// # Tracing
//
// Initialize a Provider at application startup:
//
//	cfg := observability.DefaultConfig()
//	cfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
//	provider, err := observability.New(ctx, cfg)
//	defer provider.Shutdown(ctx)
//
// Create spans manually around an operation:
//
//	ctx, span := provider.StartSpan(ctx, "rebuild")
//	defer span.End()
//
// Or track one with a single deferred call that records duration and error
// status together:
//
//	ctx, done := provider.TrackOperation(ctx, "rebuild")
//	defer done(err)
//
// # Metrics
//
// RED metrics (request rate, error rate, duration) are recorded via
// Provider.RecordRequest, RecordError, and RecordDuration, each taking the
// domain-specific attribute sets built by RebuildOperation,
// EvaluateOperation, and ReplayOperation.
//
//	observability.AddSpanEvent(ctx, "rebuild.complete",
//		observability.RebuildOperation(bundleName, revision, changed)...)
package observability
