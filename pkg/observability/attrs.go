// Package observability provides instrumentation helpers specific to the
// policy-distribution control plane's components.
package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Control-plane semantic convention attributes.
var (
	// Bundle rebuild attributes
	AttrBundleName     = attribute.Key("policyplane.bundle.name")
	AttrBundleRevision = attribute.Key("policyplane.bundle.revision")
	AttrRebuildChanged = attribute.Key("policyplane.rebuild.changed")

	// Evaluator attributes
	AttrServiceName = attribute.Key("policyplane.evaluate.service")
	AttrToolName    = attribute.Key("policyplane.evaluate.tool")
	AttrDecision    = attribute.Key("policyplane.evaluate.decision")

	// Replay worker attributes
	AttrApprovalID  = attribute.Key("policyplane.replay.approval_id")
	AttrExecStatus  = attribute.Key("policyplane.replay.exec_status")
)

// RebuildOperation creates attributes for a bundle rebuild cycle.
func RebuildOperation(bundleName, revision string, changed bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrBundleName.String(bundleName),
		AttrBundleRevision.String(revision),
		AttrRebuildChanged.Bool(changed),
	}
}

// EvaluateOperation creates attributes for an /evaluate decision.
func EvaluateOperation(serviceName, toolName, decision string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrServiceName.String(serviceName),
		AttrToolName.String(toolName),
		AttrDecision.String(decision),
	}
}

// ReplayOperation creates attributes for a single approval replay.
func ReplayOperation(approvalID, execStatus string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrApprovalID.String(approvalID),
		AttrExecStatus.String(execStatus),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus sets the span status based on error.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
