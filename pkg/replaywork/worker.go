// Package replaywork implements the replay worker: it wakes on a trigger
// latch or a poll interval, fetches queued approved executions from the
// authority, and replays each against its mapped backend MCP server.
package replaywork

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/noumena/policyplane/pkg/latch"
	"github.com/noumena/policyplane/pkg/observability"
	"github.com/noumena/policyplane/pkg/policy"
)

// Authority is the subset of the authority client the worker needs.
type Authority interface {
	FindSingleton(ctx context.Context, kind string) (string, error)
	GetQueuedForExecution(ctx context.Context, instanceID string) ([]policy.ApprovalRecord, error)
	RecordExecution(ctx context.Context, instanceID string, result policy.ExecutionResult) error
}

// BackendDispatcher performs the MCP handshake and tool call against a
// backend server for one approval record.
type BackendDispatcher interface {
	// Dispatch sends the initialize handshake then the stored JSON-RPC
	// payload to the backend at backendURL. Returns the response text on
	// success.
	Dispatch(ctx context.Context, backendURL string, requestPayload json.RawMessage) (string, error)
}

const approvalPolicyKind = "ApprovalPolicy"

// Worker is the replay loop: one instance per process, enabled by configuration.
type Worker struct {
	authority   Authority
	dispatcher  BackendDispatcher
	backendMap  map[string]string
	trigger     *latch.Latch
	pollInterval time.Duration
	logger      *slog.Logger
	obs         *observability.Provider
}

// WithObservability attaches a tracing/metrics provider; each replayed
// approval is then traced as a span carrying approval-id/exec-status attributes.
func (w *Worker) WithObservability(obs *observability.Provider) *Worker {
	w.obs = obs
	return w
}

// New constructs a replay Worker. backendMap maps serviceName to backend URL.
func New(authority Authority, dispatcher BackendDispatcher, backendMap map[string]string, trigger *latch.Latch, pollInterval time.Duration, logger *slog.Logger) *Worker {
	return &Worker{
		authority:    authority,
		dispatcher:   dispatcher,
		backendMap:   backendMap,
		trigger:      trigger,
		pollInterval: pollInterval,
		logger:       logger,
	}
}

// Run blocks, processing replay cycles until ctx is canceled.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-w.trigger.C():
			w.trigger.Clear()
		case <-time.After(w.pollInterval):
		case <-ctx.Done():
			return
		}
		w.runCycle(ctx)
	}
}

func (w *Worker) runCycle(ctx context.Context) {
	instanceID, err := w.authority.FindSingleton(ctx, approvalPolicyKind)
	if err != nil {
		w.logger.WarnContext(ctx, "replay: no approval policy singleton, skipping cycle", "error", err)
		return
	}
	if instanceID == "" {
		return
	}

	approvals, err := w.authority.GetQueuedForExecution(ctx, instanceID)
	if err != nil {
		w.logger.WarnContext(ctx, "replay: failed to fetch queued approvals", "error", err)
		return
	}
	if len(approvals) == 0 {
		return
	}

	for _, approval := range approvals {
		result := w.replayOne(ctx, approval)
		if err := w.authority.RecordExecution(ctx, instanceID, result); err != nil {
			w.logger.WarnContext(ctx, "replay: recordExecution failed, will re-observe next cycle",
				"approval_id", approval.ApprovalID, "error", err)
		}
	}
}

// replayOne wraps processApproval with a trace span when observability is
// configured, and is otherwise a passthrough.
func (w *Worker) replayOne(ctx context.Context, approval policy.ApprovalRecord) policy.ExecutionResult {
	if w.obs == nil {
		return w.processApproval(ctx, approval)
	}
	ctx, done := w.obs.TrackOperation(ctx, "replay")
	result := w.processApproval(ctx, approval)
	observability.AddSpanEvent(ctx, "replay.complete",
		observability.ReplayOperation(result.ApprovalID, result.ExecStatus)...)
	w.obs.RecordRequest(ctx, observability.ReplayOperation(result.ApprovalID, result.ExecStatus)...)
	var err error
	if result.ExecStatus == policy.ExecFailed {
		err = fmt.Errorf("replay failed: %s", result.ExecResult)
	}
	done(err)
	return result
}

// processApproval replays a single queued approval against its mapped
// backend. It never returns an error: every failure mode becomes a
// {failed, reason} ExecutionResult per the worker's serial, best-effort contract.
func (w *Worker) processApproval(ctx context.Context, approval policy.ApprovalRecord) policy.ExecutionResult {
	backendURL, ok := w.backendMap[approval.ServiceName]
	if approval.ServiceName == "" || !ok {
		return failedResult(approval.ApprovalID, fmt.Sprintf("no backend mapping for service '%s'", approval.ServiceName))
	}

	var payload json.RawMessage
	if err := json.Unmarshal([]byte(approval.RequestPayload), &payload); err != nil {
		return failedResult(approval.ApprovalID, fmt.Sprintf("malformed requestPayload: %v", err))
	}

	response, err := w.dispatcher.Dispatch(ctx, backendURL, payload)
	if err != nil {
		return failedResult(approval.ApprovalID, err.Error())
	}

	return policy.ExecutionResult{
		ApprovalID: approval.ApprovalID,
		ExecStatus: policy.ExecCompleted,
		ExecResult: response,
	}
}

func failedResult(approvalID, reason string) policy.ExecutionResult {
	return policy.ExecutionResult{ApprovalID: approvalID, ExecStatus: policy.ExecFailed, ExecResult: reason}
}
