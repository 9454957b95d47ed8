package replaywork

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noumena/policyplane/pkg/latch"
	"github.com/noumena/policyplane/pkg/policy"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeAuthority struct {
	instanceID     string
	findErr        error
	approvals      []policy.ApprovalRecord
	fetchErr       error
	recordCalls    []policy.ExecutionResult
	recordErr      error
}

func (f *fakeAuthority) FindSingleton(ctx context.Context, kind string) (string, error) {
	if f.findErr != nil {
		return "", f.findErr
	}
	return f.instanceID, nil
}

func (f *fakeAuthority) GetQueuedForExecution(ctx context.Context, instanceID string) ([]policy.ApprovalRecord, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.approvals, nil
}

func (f *fakeAuthority) RecordExecution(ctx context.Context, instanceID string, result policy.ExecutionResult) error {
	f.recordCalls = append(f.recordCalls, result)
	return f.recordErr
}

type fakeDispatcher struct {
	response string
	err      error
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, backendURL string, requestPayload json.RawMessage) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

// Invariant: a successful backend dispatch records exactly one completed
// ExecutionResult carrying the backend's response body.
func TestWorker_ReplayCompletionRecordsCompleted(t *testing.T) {
	auth := &fakeAuthority{
		instanceID: "gov-1",
		approvals: []policy.ApprovalRecord{
			{ApprovalID: "appr-1", ServiceName: "gmail", RequestPayload: `{"jsonrpc":"2.0","id":2,"method":"tools/call"}`},
		},
	}
	dispatcher := &fakeDispatcher{response: `{"result": "sent"}`}
	w := New(auth, dispatcher, map[string]string{"gmail": "http://backend.local"}, latch.New(), time.Hour, silentLogger())

	w.runCycle(context.Background())

	require.Len(t, auth.recordCalls, 1)
	assert.Equal(t, policy.ExecCompleted, auth.recordCalls[0].ExecStatus)
	assert.Equal(t, `{"result": "sent"}`, auth.recordCalls[0].ExecResult)
	assert.Equal(t, "appr-1", auth.recordCalls[0].ApprovalID)
}

// Invariant: a service absent from the backend map fails without ever calling the dispatcher.
func TestWorker_MissingBackendMappingFails(t *testing.T) {
	auth := &fakeAuthority{
		instanceID: "gov-1",
		approvals: []policy.ApprovalRecord{
			{ApprovalID: "appr-2", ServiceName: "unmapped-svc", RequestPayload: `{}`},
		},
	}
	dispatcher := &fakeDispatcher{}
	w := New(auth, dispatcher, map[string]string{}, latch.New(), time.Hour, silentLogger())

	w.runCycle(context.Background())

	require.Len(t, auth.recordCalls, 1)
	assert.Equal(t, policy.ExecFailed, auth.recordCalls[0].ExecStatus)
}

// Invariant: malformed JSON in requestPayload fails before dispatch is attempted.
func TestWorker_MalformedPayloadFails(t *testing.T) {
	auth := &fakeAuthority{
		instanceID: "gov-1",
		approvals: []policy.ApprovalRecord{
			{ApprovalID: "appr-3", ServiceName: "gmail", RequestPayload: `not json`},
		},
	}
	dispatcher := &fakeDispatcher{response: "should not be reached"}
	w := New(auth, dispatcher, map[string]string{"gmail": "http://backend.local"}, latch.New(), time.Hour, silentLogger())

	w.runCycle(context.Background())

	require.Len(t, auth.recordCalls, 1)
	assert.Equal(t, policy.ExecFailed, auth.recordCalls[0].ExecStatus)
}

// Invariant: a dispatch-level error (backend exception) records failed with the error text.
func TestWorker_DispatchErrorRecordsFailed(t *testing.T) {
	auth := &fakeAuthority{
		instanceID: "gov-1",
		approvals: []policy.ApprovalRecord{
			{ApprovalID: "appr-4", ServiceName: "gmail", RequestPayload: `{"jsonrpc":"2.0"}`},
		},
	}
	dispatcher := &fakeDispatcher{err: errors.New("connection refused")}
	w := New(auth, dispatcher, map[string]string{"gmail": "http://backend.local"}, latch.New(), time.Hour, silentLogger())

	w.runCycle(context.Background())

	require.Len(t, auth.recordCalls, 1)
	assert.Equal(t, policy.ExecFailed, auth.recordCalls[0].ExecStatus)
	assert.Contains(t, auth.recordCalls[0].ExecResult, "connection refused")
}

// Invariant: an absent approval-policy singleton skips the cycle entirely.
func TestWorker_AbsentSingletonSkipsCycle(t *testing.T) {
	auth := &fakeAuthority{findErr: errors.New("not found")}
	w := New(auth, &fakeDispatcher{}, map[string]string{}, latch.New(), time.Hour, silentLogger())

	w.runCycle(context.Background())

	assert.Empty(t, auth.recordCalls)
}

// Invariant: an empty queue skips the cycle without calling RecordExecution.
func TestWorker_EmptyQueueSkipsCycle(t *testing.T) {
	auth := &fakeAuthority{instanceID: "gov-1", approvals: nil}
	w := New(auth, &fakeDispatcher{}, map[string]string{}, latch.New(), time.Hour, silentLogger())

	w.runCycle(context.Background())

	assert.Empty(t, auth.recordCalls)
}

// Invariant: a recordExecution failure is logged but does not stop the cycle
// from attempting the remaining approvals, nor does it retry.
func TestWorker_RecordExecutionFailureDoesNotRetry(t *testing.T) {
	auth := &fakeAuthority{
		instanceID: "gov-1",
		approvals: []policy.ApprovalRecord{
			{ApprovalID: "appr-5", ServiceName: "gmail", RequestPayload: `{}`},
			{ApprovalID: "appr-6", ServiceName: "gmail", RequestPayload: `{}`},
		},
		recordErr: errors.New("authority unreachable"),
	}
	dispatcher := &fakeDispatcher{response: "ok"}
	w := New(auth, dispatcher, map[string]string{"gmail": "http://backend.local"}, latch.New(), time.Hour, silentLogger())

	w.runCycle(context.Background())

	require.Len(t, auth.recordCalls, 2)
}

// Invariant: Run wakes on the trigger latch without waiting for the poll interval.
func TestWorker_RunWakesOnTrigger(t *testing.T) {
	auth := &fakeAuthority{instanceID: "gov-1"}
	trigger := latch.New()
	w := New(auth, &fakeDispatcher{}, map[string]string{}, trigger, time.Hour, silentLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	trigger.Set()
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done
}
