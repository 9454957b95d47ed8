package rebuild

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/noumena/policyplane/pkg/bundle"
	"github.com/noumena/policyplane/pkg/latch"
	"github.com/noumena/policyplane/pkg/policy"
)

type fakeSource struct {
	calls int32
	fail  bool
}

func (f *fakeSource) FetchPolicyDocument(ctx context.Context) (*policy.Document, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.fail {
		return nil, errors.New("unreachable")
	}
	return &policy.Document{
		Catalog:             map[string]policy.CatalogEntry{},
		AccessRules:         []policy.AccessRule{},
		RevokedSubjects:     []string{},
		GovernanceInstances: map[string]string{},
	}, nil
}

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Invariant: a trigger set produces exactly one rebuild after the debounce window.
func TestCoordinator_DebouncedRebuild(t *testing.T) {
	b, err := bundle.NewBuilder()
	if err != nil {
		t.Fatal(err)
	}
	src := &fakeSource{}
	trigger := latch.New()
	c := New(src, b, "mcp", trigger, func() string { return "" }, silentLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	trigger.Set()
	trigger.Set()
	trigger.Set()

	deadline := time.Now().Add(500 * time.Millisecond)
	for c.Served().Get().RebuildCount == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	snap := c.Served().Get()
	if snap.RebuildCount != 1 {
		t.Fatalf("expected exactly 1 rebuild from a burst, got %d", snap.RebuildCount)
	}
	if snap.Built == nil {
		t.Fatal("expected a built bundle")
	}
}

// Invariant: a rebuild failure preserves the previously served bundle.
func TestCoordinator_FailurePreservesLastGood(t *testing.T) {
	b, err := bundle.NewBuilder()
	if err != nil {
		t.Fatal(err)
	}
	src := &fakeSource{}
	trigger := latch.New()
	c := New(src, b, "mcp", trigger, func() string { return "" }, silentLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	trigger.Set()
	deadline := time.Now().Add(500 * time.Millisecond)
	for c.Served().Get().RebuildCount == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	firstRevision := c.Served().Get().Built.Revision

	src.fail = true
	trigger.Set()
	time.Sleep(300 * time.Millisecond)

	snap := c.Served().Get()
	if snap.RebuildErrorCount == 0 {
		t.Fatal("expected rebuild error count to increment")
	}
	if snap.Built.Revision != firstRevision {
		t.Fatal("expected last-good bundle to be preserved on failure")
	}
}
