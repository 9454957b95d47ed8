// Package rebuild coordinates bundle rebuilds: a debounced, event-latched
// trigger plus a periodic reconciler that provides progress regardless of
// event delivery, and a mutex-guarded "served bundle" slot readers access
// without holding the mutex across I/O.
package rebuild

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/noumena/policyplane/pkg/bundle"
	"github.com/noumena/policyplane/pkg/latch"
	"github.com/noumena/policyplane/pkg/observability"
	"github.com/noumena/policyplane/pkg/policy"
)

// DataSource fetches the current policy document from the authority.
type DataSource interface {
	FetchPolicyDocument(ctx context.Context) (*policy.Document, error)
}

// Served is the currently distributed bundle plus the counters health
// reporting needs, read under a single RWMutex.
type Served struct {
	mu sync.RWMutex

	built             *bundle.Built
	rebuildCount      int64
	rebuildErrorCount int64
}

// Snapshot is an immutable copy of Served's state for a reader.
type Snapshot struct {
	Built             *bundle.Built
	RebuildCount      int64
	RebuildErrorCount int64
}

// Get returns a Snapshot; Built is nil until the first successful build.
func (s *Served) Get() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{Built: s.built, RebuildCount: s.rebuildCount, RebuildErrorCount: s.rebuildErrorCount}
}

func (s *Served) swap(built *bundle.Built) {
	s.mu.Lock()
	s.built = built
	s.rebuildCount++
	s.mu.Unlock()
}

func (s *Served) recordError() {
	s.mu.Lock()
	s.rebuildErrorCount++
	s.mu.Unlock()
}

// Coordinator owns the served bundle and the single background rebuild
// task; Run blocks until ctx is canceled.
type Coordinator struct {
	source      DataSource
	builder     *bundle.Builder
	bundleName  string
	trigger     *latch.Latch
	lastEventID func() string
	served      *Served
	logger      *slog.Logger
	obs         *observability.Provider
}

// New constructs a Coordinator.
func New(source DataSource, builder *bundle.Builder, bundleName string, trigger *latch.Latch, lastEventID func() string, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		source:      source,
		builder:     builder,
		bundleName:  bundleName,
		trigger:     trigger,
		lastEventID: lastEventID,
		served:      &Served{},
		logger:      logger,
	}
}

// Served exposes the coordinator's served-bundle slot to the distribution server.
func (c *Coordinator) Served() *Served { return c.served }

// WithObservability attaches a tracing/metrics provider; rebuild cycles
// are then traced as a span carrying bundle-name/revision/changed attributes.
func (c *Coordinator) WithObservability(obs *observability.Provider) *Coordinator {
	c.obs = obs
	return c
}

// debounce is the coalescing window: a burst of triggers collapses to one
// rebuild. Matches the reference implementation's 100ms window.
const debounce = 100 * time.Millisecond

// Run waits on the trigger latch, debounces a burst, and rebuilds, until
// ctx is canceled.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case <-c.trigger.C():
		case <-ctx.Done():
			return
		}
		c.trigger.Clear()

		select {
		case <-time.After(debounce):
		case <-ctx.Done():
			return
		}
		c.trigger.Clear() // discard signals raised during the debounce sleep

		c.rebuildOnce(ctx)
	}
}

// RunReconciler periodically sets the trigger unconditionally, compensating
// for lost event notifications, until ctx is canceled.
func (c *Coordinator) RunReconciler(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.trigger.Set()
		case <-ctx.Done():
			return
		}
	}
}

func (c *Coordinator) rebuildOnce(ctx context.Context) {
	var done func(error)
	if c.obs != nil {
		ctx, done = c.obs.TrackOperation(ctx, "rebuild")
	}

	before := c.served.Get()
	prevRevision := ""
	if before.Built != nil {
		prevRevision = before.Built.Revision
	}

	doc, err := c.source.FetchPolicyDocument(ctx)
	if err != nil {
		c.served.recordError()
		c.logger.ErrorContext(ctx, "rebuild: fetch failed", "error", err, "prev_revision", prevRevision)
		if done != nil {
			done(err)
		}
		return
	}

	built, err := c.builder.Build(doc, c.lastEventID())
	if err != nil {
		c.served.recordError()
		c.logger.ErrorContext(ctx, "rebuild: build failed", "error", err, "prev_revision", prevRevision)
		if done != nil {
			done(err)
		}
		return
	}

	c.served.swap(built)
	changed := built.Revision != prevRevision
	c.logger.InfoContext(ctx, "rebuild complete",
		"prev_revision", prevRevision,
		"new_revision", built.Revision,
		"changed", changed,
		"services", len(doc.Catalog),
		"access_rules", len(doc.AccessRules),
		"last_event_id", c.lastEventID(),
	)
	if c.obs != nil {
		observability.AddSpanEvent(ctx, "rebuild.complete",
			observability.RebuildOperation(c.bundleName, built.Revision, changed)...)
	}
	if done != nil {
		done(nil)
	}
}
