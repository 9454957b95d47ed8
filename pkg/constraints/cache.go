// Package constraints implements the constraint cache (periodic snapshot
// of per-service tool configs) and the synchronous /evaluate decision
// service that sits in the request-authorization path.
package constraints

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/noumena/policyplane/pkg/observability"
	"github.com/noumena/policyplane/pkg/policy"
)

// ServiceSnapshot is one service's governance instance id and tool configs.
type ServiceSnapshot struct {
	InstanceID  string
	ToolConfigs map[string]policy.ToolConfig
}

// Authority is the subset of the authority client the cache refresher needs.
type Authority interface {
	DiscoverGovernanceInstances(ctx context.Context) (map[string]string, error)
	GetToolConfigs(ctx context.Context, instanceID string) ([]policy.ToolConfig, error)
}

// Mirror is an optional write-through replication target (e.g. Redis) that
// receives each refreshed snapshot. Cache only writes to it; it is never
// read from, on the hot /evaluate path or at startup.
type Mirror interface {
	Write(ctx context.Context, snapshot map[string]ServiceSnapshot) error
}

// Cache holds the current constraint snapshot, replaced wholesale on each refresh.
type Cache struct {
	authority Authority
	mirror    Mirror
	logger    *slog.Logger

	mu       sync.RWMutex
	snapshot map[string]ServiceSnapshot
	obs      *observability.Provider
}

// NewCache constructs a Cache. mirror may be nil.
func NewCache(authority Authority, mirror Mirror, logger *slog.Logger) *Cache {
	return &Cache{authority: authority, mirror: mirror, logger: logger, snapshot: map[string]ServiceSnapshot{}}
}

// WithObservability attaches a tracing/metrics provider; each refresh is
// then traced as a span and recorded as a RED-metrics request.
func (c *Cache) WithObservability(obs *observability.Provider) *Cache {
	c.obs = obs
	return c
}

// Lookup returns the cached snapshot for a service, if present.
func (c *Cache) Lookup(serviceName string) (ServiceSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.snapshot[serviceName]
	return s, ok
}

// CachedServices returns the count of services currently cached, for /health.
func (c *Cache) CachedServices() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.snapshot)
}

// Refresh discovers governance instances and fetches each instance's tool
// configs, replacing the cache atomically. An instance that fails to fetch
// drops that service from the new snapshot with a warning rather than
// tainting the whole refresh.
func (c *Cache) Refresh(ctx context.Context) {
	var done func(error)
	if c.obs != nil {
		ctx, done = c.obs.TrackOperation(ctx, "constraint_cache_refresh")
	}

	instances, err := c.authority.DiscoverGovernanceInstances(ctx)
	if err != nil {
		c.logger.WarnContext(ctx, "constraint cache: discovery failed", "error", err)
		if done != nil {
			done(err)
		}
		return
	}

	next := make(map[string]ServiceSnapshot, len(instances))
	for service, instanceID := range instances {
		configs, err := c.authority.GetToolConfigs(ctx, instanceID)
		if err != nil {
			c.logger.WarnContext(ctx, "constraint cache: tool config fetch failed, dropping service",
				"service", service, "instance", instanceID, "error", err)
			continue
		}
		byName := make(map[string]policy.ToolConfig, len(configs))
		for _, tc := range configs {
			byName[tc.ToolName] = tc
		}
		next[service] = ServiceSnapshot{InstanceID: instanceID, ToolConfigs: byName}
	}

	c.mu.Lock()
	c.snapshot = next
	c.mu.Unlock()

	if c.mirror != nil {
		if err := c.mirror.Write(ctx, next); err != nil {
			c.logger.WarnContext(ctx, "constraint cache: mirror write failed", "error", err)
		}
	}

	if done != nil {
		done(nil)
	}
}

// Run refreshes once immediately, then on every tick, until ctx is canceled.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	c.Refresh(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Refresh(ctx)
		case <-ctx.Done():
			return
		}
	}
}
