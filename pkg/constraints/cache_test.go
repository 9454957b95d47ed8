package constraints

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noumena/policyplane/pkg/policy"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeAuthority struct {
	instances   map[string]string
	configs     map[string][]policy.ToolConfig
	failConfigs map[string]bool
}

func (f *fakeAuthority) DiscoverGovernanceInstances(ctx context.Context) (map[string]string, error) {
	return f.instances, nil
}

func (f *fakeAuthority) GetToolConfigs(ctx context.Context, instanceID string) ([]policy.ToolConfig, error) {
	if f.failConfigs[instanceID] {
		return nil, errors.New("instance unreachable")
	}
	return f.configs[instanceID], nil
}

type fakeMirror struct {
	writes int
	last   map[string]ServiceSnapshot
}

func (m *fakeMirror) Write(ctx context.Context, snapshot map[string]ServiceSnapshot) error {
	m.writes++
	m.last = snapshot
	return nil
}

func TestCache_RefreshPopulatesSnapshot(t *testing.T) {
	auth := &fakeAuthority{
		instances: map[string]string{"orders-svc": "gov-1"},
		configs: map[string][]policy.ToolConfig{
			"gov-1": {{ToolName: "refund", RequiresApproval: true}},
		},
	}
	mirror := &fakeMirror{}
	cache := NewCache(auth, mirror, silentLogger())

	cache.Refresh(context.Background())

	snap, ok := cache.Lookup("orders-svc")
	require.True(t, ok)
	assert.Equal(t, "gov-1", snap.InstanceID)
	assert.True(t, snap.ToolConfigs["refund"].RequiresApproval)
	assert.Equal(t, 1, cache.CachedServices())
	assert.Equal(t, 1, mirror.writes)
}

// Invariant: an instance that fails to fetch drops only that service, not the whole refresh.
func TestCache_PartialFailureDropsOnlyThatService(t *testing.T) {
	auth := &fakeAuthority{
		instances: map[string]string{
			"orders-svc":   "gov-1",
			"billing-svc":  "gov-2",
		},
		configs: map[string][]policy.ToolConfig{
			"gov-1": {{ToolName: "refund"}},
		},
		failConfigs: map[string]bool{"gov-2": true},
	}
	cache := NewCache(auth, nil, silentLogger())

	cache.Refresh(context.Background())

	_, ok := cache.Lookup("orders-svc")
	assert.True(t, ok)
	_, ok = cache.Lookup("billing-svc")
	assert.False(t, ok)
	assert.Equal(t, 1, cache.CachedServices())
}

// Invariant: a refresh replaces the snapshot wholesale, so a service absent
// from the new discovery result disappears from the cache entirely.
func TestCache_RefreshReplacesWholesale(t *testing.T) {
	auth := &fakeAuthority{
		instances: map[string]string{"orders-svc": "gov-1"},
		configs:   map[string][]policy.ToolConfig{"gov-1": {{ToolName: "refund"}}},
	}
	cache := NewCache(auth, nil, silentLogger())
	cache.Refresh(context.Background())
	require.Equal(t, 1, cache.CachedServices())

	auth.instances = map[string]string{}
	cache.Refresh(context.Background())

	assert.Equal(t, 0, cache.CachedServices())
	_, ok := cache.Lookup("orders-svc")
	assert.False(t, ok)
}

func TestCache_DiscoveryFailureLeavesPriorSnapshot(t *testing.T) {
	auth := &fakeAuthority{
		instances: map[string]string{"orders-svc": "gov-1"},
		configs:   map[string][]policy.ToolConfig{"gov-1": {{ToolName: "refund"}}},
	}
	cache := NewCache(auth, nil, silentLogger())
	cache.Refresh(context.Background())
	require.Equal(t, 1, cache.CachedServices())

	auth.instances = nil
	auth.configs = nil
	// simulate discovery failure by swapping in a failing authority behavior
	failing := &failingDiscoveryAuthority{}
	cache.authority = failing
	cache.Refresh(context.Background())

	assert.Equal(t, 1, cache.CachedServices())
}

type failingDiscoveryAuthority struct{}

func (f *failingDiscoveryAuthority) DiscoverGovernanceInstances(ctx context.Context) (map[string]string, error) {
	return nil, errors.New("authority unreachable")
}

func (f *failingDiscoveryAuthority) GetToolConfigs(ctx context.Context, instanceID string) ([]policy.ToolConfig, error) {
	return nil, errors.New("unreachable")
}
