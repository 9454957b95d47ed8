package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/noumena/policyplane/pkg/policy"
)

const serviceRegistryKind = "ServiceRegistry"

// storeAuthority is the subset of the authority client the bundle data
// source needs: singleton discovery plus the bundle-data action.
type storeAuthority interface {
	FindSingleton(ctx context.Context, kind string) (string, error)
	FetchBundleData(ctx context.Context, storeId string) (*policy.Document, error)
}

// bundleDataSource adapts the authority client into rebuild.DataSource,
// caching the discovered store singleton across rebuild cycles (it does
// not change at runtime) and tolerating its absence as an empty document.
type bundleDataSource struct {
	authority storeAuthority

	mu      sync.Mutex
	storeID string
}

func newBundleDataSource(authority storeAuthority) *bundleDataSource {
	return &bundleDataSource{authority: authority}
}

func (s *bundleDataSource) FetchPolicyDocument(ctx context.Context) (*policy.Document, error) {
	storeID, err := s.resolveStoreID(ctx)
	if err != nil {
		return nil, err
	}
	if storeID == "" {
		return &policy.Document{
			Catalog:             map[string]policy.CatalogEntry{},
			AccessRules:         []policy.AccessRule{},
			RevokedSubjects:     []string{},
			GovernanceInstances: map[string]string{},
		}, nil
	}

	doc, err := s.authority.FetchBundleData(ctx, storeID)
	if err != nil {
		return nil, fmt.Errorf("bundle data source: fetch: %w", err)
	}
	return doc, nil
}

func (s *bundleDataSource) resolveStoreID(ctx context.Context) (string, error) {
	s.mu.Lock()
	cached := s.storeID
	s.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	id, err := s.authority.FindSingleton(ctx, serviceRegistryKind)
	if err != nil {
		return "", fmt.Errorf("bundle data source: find singleton: %w", err)
	}
	if id == "" {
		return "", nil
	}

	s.mu.Lock()
	s.storeID = id
	s.mu.Unlock()
	return id, nil
}
