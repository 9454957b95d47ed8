package authority

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/noumena/policyplane/pkg/tokencache"
)

func staticTokens() *tokencache.Cache {
	return tokencache.New(tokencache.FetcherFunc(func(ctx context.Context) (string, time.Duration, error) {
		return "tok", time.Hour, nil
	}))
}

// Invariant: a 401 triggers exactly one forced token refresh and retry.
func TestDoUnary_401RetriesOnce(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"items":[]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, staticTokens())
	id, err := c.FindSingleton(context.Background(), "ApprovalPolicy")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "" {
		t.Fatalf("expected empty singleton, got %q", id)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 attempts (1 + 1 retry), got %d", calls)
	}
}

// Invariant: a second consecutive 401 surfaces as an error, no infinite loop.
func TestDoUnary_DoubleStill401SurfacesError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(srv.URL, staticTokens())
	_, err := c.FindSingleton(context.Background(), "ApprovalPolicy")
	if err == nil {
		t.Fatal("expected error from persistent 401")
	}
}

// Invariant: FindSingleton returns the first item's id when present.
func TestFindSingleton_ReturnsFirstItem(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(listResponse{Items: []item{{ID: "inst-1"}, {ID: "inst-2"}}})
	}))
	defer srv.Close()

	c := New(srv.URL, staticTokens())
	id, err := c.FindSingleton(context.Background(), "ApprovalPolicy")
	if err != nil {
		t.Fatal(err)
	}
	if id != "inst-1" {
		t.Fatalf("expected inst-1, got %q", id)
	}
}

// Invariant: DiscoverGovernanceInstances joins by serviceName.
func TestDiscoverGovernanceInstances(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(listResponse{Items: []item{
			{ID: "g1", ServiceName: "gmail"},
			{ID: "g2", ServiceName: "slack"},
		}})
	}))
	defer srv.Close()

	c := New(srv.URL, staticTokens())
	m, err := c.DiscoverGovernanceInstances(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if m["gmail"] != "g1" || m["slack"] != "g2" {
		t.Fatalf("unexpected map: %v", m)
	}
}
