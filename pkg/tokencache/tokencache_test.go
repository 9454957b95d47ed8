package tokencache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// Invariant: a fresh cache performs exactly one fetch for N concurrent callers.
func TestGetToken_SingleFlight(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	fetcher := FetcherFunc(func(ctx context.Context) (string, time.Duration, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "tok", time.Minute, nil
	})
	c := New(fetcher)

	const n = 10
	var wg sync.WaitGroup
	results := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := c.GetToken(context.Background())
			if err != nil {
				t.Error(err)
			}
			results[i] = tok
		}(i)
	}
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly 1 fetch, got %d", got)
	}
	for _, r := range results {
		if r != "tok" {
			t.Fatalf("expected all callers to see tok, got %q", r)
		}
	}
}

// Invariant: a token within the slack window of expiry is treated as expired.
func TestGetToken_RefreshesWithinSlack(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var calls int32
	fetcher := FetcherFunc(func(ctx context.Context) (string, time.Duration, error) {
		atomic.AddInt32(&calls, 1)
		return "tok", 20 * time.Second, nil
	})
	c := New(fetcher).WithClock(func() time.Time { return now })

	if _, err := c.GetToken(context.Background()); err != nil {
		t.Fatal(err)
	}
	// expiresAt = now + 20s - 10s slack = now+10s. Advance past it.
	now = now.Add(11 * time.Second)
	if _, err := c.GetToken(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected a second fetch once within slack, got %d calls", got)
	}
}

// Invariant: Invalidate forces the next call to refresh even if not yet expired.
func TestInvalidate_ForcesRefresh(t *testing.T) {
	var calls int32
	fetcher := FetcherFunc(func(ctx context.Context) (string, time.Duration, error) {
		atomic.AddInt32(&calls, 1)
		return "tok", time.Hour, nil
	})
	c := New(fetcher)

	if _, err := c.GetToken(context.Background()); err != nil {
		t.Fatal(err)
	}
	c.Invalidate()
	if _, err := c.GetToken(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected refresh after Invalidate, got %d calls", got)
	}
}
