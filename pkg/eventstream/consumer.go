// Package eventstream consumes the authority's server-sent-events state
// stream: Last-Event-ID resumption, exponential backoff with reset on
// success, and edge-triggered rebuild/replay signaling.
package eventstream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noumena/policyplane/pkg/latch"
	"github.com/noumena/policyplane/pkg/observability"
)

// connectTimeout bounds only the TCP connect/TLS-handshake phase of the SSE
// request. http.Client.Timeout cannot be used for this: it bounds the whole
// request including Body reads, which would tear down the stream every time
// it fires. The stream itself has no read timeout.
const connectTimeout = 10 * time.Second

// NewSSEClient builds an *http.Client suitable for a long-lived SSE
// connection: the connect phase is bounded by connectTimeout, but the
// client-level Timeout is left at zero so an open stream is never force-
// closed while idle between events.
func NewSSEClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
		},
	}
}

// Consumer is the long-lived SSE subscriber. One Consumer owns exactly one
// connection at a time; Run blocks until ctx is canceled.
type Consumer struct {
	baseURL    string
	path       string
	httpClient *http.Client
	tokenFunc  func(context.Context) (string, error)
	rebuild    *latch.Latch
	replay     *latch.Latch // may be nil; state events then signal only rebuild
	logger     *slog.Logger

	mu          sync.RWMutex
	lastEventID string
	connected   bool
	lastEventAt time.Time

	obs *observability.Provider
}

// WithObservability attaches a tracing/metrics provider; connection
// failures are recorded as errors and each observed state event as a span
// event.
func (c *Consumer) WithObservability(obs *observability.Provider) *Consumer {
	c.obs = obs
	return c
}

// New constructs a Consumer against baseURL+path (the authority's
// state-stream endpoint). tokenFunc supplies a fresh bearer token per
// connection attempt.
func New(baseURL, path string, httpClient *http.Client, tokenFunc func(context.Context) (string, error), rebuild, replay *latch.Latch, logger *slog.Logger) *Consumer {
	return &Consumer{
		baseURL:    baseURL,
		path:       path,
		httpClient: httpClient,
		tokenFunc:  tokenFunc,
		rebuild:    rebuild,
		replay:     replay,
		logger:     logger,
	}
}

// Connected reports whether the stream is currently connected.
func (c *Consumer) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// LastEventAt returns the time of the last observed event (zero if none yet).
func (c *Consumer) LastEventAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastEventAt
}

// LastEventID returns the most recently observed event id.
func (c *Consumer) LastEventID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastEventID
}

func (c *Consumer) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

// newBackoff builds the shared exponential-backoff policy: 1s initial,
// doubling, capped at 30s, no randomization (exact doubling as specified),
// never gives up.
func newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.Multiplier = 2
	b.MaxInterval = 30 * time.Second
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0 // unbounded
	b.Reset()
	return b
}

// Run connects and reconnects until ctx is canceled.
func (c *Consumer) Run(ctx context.Context) {
	bo := newBackoff()
	for {
		if ctx.Err() != nil {
			return
		}
		err := c.connectAndStream(ctx, bo)
		c.setConnected(false)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.logger.WarnContext(ctx, "event stream disconnected", "error", err)
			if c.obs != nil {
				c.obs.RecordError(ctx, err)
			}
		}
		wait := bo.NextBackOff()
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

// connectAndStream opens one connection and streams events until it ends.
// On a successful header response, bo is reset so that the next failure
// starts backing off from 1s again.
func (c *Consumer) connectAndStream(ctx context.Context, bo *backoff.ExponentialBackOff) error {
	token, err := c.tokenFunc(ctx)
	if err != nil {
		return fmt.Errorf("token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+c.path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "text/event-stream")
	if id := c.LastEventID(); id != "" {
		req.Header.Set("Last-Event-ID", id)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	c.setConnected(true)
	bo.Reset()
	return c.readEvents(ctx, resp.Body)
}

type sseEvent struct {
	event string
	data  string
	id    string
}

func (c *Consumer) readEvents(ctx context.Context, body io.Reader) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var cur sseEvent
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Text()
		if line == "" {
			c.dispatch(ctx, cur)
			cur = sseEvent{}
			continue
		}
		switch {
		case strings.HasPrefix(line, "event:"):
			cur.event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			cur.data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case strings.HasPrefix(line, "id:"):
			cur.id = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return fmt.Errorf("event stream closed")
}

func (c *Consumer) dispatch(ctx context.Context, ev sseEvent) {
	switch ev.event {
	case "state":
		c.mu.Lock()
		if ev.id != "" {
			c.lastEventID = ev.id
		}
		c.lastEventAt = time.Now()
		c.mu.Unlock()
		c.rebuild.Set()
		if c.replay != nil {
			c.replay.Set()
		}
		c.logger.InfoContext(ctx, "state event observed", "event_id", ev.id)
		if c.obs != nil {
			observability.AddSpanEvent(ctx, "eventstream.state", attribute.String("policyplane.eventstream.event_id", ev.id))
		}
	case "tick":
		// heartbeat, ignored
	default:
		// unknown event type, ignored
	}
}
