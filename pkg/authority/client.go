// Package authority is a thin typed client over the policy authority's REST
// surface: singleton discovery, bundle-data fetch, governance discovery,
// per-instance action invocation, and approval queue operations. Event
// stream consumption lives in package eventstream, which opens its own
// connection against Client's BaseURL using tokens from Client's Tokens.
package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/noumena/policyplane/pkg/policy"
	"github.com/noumena/policyplane/pkg/tokencache"
)

const (
	unaryConnectTimeout = 10 * time.Second
	maxUnaryRetries     = 3
)

// Client is a resilient HTTP client for the authority's REST endpoints.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  *tokencache.Cache
	breaker *circuitBreaker
}

// New constructs a Client. baseURL has no trailing slash.
func New(baseURL string, tokens *tokencache.Cache) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: unaryConnectTimeout},
		tokens:  tokens,
		breaker: newCircuitBreaker(5, 10*time.Second),
	}
}

// item is one entry of a kind-scoped collection listing.
type item struct {
	ID          string `json:"@id"`
	ServiceName string `json:"serviceName"`
}

type listResponse struct {
	Items []item `json:"items"`
}

// FindSingleton discovers a protocol-instance singleton by listing a
// kind-scoped collection and returning the first item's identifier. It
// returns ("", nil) when the collection is empty (singleton absent).
func (c *Client) FindSingleton(ctx context.Context, kind string) (string, error) {
	body, _, err := c.doUnary(ctx, http.MethodGet, "/"+kind, nil)
	if err != nil {
		return "", err
	}
	var resp listResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("authority: findSingleton(%s): malformed response: %w", kind, err)
	}
	if len(resp.Items) == 0 {
		return "", nil
	}
	return resp.Items[0].ID, nil
}

// FetchBundleData posts an empty body to storeId's bundle-data action and
// returns the raw catalog document shaped {catalog, accessRules, ...}.
func (c *Client) FetchBundleData(ctx context.Context, storeId string) (*policy.Document, error) {
	var doc policy.Document
	if err := c.action(ctx, "ServiceRegistry", storeId, "getBundleData", nil, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// DiscoverGovernanceInstances lists all governance instances and joins by
// each instance's declared serviceName.
func (c *Client) DiscoverGovernanceInstances(ctx context.Context) (map[string]string, error) {
	body, _, err := c.doUnary(ctx, http.MethodGet, "/ServiceGovernance", nil)
	if err != nil {
		return nil, err
	}
	var resp listResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("authority: discoverGovernanceInstances: malformed response: %w", err)
	}
	out := make(map[string]string, len(resp.Items))
	for _, it := range resp.Items {
		if it.ServiceName != "" {
			out[it.ServiceName] = it.ID
		}
	}
	return out, nil
}

// GetToolConfigs fetches the tool configs for one governance instance.
func (c *Client) GetToolConfigs(ctx context.Context, instanceID string) ([]policy.ToolConfig, error) {
	var configs []policy.ToolConfig
	if err := c.action(ctx, "ServiceGovernance", instanceID, "getToolConfigs", nil, &configs); err != nil {
		return nil, err
	}
	return configs, nil
}

// Evaluate forwards an evaluation request to the authority's approval
// workflow and returns its verbatim decision.
func (c *Client) Evaluate(ctx context.Context, instanceID string, req policy.EvaluationRequest) (*policy.Decision, error) {
	var dec policy.Decision
	if err := c.action(ctx, "ServiceGovernance", instanceID, "evaluate", req, &dec); err != nil {
		return nil, err
	}
	return &dec, nil
}

// GetQueuedForExecution fetches the approval records currently queued for replay.
func (c *Client) GetQueuedForExecution(ctx context.Context, instanceID string) ([]policy.ApprovalRecord, error) {
	var approvals []policy.ApprovalRecord
	if err := c.action(ctx, "ServiceGovernance", instanceID, "getQueuedForExecution", nil, &approvals); err != nil {
		return nil, err
	}
	return approvals, nil
}

// RecordExecution reports a replay outcome back to the authority.
func (c *Client) RecordExecution(ctx context.Context, instanceID string, result policy.ExecutionResult) error {
	return c.action(ctx, "ServiceGovernance", instanceID, "recordExecution", result, nil)
}

// action invokes POST <kind>/<id>/<action> with body JSON-encoded (nil for
// an empty body), decoding the response into out (nil to discard).
func (c *Client) action(ctx context.Context, kind, id, action string, body interface{}, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("authority: encode request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	} else {
		reqBody = bytes.NewReader([]byte("{}"))
	}

	path := fmt.Sprintf("/%s/%s/%s", kind, id, action)
	respBody, _, err := c.doUnary(ctx, http.MethodPost, path, reqBody)
	if err != nil {
		return err
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("authority: %s: malformed response: %w", path, err)
	}
	return nil
}

// doUnary performs one HTTP call with bearer-token injection, a single
// forced-refresh retry on 401, and bounded exponential-backoff retry on
// transient failures (network errors, 5xx). It does not retry 4xx other
// than the 401 case.
func (c *Client) doUnary(ctx context.Context, method, path string, body io.Reader) ([]byte, int, error) {
	if !c.breaker.Allow() {
		return nil, 0, ErrCircuitOpen
	}

	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = io.ReadAll(body)
		if err != nil {
			return nil, 0, fmt.Errorf("authority: read request body: %w", err)
		}
	}

	resp, status, err := c.attempt(ctx, method, path, bodyBytes)
	if status == http.StatusUnauthorized {
		c.tokens.Invalidate()
		resp, status, err = c.attempt(ctx, method, path, bodyBytes)
	}

	for attempt := 0; isRetryable(status, err) && attempt < maxUnaryRetries; attempt++ {
		select {
		case <-time.After(unaryBackoff(attempt)):
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
		resp, status, err = c.attempt(ctx, method, path, bodyBytes)
	}

	if err != nil {
		c.breaker.Failure()
		return nil, status, err
	}
	if status >= 400 {
		c.breaker.Failure()
		return nil, status, &HTTPError{Status: status, Body: resp}
	}
	c.breaker.Success()
	return resp, status, nil
}

func (c *Client) attempt(ctx context.Context, method, path string, body []byte) ([]byte, int, error) {
	token, err := c.tokens.GetToken(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("authority: token: %w", err)
	}

	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, 0, fmt.Errorf("authority: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("authority: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("authority: read response: %w", err)
	}
	return respBody, resp.StatusCode, nil
}

func isRetryable(status int, err error) bool {
	if status == 0 {
		return true // network error, no status at all
	}
	return status >= 500
}

// HTTPError wraps a non-2xx authority response.
type HTTPError struct {
	Status int
	Body   []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("authority: http %d: %s", e.Status, string(e.Body))
}

// BaseURL returns the client's configured base URL, for the event-stream
// consumer to build its subscribe URL against.
func (c *Client) BaseURL() string { return c.baseURL }

// Tokens exposes the token cache for callers (the event-stream consumer)
// that need a bearer token outside the unary call path.
func (c *Client) Tokens() *tokencache.Cache { return c.tokens }
