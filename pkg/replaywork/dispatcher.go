package replaywork

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	mcpProtocolVersion  = "2024-11-05"
	initializeTimeout   = 30 * time.Second
	toolCallTimeout     = 60 * time.Second
	clientName          = "policyplane-replay-worker"
	clientVersion       = "1.0.0"
)

// HTTPDispatcher performs the MCP handshake (initialize, then the stored
// tools/call payload) over plain JSON-RPC 2.0 HTTP POSTs.
type HTTPDispatcher struct {
	client *http.Client
}

// NewHTTPDispatcher constructs a dispatcher with the given HTTP client,
// which the caller owns (no default connect/read timeout is assumed here;
// per-call timeouts are applied via context instead).
func NewHTTPDispatcher(client *http.Client) *HTTPDispatcher {
	return &HTTPDispatcher{client: client}
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type initializeParams struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ClientInfo      clientInfo `json:"clientInfo"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Dispatch sends the initialize handshake followed by the stored
// requestPayload (the original tools/call JSON-RPC request) to backendURL.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, backendURL string, requestPayload json.RawMessage) (string, error) {
	initCtx, cancel := context.WithTimeout(ctx, initializeTimeout)
	defer cancel()
	if err := d.post(initCtx, backendURL, jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "initialize",
		Params: initializeParams{
			ProtocolVersion: mcpProtocolVersion,
			ClientInfo:      clientInfo{Name: clientName, Version: clientVersion},
		},
	}); err != nil {
		return "", fmt.Errorf("initialize handshake failed: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, toolCallTimeout)
	defer cancel()
	body, err := d.postRaw(callCtx, backendURL, requestPayload)
	if err != nil {
		return "", fmt.Errorf("tool call failed: %w", err)
	}
	return body, nil
}

func (d *HTTPDispatcher) post(ctx context.Context, url string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = d.postRaw(ctx, url, data)
	return err
}

func (d *HTTPDispatcher) postRaw(ctx context.Context, url string, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("backend returned status %d: %s", resp.StatusCode, string(respBody))
	}
	return string(respBody), nil
}
