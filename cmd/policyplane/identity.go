package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// gatewayClientID is the OAuth2 client id the control plane authenticates
// as. Fixed, not configurable: every deployment's realm registers this
// control plane under the same client id.
const gatewayClientID = "mcpgateway"

// identityFetcher implements tokencache.Fetcher against the OAuth2
// resource-owner-password grant exposed by the identity provider.
type identityFetcher struct {
	tokenURL string
	clientID string
	username string
	password string
	client   *http.Client
}

func newIdentityFetcher(baseURL, realm, clientID, username, password string) *identityFetcher {
	return &identityFetcher{
		tokenURL: fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token", baseURL, realm),
		clientID: clientID,
		username: username,
		password: password,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// FetchToken performs the password grant and returns the access token and its TTL.
func (f *identityFetcher) FetchToken(ctx context.Context) (string, time.Duration, error) {
	form := url.Values{
		"grant_type": {"password"},
		"client_id":  {f.clientID},
		"username":   {f.username},
		"password":   {f.password},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, fmt.Errorf("identity: build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("identity: token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, fmt.Errorf("identity: read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("identity: token endpoint returned status %d: %s", resp.StatusCode, string(body))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", 0, fmt.Errorf("identity: malformed token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", 0, fmt.Errorf("identity: token response missing access_token")
	}

	return tr.AccessToken, time.Duration(tr.ExpiresIn) * time.Second, nil
}
