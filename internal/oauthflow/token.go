package oauthflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/revittco/mcpbridge/internal/tokenstore"
)

// tokenResponse is the JSON response from an OAuth2 token endpoint.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
}

// postToken POSTs form to tokenURL and returns the decoded response along
// with the raw status code, so callers can tell a 4xx (re-authorize) from a
// 5xx/network failure (retry the existing token) per spec.md §4.5.
func postToken(ctx context.Context, tokenURL string, form url.Values) (*tokenResponse, int, error) {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()),
	)
	if err != nil {
		return nil, 0, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("token request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, body)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("parse token response: %w", err)
	}
	return &tr, resp.StatusCode, nil
}

// recordFromResponse builds a TokenRecord from a token endpoint reply,
// preserving client identity and (for refresh) a prior refresh token when
// the provider doesn't reissue one.
func recordFromResponse(
	tr *tokenResponse, clientID, clientSecret string, registration json.RawMessage, fallbackRefresh string,
) *tokenstore.TokenRecord {
	rec := &tokenstore.TokenRecord{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    tr.TokenType,
		Scope:        tr.Scope,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Registration: registration,
	}
	if tr.ExpiresIn > 0 {
		rec.ExpiresAt = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	if rec.RefreshToken == "" {
		rec.RefreshToken = fallbackRefresh
	}
	return rec
}
