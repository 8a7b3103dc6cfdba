// Package openid verifies federated Matrix identities by exchanging a
// caller-supplied OpenID token with the homeserver's federation API.
package openid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/mautrix/manager/pkg/manager/matrix"
)

const userinfoPath = "/_matrix/federation/v1/openid/userinfo"

var (
	// ErrInvalidToken covers every way the federation check can reject the
	// supplied token: transport failure, non-2xx status, or a malformed
	// userinfo response.
	ErrInvalidToken = errors.New("invalid openid token")
	// ErrHomeserverMismatch means the token is valid but belongs to a
	// different homeserver than the caller claimed. This guards against a
	// token valid on server A being replayed while claiming server B.
	ErrHomeserverMismatch = errors.New("openid subject homeserver doesn't match claimed server name")
)

// Verifier resolves OpenID tokens to verified Matrix user IDs.
type Verifier struct {
	client      *http.Client
	userinfoURL *url.URL
}

// NewVerifier builds a verifier against the given federation base URL.
func NewVerifier(federationURL string, client *http.Client) (*Verifier, error) {
	base, err := url.Parse(federationURL)
	if err != nil {
		return nil, fmt.Errorf("parse federation url %q: %w", federationURL, err)
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Verifier{
		client:      client,
		userinfoURL: base.JoinPath(userinfoPath),
	}, nil
}

// Verify exchanges accessToken at the federation userinfo endpoint and
// checks the returned subject belongs to serverName. No manager token is
// minted here; that is the auth gateway's job.
func (v *Verifier) Verify(ctx context.Context, accessToken, serverName string) (matrix.UserID, error) {
	target := *v.userinfoURL
	query := target.Query()
	query.Set("access_token", accessToken)
	target.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return "", fmt.Errorf("build userinfo request: %w", err)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: userinfo returned status %d", ErrInvalidToken, resp.StatusCode)
	}

	var payload struct {
		Sub string `json:"sub"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if payload.Sub == "" {
		return "", fmt.Errorf("%w: userinfo response has no subject", ErrInvalidToken)
	}

	userID := matrix.UserID(payload.Sub)
	_, homeserver, err := userID.Parse()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if homeserver != serverName {
		return "", ErrHomeserverMismatch
	}

	return userID, nil
}
