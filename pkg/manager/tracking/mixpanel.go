// Package tracking relays opt-in frontend analytics to Mixpanel. A manager
// without a Mixpanel token runs with tracking disabled and every call here
// becomes a no-op.
package tracking

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	pkglog "github.com/mautrix/manager/pkg/log"
	"github.com/mautrix/manager/pkg/manager/matrix"
)

const (
	trackURL  = "https://api.mixpanel.com/track/"
	engageURL = "https://api.mixpanel.com/engage/"
)

// Client submits events to the Mixpanel ingestion API. The zero-token client
// is valid and disabled.
type Client struct {
	token  string
	client *http.Client
	logger pkglog.Logger

	// Endpoint overrides for tests.
	trackEndpoint  string
	engageEndpoint string
}

// NewClient builds a Mixpanel client. An empty token disables tracking.
func NewClient(token string, logger pkglog.Logger) *Client {
	if logger == nil {
		logger = pkglog.Shared()
	}
	return &Client{
		token:          token,
		client:         &http.Client{Timeout: 10 * time.Second},
		logger:         logger,
		trackEndpoint:  trackURL,
		engageEndpoint: engageURL,
	}
}

// Enabled reports whether events will actually be submitted.
func (c *Client) Enabled() bool {
	return c != nil && c.token != ""
}

// Track records one event against the user. Failures are logged, never
// returned: analytics must not affect request outcomes.
func (c *Client) Track(ctx context.Context, event string, userID matrix.UserID, userAgent string, properties map[string]any) {
	if !c.Enabled() {
		return
	}

	payload := map[string]any{
		"event": event,
		"properties": mergeProperties(properties, map[string]any{
			"token":       c.token,
			"distinct_id": string(userID),
		}),
	}

	if err := c.submit(ctx, c.trackEndpoint, payload, userAgent); err != nil {
		c.logger.Errorw("failed to track event", "event", event, "user_id", userID, "error", err)
		return
	}
	c.logger.Debugw("tracked event", "event", event, "user_id", userID)
}

// Engage updates the user's Mixpanel profile.
func (c *Client) Engage(ctx context.Context, userID matrix.UserID, userAgent string, properties map[string]any) {
	if !c.Enabled() {
		return
	}

	payload := mergeProperties(properties, map[string]any{
		"token":       c.token,
		"distinct_id": string(userID),
	})

	if err := c.submit(ctx, c.engageEndpoint, payload, userAgent); err != nil {
		c.logger.Errorw("failed to update profile", "user_id", userID, "error", err)
		return
	}
	c.logger.Debugw("updated profile", "user_id", userID)
}

// submit posts a payload the way the Mixpanel HTTP API expects it: JSON,
// base64-encoded, in the data query parameter.
func (c *Client) submit(ctx context.Context, endpoint string, payload any, userAgent string) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	target, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("parse endpoint: %w", err)
	}
	query := url.Values{}
	query.Set("data", base64.StdEncoding.EncodeToString(encoded))
	target.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), nil)
	if err != nil {
		return err
	}
	if userAgent != "" {
		// The original caller's agent, so Mixpanel attributes the event to
		// the right platform.
		req.Header.Set("User-Agent", userAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("mixpanel returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func mergeProperties(properties, fixed map[string]any) map[string]any {
	merged := make(map[string]any, len(properties)+len(fixed))
	for key, value := range properties {
		merged[key] = value
	}
	for key, value := range fixed {
		merged[key] = value
	}
	return merged
}
