// SPDX-License-Identifier: MIT

// Package notify provides an optional webhook client that POSTs device
// reachability transitions to an externally configured URL; measurement-
// state transitions are not posted. It is a JSON REST client over net/http, the same
// shape as the teacher's MediaMTX API client, repurposed here as a
// notification sink instead of a polling health client.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// DefaultTimeout bounds a single webhook delivery attempt.
const DefaultTimeout = 5 * time.Second

// Client posts notification events to a configured webhook URL. An
// empty webhookURL disables delivery entirely; every method becomes a
// no-op, so callers never need to branch on whether notification is
// configured.
type Client struct {
	webhookURL string
	httpClient *http.Client
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithLogger sets the logger used to report delivery failures.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a webhook notification client. Pass an empty
// webhookURL to disable notification.
func NewClient(webhookURL string, opts ...ClientOption) *Client {
	c := &Client{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Event is the JSON body delivered to the webhook.
type Event struct {
	UnitID           string    `json:"unit_id"`
	Kind             string    `json:"kind"`
	IsReachable      *bool     `json:"is_reachable,omitempty"`
	MeasurementState string    `json:"measurement_state,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

const (
	eventReachability = "reachability_changed"
)

// NotifyReachability posts a reachability-flip event (I4). Delivery
// failures are logged, never returned — a down webhook must not affect
// C9's polling loop.
func (c *Client) NotifyReachability(ctx context.Context, unitID string, reachable bool) {
	if c.webhookURL == "" {
		return
	}
	c.post(ctx, Event{
		UnitID:      unitID,
		Kind:        eventReachability,
		IsReachable: &reachable,
		Timestamp:   time.Now().UTC(),
	})
}

func (c *Client) post(ctx context.Context, event Event) {
	body, err := json.Marshal(event)
	if err != nil {
		c.logger.Warn("notify: encode event failed", "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(body))
	if err != nil {
		c.logger.Warn("notify: build request failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("notify: webhook delivery failed", "error", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		c.logger.Warn("notify: webhook returned non-2xx", "status", resp.StatusCode, "error", fmt.Sprintf("unexpected status %d", resp.StatusCode))
	}
}
