// Package milestone syncs task completion into the external task hub.
//
// The hub is an external collaborator: failures are retried a few times and
// then reported on the bus as milestone.sync_failed, never failing the task
// operation that triggered the sync.
package milestone

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	maxAttempts  = 3
	initialDelay = 500 * time.Millisecond
	maxDelay     = 5 * time.Second
)

// Client PUTs milestone item updates to the task hub.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Sleep   func(time.Duration) // injected for tests
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
		Sleep:   time.Sleep,
	}
}

// ItemUpdate is the payload for a milestone item status change.
type ItemUpdate struct {
	Status  string `json:"status"`
	TaskID  string `json:"taskId,omitempty"`
	AgentID string `json:"agentId,omitempty"`
	Summary string `json:"summary,omitempty"`
}

// SyncItem PUTs the update with retry (3 attempts, 500ms→5s backoff).
// Returns the last error after exhausting retries.
func (c *Client) SyncItem(ctx context.Context, milestoneID, itemID string, update ItemUpdate) error {
	if c.BaseURL == "" {
		return fmt.Errorf("milestone: no hub URL configured")
	}
	url := fmt.Sprintf("%s/api/milestones/%s/items/%s", c.BaseURL, milestoneID, itemID)

	body, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("milestone: marshal update: %w", err)
	}

	delay := initialDelay
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			c.Sleep(delay)
			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		}

		lastErr = c.put(ctx, url, body)
		if lastErr == nil {
			return nil
		}
		slog.Warn("milestone: sync attempt failed",
			"milestone", milestoneID, "item", itemID, "attempt", attempt, "error", lastErr)

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("milestone: sync failed after %d attempts: %w", maxAttempts, lastErr)
}

func (c *Client) put(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("hub returned %s", resp.Status)
	}
	return nil
}
