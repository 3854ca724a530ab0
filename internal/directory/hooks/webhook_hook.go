// Webhook hook implementation
// This file implements a hook that sends HTTP POST requests to webhook URLs
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// WebhookHook sends HTTP POST requests to webhook URLs when events occur.
// Delivery is retried with exponential backoff: a directory's webhook
// receiver (an external dashboard, an alerting pipeline) is exactly the
// kind of dependency that is down or slow independently of the directory
// itself, and a single transient 502 should not silently drop a
// transfer_complete or runner_stop notification.
type WebhookHook struct {
	id      string
	url     string
	headers map[string]string
	timeout time.Duration
	retries int
	client  *retryablehttp.Client
}

// NewWebhookHook creates a new webhook hook. retries bounds delivery
// attempts beyond the first (0 means a single attempt, no retry).
func NewWebhookHook(id, url string, timeout time.Duration, retries int) *WebhookHook {
	if retries < 0 {
		retries = 0
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = retries
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.HTTPClient.Timeout = timeout
	rc.Logger = nil // hook execution is logged by the HookManager's execution pool

	return &WebhookHook{
		id:      id,
		url:     url,
		headers: make(map[string]string),
		timeout: timeout,
		retries: retries,
		client:  rc,
	}
}

// SetHeaders sets custom HTTP headers for the webhook request
func (h *WebhookHook) SetHeaders(headers map[string]string) *WebhookHook {
	h.headers = headers
	return h
}

// AddHeader adds a single HTTP header
func (h *WebhookHook) AddHeader(key, value string) *WebhookHook {
	if h.headers == nil {
		h.headers = make(map[string]string)
	}
	h.headers[key] = value
	return h
}

// SetRetryLogger routes the underlying retry client's own diagnostics
// (attempt counts, backoff waits) through the directory's structured
// logger instead of discarding them.
func (h *WebhookHook) SetRetryLogger(logger *slog.Logger) *WebhookHook {
	if logger == nil {
		h.client.Logger = nil
		return h
	}
	h.client.Logger = retryableSlogAdapter{logger.With("hook_id", h.id, "hook_type", "webhook")}
	return h
}

// Execute sends the event data as JSON to the webhook URL, retrying
// transient failures (connection errors, 5xx, 429) up to h.retries times
// with exponential backoff before giving up.
func (h *WebhookHook) Execute(ctx context.Context, event Event) error {
	jsonData, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("webhook hook %s: failed to marshal JSON: %w", h.id, err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, "POST", h.url, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("webhook hook %s: failed to create request: %w", h.id, err)
	}

	req.Header.Set("Content-Type", "application/json")
	for key, value := range h.headers {
		req.Header.Set(key, value)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook hook %s: request failed after %d attempt(s): %w", h.id, h.retries+1, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook hook %s: server returned status %d", h.id, resp.StatusCode)
	}

	return nil
}

// Type returns the hook type
func (h *WebhookHook) Type() string {
	return "webhook"
}

// ID returns the hook ID
func (h *WebhookHook) ID() string {
	return h.id
}

// retryableSlogAdapter satisfies retryablehttp.LeveledLogger on top of
// log/slog, the logger the rest of the directory server uses.
type retryableSlogAdapter struct {
	log *slog.Logger
}

func (a retryableSlogAdapter) Error(msg string, kv ...interface{}) { a.log.Error(msg, kv...) }
func (a retryableSlogAdapter) Info(msg string, kv ...interface{})  { a.log.Info(msg, kv...) }
func (a retryableSlogAdapter) Debug(msg string, kv ...interface{}) { a.log.Debug(msg, kv...) }
func (a retryableSlogAdapter) Warn(msg string, kv ...interface{})  { a.log.Warn(msg, kv...) }
