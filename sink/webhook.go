// WebhookSink publishes audit/telemetry records as HTTP POSTs, adapted from
// the teacher's adapter/webhook.Adapter: same StatusError 4xx/5xx
// distinction, same retry shape, kept as a hand-written loop rather than
// iox.Retry so a 4xx can stop it early.
package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultWebhookTimeout is the default HTTP request timeout.
const DefaultWebhookTimeout = 10 * time.Second

// DefaultWebhookRetries is the default number of retry attempts.
const DefaultWebhookRetries = 3

// WebhookConfig configures the webhook sink.
type WebhookConfig struct {
	// URL is the HTTP endpoint to POST to (required).
	URL string
	// Headers are custom HTTP headers added to each request.
	Headers map[string]string
	// Timeout is the per-request timeout (default 10s).
	Timeout time.Duration
	// Retries is the number of retry attempts on failure (default 3).
	Retries int
}

// WebhookSink posts each Emit call as an HTTP POST.
type WebhookSink struct {
	config WebhookConfig
	client *http.Client
}

// NewWebhookSink creates a webhook sink from the given config.
func NewWebhookSink(cfg WebhookConfig) (*WebhookSink, error) {
	if cfg.URL == "" {
		return nil, errors.New("sink: webhook sink requires a URL")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultWebhookTimeout
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("sink: retries must be >= 0, got %d", cfg.Retries)
	}
	return &WebhookSink{config: cfg, client: &http.Client{Timeout: cfg.Timeout}}, nil
}

// StatusError is returned for non-2xx HTTP responses. 4xx is non-retriable;
// 5xx is retriable.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string { return fmt.Sprintf("sink: unexpected status %d", e.Code) }

// Emit posts the record as JSON, retrying with exponential backoff on
// network errors and 5xx responses. 4xx responses fail immediately, the
// same short-circuit the teacher's webhook adapter applies — a generic
// retry helper has no way to express "stop early, this isn't transient".
func (w *WebhookSink) Emit(ctx context.Context, topic string, record any) error {
	body, err := marshalRecord(topic, record)
	if err != nil {
		return fmt.Errorf("sink: marshal record: %w", err)
	}

	var lastErr error
	attempts := 1 + w.config.Retries
	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("sink: context canceled: %w", err)
		}

		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * 500 * time.Millisecond
			select {
			case <-ctx.Done():
				return fmt.Errorf("sink: context canceled during backoff: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		lastErr = w.doRequest(ctx, body)
		if lastErr == nil {
			return nil
		}

		var statusErr *StatusError
		if errors.As(lastErr, &statusErr) && statusErr.Code >= 400 && statusErr.Code < 500 {
			return fmt.Errorf("sink: non-retriable error: %w", lastErr)
		}
	}

	return fmt.Errorf("sink: failed after %d attempts: %w", attempts, lastErr)
}

func (w *WebhookSink) doRequest(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("sink: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("sink: request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

// Close releases idle HTTP connections.
func (w *WebhookSink) Close() error {
	w.client.CloseIdleConnections()
	return nil
}

var _ Sink = (*WebhookSink)(nil)
