package handlers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vietddude/importer/internal/core/domain"
	"github.com/vietddude/importer/internal/importing/recovery"
)

// WebhookConfig configures the webhook handler.
type WebhookConfig struct {
	URL     string
	Timeout time.Duration
}

// Webhook POSTs each item payload to a URL.
//
// 2xx is success. 408 and 429 are retried like 5xx and network errors;
// any other 4xx is a permanent failure for the item.
func Webhook(cfg WebhookConfig) (Func, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := &http.Client{Timeout: timeout}

	return func(ctx context.Context, item domain.Item) error {
		body := item.Payload
		if len(body) == 0 {
			body = []byte("null")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
		if err != nil {
			return recovery.Permanent(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Item-ID", item.ID)

		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}

		statusErr := fmt.Errorf("non-2xx status: %d", resp.StatusCode)
		if isPermanentStatus(resp.StatusCode) {
			return recovery.Permanent(statusErr)
		}
		return statusErr
	}, nil
}

func isPermanentStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return false
	}
	return code >= 400 && code < 500
}
