package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/seantiz/attemptd/internal/model"
)

const defaultRetryInitial = 500 * time.Millisecond

// StatusError is returned when the endpoint answers with a non-2xx status.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("notification endpoint returned status %d", e.Code)
}

// HTTPConfig configures an HTTPTransport.
type HTTPConfig struct {
	URL          string
	Timeout      time.Duration
	MaxRetries   int
	RateLimit    float64
	RetryInitial time.Duration
}

// HTTPTransport POSTs notifications as JSON. Network errors, 5xx and 429
// responses are retried with exponential backoff; other 4xx responses are
// permanent failures.
type HTTPTransport struct {
	url          string
	client       *http.Client
	timeout      time.Duration
	maxRetries   int
	retryInitial time.Duration
	limiter      *rate.Limiter
}

// Compile-time interface satisfaction check.
var _ Transport = (*HTTPTransport)(nil)

// NewHTTPTransport creates an HTTPTransport from cfg.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	limit := rate.Inf
	burst := 1
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
		burst = max(1, int(cfg.RateLimit))
	}
	retryInitial := cfg.RetryInitial
	if retryInitial <= 0 {
		retryInitial = defaultRetryInitial
	}
	return &HTTPTransport{
		url:          cfg.URL,
		client:       &http.Client{},
		timeout:      cfg.Timeout,
		maxRetries:   max(0, cfg.MaxRetries),
		retryInitial: retryInitial,
		limiter:      rate.NewLimiter(limit, burst),
	}
}

// Send delivers n, retrying transient failures up to the configured limit.
func (h *HTTPTransport) Send(ctx context.Context, n model.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	if err := h.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait for rate limiter: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = h.retryInitial

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, h.post(ctx, body)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(h.maxRetries+1)),
	)
	return err
}

func (h *HTTPTransport) post(ctx context.Context, body []byte) error {
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build notification request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	statusErr := &StatusError{Code: resp.StatusCode}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return backoff.Permanent(statusErr)
	}
	return statusErr
}
