// Package gmail is the Gmail REST remote data source. Each call carries the
// caller's bearer token, so one Client serves every Google account.
package gmail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"github.com/sony/gobreaker"

	"github.com/tonimelisma/melisma/internal/mailerr"
)

const (
	baseURL           = "https://gmail.googleapis.com/gmail/v1"
	providerName      = "gmail"
	defaultMaxRetries = 4
	maxBackoff        = 30 // seconds
	defaultTimeout    = 30 * time.Second
)

// Client implements provider.Remote against the Gmail API.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	rateLimiter *RateLimiter
	breaker     *gobreaker.CircuitBreaker
	logger      *slog.Logger
	userID      string
	concurrency int
	maxRetries  int
	backoff     func(attempt int) time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithConcurrency sets the max parallel metadata fetches per call.
func WithConcurrency(n int) ClientOption {
	return func(c *Client) {
		c.concurrency = n
	}
}

// WithRateLimiter sets a custom rate limiter.
func WithRateLimiter(rl *RateLimiter) ClientOption {
	return func(c *Client) {
		c.rateLimiter = rl
	}
}

// WithHTTPClient sets the transport. The client must not add its own
// authorization.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithBaseURL points the client at another API root, e.g. a test server.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) {
		c.baseURL = u
	}
}

// WithMaxRetries sets how often a retryable failure is repeated.
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// NewClient creates a Gmail client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient:  &http.Client{Timeout: defaultTimeout},
		baseURL:     baseURL,
		userID:      "me",
		concurrency: 10,
		maxRetries:  defaultMaxRetries,
		logger:      slog.Default(),
		backoff:     fullJitter,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.rateLimiter == nil {
		c.rateLimiter = NewRateLimiter(defaultQPS)
	}
	if c.concurrency < 1 {
		c.concurrency = 1
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gmail-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		IsSuccessful: breakerSuccess,
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	})
	return c
}

// breakerSuccess keeps client errors and cancellations from tripping the
// breaker; only transport failures and retryable statuses count.
func breakerSuccess(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var httpErr *mailerr.HTTPError
	return errors.As(err, &httpErr) && !httpErr.IsRetryable()
}

// get issues a GET for path with rate limiting, the circuit breaker and
// retries.
func (c *Client) get(ctx context.Context, token string, op Operation, path string, params url.Values) ([]byte, error) {
	if err := c.rateLimiter.Acquire(ctx, op); err != nil {
		return nil, err
	}

	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	out, err := c.breaker.Execute(func() (any, error) {
		return c.getWithRetry(ctx, token, reqURL, path)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &mailerr.HTTPError{Provider: providerName, Status: http.StatusServiceUnavailable, Body: err.Error()}
	}
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}

func (c *Client) getWithRetry(ctx context.Context, token, reqURL, path string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.backoff(attempt)
			c.logger.Debug("retrying request", "attempt", attempt, "backoff", backoff, "path", path)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, eris.Wrap(err, "create request")
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("http request: %w", err)
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return body, nil
		}

		httpErr := &mailerr.HTTPError{Provider: providerName, Status: resp.StatusCode, Body: string(body)}
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			c.logger.Debug("rate limited, backing off 30s", "path", path, "attempt", attempt)
			c.rateLimiter.Throttle(30 * time.Second)
			lastErr = httpErr
		case resp.StatusCode == http.StatusForbidden && isRateLimitError(body):
			// Gmail reports quota exhaustion as 403 rateLimitExceeded.
			c.logger.Debug("quota exceeded, backing off 60s", "path", path, "attempt", attempt)
			c.rateLimiter.Throttle(60 * time.Second)
			httpErr.Status = http.StatusTooManyRequests
			lastErr = httpErr
		case httpErr.IsRetryable():
			lastErr = httpErr
		default:
			return nil, httpErr
		}
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// fullJitter is exponential backoff with full jitter, capped at maxBackoff.
func fullJitter(attempt int) time.Duration {
	base := float64(uint(1) << uint(min(attempt, 16)))
	if base > maxBackoff {
		base = maxBackoff
	}
	return time.Duration(rand.Float64() * base * float64(time.Second))
}

func isRateLimitError(body []byte) bool {
	for _, marker := range []string{"rateLimitExceeded", "RATE_LIMIT_EXCEEDED", "Quota exceeded", "userRateLimitExceeded"} {
		if bytes.Contains(body, []byte(marker)) {
			return true
		}
	}
	return false
}
