// Package graph is the Microsoft Graph mail remote data source.
package graph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/tonimelisma/melisma/internal/mailerr"
)

const (
	baseURL           = "https://graph.microsoft.com/v1.0"
	providerName      = "graph"
	defaultMaxRetries = 3
	maxRetryAfter     = 60 * time.Second
	defaultTimeout    = 30 * time.Second
)

// Client implements provider.Remote against Microsoft Graph. It holds no
// credentials; every call carries a bearer token.
type Client struct {
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger
	maxRetries int
	sleep      func(ctx context.Context, d time.Duration) error
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithHTTPClient sets the transport.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithBaseURL points the client at another API root.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithMaxRetries sets how often a throttled or failed request is repeated.
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) { c.maxRetries = n }
}

// WithRateLimit paces requests across all accounts.
func WithRateLimit(r rate.Limit, burst int) ClientOption {
	return func(c *Client) { c.limiter = rate.NewLimiter(r, burst) }
}

// NewClient creates a Graph client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		baseURL:    baseURL,
		limiter:    rate.NewLimiter(rate.Limit(10), 20),
		logger:     slog.Default(),
		maxRetries: defaultMaxRetries,
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "graph-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return true
			}
			var httpErr *mailerr.HTTPError
			return errors.As(err, &httpErr) && !httpErr.IsRetryable()
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	})
	return c
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// get fetches an absolute URL under the client's base URL. Links returned
// by Graph (@odata.nextLink) are followed as-is; anything outside the base
// URL is refused so the bearer token never leaves the API host.
func (c *Client) get(ctx context.Context, token, rawURL string) ([]byte, error) {
	if !strings.HasPrefix(rawURL, c.baseURL+"/") {
		return nil, fmt.Errorf("refusing to follow link outside %s: %s", c.baseURL, rawURL)
	}

	out, err := c.breaker.Execute(func() (any, error) {
		return c.getWithRetry(ctx, token, rawURL)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &mailerr.HTTPError{Provider: providerName, Status: http.StatusServiceUnavailable, Body: err.Error()}
	}
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}

func (c *Client) getWithRetry(ctx context.Context, token, rawURL string) ([]byte, error) {
	var lastErr error
	var wait time.Duration
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Debug("retrying request", "attempt", attempt, "wait", wait, "url", rawURL)
			if err := c.sleep(ctx, wait); err != nil {
				return nil, err
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, eris.Wrap(err, "create request")
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Prefer", `IdType="ImmutableId"`)
		req.Header.Set("client-request-id", uuid.NewString())

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("http request: %w", err)
			wait = backoff(attempt + 1)
			continue
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			wait = backoff(attempt + 1)
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return body, nil
		}

		httpErr := &mailerr.HTTPError{Provider: providerName, Status: resp.StatusCode, Body: string(body)}
		if !httpErr.IsRetryable() {
			return nil, httpErr
		}
		lastErr = httpErr
		wait = retryAfter(resp.Header.Get("Retry-After"), attempt+1)
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// retryAfter honors a Retry-After header in seconds, capped at
// maxRetryAfter, and falls back to jittered backoff.
func retryAfter(header string, attempt int) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil && secs >= 0 {
		return min(time.Duration(secs)*time.Second, maxRetryAfter)
	}
	return backoff(attempt)
}

func backoff(attempt int) time.Duration {
	base := time.Duration(1<<min(attempt, 5)) * time.Second
	return time.Duration(rand.Int63n(int64(base)))
}
