// Package transport provides the pooled HTTP client shared by all
// collectors.
//
// Every collector request goes through one *Client: per-request
// timeout, bounded retries with exponential backoff on transient
// failures, a per-host circuit breaker, and an optional politeness
// rate limit.
package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/sentinelpi/sentinel/internal/logging"
)

// Options configures a Client.
type Options struct {
	// Timeout bounds one request attempt. Default 30s.
	Timeout time.Duration
	// Retries is the number of additional attempts after the first.
	// Default 3, backing off 1s/2s/4s.
	Retries int
	// RetryBaseDelay is the first backoff step; it doubles per attempt.
	// Default 1s. Tests shrink it.
	RetryBaseDelay time.Duration
	// UserAgent is sent on every request when the caller did not set one.
	UserAgent string
	// RequestsPerSecond caps outbound request rate. 0 means unlimited.
	RequestsPerSecond float64
}

// Client is a retrying, breaker-guarded HTTP client. Safe for concurrent
// use.
type Client struct {
	http      *http.Client
	userAgent string
	retries   int
	baseDelay time.Duration
	limiter   *rate.Limiter

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[*http.Response]
}

// New builds a Client with pooled connections.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	} else if opts.Retries == 0 {
		opts.Retries = 3
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = time.Second
	}

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}

	return &Client{
		http: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        32,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		userAgent: opts.UserAgent,
		retries:   opts.Retries,
		baseDelay: opts.RetryBaseDelay,
		limiter:   rate.NewLimiter(limit, 1),
		breakers:  make(map[string]*gobreaker.CircuitBreaker[*http.Response]),
	}
}

// Get issues a GET and returns the response with its body open. The
// caller owns the body.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	return c.Do(req)
}

// Head issues a HEAD request. Used by collector validation probes.
func (c *Client) Head(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	return c.Do(req)
}

// Do executes the request with retries and the per-host breaker.
// Responses with status >= 400 are returned to the caller unretried,
// except 429 and 5xx which count as transient.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if c.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	br := c.breaker(req.URL.Host)
	ctx := req.Context()

	var (
		resp    *http.Response
		lastErr error
	)
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			if req.Body != nil && req.GetBody == nil {
				break // cannot replay the body
			}
			delay := c.baseDelay << (attempt - 1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		attemptReq := req
		if attempt > 0 {
			attemptReq = req.Clone(ctx)
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("replay request body: %w", err)
				}
				attemptReq.Body = body
			}
		}

		resp, lastErr = br.Execute(func() (*http.Response, error) {
			r, err := c.http.Do(attemptReq)
			if err != nil {
				return nil, err
			}
			if r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests {
				// Feed the breaker; the retry loop decides what to do.
				return r, fmt.Errorf("upstream status %d", r.StatusCode)
			}
			return r, nil
		})

		if lastErr == nil {
			return resp, nil
		}
		if resp != nil {
			// Drain so the connection can be reused, then retry.
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logging.Debug().
			Str("url", req.URL.String()).
			Int("attempt", attempt+1).
			Err(lastErr).
			Msg("http attempt failed")
	}

	return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL, lastErr)
}

// breaker returns the circuit breaker for one host, creating it on first
// use.
func (c *Client) breaker(host string) *gobreaker.CircuitBreaker[*http.Response] {
	c.mu.Lock()
	defer c.mu.Unlock()

	if br, ok := c.breakers[host]; ok {
		return br
	}
	br := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Interval:    2 * time.Minute,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("host", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	})
	c.breakers[host] = br
	return br
}
