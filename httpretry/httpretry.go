// Package httpretry wraps a single outgoing HTTP call with bounded retry
// and exponential backoff.
//
// Retryable conditions: HTTP 429, 503, 504, connection failures, and
// timeouts. Any other 4xx/5xx is surfaced to the caller on the first
// attempt. When the retry budget is exhausted the final response or error
// is returned unchanged; the policy never converts a failure into success
// and never swallows the last failure.
//
// Backoff for attempt n (0-indexed) is min(maxDelay, base*2^n) with a
// symmetric jitter of ±jitterPercent% (coin-flip add or subtract), floored
// at base.
package httpretry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/coder/quartz"
)

// Doer issues one HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config configures the retry policy.
type Config struct {
	// MaxRetries is the number of retries after the first attempt. Default: 3.
	MaxRetries int
	// BaseDelay is the attempt-0 backoff and the jitter floor. Default: 100ms.
	BaseDelay time.Duration
	// MaxDelay caps the exponential backoff. Default: 30s.
	MaxDelay time.Duration
	// JitterPercent is the symmetric jitter applied to each delay. Default: 25.
	JitterPercent int
}

func (c *Config) defaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.JitterPercent <= 0 {
		c.JitterPercent = 25
	}
}

// Client retries transient failures of an inner Doer.
type Client struct {
	inner  Doer
	config Config
	clock  quartz.Clock
	logger *slog.Logger
	rng    *rand.Rand
}

// New creates a retrying client around inner. A nil clock uses the real
// clock; a nil rng seeds a fresh one.
func New(inner Doer, cfg Config, clock quartz.Clock, logger *slog.Logger) *Client {
	cfg.defaults()
	if clock == nil {
		clock = quartz.NewReal()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		inner:  inner,
		config: cfg,
		clock:  clock,
		logger: logger,
		rng:    rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

// RetryableStatus reports whether an HTTP status code warrants a retry.
func RetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusServiceUnavailable ||
		code == http.StatusGatewayTimeout
}

// retryableError reports whether a transport error warrants a retry.
// Connection failures and timeouts are transient; a cancelled caller is not.
func retryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// Delay computes the backoff before retry attempt n (0-indexed). The result
// is always within [BaseDelay, MaxDelay].
func (c *Client) Delay(attempt int) time.Duration {
	cfg := c.config
	d := cfg.BaseDelay << uint(attempt)
	if d <= 0 || d > cfg.MaxDelay { // <= 0 guards shift overflow
		d = cfg.MaxDelay
	}

	jitter := time.Duration(c.rng.Float64() * float64(d) * float64(cfg.JitterPercent) / 100)
	if c.rng.IntN(2) == 0 {
		d += jitter
	} else {
		d -= jitter
	}

	if d < cfg.BaseDelay {
		d = cfg.BaseDelay
	}
	if d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	return d
}

// Do issues req, retrying transient failures up to MaxRetries times.
// Requests with a body must set GetBody (http.NewRequest does this for
// common body types) or the call is not retried.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	var err error

	for attempt := 0; ; attempt++ {
		if attempt > 0 && req.GetBody != nil {
			body, berr := req.GetBody()
			if berr != nil {
				return resp, err
			}
			req.Body = body
		}

		resp, err = c.inner.Do(req)

		retryable := retryableError(err) || (err == nil && RetryableStatus(resp.StatusCode))
		if !retryable || attempt >= c.config.MaxRetries {
			return resp, err
		}
		if req.Body != nil && req.GetBody == nil {
			// Body already consumed and not replayable.
			return resp, err
		}

		if resp != nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}

		delay := c.Delay(attempt)
		c.logger.Warn("httpretry: retrying request",
			"url", req.URL.String(),
			"attempt", attempt+1,
			"max_retries", c.config.MaxRetries,
			"delay_ms", delay.Milliseconds(),
			"status", statusOf(resp),
			"error", err)

		if serr := c.sleep(req.Context(), delay); serr != nil {
			return resp, err
		}
	}
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	timer := c.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func statusOf(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}
