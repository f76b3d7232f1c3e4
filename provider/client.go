package provider

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// maxBodySize caps how much of a provider response is read. Reports for a
// single entity-month stay far below this.
const maxBodySize = 10 * 1024 * 1024

// Doer executes HTTP requests. Satisfied by *http.Client and by the
// retrying httpretry.Client.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Response is one raw provider response: status plus verbatim body, kept
// undecoded so the capture stage can persist it as received.
type Response struct {
	Status int
	Body   []byte
}

// Client is a thin authenticated JSON client for the provider API.
type Client struct {
	base   string
	http   Doer
	logger *slog.Logger
}

// NewClient returns a client for the provider at baseURL.
func NewClient(baseURL string, doer Doer, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		base:   strings.TrimRight(baseURL, "/"),
		http:   doer,
		logger: logger,
	}
}

// Get calls endpoint with the given query parameters and bearer token and
// returns the raw response. A non-2xx status is returned as a Response, not
// an error: callers classify statuses themselves and the capture stage
// records them either way. Errors mean the call itself failed.
func (c *Client) Get(ctx context.Context, endpoint string, params url.Values, token string) (*Response, error) {
	u := c.base + endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("provider: new request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "OAuth "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider: %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("provider: read body: %w", err)
	}

	c.logger.Debug("provider call",
		"endpoint", endpoint,
		"status", resp.StatusCode,
		"bytes", len(body))
	return &Response{Status: resp.StatusCode, Body: body}, nil
}

// PostForm sends a form-encoded POST, used by the token refresh flow.
func (c *Client) PostForm(ctx context.Context, endpoint string, form url.Values) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.base+endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("provider: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider: %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("provider: read body: %w", err)
	}
	return &Response{Status: resp.StatusCode, Body: body}, nil
}
