// Package api executes HTTP requests against the Quarry API with
// token injection, bounded retries, and per-host resilience gating.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/quarryhq/quarry-cli/internal/config"
	"github.com/quarryhq/quarry-cli/internal/output"
	"github.com/quarryhq/quarry-cli/internal/version"
)

// Client is the resilient HTTP executor. Each logical request may span
// several attempts; all attempts share one X-Request-Id.
type Client struct {
	baseURL    string
	host       string
	httpClient *http.Client
	tokens     TokenProvider
	policy     Policy
	timeout    time.Duration
	hooks      Hooks
	guards     GuardSet
	clock      clockwork.Clock
	logger     *slog.Logger
}

// Response wraps an API response with its body fully read.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// JSON unmarshals the response body into v.
func (r *Response) JSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

// Option configures optional client collaborators.
type Option func(*Client)

// WithHooks attaches lifecycle observers.
func WithHooks(h Hooks) Option {
	return func(c *Client) { c.hooks = h }
}

// WithGuards attaches per-host request gating.
func WithGuards(g GuardSet) Option {
	return func(c *Client) { c.guards = g }
}

// NewClient builds a client from configuration. Base URL, timeout, and
// the retry policy come from cfg; tokens come from the provider on
// every attempt so refreshed credentials are picked up mid-request.
func NewClient(cfg *config.Config, tokens TokenProvider, opts ...Option) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	host := ""
	if u, err := url.Parse(baseURL); err == nil {
		host = u.Host
	}

	c := &Client{
		baseURL: baseURL,
		host:    host,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		tokens: tokens,
		policy: Policy{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			InitialDelay: cfg.Retry.InitialDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
			JitterFactor: cfg.Retry.JitterFactor,
		},
		timeout: cfg.RequestTimeout,
		clock:   clockwork.NewRealClock(),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetLogger replaces the client's logger and that of any guard set
// that accepts one.
func (c *Client) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	c.logger = logger
	if g, ok := c.guards.(interface{ SetLogger(*slog.Logger) }); ok {
		g.SetLogger(logger)
	}
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, path string) (*Response, error) {
	return c.Execute(ctx, http.MethodGet, path, nil, nil)
}

// Head performs a HEAD request.
func (c *Client) Head(ctx context.Context, path string) (*Response, error) {
	return c.Execute(ctx, http.MethodHead, path, nil, nil)
}

// Post performs a POST request with a raw JSON body.
func (c *Client) Post(ctx context.Context, path string, body []byte) (*Response, error) {
	return c.Execute(ctx, http.MethodPost, path, body, nil)
}

// Put performs a PUT request with a raw JSON body.
func (c *Client) Put(ctx context.Context, path string, body []byte) (*Response, error) {
	return c.Execute(ctx, http.MethodPut, path, body, nil)
}

// Patch performs a PATCH request with a raw JSON body.
func (c *Client) Patch(ctx context.Context, path string, body []byte) (*Response, error) {
	return c.Execute(ctx, http.MethodPatch, path, body, nil)
}

// Delete performs a DELETE request.
func (c *Client) Delete(ctx context.Context, path string) (*Response, error) {
	return c.Execute(ctx, http.MethodDelete, path, nil, nil)
}

// Execute runs one logical request. Transient failures on idempotent
// methods are retried per the policy with exponential backoff; every
// other failure, and an exhausted budget, surface the last error
// unchanged. The body is replayed on each attempt.
func (c *Client) Execute(ctx context.Context, method, path string, body []byte, header http.Header) (*Response, error) {
	method = strings.ToUpper(method)
	rawURL := c.buildURL(path)

	if c.guards != nil {
		if err := c.guards.Allow(c.host); err != nil {
			return nil, err
		}
		defer c.guards.Release(c.host)
	}

	// One request id across attempts ties retries together server-side.
	requestID := uuid.NewString()

	attempts := c.policy.Attempts()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := c.policy.Delay(attempt - 1)
			if c.hooks != nil {
				c.hooks.OnRetry(ctx, RequestInfo{Method: method, Path: path, Attempt: attempt}, attempt, delay, lastErr)
			}
			c.logger.Debug("retrying request",
				"method", method, "path", path, "attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				err := output.ErrNetwork(ctx.Err())
				c.recordOutcome(err)
				return nil, err
			case <-c.clock.After(delay):
			}
		}

		resp, err := c.attempt(ctx, method, rawURL, path, body, header, requestID, attempt)
		if err == nil {
			c.recordOutcome(nil)
			return resp, nil
		}
		lastErr = err

		if !Retryable(method, err) || attempt == attempts {
			c.recordOutcome(err)
			return nil, err
		}
	}

	c.recordOutcome(lastErr)
	return nil, lastErr
}

func (c *Client) recordOutcome(err error) {
	if c.guards == nil {
		return
	}
	if err != nil {
		c.guards.RecordFailure(c.host, err)
	} else {
		c.guards.RecordSuccess(c.host)
	}
}

func (c *Client) attempt(ctx context.Context, method, rawURL, path string, body []byte, header http.Header, requestID string, attempt int) (*Response, error) {
	info := RequestInfo{Method: method, Path: path, Attempt: attempt}

	actx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	// Token first: a provider failure means no request ever starts, so
	// hooks see balanced start/end pairs.
	token, err := c.tokens.AccessToken(actx)
	if err != nil {
		return nil, err
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(actx, method, rawURL, bodyReader)
	if err != nil {
		return nil, output.ErrInternal("build request", err)
	}

	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set("X-Request-Id", requestID)

	info.Header = req.Header
	if c.hooks != nil {
		actx = c.hooks.OnRequestStart(actx, info)
		req = req.WithContext(actx)
	}

	start := c.clock.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		var attemptErr *output.Error
		if errors.Is(err, context.DeadlineExceeded) {
			attemptErr = output.ErrTimeout(err)
		} else {
			attemptErr = output.ErrNetwork(err)
		}
		c.finish(actx, info, RequestResult{Duration: c.clock.Since(start), Err: attemptErr})
		return nil, attemptErr
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	duration := c.clock.Since(start)
	if err != nil {
		attemptErr := output.ErrNetwork(err)
		c.finish(actx, info, RequestResult{Status: resp.StatusCode, Duration: duration, Err: attemptErr})
		return nil, attemptErr
	}

	c.logger.Debug("request completed",
		"method", method, "path", path, "status", resp.StatusCode,
		"attempt", attempt, "duration", duration)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.finish(actx, info, RequestResult{Status: resp.StatusCode, Duration: duration, Bytes: len(respBody)})
		return &Response{Status: resp.StatusCode, Header: resp.Header, Body: respBody}, nil
	}

	attemptErr := c.classify(resp, respBody, path)
	c.finish(actx, info, RequestResult{Status: resp.StatusCode, Duration: duration, Err: attemptErr})
	return nil, attemptErr
}

func (c *Client) finish(ctx context.Context, info RequestInfo, result RequestResult) {
	if c.hooks != nil {
		c.hooks.OnRequestEnd(ctx, info, result)
	}
}

// classify maps a non-2xx response to the failure taxonomy. Response
// bodies are excerpted; request bodies never appear.
func (c *Client) classify(resp *http.Response, body []byte, path string) *output.Error {
	status := resp.StatusCode
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return output.ErrUnauthorizedStatus(status, "Authentication failed")

	case status == http.StatusNotFound:
		return output.ErrNotFound("Resource", path)

	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return output.ErrInvalidArgument(status, errorMessage(body, fmt.Sprintf("Invalid request (HTTP %d)", status)))

	case status == http.StatusTooManyRequests:
		retryAfter, _ := output.ParseRetryAfter(resp.Header.Get("Retry-After"), c.clock.Now())
		return output.ErrRateLimited(retryAfter)

	case status >= 500 && status <= 599:
		return output.ErrUnavailable(status, errorMessage(body, fmt.Sprintf("Server error (HTTP %d)", status)))

	default:
		return output.ErrStatus(status, fmt.Sprintf("Request failed (HTTP %d)", status))
	}
}

// errorMessage extracts a short human message from an error response:
// the JSON error/message field when present, otherwise a truncated
// body excerpt, otherwise the fallback.
func errorMessage(body []byte, fallback string) string {
	var apiErr struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &apiErr) == nil {
		if apiErr.Error != "" {
			return apiErr.Error
		}
		if apiErr.Message != "" {
			return apiErr.Message
		}
	}
	if excerpt := output.Excerpt(body, 512); excerpt != "" {
		return fmt.Sprintf("%s: %s", fallback, excerpt)
	}
	return fallback
}

func (c *Client) buildURL(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path
}
