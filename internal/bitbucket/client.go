package bitbucket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bitbucket-branch-harvester/internal/metrics"
)

// Fixed protocol constants.
const (
	DefaultMaxAttempts = 6
	DefaultPageSize    = 100
	maxBackoff         = 30 * time.Second
)

// Limiter paces physical requests.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Sleeper pauses between attempts.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// Options configures a Client.
type Options struct {
	// APIRoot is the REST API root, e.g. https://host/rest/api/1.0.
	APIRoot     string
	HTTPClient  *http.Client
	Limiter     Limiter
	Sleeper     Sleeper
	Logger      *zap.Logger
	MaxAttempts int
	PageSize    int
}

// Client performs rate-limited, retried GETs against the REST API.
type Client struct {
	root        string
	http        *http.Client
	limiter     Limiter
	sleeper     Sleeper
	logger      *zap.Logger
	maxAttempts int
	pageSize    int
}

// New wires a Client from opts. Limiter and Sleeper are required.
func New(opts Options) (*Client, error) {
	if opts.APIRoot == "" {
		return nil, fmt.Errorf("api root is required")
	}
	if opts.Limiter == nil || opts.Sleeper == nil {
		return nil, fmt.Errorf("limiter and sleeper are required")
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	return &Client{
		root:        opts.APIRoot,
		http:        opts.HTTPClient,
		limiter:     opts.Limiter,
		sleeper:     opts.Sleeper,
		logger:      opts.Logger,
		maxAttempts: opts.MaxAttempts,
		pageSize:    opts.PageSize,
	}, nil
}

// Result is the outcome of one logical GET. An absent Result means the data
// is unknown; it never means the resource is empty.
type Result struct {
	Body     json.RawMessage
	Status   int
	Attempts int
	present  bool
}

// OK reports whether a body was obtained.
func (r Result) OK() bool {
	return r.present
}

// Decode unmarshals the body into v. It fails on an absent Result.
func (r Result) Decode(v any) error {
	if !r.present {
		return fmt.Errorf("decode absent result")
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Backoff returns the pause after failed attempt n (0-indexed).
func Backoff(attempt int) time.Duration {
	if attempt < 0 {
		return 0
	}
	if attempt >= 5 {
		return maxBackoff
	}
	return time.Duration(1<<attempt) * time.Second
}

// Retriable reports whether a status code warrants another attempt.
func Retriable(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Get performs one logical GET of path (relative to the API root) with up to
// MaxAttempts physical attempts. Each attempt waits on the limiter first. No
// pause follows the final attempt.
func (c *Client) Get(ctx context.Context, path string, params url.Values) Result {
	target := c.url(path, params)
	var last Result
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			c.logger.Warn("rate limiter aborted request", zap.String("url", target), zap.Error(err))
			return last
		}
		res, retry := c.attempt(ctx, target, attempt)
		res.Attempts = attempt + 1
		if !retry {
			return res
		}
		last = res
		if attempt == c.maxAttempts-1 {
			break
		}
		delay := Backoff(attempt)
		c.logger.Debug("backing off", zap.String("url", target), zap.Int("attempt", attempt), zap.Duration("delay", delay))
		if err := c.sleeper.Sleep(ctx, delay); err != nil {
			return last
		}
	}
	metrics.ObserveExhausted()
	c.logger.Warn("request failed after retries",
		zap.String("url", target),
		zap.Int("attempts", c.maxAttempts),
		zap.Int("last_status", last.Status),
	)
	return Result{Status: last.Status, Attempts: last.Attempts}
}

// attempt issues one physical request and reports whether it should be retried.
func (c *Client) attempt(ctx context.Context, target string, attempt int) (Result, bool) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		c.logger.Warn("invalid request", zap.String("url", target), zap.Error(err))
		return Result{}, false
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveRequest(metrics.OutcomeTransportError, time.Since(start))
		c.logger.Warn("request error, retrying", zap.String("url", target), zap.Int("attempt", attempt), zap.Error(err))
		return Result{}, true
	}
	defer resp.Body.Close() //nolint:errcheck // body fully consumed below

	body, readErr := io.ReadAll(resp.Body)
	status := resp.StatusCode
	switch {
	case Retriable(status):
		metrics.ObserveRequest(metrics.OutcomeRetriable, time.Since(start))
		c.logger.Warn("retriable status", zap.String("url", target), zap.Int("status", status), zap.Int("attempt", attempt))
		return Result{Status: status}, true
	case status >= http.StatusBadRequest:
		metrics.ObserveRequest(metrics.OutcomeClientError, time.Since(start))
		c.logger.Warn("non-retriable status", zap.String("url", target), zap.Int("status", status), zap.String("reason", http.StatusText(status)))
		return Result{Status: status}, false
	}
	if readErr != nil {
		metrics.ObserveRequest(metrics.OutcomeTransportError, time.Since(start))
		c.logger.Warn("read body failed, retrying", zap.String("url", target), zap.Int("attempt", attempt), zap.Error(readErr))
		return Result{Status: status}, true
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		metrics.ObserveRequest(metrics.OutcomeDecodeError, time.Since(start))
		c.logger.Warn("empty response body", zap.String("url", target), zap.Int("status", status))
		return Result{Status: status}, false
	}
	if !json.Valid(body) {
		metrics.ObserveRequest(metrics.OutcomeDecodeError, time.Since(start))
		c.logger.Warn("malformed JSON body, retrying", zap.String("url", target), zap.Int("status", status), zap.Int("attempt", attempt))
		return Result{Status: status}, true
	}
	metrics.ObserveRequest(metrics.OutcomeOK, time.Since(start))
	return Result{Body: body, Status: status, present: true}, false
}

func (c *Client) url(path string, params url.Values) string {
	u := c.root + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}
