// Package api is the HTTP remote-operation collaborator. It performs exactly
// one HTTP call per attempt and reports the result as an outcome the retry
// coordinator understands; it never retries on its own.
package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/rescale/rescale-pacer/internal/config"
	"github.com/rescale/rescale-pacer/internal/retry"
	"github.com/rescale/rescale-pacer/internal/version"
)

const (
	// maxResponseBytes caps how much of a response body is buffered.
	maxResponseBytes = 10 << 20

	// maxReasonRunes caps the body excerpt in a failure reason.
	maxReasonRunes = 200
)

// ErrEmptyBaseURL is returned by NewClient when no base URL is given.
var ErrEmptyBaseURL = errors.New("API base URL is empty")

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     nethttp.Header
	Body       []byte
}

// Client performs single HTTP calls against one base URL.
type Client struct {
	http    *retryablehttp.Client
	baseURL string
	token   string
	timeout time.Duration
	proxy   config.ProxyConfig
	logger  zerolog.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithToken sets the token sent as "Authorization: Token <token>".
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithLogger sets the logger. Defaults to zerolog.Nop().
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithTimeout sets a per-attempt timeout. Zero means none; callers normally
// bound calls with a context instead.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithProxy sets how requests reach the network. Defaults to system proxy
// settings from the environment.
func WithProxy(p config.ProxyConfig) Option {
	return func(c *Client) { c.proxy = p }
}

// retryLogger bridges retryablehttp's leveled logging to zerolog.
type retryLogger struct {
	logger zerolog.Logger
}

func (l *retryLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Error().Fields(keysAndValues).Msg(msg)
}

func (l *retryLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l *retryLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Trace().Fields(keysAndValues).Msg(msg)
}

func (l *retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warn().Fields(keysAndValues).Msg(msg)
}

// NewClient creates a client for baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, ErrEmptyBaseURL
	}

	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		proxy:   config.NewProxyConfig(),
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("component", "api").Logger()

	transport, err := newTransport(c.proxy, c.logger)
	if err != nil {
		return nil, err
	}

	// Retries belong to the retry coordinator so that every attempt passes the
	// throttle gate. retryablehttp is kept for its hooks and logging only.
	rc := retryablehttp.NewClient()
	rc.HTTPClient = &nethttp.Client{Transport: transport, Timeout: c.timeout}
	rc.RetryMax = 0
	rc.CheckRetry = func(ctx context.Context, _ *nethttp.Response, _ error) (bool, error) {
		return false, ctx.Err()
	}
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = &retryLogger{logger: c.logger}
	c.http = rc

	return c, nil
}

// BaseURL returns the normalised base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Operation returns a retry operation that performs one call of method on
// path. path may be absolute ("https://...") or relative to the base URL.
func (c *Client) Operation(method, path string, body []byte) retry.Operation[*Response] {
	return func(ctx context.Context) (*Response, error) {
		return c.Do(ctx, method, path, body)
	}
}

// Do performs one HTTP call and classifies the result:
//
//   - 2xx and 3xx: success
//   - 429: wraps retry.ErrRateLimited
//   - 408, 5xx and network errors: *retry.TransientError
//   - other 4xx: *retry.FatalError
//
// The response is returned alongside classified errors when one was received.
func (c *Client) Do(ctx context.Context, method, path string, body []byte) (*Response, error) {
	url := c.resolve(path)

	var reqBody interface{}
	if body != nil {
		reqBody = bytes.NewReader(body)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, retry.Fatal("failed to create request", err)
	}

	req.Header.Set("User-Agent", "rescale-pacer/"+version.Version)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Token "+c.token)
	}

	httpResp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%s %s: %w", method, path, ctxErr)
		}
		c.logger.Debug().Err(err).Str("method", method).Str("path", path).Msg("request failed")
		return nil, retry.Transient(fmt.Sprintf("%s %s", method, path), err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%s %s: %w", method, path, ctxErr)
		}
		return nil, retry.Transient(fmt.Sprintf("%s %s: reading response", method, path), err)
	}

	resp := &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       data,
	}

	return resp, c.classify(method, path, resp)
}

func (c *Client) classify(method, path string, resp *Response) error {
	code := resp.StatusCode

	switch {
	case code < 400:
		return nil

	case code == nethttp.StatusTooManyRequests:
		ev := c.logger.Warn().Str("method", method).Str("path", path)
		if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
			ev = ev.Str("retry_after", retryAfter)
		}
		if remaining := resp.Header.Get("X-RateLimit-Remaining"); remaining != "" {
			ev = ev.Str("ratelimit_remaining", remaining)
		}
		ev.Msg("throttled by server")
		return fmt.Errorf("%s %s: %w", method, path, retry.ErrRateLimited)

	case code == nethttp.StatusRequestTimeout || code >= 500:
		return retry.Transient(statusReason(method, path, resp), nil)

	default:
		return retry.Fatal(statusReason(method, path, resp), nil)
	}
}

func (c *Client) resolve(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path
}

// statusReason is a human-readable failure reason with a short body excerpt.
func statusReason(method, path string, resp *Response) string {
	reason := fmt.Sprintf("%s %s: status %d", method, path, resp.StatusCode)
	excerpt := strings.TrimSpace(string(resp.Body))
	if excerpt == "" {
		return reason
	}
	if utf8.RuneCountInString(excerpt) > maxReasonRunes {
		excerpt = string([]rune(excerpt)[:maxReasonRunes]) + "..."
	}
	return reason + ": " + excerpt
}
