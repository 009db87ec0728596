// Package upstream provides the resilient HTTP client used for calls to the
// process engine and the policy decision point.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/taskgate/internal/config"
	"github.com/pitabwire/taskgate/internal/observability"
	"github.com/pitabwire/taskgate/model"
)

const maxResponseBytes = 10 << 20

// Options configures a Client.
type Options struct {
	// Name labels metrics, spans and logs, e.g. "flowable" or "cerbos".
	Name           string
	BaseURL        string
	Timeout        time.Duration
	CircuitBreaker config.CircuitBreakerConfig
	Retry          config.RetryConfig
	Username       string
	Password       string
	Logger         *zap.Logger
	Metrics        *observability.Metrics
	// HTTPClient overrides the default transport; used by tests.
	HTTPClient *http.Client
}

// Request describes a single upstream call. Body is JSON-encoded unless
// RawBody is set.
type Request struct {
	Method      string
	Path        string
	Query       url.Values
	Body        any
	RawBody     []byte
	ContentType string
	Header      http.Header
}

// StatusError is returned when the upstream answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(string(e.Body))
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, body)
}

// StatusCode returns the HTTP status of err when it is a StatusError.
func StatusCode(err error) (int, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode, true
	}
	return 0, false
}

// Client executes JSON requests against one upstream with circuit breaking,
// retries with exponential backoff, trace propagation and metrics.
type Client struct {
	name     string
	baseURL  string
	username string
	password string
	retry    config.RetryConfig
	http     *http.Client
	breaker  *CircuitBreaker
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// New creates a Client.
func New(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxConnsPerHost:     50,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		name:     opts.Name,
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		username: opts.Username,
		password: opts.Password,
		retry:    opts.Retry,
		http:     hc,
		logger:   logger.With(zap.String("upstream", opts.Name)),
		metrics:  opts.Metrics,
	}
	c.breaker = NewCircuitBreaker(opts.CircuitBreaker, func(s BreakerState) {
		c.metrics.SetUpstreamCircuitBreakerState(c.name, float64(s))
		if s == BreakerOpen {
			c.logger.Warn("circuit breaker opened")
		}
	})
	return c
}

// Name returns the upstream label.
func (c *Client) Name() string { return c.name }

// Breaker exposes the client's circuit breaker.
func (c *Client) Breaker() *CircuitBreaker { return c.breaker }

// Check reports the upstream as unhealthy while its breaker is open.
func (c *Client) Check(_ context.Context) error {
	if c.breaker.State() == BreakerOpen {
		return ErrCircuitOpen
	}
	return nil
}

// Do executes req and decodes a JSON response into out when out is non-nil.
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	respBody, err := c.DoRaw(ctx, req)
	if err != nil {
		return err
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("upstream %s: decode response: %w", c.name, err)
		}
	}
	return nil
}

// DoRaw executes req and returns the undecoded response body.
func (c *Client) DoRaw(ctx context.Context, req Request) (_ []byte, err error) {
	ctx, span := observability.StartSpan(ctx, "upstream."+c.name+" "+req.Method,
		observability.AttrUpstream.String(c.name),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	var body []byte
	contentType := req.ContentType
	switch {
	case req.RawBody != nil:
		body = req.RawBody
	case req.Body != nil:
		body, err = json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("upstream %s: marshal body: %w", c.name, err)
		}
		if contentType == "" {
			contentType = "application/json"
		}
	}

	return c.executeWithRetry(ctx, req, contentType, body)
}

func (c *Client) executeWithRetry(ctx context.Context, req Request, contentType string, body []byte) ([]byte, error) {
	maxAttempts := c.retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	canRetry := isIdempotentMethod(req.Method) || !c.retry.IdempotentOnly

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			c.metrics.RecordUpstreamRetry(c.name)
			select {
			case <-ctx.Done():
				return nil, model.NewBackendTimeoutError()
			case <-time.After(calculateBackoff(c.retry, attempt)):
			}
		}

		respBody, err := c.executeOnce(ctx, req, contentType, body)
		if err == nil {
			return respBody, nil
		}
		lastErr = err
		if !canRetry || !isRetryable(err) {
			return nil, err
		}
		c.logger.Debug("retrying upstream call",
			zap.String("method", req.Method),
			zap.String("path", req.Path),
			zap.Int("attempt", attempt+1),
			zap.Int("max", maxAttempts),
			zap.Error(err),
		)
	}
	return nil, lastErr
}

func (c *Client) executeOnce(ctx context.Context, req Request, contentType string, body []byte) ([]byte, error) {
	if err := c.breaker.Allow(); err != nil {
		return nil, model.NewBackendUnavailableError()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.buildURL(req), reader)
	if err != nil {
		return nil, fmt.Errorf("upstream %s: build request: %w", c.name, err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(sanitizeHeader(k), sanitizeHeader(v))
		}
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if c.username != "" {
		httpReq.SetBasicAuth(c.username, c.password)
	}
	if rctx := model.RequestContextFrom(ctx); rctx != nil && rctx.CorrelationID != "" {
		httpReq.Header.Set("X-Correlation-Id", sanitizeHeader(rctx.CorrelationID))
	}
	observability.InjectTraceHeaders(ctx, httpReq.Header)

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.breaker.RecordFailure()
		c.metrics.RecordUpstreamRequest(c.name, req.Method, 0, time.Since(start))
		if ctx.Err() != nil {
			return nil, model.NewBackendTimeoutError()
		}
		if isConnectionError(err) {
			return nil, model.NewBackendUnavailableError()
		}
		return nil, fmt.Errorf("upstream %s: request failed: %w", c.name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	c.metrics.RecordUpstreamRequest(c.name, req.Method, resp.StatusCode, time.Since(start))
	if err != nil {
		c.breaker.RecordFailure()
		return nil, fmt.Errorf("upstream %s: read response: %w", c.name, err)
	}

	switch {
	case resp.StatusCode >= 500:
		c.breaker.RecordFailure()
	default:
		// 4xx are caller errors, not infrastructure failures.
		c.breaker.RecordSuccess()
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: respBody}
	}
	return respBody, nil
}

func (c *Client) buildURL(req Request) string {
	u := c.baseURL + req.Path
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}
	return u
}

// sanitizeHeader strips newlines and carriage returns to prevent header injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}

func isIdempotentMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodPut, http.MethodDelete,
		http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isRetryable(err error) bool {
	if code, ok := StatusCode(err); ok {
		return isRetryableStatus(code)
	}
	// Breaker-open, unreachable and timeout envelopes are final.
	var env *model.ErrorEnvelope
	return !errors.As(err, &env)
}

func isConnectionError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func calculateBackoff(cfg config.RetryConfig, attempt int) time.Duration {
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 100 * time.Millisecond
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 2
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 2 * time.Second
	}

	delay := cfg.BackoffInitial
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * cfg.BackoffMultiplier)
		if delay > cfg.BackoffMax {
			return cfg.BackoffMax
		}
	}
	return delay
}
