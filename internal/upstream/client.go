// Package upstream wraps the outbound HTTP path: a pooled transport per
// target, circuit breaking, retry with Retry-After, and credential
// injection. Every proxied call leaves the process through this package.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/reliapi/reliapi/internal/config"
	"github.com/reliapi/reliapi/internal/metrics"
	"github.com/reliapi/reliapi/internal/observability"
	"github.com/reliapi/reliapi/internal/resilience"
	"github.com/reliapi/reliapi/pkg/reliapierr"
)

const (
	maxIdleConns        = 100
	maxIdleConnsPerHost = 20
	dialTimeout         = 5 * time.Second

	// maxBodyBytes caps how much of an upstream response is buffered.
	maxBodyBytes = 10 << 20
)

// hopByHopHeaders are stripped in both directions per RFC 9110.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// Response is a fully buffered upstream reply.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Result pairs the response with what the reliability machinery did to
// produce it.
type Result struct {
	Response *Response
	Retries  int
}

// Client is the per-target outbound client.
type Client struct {
	target  string
	baseURL string
	http    *http.Client
	breaker *resilience.CircuitBreaker
	retry   *resilience.RetryEngine
	auth    *config.AuthConfig
	logger  *observability.Logger
}

// NewClient builds a client for one target with its own pooled transport.
func NewClient(name string, t *config.Target, breaker *resilience.CircuitBreaker, logger *observability.Logger) *Client {
	transport := &http.Transport{
		MaxIdleConns:        maxIdleConns,
		MaxIdleConnsPerHost: maxIdleConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		target:  name,
		baseURL: strings.TrimRight(t.BaseURL, "/"),
		http:    &http.Client{Transport: transport, Timeout: timeout},
		breaker: breaker,
		retry:   resilience.NewRetryEngine(retryMatrix(t.Retry)),
		auth:    t.Auth,
		logger:  logger,
	}
}

func retryMatrix(policies map[string]config.RetryPolicy) map[string]resilience.RetryPolicy {
	if len(policies) == 0 {
		return nil
	}
	matrix := make(map[string]resilience.RetryPolicy, len(policies))
	for class, p := range policies {
		matrix[class] = resilience.RetryPolicy{
			Attempts: p.Attempts,
			Backoff:  p.Backoff,
			Base:     p.Base,
			Max:      p.Max,
		}
	}
	return matrix
}

// Request describes one outbound call. AuthOverride, when set, replaces the
// target's static credential (the key pool uses this).
type Request struct {
	Method       string
	Path         string
	Query        map[string]string
	Headers      map[string]string
	Body         []byte
	AuthOverride map[string]string
}

// Do performs the call with circuit breaking and the retry matrix. The
// returned error is always a *reliapierr.Error.
func (c *Client) Do(ctx context.Context, req Request) (*Result, error) {
	if c.breaker.IsOpen() {
		metrics.CircuitBreakerState.WithLabelValues(c.target).Set(1)
		err := reliapierr.NewNetworkError("circuit breaker open for " + c.target)
		err.Details = map[string]any{"target": c.target}
		return nil, err
	}
	metrics.CircuitBreakerState.WithLabelValues(c.target).Set(0)

	attemptsByClass := make(map[string]int)
	totalAttempts := 0

	for {
		totalAttempts++
		resp, callErr := c.doOnce(ctx, req)

		class, retryAfter := c.classify(resp, callErr)
		if class == "" {
			if callErr != nil {
				return nil, callErr
			}
			return &Result{Response: resp, Retries: totalAttempts - 1}, nil
		}

		attemptsByClass[class]++
		if !c.retry.ShouldRetry(class, attemptsByClass[class], totalAttempts) {
			if callErr != nil {
				return nil, callErr
			}
			return &Result{Response: resp, Retries: totalAttempts - 1}, nil
		}

		metrics.RetriesTotal.WithLabelValues(c.target, class).Inc()
		delay := c.retry.Delay(class, attemptsByClass[class], retryAfter)
		c.logger.Debug("retrying upstream call",
			"target", c.target, "class", class, "attempt", totalAttempts, "delay", delay)

		select {
		case <-ctx.Done():
			return nil, reliapierr.NewNetworkError("request cancelled while waiting to retry")
		case <-time.After(delay):
		}

		if c.breaker.IsOpen() {
			return nil, reliapierr.NewNetworkError("circuit breaker open for " + c.target)
		}
	}
}

// classify maps the outcome of one attempt to a retry class; empty means
// done (success or non-retryable).
func (c *Client) classify(resp *Response, callErr error) (class, retryAfter string) {
	if callErr != nil {
		var rerr *reliapierr.Error
		if errors.As(callErr, &rerr) && rerr.Code == reliapierr.CodeNetworkError {
			if strings.Contains(rerr.Message, "timeout") {
				return resilience.ClassTimeout, ""
			}
			return resilience.ClassNetwork, ""
		}
		return "", ""
	}
	return resilience.ClassifyStatus(resp.StatusCode), resp.Headers.Get("Retry-After")
}

// doOnce performs a single attempt and settles the circuit breaker.
func (c *Client) doOnce(ctx context.Context, req Request) (*Response, error) {
	httpReq, err := c.buildRequest(ctx, req)
	if err != nil {
		return nil, reliapierr.NewBadRequest("build upstream request: " + err.Error())
	}

	start := time.Now()
	httpResp, err := c.http.Do(httpReq)
	metrics.UpstreamDuration.WithLabelValues(c.target).Observe(time.Since(start).Seconds())
	if err != nil {
		c.breaker.RecordFailure()
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, reliapierr.NewNetworkError("upstream timeout: " + c.target)
		}
		return nil, reliapierr.NewNetworkError("upstream connection failed: " + err.Error())
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
	if err != nil {
		c.breaker.RecordFailure()
		return nil, reliapierr.NewNetworkError("read upstream response: " + err.Error())
	}

	switch {
	case httpResp.StatusCode < 400:
		c.breaker.RecordSuccess()
	case httpResp.StatusCode == http.StatusTooManyRequests || httpResp.StatusCode >= 500:
		c.breaker.RecordFailure()
	}

	headers := httpResp.Header.Clone()
	stripHopByHop(headers)

	return &Response{
		StatusCode: httpResp.StatusCode,
		Headers:    headers,
		Body:       body,
	}, nil
}

// Stream opens the upstream call and hands back the live response body.
// The breaker is consulted up front; success or failure is settled on the
// response status since the body outlives this call. The caller owns
// closing the body.
func (c *Client) Stream(ctx context.Context, req Request) (*http.Response, error) {
	if c.breaker.IsOpen() {
		return nil, reliapierr.NewNetworkError("circuit breaker open for " + c.target)
	}

	httpReq, err := c.buildRequest(ctx, req)
	if err != nil {
		return nil, reliapierr.NewBadRequest("build upstream request: " + err.Error())
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		c.breaker.RecordFailure()
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, reliapierr.NewNetworkError("upstream timeout: " + c.target)
		}
		return nil, reliapierr.NewNetworkError("upstream connection failed: " + err.Error())
	}

	if httpResp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
		httpResp.Body.Close()
		if httpResp.StatusCode == http.StatusTooManyRequests || httpResp.StatusCode >= 500 {
			c.breaker.RecordFailure()
		}
		upErr := reliapierr.FromUpstreamStatus(httpResp.StatusCode, "upstream refused stream")
		upErr.Details = map[string]any{"body": truncate(string(body), 512)}
		if ra := httpResp.Header.Get("Retry-After"); ra != "" {
			if d, ok := resilience.ParseRetryAfter(ra); ok {
				upErr.RetryAfterS = d.Seconds()
			}
		}
		return nil, upErr
	}

	c.breaker.RecordSuccess()
	return httpResp, nil
}

func (c *Client) buildRequest(ctx context.Context, req Request) (*http.Request, error) {
	u := c.baseURL + "/" + strings.TrimLeft(req.Path, "/")
	if len(req.Query) > 0 {
		values := url.Values{}
		for k, v := range req.Query {
			values.Set(k, v)
		}
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u += sep + values.Encode()
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u, body)
	if err != nil {
		return nil, err
	}

	for k, v := range req.Headers {
		if isHopByHop(k) {
			continue
		}
		httpReq.Header.Set(k, v)
	}

	if len(req.AuthOverride) > 0 {
		for k, v := range req.AuthOverride {
			httpReq.Header.Set(k, v)
		}
	} else if c.auth != nil && c.auth.APIKey != "" {
		header := c.auth.Header
		if header == "" {
			header = "Authorization"
		}
		httpReq.Header.Set(header, c.auth.Prefix+c.auth.APIKey)
	}

	return httpReq, nil
}

// Breaker exposes the target's circuit breaker for observability.
func (c *Client) Breaker() *resilience.CircuitBreaker { return c.breaker }

// CloseIdleConnections releases pooled connections at shutdown.
func (c *Client) CloseIdleConnections() {
	if t, ok := c.http.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
}

func isHopByHop(name string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}

func stripHopByHop(headers http.Header) {
	for _, h := range hopByHopHeaders {
		headers.Del(h)
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
