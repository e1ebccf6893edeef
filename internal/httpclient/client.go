// Package httpclient builds the shared outbound *http.Client the
// integration handlers and model providers use, adding per-host rate
// limiting on top of the teacher's plain client construction
// (internal/toolclient.Client).
package httpclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const maxResponseBodyBytes = 1 << 20

// Client wraps http.Client with a per-host token bucket so a single slow
// or bursty downstream (a webhook target, a model API) cannot starve
// delivery capacity for every other host.
type Client struct {
	httpClient *http.Client
	ratePerSec float64
	burst      int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New builds a Client with the given outbound timeout and a per-host
// rate limit of ratePerSec requests/sec (burst equal to ratePerSec
// truncated to a whole number, and at least 1).
func New(timeout time.Duration, ratePerSec float64) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if ratePerSec <= 0 {
		ratePerSec = 5
	}
	burst := int(ratePerSec)
	if burst < 1 {
		burst = 1
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		ratePerSec: ratePerSec,
		burst:      burst,
		limiters:   make(map[string]*rate.Limiter),
	}
}

func (c *Client) limiterFor(host string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Limit(c.ratePerSec), c.burst)
		c.limiters[host] = l
	}
	return l
}

// Wait blocks until the destination host's rate limiter admits one more
// request, without issuing it. Callers that need control over transport
// or TLS settings beyond what Do offers (per-destination InsecureSkipVerify,
// for instance) can rate-limit this way and issue the request themselves.
func (c *Client) Wait(ctx context.Context, host string) error {
	if err := c.limiterFor(host).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", host, err)
	}
	return nil
}

// Do waits for the destination host's rate limiter before issuing req,
// then reads and closes the response body up to maxResponseBodyBytes.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, []byte, error) {
	host := req.URL.Hostname()
	if err := c.limiterFor(host).Wait(ctx); err != nil {
		return nil, nil, fmt.Errorf("rate limit wait for %s: %w", host, err)
	}

	resp, err := c.httpClient.Do(req.WithContext(ctx))
	if err != nil {
		return nil, nil, fmt.Errorf("request to %s: %w", host, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
	if err != nil {
		return resp, nil, fmt.Errorf("read response body from %s: %w", host, err)
	}
	return resp, body, nil
}

// Post is a convenience wrapper for the common JSON-body delivery case.
func (c *Client) Post(ctx context.Context, targetURL string, contentType string, body []byte) (*http.Response, []byte, error) {
	if _, err := url.ParseRequestURI(targetURL); err != nil {
		return nil, nil, fmt.Errorf("invalid target url %q: %w", targetURL, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, strings.NewReader(string(body)))
	if err != nil {
		return nil, nil, fmt.Errorf("build request to %s: %w", targetURL, err)
	}
	req.Header.Set("Content-Type", contentType)
	return c.Do(ctx, req)
}
