package utils

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/proxy"

	"taleforge/internal"
)

// RetryConfig defines retry behavior configuration
type RetryConfig struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	Multiplier    float64
	JitterPercent float64
}

// DefaultRetryConfig returns the queue's retry schedule: 3 retries after 2s, 4s and 8s
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   4,
		BaseDelay:     1 * time.Second,
		MaxDelay:      30 * time.Second,
		Multiplier:    2.0,
		JitterPercent: 0,
	}
}

// Delay returns the backoff before the given retry (1-based): BaseDelay * Multiplier^retry
func (rc *RetryConfig) Delay(retry int) time.Duration {
	if retry < 1 {
		return 0
	}
	delay := float64(rc.BaseDelay) * math.Pow(rc.Multiplier, float64(retry))

	if rc.JitterPercent > 0 {
		delay += delay * rc.JitterPercent * (rand.Float64()*2 - 1)
	}

	if rc.MaxDelay > 0 && delay > float64(rc.MaxDelay) {
		delay = float64(rc.MaxDelay)
	}
	if delay < 0 {
		delay = float64(rc.BaseDelay)
	}

	return time.Duration(delay)
}

// HTTPClientConfig contains configuration for the HTTP client
type HTTPClientConfig struct {
	Timeout   time.Duration
	ProxyURL  string
	UserAgent string
	// DefaultRetryAfter applies to 429 responses without a usable Retry-After header
	DefaultRetryAfter time.Duration
}

// HTTPClient performs single gateway requests. Retries belong to the caller.
type HTTPClient struct {
	client            *http.Client
	userAgent         string
	defaultRetryAfter time.Duration
}

const defaultUserAgent = "taleforge/1.0"

// NewHTTPClient creates a new HTTP client with default configuration
func NewHTTPClient() *HTTPClient {
	client, _ := NewHTTPClientWithConfig(&HTTPClientConfig{Timeout: 60 * time.Second})
	return client
}

// NewHTTPClientWithConfig creates a new HTTP client with custom configuration
func NewHTTPClientWithConfig(config *HTTPClientConfig) (*HTTPClient, error) {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}

	if config.ProxyURL != "" {
		if err := configureProxy(transport, config.ProxyURL); err != nil {
			return nil, internal.NewValidationErrorWithValue("proxy", err.Error(), config.ProxyURL).
				WithSuggestion("Use http://, https:// or socks5:// proxy URLs")
		}
	}

	userAgent := config.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	retryAfter := config.DefaultRetryAfter
	if retryAfter <= 0 {
		retryAfter = time.Hour
	}

	return &HTTPClient{
		client: &http.Client{
			Transport: transport,
			Timeout:   config.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
		userAgent:         userAgent,
		defaultRetryAfter: retryAfter,
	}, nil
}

// configureProxy sets up proxy configuration for the transport
func configureProxy(transport *http.Transport, proxyURL string) error {
	parsedURL, err := url.Parse(proxyURL)
	if err != nil {
		return fmt.Errorf("invalid proxy URL: %w", err)
	}

	switch parsedURL.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(parsedURL)
	case "socks5":
		var auth *proxy.Auth
		if parsedURL.User != nil {
			password, _ := parsedURL.User.Password()
			auth = &proxy.Auth{User: parsedURL.User.Username(), Password: password}
		}
		dialer, err := proxy.SOCKS5("tcp", parsedURL.Host, auth, proxy.Direct)
		if err != nil {
			return fmt.Errorf("failed to create SOCKS5 proxy: %w", err)
		}
		if ctxDialer, ok := dialer.(proxy.ContextDialer); ok {
			transport.DialContext = ctxDialer.DialContext
		} else {
			transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		}
	default:
		return fmt.Errorf("unsupported proxy scheme: %s", parsedURL.Scheme)
	}

	return nil
}

// Do sends req once, logging request and response at debug level. The body of a
// successful (2xx) response is left open for the caller; any other status is
// drained, closed and returned as a classified *internal.GatewayError.
func (c *HTTPClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	req = req.WithContext(ctx)
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	logger := internal.GetLogger()
	logger.LogHTTPRequest(req)

	resp, err := c.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(ctxErr, context.DeadlineExceeded) {
			return nil, ctxErr
		}
		if IsTimeoutError(err) {
			return nil, internal.NewNetworkTimeoutError(req.Method+" "+req.URL.Path, err).WithURL(req.URL.String())
		}
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Redacted(), err)
	}
	logger.LogHTTPResponse(resp)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return nil, ClassifyResponse(resp, strings.TrimSpace(string(snippet)), c.defaultRetryAfter)
}

// ClassifyResponse maps a non-2xx gateway response to a typed error
func ClassifyResponse(resp *http.Response, body string, defaultRetryAfter time.Duration) *internal.GatewayError {
	code := resp.StatusCode
	var gwErr *internal.GatewayError

	switch {
	case code == http.StatusTooManyRequests:
		retryAfter := ParseRetryAfter(resp.Header.Get("Retry-After"), defaultRetryAfter)
		gwErr = internal.NewRateLimitError(int(retryAfter / time.Second))
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		gwErr = internal.NewGatewayError(code, "Credential rejected", internal.ErrAuthRequired)
	case code == http.StatusNotFound:
		gwErr = internal.NewGatewayError(code, "Content not found", internal.ErrNotFound)
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		gwErr = internal.NewGatewayError(code, "Gateway timed out", internal.ErrNetworkTimeout)
	case code >= 500:
		gwErr = internal.NewGatewayError(code, "Gateway server error", internal.ErrInvalidResponse)
	default:
		gwErr = internal.NewGatewayError(code, "Unexpected gateway response", internal.ErrInvalidResponse)
	}

	if resp.Request != nil && resp.Request.URL != nil {
		gwErr.WithURL(resp.Request.URL.String())
	}
	if body != "" {
		gwErr.WithContext("body", body)
	}
	return gwErr
}

// ParseRetryAfter reads a Retry-After header given in seconds or as an HTTP date
func ParseRetryAfter(value string, fallback time.Duration) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds <= 0 {
			return fallback
		}
		return time.Duration(seconds) * time.Second
	}
	if when, err := http.ParseTime(value); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return fallback
}

// IsTimeoutError reports whether err is a network or deadline timeout
func IsTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}
