// Package gateway is a client for the session endpoints of a locally running
// brokerage gateway. The gateway terminates the real brokerage login; this
// package only checks, initializes, keeps alive and ends the session it holds.
package gateway

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/ibkrgo/gateway-session/app/metrics"
)

const (
	// DefaultBaseURL is where the gateway listens out of the box.
	DefaultBaseURL = "https://localhost:5000/v1/api/"
	DefaultTimeout = 30 * time.Second

	// Version is reported in the User-Agent header.
	Version   = "0.1.0"
	UserAgent = "ibkr-gateway-session/" + Version

	maxBodyBytes = 1 << 20
)

// Config holds configuration for creating a new gateway Client
type Config struct {
	BaseURL    string           // optional - defaults to DefaultBaseURL
	HTTPClient *http.Client     // optional - a jar is attached when it has none
	Timeout    time.Duration    // optional - defaults to DefaultTimeout, ignored with HTTPClient
	Logger     *slog.Logger     // optional - defaults to slog.Default()
	Metrics    *metrics.Manager // optional
}

// Client is the connection context shared by all session calls. It is safe
// for concurrent use: the http.Client and its cookie jar are the only shared
// state.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	logger  *slog.Logger
	metrics *metrics.Manager
}

// New creates a Client. It performs no I/O.
func New(cfg Config) (*Client, error) {
	raw := cfg.BaseURL
	if raw == "" {
		raw = DefaultBaseURL
	}
	base, err := parseBaseURL(raw)
	if err != nil {
		return nil, &ConfigurationError{BaseURL: raw, Err: err}
	}

	httpClient, err := buildHTTPClient(cfg)
	if err != nil {
		return nil, &ConfigurationError{BaseURL: raw, Err: err}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL: base,
		http:    httpClient,
		logger:  logger,
		metrics: cfg.Metrics,
	}, nil
}

// NewWithPort creates a Client for a gateway on localhost at the given port.
func NewWithPort(port int, cfg Config) (*Client, error) {
	cfg.BaseURL = "https://localhost:" + strconv.Itoa(port) + "/v1/api/"
	return New(cfg)
}

// ValidateBaseURL reports whether raw is usable as a gateway base address.
// The returned error is a *ConfigurationError.
func ValidateBaseURL(raw string) error {
	if _, err := parseBaseURL(raw); err != nil {
		return &ConfigurationError{BaseURL: raw, Err: err}
	}
	return nil
}

// BaseURL returns the normalized base address.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// parseBaseURL validates raw and makes sure its path ends in a slash so that
// relative endpoint paths resolve beneath it.
func parseBaseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, errors.New("missing host")
	}
	if port := u.Port(); port != "" {
		if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
			return nil, fmt.Errorf("invalid port %q", port)
		}
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
		u.RawPath = ""
	}
	return u, nil
}

// buildHTTPClient returns a cookie-persisting client. The built-in transport
// skips certificate verification: the gateway only serves a self-signed
// localhost certificate.
func buildHTTPClient(cfg Config) (*http.Client, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	if cfg.HTTPClient != nil {
		hc := *cfg.HTTPClient
		if hc.Jar == nil {
			hc.Jar = jar
		}
		return &hc, nil
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}

	return &http.Client{
		Transport: transport,
		Jar:       jar,
		Timeout:   timeout,
	}, nil
}

// endpoint resolves a relative operation path against the base address.
func (c *Client) endpoint(path string) *url.URL {
	return c.baseURL.ResolveReference(&url.URL{Path: path})
}

// newRequest builds a request carrying the client identification header.
// A non-nil body is sent as JSON.
func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path).String(), reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// do runs one request/response exchange and decodes a 2xx body into out.
func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	start := time.Now()
	status, err := c.exchange(ctx, op, method, path, body, out)
	elapsed := time.Since(start)

	c.metrics.ObserveRequest(op, outcomeOf(err), elapsed)
	if err != nil {
		c.logger.Debug("Gateway call failed", "operation", op, "status", status, "duration", elapsed, "error", err)
		return err
	}
	c.logger.Debug("Gateway call", "operation", op, "status", status, "duration", elapsed)
	return nil
}

func (c *Client) exchange(ctx context.Context, op, method, path string, body, out any) (int, error) {
	// Nothing was sent, so this is not a RequestError.
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, &RequestError{Operation: op, Err: err}
	}
	defer resp.Body.Close()

	data, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, &RequestError{
			Operation:  op,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(data)),
		}
	}
	if readErr != nil {
		return resp.StatusCode, &RequestError{Operation: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", readErr)}
	}

	// No content counts as success; out keeps its zero value.
	if resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, nil
	}

	if err := decodeStrict(data, out); err != nil {
		return resp.StatusCode, &DecodingError{Operation: op, Body: data, Err: err}
	}
	return resp.StatusCode, nil
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.Is(err, ErrDecoding):
		return metrics.OutcomeDecodeError
	case errors.Is(err, ErrUnreachable):
		return metrics.OutcomeUnreachable
	case errors.Is(err, ErrUnauthorized):
		return metrics.OutcomeUnauthorized
	default:
		return metrics.OutcomeRejected
	}
}
