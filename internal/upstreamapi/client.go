// Package upstreamapi performs authenticated reads against the upstream REST API.
package upstreamapi

import (
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

	"golang.org/x/time/rate"
)

const (
	// DefaultTimeout bounds a single API request.
	DefaultTimeout = 15 * time.Second
	// DefaultRate is the steady request rate towards the upstream API.
	DefaultRate = rate.Limit(5)
	// DefaultBurst is the request burst allowed above DefaultRate.
	DefaultBurst = 10

	maxBody = 8 << 20
)

var (
	// ErrUnauthorized means the upstream rejected the bearer token.
	ErrUnauthorized = errors.New("upstream rejected credentials")
	// ErrTransient marks failures worth retrying.
	ErrTransient = errors.New("transient upstream failure")
)

// StatusError is a non-success response from the upstream API.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream responded %d: %s", e.StatusCode, e.Body)
}

// Client issues rate-limited GET requests with a bearer token.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	limiter    *rate.Limiter
	timeout    time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithRateLimit sets the request rate and burst.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(cl *Client) {
		cl.limiter = rate.NewLimiter(r, burst)
	}
}

// WithTimeout bounds every request.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		cl.timeout = d
	}
}

// New creates a Client for the API rooted at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q: scheme and host required", baseURL)
	}

	c := &Client{
		baseURL:    u,
		httpClient: http.DefaultClient,
		limiter:    rate.NewLimiter(DefaultRate, DefaultBurst),
		timeout:    DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the API root.
func (c *Client) BaseURL() *url.URL {
	u := *c.baseURL
	return &u
}

// Get fetches path relative to the base URL and returns the JSON body.
func (c *Client) Get(ctx context.Context, bearer, path string) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for rate limiter: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	target := c.baseURL.JoinPath(strings.TrimPrefix(path, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: GET %s: %w", ErrTransient, path, err)
		}
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", ErrTransient, path, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: GET %s", ErrUnauthorized, path)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: %w", ErrTransient, &StatusError{StatusCode: resp.StatusCode, Body: snippet(body)})
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: snippet(body)}
	}

	if !json.Valid(body) {
		return nil, fmt.Errorf("GET %s: response is not valid JSON", path)
	}
	return json.RawMessage(body), nil
}

func snippet(body []byte) string {
	const limit = 256
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}

// Fetcher reads the account status and content library documents.
type Fetcher struct {
	client      *Client
	statusPath  string
	libraryPath string
}

// NewFetcher creates a Fetcher for the given API paths.
func NewFetcher(client *Client, statusPath, libraryPath string) *Fetcher {
	return &Fetcher{client: client, statusPath: statusPath, libraryPath: libraryPath}
}

// FetchStatus returns the account status document.
func (f *Fetcher) FetchStatus(ctx context.Context, bearer string) (json.RawMessage, error) {
	return f.client.Get(ctx, bearer, f.statusPath)
}

// FetchLibrary returns the content library document.
func (f *Fetcher) FetchLibrary(ctx context.Context, bearer string) (json.RawMessage, error) {
	return f.client.Get(ctx, bearer, f.libraryPath)
}
