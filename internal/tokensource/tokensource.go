package tokensource

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

	"golang.org/x/oauth2"
)

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	baseTransport http.RoundTripper
}

// WithTransport sets a custom base transport for requests to the authorization server.
// If not provided, http.DefaultTransport is used.
func WithTransport(transport http.RoundTripper) Option {
	return func(c *clientOptions) {
		c.baseTransport = transport
	}
}

// Client performs OAuth2 grants against the upstream authorization server.
type Client struct {
	cfg        Config
	oauth      *oauth2.Config
	httpClient *http.Client
}

// New creates a Client for cfg.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	o := &clientOptions{baseTransport: http.DefaultTransport}
	for _, opt := range opts {
		opt(o)
	}

	transport := o.baseTransport
	if cfg.JSONRequests {
		transport = &jsonRequestTransport{base: transport}
	}

	return &Client{
		cfg:   cfg,
		oauth: cfg.oauth2Config(),
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
	}, nil
}

// withHTTPClient hands our client to x/oauth2, which picks it up from the context.
func (c *Client) withHTTPClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// Refresh exchanges refreshToken for a new token. Rotating servers return a new refresh
// token; otherwise the old one is carried over.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("%w: empty refresh token", ErrRefreshRejected)
	}

	tok, err := c.oauth.TokenSource(c.withHTTPClient(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, c.classify(ctx, "refresh", err)
	}
	return tok, nil
}

// DeviceAuth starts a device authorization request.
func (c *Client) DeviceAuth(ctx context.Context) (*oauth2.DeviceAuthResponse, error) {
	if c.cfg.DeviceAuthURL == "" {
		return nil, errors.New("device authorization url not configured")
	}

	var opts []oauth2.AuthCodeOption
	if c.cfg.Audience != "" {
		opts = append(opts, oauth2.SetAuthURLParam("audience", c.cfg.Audience))
	}
	resp, err := c.oauth.DeviceAuth(c.withHTTPClient(ctx), opts...)
	if err != nil {
		return nil, c.classify(ctx, "device authorization", err)
	}
	return resp, nil
}

// ExchangeDeviceCode makes exactly one device-code token request. Unlike
// oauth2.Config.DeviceAccessToken it never waits or loops: pending authorizations come
// back as *OAuthError with CodeAuthorizationPending or CodeSlowDown.
func (c *Client) ExchangeDeviceCode(ctx context.Context, deviceCode string) (*oauth2.Token, error) {
	v := url.Values{
		"grant_type":  {DeviceCodeGrantType},
		"device_code": {deviceCode},
		"client_id":   {c.cfg.ClientID},
	}
	if c.cfg.ClientSecret != "" {
		v.Set("client_secret", c.cfg.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(v.Encode()))
	if err != nil {
		return nil, fmt.Errorf("creating device token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.classify(ctx, "device token", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, c.classify(ctx, "device token", err)
	}

	var d struct {
		AccessToken  string `json:"access_token"`
		TokenType    string `json:"token_type"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
		OAuthError
	}
	if err := json.Unmarshal(body, &d); err != nil {
		if IsTemporary(resp.StatusCode) {
			return nil, fmt.Errorf("%w: device token: %s", ErrTransient, resp.Status)
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformedResponse, resp.Status, err)
	}
	if d.Code != "" {
		d.OAuthError.StatusCode = resp.StatusCode
		return nil, &d.OAuthError
	}
	if IsTemporary(resp.StatusCode) {
		return nil, fmt.Errorf("%w: device token: %s", ErrTransient, resp.Status)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 || d.AccessToken == "" {
		return nil, fmt.Errorf("%w: %s", ErrMalformedResponse, resp.Status)
	}

	tok := &oauth2.Token{
		AccessToken:  d.AccessToken,
		TokenType:    d.TokenType,
		RefreshToken: d.RefreshToken,
		ExpiresIn:    d.ExpiresIn,
	}
	if d.ExpiresIn > 0 {
		tok.Expiry = time.Now().Add(time.Duration(d.ExpiresIn) * time.Second)
	}
	return tok, nil
}

// classify maps an error from the authorization server onto the package sentinels.
func (c *Client) classify(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}

	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		if IsTemporary(status) {
			return fmt.Errorf("%w: %s: %w", ErrTransient, op, err)
		}
		if op == "refresh" {
			return fmt.Errorf("%w: %w", ErrRefreshRejected, &OAuthError{
				Code:        re.ErrorCode,
				Description: re.ErrorDescription,
				StatusCode:  status,
			})
		}
		return &OAuthError{Code: re.ErrorCode, Description: re.ErrorDescription, StatusCode: status}
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %s: %w", ErrTransient, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// jsonRequestTransport converts x/oauth2's form-encoded token requests to JSON for
// providers whose token endpoint only accepts JSON bodies.
type jsonRequestTransport struct {
	base http.RoundTripper
}

// Compile-time check that jsonRequestTransport implements http.RoundTripper.
var _ http.RoundTripper = (*jsonRequestTransport)(nil)

func (t *jsonRequestTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Body == nil {
		return t.base.RoundTrip(req)
	}
	// We consume the body entirely and send a new one, so close the original here.
	defer func() { _ = req.Body.Close() }()
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}

	formData, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("parsing form data: %w", err)
	}

	jsonData := make(map[string]string, len(formData))
	for key, values := range formData {
		jsonData[key] = values[0] // OAuth2 parameters are single-valued
	}

	jsonBody, err := json.Marshal(jsonData)
	if err != nil {
		return nil, fmt.Errorf("marshaling JSON request: %w", err)
	}

	newReq := req.Clone(req.Context())
	newReq.Body = io.NopCloser(bytes.NewReader(jsonBody))
	newReq.ContentLength = int64(len(jsonBody))
	newReq.Header.Set("Content-Type", "application/json")

	return t.base.RoundTrip(newReq)
}
