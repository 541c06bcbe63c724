package tokensource

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// DefaultTimeout bounds every request to the authorization server.
const DefaultTimeout = 30 * time.Second

// DeviceCodeGrantType is the RFC 8628 grant type for device-code exchanges.
const DeviceCodeGrantType = "urn:ietf:params:oauth:grant-type:device_code"

// Config describes the upstream OAuth2 client.
type Config struct {
	ClientID string
	// ClientSecret is empty for public clients.
	ClientSecret  string
	DeviceAuthURL string
	TokenURL      string
	Scopes        []string
	// Audience is sent as the "audience" parameter of device authorization requests.
	Audience string
	// JSONRequests re-encodes token endpoint requests as JSON.
	JSONRequests bool
	Timeout      time.Duration
}

func (c Config) validate() error {
	var errs []error
	if c.ClientID == "" {
		errs = append(errs, errors.New("client id cannot be empty"))
	}
	if c.TokenURL == "" {
		errs = append(errs, errors.New("token url cannot be empty"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid oauth client config: %w", errors.Join(errs...))
	}
	return nil
}

func (c Config) oauth2Config() *oauth2.Config {
	style := oauth2.AuthStyleAutoDetect
	if c.ClientSecret == "" {
		style = oauth2.AuthStyleInParams
	}
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Scopes:       c.Scopes,
		Endpoint: oauth2.Endpoint{
			DeviceAuthURL: c.DeviceAuthURL,
			TokenURL:      c.TokenURL,
			AuthStyle:     style,
		},
	}
}
