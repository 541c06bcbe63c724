// Package devicecode drives the OAuth2 device authorization grant (RFC 8628) as an
// externally paced state machine. Start obtains a user code; each Poll makes exactly one
// token-exchange attempt and reports where the flow stands. Nothing here sleeps or loops:
// callers decide when to poll again.
package devicecode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/florianilch/yotokeeper/internal/tokensource"
	"github.com/florianilch/yotokeeper/internal/tokenstore"
)

const (
	// DefaultExpiresIn applies when the server does not say how long the code lives.
	DefaultExpiresIn = 300 * time.Second
	// DefaultInterval applies when the server does not advertise a polling interval.
	DefaultInterval = 5 * time.Second
	// SlowDownStep is added to the interval on every slow_down response.
	SlowDownStep = 5 * time.Second

	startTimeout = 10 * time.Second
	pollTimeout  = 10 * time.Second
)

// ErrNoRefreshToken means the server granted an access token without a refresh token,
// which cannot keep the account authenticated.
var ErrNoRefreshToken = errors.New("token response carries no refresh token")

// Status is where a device authorization stands after a poll.
type Status int

const (
	StatusPending Status = iota
	StatusSuccess
	StatusExpired
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusExpired:
		return "expired"
	case StatusError:
		return "error"
	default:
		return "pending"
	}
}

// MarshalText renders the status as its lowercase name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Authorization is what the user needs to complete the flow.
type Authorization struct {
	DeviceCode              string        `json:"device_code"`
	UserCode                string        `json:"user_code"`
	VerificationURI         string        `json:"verification_uri"`
	VerificationURIComplete string        `json:"verification_uri_complete,omitempty"`
	ExpiresIn               time.Duration `json:"-"`
	PollInterval            time.Duration `json:"-"`
	StartedAt               time.Time     `json:"started_at"`
}

// Expired reports whether the authorization's lifetime has elapsed at now.
func (a Authorization) Expired(now time.Time) bool {
	return !now.Before(a.StartedAt.Add(a.ExpiresIn))
}

// PollResult is the outcome of one Poll.
type PollResult struct {
	Status Status
	// Interval is the minimum wait before the next poll.
	Interval time.Duration
}

// Exchanger is the part of the upstream OAuth client the flow needs.
type Exchanger interface {
	DeviceAuth(ctx context.Context) (*oauth2.DeviceAuthResponse, error)
	ExchangeDeviceCode(ctx context.Context, deviceCode string) (*oauth2.Token, error)
}

// Saver persists a freshly granted record.
type Saver interface {
	Save(ctx context.Context, accountID string, rec tokenstore.Record) error
}

// session tracks a device code started on this instance.
type session struct {
	auth     Authorization
	status   Status
	interval time.Duration
}

// Flow runs device authorizations for one account.
type Flow struct {
	client    Exchanger
	store     Saver
	accountID string
	onSuccess func(tokenstore.Record)
	now       func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

// Option configures a Flow.
type Option func(*Flow)

// WithSuccessHook registers fn to receive the record after it has been persisted.
func WithSuccessHook(fn func(tokenstore.Record)) Option {
	return func(f *Flow) {
		f.onSuccess = fn
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(f *Flow) {
		f.now = now
	}
}

// New creates a Flow that persists successful grants for accountID through store.
func New(client Exchanger, store Saver, accountID string, opts ...Option) (*Flow, error) {
	if client == nil {
		return nil, fmt.Errorf("missing oauth client")
	}
	if store == nil {
		return nil, fmt.Errorf("missing token store")
	}
	f := &Flow{
		client:    client,
		store:     store,
		accountID: accountID,
		now:       time.Now,
		sessions:  make(map[string]*session),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Start begins a new device authorization.
func (f *Flow) Start(ctx context.Context) (Authorization, error) {
	ctx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()

	resp, err := f.client.DeviceAuth(ctx)
	if err != nil {
		return Authorization{}, fmt.Errorf("starting device authorization: %w", err)
	}
	if resp.DeviceCode == "" || resp.UserCode == "" {
		return Authorization{}, fmt.Errorf("starting device authorization: %w", tokensource.ErrMalformedResponse)
	}

	now := f.now()
	auth := Authorization{
		DeviceCode:              resp.DeviceCode,
		UserCode:                resp.UserCode,
		VerificationURI:         resp.VerificationURI,
		VerificationURIComplete: resp.VerificationURIComplete,
		ExpiresIn:               DefaultExpiresIn,
		PollInterval:            DefaultInterval,
		StartedAt:               now,
	}
	if !resp.Expiry.IsZero() {
		if d := resp.Expiry.Sub(now).Round(time.Second); d > 0 {
			auth.ExpiresIn = d
		}
	}
	if resp.Interval > 0 {
		auth.PollInterval = time.Duration(resp.Interval) * time.Second
	}

	f.mu.Lock()
	f.pruneLocked(now)
	f.sessions[auth.DeviceCode] = &session{auth: auth, status: StatusPending, interval: auth.PollInterval}
	f.mu.Unlock()

	slog.InfoContext(ctx, "device authorization started",
		"verification_uri", auth.VerificationURI,
		"expires_in", auth.ExpiresIn,
	)
	return auth, nil
}

// Poll makes one token-exchange attempt for deviceCode. A non-nil error accompanies
// StatusError only.
//
// Device codes started on another instance are unknown here; they are still exchanged,
// but without local expiry tracking.
func (f *Flow) Poll(ctx context.Context, deviceCode string) (PollResult, error) {
	if deviceCode == "" {
		return PollResult{Status: StatusError}, fmt.Errorf("device code cannot be empty")
	}

	f.mu.Lock()
	sess := f.sessions[deviceCode]
	if sess != nil {
		switch {
		case sess.status == StatusSuccess || sess.status == StatusExpired:
			res := PollResult{Status: sess.status, Interval: sess.interval}
			f.mu.Unlock()
			return res, nil
		case sess.auth.Expired(f.now()):
			sess.status = StatusExpired
			res := PollResult{Status: StatusExpired, Interval: sess.interval}
			f.mu.Unlock()
			return res, nil
		}
	}
	interval := DefaultInterval
	if sess != nil {
		interval = sess.interval
	}
	f.mu.Unlock()

	pollCtx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()

	tok, err := f.client.ExchangeDeviceCode(pollCtx, deviceCode)
	if err != nil {
		return f.classify(ctx, deviceCode, interval, err)
	}

	if tok.RefreshToken == "" {
		return PollResult{Status: StatusError, Interval: interval}, ErrNoRefreshToken
	}
	rec := tokenstore.Record{
		RefreshToken: tok.RefreshToken,
		AccessToken:  tok.AccessToken,
		ExpiresAt:    tok.Expiry,
	}
	if err := f.store.Save(ctx, f.accountID, rec); err != nil {
		return PollResult{Status: StatusError, Interval: interval}, fmt.Errorf("persisting device grant: %w", err)
	}
	if f.onSuccess != nil {
		f.onSuccess(rec)
	}

	f.setStatus(deviceCode, StatusSuccess, interval)
	slog.InfoContext(ctx, "device authorization completed", "account", f.accountID)
	return PollResult{Status: StatusSuccess, Interval: interval}, nil
}

func (f *Flow) classify(ctx context.Context, deviceCode string, interval time.Duration, err error) (PollResult, error) {
	var oe *tokensource.OAuthError
	if errors.As(err, &oe) {
		switch oe.Code {
		case tokensource.CodeAuthorizationPending:
			return PollResult{Status: StatusPending, Interval: interval}, nil
		case tokensource.CodeSlowDown:
			interval += SlowDownStep
			f.setStatus(deviceCode, StatusPending, interval)
			return PollResult{Status: StatusPending, Interval: interval}, nil
		case tokensource.CodeExpiredToken, tokensource.CodeAccessDenied:
			f.setStatus(deviceCode, StatusExpired, interval)
			slog.InfoContext(ctx, "device authorization ended", "reason", oe.Code)
			return PollResult{Status: StatusExpired, Interval: interval}, nil
		}
	}

	if isTimeout(err) && ctx.Err() == nil {
		slog.DebugContext(ctx, "device token poll timed out, still pending", "error", err)
		return PollResult{Status: StatusPending, Interval: interval}, nil
	}

	return PollResult{Status: StatusError, Interval: interval}, fmt.Errorf("polling device authorization: %w", err)
}

// setStatus records status for sessions started here and ignores unknown codes.
func (f *Flow) setStatus(deviceCode string, status Status, interval time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sess := f.sessions[deviceCode]; sess != nil {
		sess.status = status
		sess.interval = interval
	}
}

// pruneLocked forgets sessions whose code can no longer be used.
func (f *Flow) pruneLocked(now time.Time) {
	for code, sess := range f.sessions {
		if sess.auth.Expired(now) {
			delete(f.sessions, code)
		}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
