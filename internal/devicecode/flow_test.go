package devicecode

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/florianilch/yotokeeper/internal/tokensource"
	"github.com/florianilch/yotokeeper/internal/tokenstore"
)

// fakeExchanger replays scripted exchange results.
type fakeExchanger struct {
	mu        sync.Mutex
	auth      *oauth2.DeviceAuthResponse
	authErr   error
	results   []exchangeResult
	exchanges int
}

type exchangeResult struct {
	tok *oauth2.Token
	err error
}

func (f *fakeExchanger) DeviceAuth(ctx context.Context) (*oauth2.DeviceAuthResponse, error) {
	return f.auth, f.authErr
}

func (f *fakeExchanger) ExchangeDeviceCode(ctx context.Context, deviceCode string) (*oauth2.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchanges++
	if len(f.results) == 0 {
		return nil, &tokensource.OAuthError{Code: tokensource.CodeAuthorizationPending, StatusCode: 400}
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r.tok, r.err
}

func (f *fakeExchanger) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exchanges
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func oauthErr(code string) exchangeResult {
	return exchangeResult{err: &tokensource.OAuthError{Code: code, StatusCode: 400}}
}

type testFlow struct {
	flow    *Flow
	client  *fakeExchanger
	store   *tokenstore.MemoryStore
	adopted []tokenstore.Record
	now     time.Time
}

func newTestFlow(t *testing.T, results ...exchangeResult) *testFlow {
	t.Helper()
	tf := &testFlow{
		now:   time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC),
		store: tokenstore.NewMemoryStore(nil),
	}
	tf.client = &fakeExchanger{
		auth: &oauth2.DeviceAuthResponse{
			DeviceCode:      "dev-1",
			UserCode:        "ABCD-EFGH",
			VerificationURI: "https://login.example.com/activate",
		},
		results: results,
	}
	chain, err := tokenstore.NewChain(tf.store)
	require.NoError(t, err)

	tf.flow, err = New(tf.client, chain, "acct",
		WithClock(func() time.Time { return tf.now }),
		WithSuccessHook(func(rec tokenstore.Record) { tf.adopted = append(tf.adopted, rec) }),
	)
	require.NoError(t, err)
	return tf
}

func TestStartDefaults(t *testing.T) {
	tf := newTestFlow(t)

	auth, err := tf.flow.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "dev-1", auth.DeviceCode)
	assert.Equal(t, "ABCD-EFGH", auth.UserCode)
	assert.Equal(t, DefaultExpiresIn, auth.ExpiresIn)
	assert.Equal(t, DefaultInterval, auth.PollInterval)
	assert.Equal(t, tf.now, auth.StartedAt)
}

func TestStartUsesAdvertisedValues(t *testing.T) {
	tf := newTestFlow(t)
	tf.client.auth.Expiry = tf.now.Add(15 * time.Minute)
	tf.client.auth.Interval = 8

	auth, err := tf.flow.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, auth.ExpiresIn)
	assert.Equal(t, 8*time.Second, auth.PollInterval)
}

func TestStartFailure(t *testing.T) {
	tf := newTestFlow(t)
	tf.client.authErr = errors.New("connection refused")

	_, err := tf.flow.Start(context.Background())
	require.Error(t, err)
}

func TestPollPendingThenSuccess(t *testing.T) {
	expiry := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	tf := newTestFlow(t,
		oauthErr(tokensource.CodeAuthorizationPending),
		exchangeResult{tok: &oauth2.Token{AccessToken: "at", RefreshToken: "rt", Expiry: expiry}},
	)
	ctx := context.Background()
	_, err := tf.flow.Start(ctx)
	require.NoError(t, err)

	res, err := tf.flow.Poll(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, res.Status)
	assert.Empty(t, tf.adopted)

	res, err = tf.flow.Poll(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)

	// Persisted and handed over exactly once.
	got := tf.store.Get(ctx, "acct")
	require.Equal(t, tokenstore.StatusFound, got.Status)
	assert.Equal(t, "rt", got.Record.RefreshToken)
	assert.Equal(t, "at", got.Record.AccessToken)
	require.Len(t, tf.adopted, 1)

	// Repeated polls are stable and do not hit upstream again.
	res, err = tf.flow.Poll(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 2, tf.client.calls())
	assert.Len(t, tf.adopted, 1)
}

func TestPollSlowDownWidensInterval(t *testing.T) {
	tf := newTestFlow(t, oauthErr(tokensource.CodeSlowDown), oauthErr(tokensource.CodeSlowDown))
	ctx := context.Background()
	_, err := tf.flow.Start(ctx)
	require.NoError(t, err)

	res, err := tf.flow.Poll(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, res.Status)
	assert.Equal(t, DefaultInterval+SlowDownStep, res.Interval)

	res, err = tf.flow.Poll(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, DefaultInterval+2*SlowDownStep, res.Interval)
}

func TestPollTerminalExpiry(t *testing.T) {
	for _, code := range []string{tokensource.CodeExpiredToken, tokensource.CodeAccessDenied} {
		t.Run(code, func(t *testing.T) {
			tf := newTestFlow(t, oauthErr(code))
			ctx := context.Background()
			_, err := tf.flow.Start(ctx)
			require.NoError(t, err)

			res, err := tf.flow.Poll(ctx, "dev-1")
			require.NoError(t, err)
			assert.Equal(t, StatusExpired, res.Status)

			res, err = tf.flow.Poll(ctx, "dev-1")
			require.NoError(t, err)
			assert.Equal(t, StatusExpired, res.Status)
			assert.Equal(t, 1, tf.client.calls())
		})
	}
}

func TestPollAfterLocalExpirySkipsUpstream(t *testing.T) {
	tf := newTestFlow(t)
	ctx := context.Background()
	_, err := tf.flow.Start(ctx)
	require.NoError(t, err)

	tf.now = tf.now.Add(DefaultExpiresIn + time.Second)

	res, err := tf.flow.Poll(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, res.Status)
	assert.Zero(t, tf.client.calls())
}

func TestPollClassification(t *testing.T) {
	tests := []struct {
		name       string
		result     exchangeResult
		wantStatus Status
		wantErr    bool
	}{
		{
			name:       "network timeout stays pending",
			result:     exchangeResult{err: timeoutErr{}},
			wantStatus: StatusPending,
		},
		{
			name:       "deadline stays pending",
			result:     exchangeResult{err: context.DeadlineExceeded},
			wantStatus: StatusPending,
		},
		{
			name:       "unknown oauth error",
			result:     oauthErr("invalid_client"),
			wantStatus: StatusError,
			wantErr:    true,
		},
		{
			name:       "malformed body",
			result:     exchangeResult{err: tokensource.ErrMalformedResponse},
			wantStatus: StatusError,
			wantErr:    true,
		},
		{
			name:       "success without refresh token",
			result:     exchangeResult{tok: &oauth2.Token{AccessToken: "at"}},
			wantStatus: StatusError,
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tf := newTestFlow(t, tt.result)
			ctx := context.Background()
			_, err := tf.flow.Start(ctx)
			require.NoError(t, err)

			res, err := tf.flow.Poll(ctx, "dev-1")
			assert.Equal(t, tt.wantStatus, res.Status)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Empty(t, tf.adopted)
		})
	}
}

func TestPollUnknownDeviceCodeIsStillExchanged(t *testing.T) {
	tf := newTestFlow(t, exchangeResult{tok: &oauth2.Token{AccessToken: "at", RefreshToken: "rt"}})

	res, err := tf.flow.Poll(context.Background(), "started-elsewhere")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 1, tf.client.calls())
	require.Len(t, tf.adopted, 1)
}

func TestStatusMarshalText(t *testing.T) {
	b, err := StatusExpired.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "expired", string(b))
}
