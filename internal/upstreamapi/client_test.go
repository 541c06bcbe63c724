package upstreamapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer at-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/v1/user/status":
			_, _ = w.Write([]byte(`{"online":true}`))
		case "/v1/card/family/library":
			_, _ = w.Write([]byte(`{"cards":[]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client, err := New(srv.URL + "/v1")
	require.NoError(t, err)
	f := NewFetcher(client, "/user/status", "card/family/library")

	status, err := f.FetchStatus(context.Background(), "at-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"online":true}`, string(status))

	lib, err := f.FetchLibrary(context.Background(), "at-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"cards":[]}`, string(lib))

	_, err = f.FetchStatus(context.Background(), "stale")
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestGetClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		transient bool
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, body: "slow down", transient: true},
		{name: "server error", status: http.StatusBadGateway, body: "bad gateway", transient: true},
		{name: "not found", status: http.StatusNotFound, body: "nope"},
		{name: "not json", status: http.StatusOK, body: "<html>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			client, err := New(srv.URL)
			require.NoError(t, err)

			_, err = client.Get(context.Background(), "at", "/x")
			require.Error(t, err)
			assert.Equal(t, tt.transient, errors.Is(err, ErrTransient))
		})
	}
}

func TestGetTimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	client, err := New(srv.URL, WithTimeout(50*time.Millisecond))
	require.NoError(t, err)

	_, err = client.Get(context.Background(), "at", "/slow")
	require.ErrorIs(t, err, ErrTransient)
}

func TestRateLimitHonoursContext(t *testing.T) {
	client, err := New("https://api.example.com", WithRateLimit(rate.Every(time.Hour), 1))
	require.NoError(t, err)
	client.limiter.Allow()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = client.Get(ctx, "at", "/x")
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewRejectsRelativeURL(t *testing.T) {
	_, err := New("/just/a/path")
	require.Error(t, err)
}
