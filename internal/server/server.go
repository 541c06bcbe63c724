// Package server exposes the account's authentication over HTTP: status and device
// login routes, cached upstream snapshots, an authenticated reverse proxy to the
// upstream API, and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"github.com/florianilch/yotokeeper/internal/authmanager"
	"github.com/florianilch/yotokeeper/internal/devicecode"
	"github.com/florianilch/yotokeeper/internal/observability"
)

// Auth is the part of the auth manager served over HTTP.
type Auth interface {
	State() authmanager.State
	IsAuthenticated() bool
	ExpiresAt() time.Time
	EnsureAuthenticated(ctx context.Context) error
	Reset()
	CachedStatus(ctx context.Context) (json.RawMessage, error)
	CachedLibrary(ctx context.Context) (json.RawMessage, error)
	TokenSource() oauth2.TokenSource
}

// DeviceFlow drives interactive logins.
type DeviceFlow interface {
	Start(ctx context.Context) (devicecode.Authorization, error)
	Poll(ctx context.Context, deviceCode string) (devicecode.PollResult, error)
}

// Server is the HTTP front of the auth manager.
type Server struct {
	auth    Auth
	flow    DeviceFlow
	metrics *observability.Metrics

	mux    *http.ServeMux
	server *http.Server
}

// Compile-time check that Server implements http.Handler
var _ http.Handler = (*Server)(nil)

// Option configures a Server.
type Option func(*serverOptions)

type serverOptions struct {
	upstream  *url.URL
	metrics   *observability.Metrics
	transport http.RoundTripper
}

// WithUpstream mounts an authenticated reverse proxy to baseURL under /api/.
func WithUpstream(baseURL string) Option {
	return func(o *serverOptions) {
		if u, err := url.Parse(baseURL); err == nil && u.Host != "" {
			o.upstream = u
		}
	}
}

// WithMetrics serves metrics on /metrics and counts device polls.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(o *serverOptions) {
		o.metrics = metrics
	}
}

// WithTransport sets the base transport of the reverse proxy.
func WithTransport(transport http.RoundTripper) Option {
	return func(o *serverOptions) {
		o.transport = transport
	}
}

// New creates the server and its routes.
func New(auth Auth, flow DeviceFlow, opts ...Option) (*Server, error) {
	if auth == nil {
		return nil, fmt.Errorf("missing auth manager")
	}
	if flow == nil {
		return nil, fmt.Errorf("missing device flow")
	}

	o := &serverOptions{transport: http.DefaultTransport}
	for _, opt := range opts {
		opt(o)
	}

	s := &Server{
		auth:    auth,
		flow:    flow,
		metrics: o.metrics,
		mux:     http.NewServeMux(),
	}

	logger := slog.Default()
	handle := func(pattern string, h http.HandlerFunc) {
		s.mux.Handle(pattern, applyMiddlewares(h, Logging(logger), Recovery))
	}

	handle("GET /healthz", s.handleHealth)
	handle("GET /auth/status", s.handleAuthStatus)
	handle("POST /auth/device", s.handleDeviceStart)
	handle("POST /auth/device/poll", s.handleDevicePoll)
	handle("POST /auth/logout", s.handleLogout)
	handle("GET /status", s.snapshotHandler(auth.CachedStatus))
	handle("GET /library", s.snapshotHandler(auth.CachedLibrary))

	if o.metrics != nil {
		s.mux.Handle("GET /metrics", o.metrics.Handler())
	}

	if o.upstream != nil {
		s.mux.Handle("/api/", applyMiddlewares(s.reverseProxy(o.upstream, o.transport),
			Logging(logger),
			Recovery,
		))
	}

	return s, nil
}

// reverseProxy forwards /api/<path> to <upstream>/<path> with the managed bearer token.
func (s *Server) reverseProxy(upstream *url.URL, base http.RoundTripper) http.Handler {
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			pr.Out.Header.Del("Cookie")
		},
		// FlushInterval: -1 flushes as soon as the upstream does, so streamed
		// responses reach the client without buffering delays.
		FlushInterval: -1,
		Transport:     &oauth2.Transport{Source: s.auth.TokenSource(), Base: base},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			s.writeError(r.Context(), w, "proxying upstream request", err)
		},
	}

	return http.StripPrefix("/api", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.auth.EnsureAuthenticated(r.Context()); err != nil {
			s.writeError(r.Context(), w, "authenticating upstream request", err)
			return
		}
		proxy.ServeHTTP(w, r)
	}))
}

// ServeHTTP implements http.Handler interface
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Start starts the HTTP server in the background and returns immediately.
// Returns a channel for runtime errors and a startup error if any.
//
// Startup errors (port in use, permission denied) are returned immediately.
// Runtime errors (network failures during operation) are sent to the error channel.
//
// The caller is responsible for calling Shutdown() to stop the server.
func (s *Server) Start(ctx context.Context, address string) (<-chan error, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	s.server = &http.Server{
		Handler:      s,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // bounds proxied streams too
		IdleTimeout:  90 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)

	go func() {
		err := s.server.Serve(listener)
		// Only report error if not from graceful shutdown
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	return errCh, nil
}

// Shutdown performs graceful shutdown of the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	if err := s.server.Shutdown(ctx); err != nil {
		_ = s.server.Close()
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	return nil
}
