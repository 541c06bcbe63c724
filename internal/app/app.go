package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/florianilch/yotokeeper/internal/authmanager"
	"github.com/florianilch/yotokeeper/internal/devicecode"
	"github.com/florianilch/yotokeeper/internal/observability"
	"github.com/florianilch/yotokeeper/internal/refresher"
	"github.com/florianilch/yotokeeper/internal/refreshlock"
	"github.com/florianilch/yotokeeper/internal/server"
	"github.com/florianilch/yotokeeper/internal/tokensource"
	"github.com/florianilch/yotokeeper/internal/tokenstore"
	"github.com/florianilch/yotokeeper/internal/upstreamapi"
)

// startupAuthTimeout bounds the initial authentication attempt.
const startupAuthTimeout = 30 * time.Second

// App orchestrates the lifecycle of the server and related services. It owns the one
// Manager of the process and injects it everywhere it is needed.
type App struct {
	cfg *Config

	storage   *Storage
	metrics   *observability.Metrics
	manager   *authmanager.Manager
	flow      *devicecode.Flow
	server    *server.Server
	refresher *refresher.Refresher
}

// New wires all components from cfg. Apart from optional schema migrations, no I/O is
// performed until Start.
func New(ctx context.Context, cfg *Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	storage, err := NewStorage(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to create token storage: %w", err)
	}

	a, err := compose(cfg, storage)
	if err != nil {
		_ = storage.Close()
		return nil, err
	}
	return a, nil
}

func compose(cfg *Config, storage *Storage) (*App, error) {
	metrics := observability.NewMetrics()

	oauthClient, err := tokensource.New(cfg.OAuthClientConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create oauth client: %w", err)
	}

	lock, err := refreshlock.New(storage.Chain.Durable(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh lock: %w", err)
	}

	api, err := upstreamapi.New(cfg.Upstream.BaseURL,
		upstreamapi.WithRateLimit(rate.Limit(cfg.Upstream.RateLimit), cfg.Upstream.Burst),
		upstreamapi.WithTimeout(cfg.Upstream.Timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream api client: %w", err)
	}

	manager, err := authmanager.New(cfg.ManagerConfig(), storage.Chain, lock, oauthClient,
		authmanager.WithFetcher(upstreamapi.NewFetcher(api, cfg.Upstream.StatusPath, cfg.Upstream.LibraryPath)),
		authmanager.WithMetrics(metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth manager: %w", err)
	}

	// A completed device login is installed right away instead of waiting for the next reload.
	flow, err := devicecode.New(oauthClient, storage.Chain, cfg.Auth.AccountID,
		devicecode.WithSuccessHook(manager.Adopt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create device flow: %w", err)
	}

	srv, err := server.New(manager, flow,
		server.WithUpstream(cfg.Upstream.BaseURL),
		server.WithMetrics(metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	bg, err := refresher.New(manager, cfg.Auth.RefreshInterval)
	if err != nil {
		return nil, fmt.Errorf("failed to create background refresher: %w", err)
	}

	return &App{
		cfg:       cfg,
		storage:   storage,
		metrics:   metrics,
		manager:   manager,
		flow:      flow,
		server:    srv,
		refresher: bg,
	}, nil
}

// Manager returns the process's auth manager.
func (a *App) Manager() *authmanager.Manager {
	return a.manager
}

// Flow returns the device authorization flow.
func (a *App) Flow() *devicecode.Flow {
	return a.flow
}

// Chain returns the token persistence chain.
func (a *App) Chain() *tokenstore.Chain {
	return a.storage.Chain
}

// Close releases storage resources of an App that was never started.
func (a *App) Close() error {
	return a.storage.Close()
}

// Start starts all services and blocks until shutdown is triggered.
// Uses errgroup for runtime error monitoring and shutdown function collection for coordinated cleanup.
func (a *App) Start(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	address := a.cfg.Address()
	var shutdownFuncs []func(context.Context) error

	shutdownFuncs = append(shutdownFuncs, func(context.Context) error {
		return a.storage.Close()
	})

	a.authenticateAtStartup(gCtx)

	// Startup phase: Start services
	slog.InfoContext(gCtx, "starting server", "address", address)
	serverErrCh, err := a.server.Start(gCtx, address)
	if err != nil {
		_ = a.storage.Close()
		return fmt.Errorf("server startup failed: %w", err)
	}
	shutdownFuncs = append(shutdownFuncs, a.server.Shutdown)

	g.Go(func() error {
		return a.refresher.Run(gCtx)
	})
	shutdownFuncs = append(shutdownFuncs, func(context.Context) error {
		a.refresher.Stop()
		return nil
	})

	// Monitor runtime errors - errgroup cancels context on first error
	g.Go(func() error {
		select {
		case err := <-serverErrCh:
			if err != nil {
				slog.ErrorContext(gCtx, "server runtime error", "error", err)
				return fmt.Errorf("server: %w", err)
			}
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	slog.InfoContext(gCtx, "application ready",
		"address", address,
		"account", a.cfg.Auth.AccountID,
		"state", a.manager.State(),
	)

	runtimeErr := g.Wait()

	slog.InfoContext(gCtx, "shutting down services")

	// Shutdown phase: Stop all services
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Shutdown.Timeout)
	defer cancel()

	var errs []error
	if runtimeErr != nil {
		errs = append(errs, fmt.Errorf("runtime: %w", runtimeErr))
	}

	for i := len(shutdownFuncs) - 1; i >= 0; i-- {
		if err := shutdownFuncs[i](shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "service shutdown failed", "error", err)
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	slog.Info("application stopped")
	return nil
}

// authenticateAtStartup adopts the persisted credential, refreshing it only when it is
// stale. Failures are not fatal: the server still starts so that a device login can be
// completed over HTTP.
func (a *App) authenticateAtStartup(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, startupAuthTimeout)
	defer cancel()

	err := a.manager.EnsureAuthenticated(ctx)
	switch {
	case err == nil:
		slog.InfoContext(ctx, "authenticated at startup", "expires_at", a.manager.ExpiresAt())
	case errors.Is(err, authmanager.ErrNotAuthenticated):
		slog.WarnContext(ctx, "no stored credential, device login required")
	default:
		slog.ErrorContext(ctx, "startup authentication failed", "error", err)
	}
}
