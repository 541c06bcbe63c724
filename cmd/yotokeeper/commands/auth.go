package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/florianilch/yotokeeper/internal/app"
	"github.com/florianilch/yotokeeper/internal/devicecode"
	"github.com/florianilch/yotokeeper/internal/tokenstore"
)

// errLoginExpired is returned when the user did not approve the device code in time.
var errLoginExpired = errors.New("device authorization expired before it was approved")

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "manage the stored credential",
		Commands: []*cli.Command{
			{
				Name:   "login",
				Usage:  "authorize the account with the device-code flow",
				Action: withApp(authLoginAction),
			},
			{
				Name:   "status",
				Usage:  "show where the credential is stored and when its access token expires",
				Action: withApp(authStatusAction),
			},
			{
				Name:   "refresh",
				Usage:  "refresh the stored credential now",
				Action: withApp(authRefreshAction),
			},
			{
				Name:   "logout",
				Usage:  "delete the credential from every configured backend",
				Action: withApp(authLogoutAction),
			},
			{
				Name:  "import",
				Usage: "store a refresh token taken from an environment variable",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "env",
						Usage:    "environment variable holding the refresh token",
						Required: true,
					},
				},
				Action: withApp(authImportAction),
			},
		},
	}
}

type appAction func(ctx context.Context, cmd *cli.Command, a *app.App, cfg *app.Config) error

// withApp composes the app for a one-shot command and releases it afterwards.
func withApp(action appAction) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		cfg, shutdownTelemetry, err := setup(ctx, cmd)
		if err != nil {
			return err
		}
		defer flushTelemetry(shutdownTelemetry)

		a, err := app.New(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to create app: %w", err)
		}
		defer a.Close()

		return action(ctx, cmd, a, cfg)
	}
}

func authLoginAction(ctx context.Context, cmd *cli.Command, a *app.App, cfg *app.Config) error {
	progress := term.IsTerminal(int(os.Stdout.Fd()))
	return runDeviceLogin(ctx, a.Flow(), cmd.Root().Writer, progress)
}

func authStatusAction(ctx context.Context, cmd *cli.Command, a *app.App, cfg *app.Config) error {
	loaded, err := a.Chain().Load(ctx, cfg.Auth.AccountID)
	if errors.Is(err, tokenstore.ErrNotFound) {
		return cli.Exit(fmt.Sprintf("account %s is not authenticated", cfg.Auth.AccountID), 1)
	}
	if err != nil {
		return fmt.Errorf("loading credential: %w", err)
	}
	printStatus(cmd.Root().Writer, cfg.Auth.AccountID, loaded, time.Now())
	return nil
}

func authRefreshAction(ctx context.Context, cmd *cli.Command, a *app.App, cfg *app.Config) error {
	if err := a.Manager().Authenticate(ctx); err != nil {
		return fmt.Errorf("refreshing credential: %w", err)
	}
	fmt.Fprintf(cmd.Root().Writer, "Refreshed. Access token valid until %s.\n",
		a.Manager().ExpiresAt().Local().Format(time.RFC1123))
	return nil
}

func authLogoutAction(ctx context.Context, cmd *cli.Command, a *app.App, cfg *app.Config) error {
	if err := a.Chain().Purge(ctx, cfg.Auth.AccountID); err != nil {
		return fmt.Errorf("deleting credential: %w", err)
	}
	fmt.Fprintf(cmd.Root().Writer, "Logged out account %s.\n", cfg.Auth.AccountID)
	return nil
}

func authImportAction(ctx context.Context, cmd *cli.Command, a *app.App, cfg *app.Config) error {
	src, err := tokenstore.NewEnvStore(cmd.String("env"))
	if err != nil {
		return err
	}
	res := src.Get(ctx, cfg.Auth.AccountID)
	if res.Status != tokenstore.StatusFound {
		return fmt.Errorf("reading refresh token: %w", res.Err)
	}
	if err := a.Chain().Save(ctx, cfg.Auth.AccountID, res.Record); err != nil {
		return fmt.Errorf("storing refresh token: %w", err)
	}
	fmt.Fprintf(cmd.Root().Writer, "Imported refresh token for account %s.\n", cfg.Auth.AccountID)
	return nil
}

// deviceLogin is the part of the device flow the login command drives.
type deviceLogin interface {
	Start(ctx context.Context) (devicecode.Authorization, error)
	Poll(ctx context.Context, deviceCode string) (devicecode.PollResult, error)
}

// runDeviceLogin starts a device authorization and polls it until it settles.
func runDeviceLogin(ctx context.Context, flow deviceLogin, out io.Writer, progress bool) error {
	auth, err := flow.Start(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "To authorize, open %s and enter the code: %s\n", auth.VerificationURI, auth.UserCode)
	if auth.VerificationURIComplete != "" {
		fmt.Fprintf(out, "Or open this link directly: %s\n", auth.VerificationURIComplete)
	}
	fmt.Fprintf(out, "The code expires in %s.\n", auth.ExpiresIn)

	interval := auth.PollInterval
	for {
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		res, err := flow.Poll(ctx, auth.DeviceCode)
		if res.Interval > 0 {
			interval = res.Interval
		}

		switch res.Status {
		case devicecode.StatusPending:
			if progress {
				fmt.Fprint(out, ".")
			}
		case devicecode.StatusSuccess:
			if progress {
				fmt.Fprintln(out)
			}
			fmt.Fprintln(out, "Authorized.")
			return nil
		case devicecode.StatusExpired:
			if progress {
				fmt.Fprintln(out)
			}
			return errLoginExpired
		default:
			if progress {
				fmt.Fprintln(out)
			}
			if err == nil {
				err = errors.New("unknown poll status")
			}
			return fmt.Errorf("device authorization failed: %w", err)
		}
	}
}

func printStatus(out io.Writer, accountID string, loaded tokenstore.Loaded, now time.Time) {
	fmt.Fprintf(out, "Account:   %s\n", accountID)
	fmt.Fprintf(out, "Source:    %s\n", loaded.Source)
	if loaded.Degraded {
		fmt.Fprintln(out, "Warning:   a preferred backend failed, this copy may be stale")
	}

	rec := loaded.Record
	switch {
	case rec.AccessToken == "" || rec.ExpiresAt.IsZero():
		fmt.Fprintln(out, "Access:    none cached, refreshed on first use")
	case rec.ExpiresAt.After(now):
		fmt.Fprintf(out, "Access:    valid for %s\n", rec.ExpiresAt.Sub(now).Round(time.Second))
	default:
		fmt.Fprintf(out, "Access:    expired %s ago\n", now.Sub(rec.ExpiresAt).Round(time.Second))
	}
	if !rec.UpdatedAt.IsZero() {
		fmt.Fprintf(out, "Updated:   %s\n", rec.UpdatedAt.Local().Format(time.RFC1123))
	}
}
