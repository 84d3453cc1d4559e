package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/florianilch/forcesession/internal/session"
	"github.com/florianilch/forcesession/internal/tokenstore"
)

// authCommand returns the 'auth' subcommand for managing provider authentication.
func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Manage provider authentication",
		Commands: []*cli.Command{
			authLoginCommand(),
			authLogoutCommand(),
			authURLCommand(),
		},
	}
}

// authLoginCommand returns the 'auth login' subcommand.
func authLoginCommand() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "Log in and cache the refresh token",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "force",
				Usage: "ignore a cached refresh token and run the login flow",
			},
			&cli.BoolFlag{
				Name:  "prompt-password",
				Usage: "read the password from the terminal and use the password flow",
			},
		},
		Action: authLoginAction,
	}
}

// authLogoutCommand returns the 'auth logout' subcommand.
func authLogoutCommand() *cli.Command {
	return &cli.Command{
		Name:   "logout",
		Usage:  "Revoke the session and clear the cached refresh token",
		Action: authLogoutAction,
	}
}

// authURLCommand returns the 'auth url' subcommand.
func authURLCommand() *cli.Command {
	return &cli.Command{
		Name:   "url",
		Usage:  "Print an authorization URL for the external callback flow",
		Action: authURLAction,
	}
}

func authLoginAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if cmd.Bool("force") {
		cfg.Auth.IgnoreCachedRefreshTokens = true
	}
	if cmd.Bool("prompt-password") {
		password, err := readSecureInput(ctx, "Password: ")
		if err != nil {
			return err
		}
		if password == "" {
			return errors.New("password cannot be empty")
		}
		cfg.Auth.Password = password
	}

	application, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}

	w := cmd.Root().Writer
	return application.Run(ctx, func(ctx context.Context, s *session.Session) error {
		if s.State() != session.StateAuthenticated {
			if err := completeExternalLogin(ctx, w, s); err != nil {
				return err
			}
		}

		fmt.Fprintln(w)
		fmt.Fprintln(w, "=== Login Successful ===")
		fmt.Fprintf(w, "Logged in as %s via %s flow\n", s.Identity(), s.Flow())
		fmt.Fprintf(w, "Instance: %s\n", s.InstanceURL())
		return nil
	})
}

// completeExternalLogin hands the authorization URL to the user and resumes
// the session with the redirect URL they paste back.
func completeExternalLogin(ctx context.Context, w io.Writer, s *session.Session) error {
	if s.Flow() != session.FlowExternalCallback {
		return fmt.Errorf("login did not complete, session is %s", s.State())
	}

	fmt.Fprintln(w, "=== Salesforce OAuth Login ===")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "1. Visit this URL in your browser:\n   %s\n\n", s.AuthorizationURL())
	fmt.Fprintln(w, "2. Authorize the application")
	fmt.Fprintln(w, "3. Paste the full URL you were redirected to")

	redirectURL, err := readSecureInput(ctx, "\nEnter redirect URL: ")
	if err != nil {
		return err
	}

	redirectURL = strings.TrimSpace(redirectURL)
	if redirectURL == "" {
		return errors.New("redirect URL cannot be empty")
	}

	if err := s.Resume(ctx, redirectURL); err != nil {
		return fmt.Errorf("failed to complete login: %w", err)
	}
	return nil
}

func authLogoutAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	application, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}

	w := cmd.Root().Writer

	// Without a cached refresh token there is nothing to revoke, and creating
	// a session would start a new login instead.
	if cfg.Auth.AssertionKeyFile == "" {
		cached, err := cachedRefreshToken(ctx, application.Store(), cfg.Auth.Username)
		if err != nil {
			return errors.Join(err, application.Shutdown(ctx))
		}
		if cached == "" {
			fmt.Fprintf(w, "No cached credentials for %s\n", cfg.Auth.Username)
			return application.Shutdown(ctx)
		}
	}

	return application.Run(ctx, func(ctx context.Context, s *session.Session) error {
		if err := s.Logout(ctx); err != nil {
			return fmt.Errorf("failed to log out: %w", err)
		}

		fmt.Fprintln(w)
		fmt.Fprintln(w, "=== Logout Successful ===")
		fmt.Fprintf(w, "Session revoked and credentials for %s cleared\n", s.Identity())
		return nil
	})
}

func cachedRefreshToken(ctx context.Context, store tokenstore.Store, identity string) (string, error) {
	if store == nil {
		return "", nil
	}
	return tokenstore.Lookup(ctx, store, identity)
}

func authURLAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// Forcing the external flow without a cached token makes the session stop
	// at a pending authorization instead of contacting the provider.
	cfg.Auth.ForceExternalFlow = true
	cfg.Auth.IgnoreCachedRefreshTokens = true
	cfg.Auth.Password = ""
	cfg.Auth.AssertionKeyFile = ""

	application, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}

	return application.Run(ctx, func(_ context.Context, s *session.Session) error {
		_, err := fmt.Fprintln(cmd.Root().Writer, s.AuthorizationURL())
		return err
	})
}

// readSecureInput reads user input with hidden display and context cancellation support.
// term.ReadPassword cannot be cancelled, so it runs in its own goroutine.
func readSecureInput(ctx context.Context, prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	defer fmt.Fprintln(os.Stderr)

	type result struct {
		value string
		err   error
	}
	resultCh := make(chan result, 1)

	go func() {
		inputBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		resultCh <- result{value: string(inputBytes), err: err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-resultCh:
		if res.err != nil {
			return "", fmt.Errorf("failed to read input: %w", res.err)
		}
		return res.value, nil
	}
}
