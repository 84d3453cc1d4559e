// Package app wires configuration, token storage and the provider session
// together and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/florianilch/forcesession/internal/config"
	"github.com/florianilch/forcesession/internal/session"
	"github.com/florianilch/forcesession/internal/tokensource"
	"github.com/florianilch/forcesession/internal/tokenstore"
)

// shutdownTimeout bounds the shutdown hooks run after a command finished.
const shutdownTimeout = 5 * time.Second

// App builds sessions from configuration and runs the registered shutdown
// hooks when a command is done with them.
type App struct {
	cfg        *config.Config
	store      tokenstore.Store
	httpClient *http.Client
	browser    session.BrowserOpener

	shutdownFuncs []func(context.Context) error
}

// Option configures an App.
type Option func(*App)

// WithHTTPClient sets the client used for every provider request.
func WithHTTPClient(client *http.Client) Option {
	return func(a *App) {
		a.httpClient = client
	}
}

// WithBrowser replaces the system browser used by the interactive flow.
func WithBrowser(browser session.BrowserOpener) Option {
	return func(a *App) {
		a.browser = browser
	}
}

// New creates an App and opens the configured token store.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	store, err := cfg.Storage.NewTokenStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open token store: %w", err)
	}

	a := &App{
		cfg:   cfg,
		store: store,
	}
	for _, opt := range opts {
		opt(a)
	}

	return a, nil
}

// OnShutdown registers fn to run when Run returns. Hooks run in reverse order.
func (a *App) OnShutdown(fn func(context.Context) error) {
	a.shutdownFuncs = append(a.shutdownFuncs, fn)
}

// Store returns the token store, or nil when caching is disabled.
func (a *App) Store() tokenstore.Store {
	return a.store
}

// SessionOptions translates the configuration into session options.
func (a *App) SessionOptions() (session.Options, error) {
	auth := a.cfg.Auth

	opts := session.Options{
		Credentials: session.Credentials{
			ClientID:     auth.ClientID,
			ClientSecret: auth.ClientSecret,
			Username:     auth.Username,
			Password:     auth.Password,
			CustomDomain: auth.CustomDomain,
			Sandbox:      auth.Sandbox,
		},
		Callback: session.CallbackSettings{
			Host: a.cfg.Callback.Host,
			Port: a.cfg.Callback.Port,
		},
		CallbackTimeout:           a.cfg.Callback.Timeout,
		Domain:                    auth.Domain,
		Store:                     a.store,
		IgnoreCachedRefreshTokens: auth.IgnoreCachedRefreshTokens,
		ForceExternalFlow:         auth.ForceExternalFlow,
		Version:                   auth.Version,
		HTTPClient:                a.httpClient,
		Browser:                   a.browser,
	}

	if auth.AssertionKeyFile != "" {
		pemKey, err := os.ReadFile(auth.AssertionKeyFile)
		if err != nil {
			return session.Options{}, fmt.Errorf("reading assertion key: %w", err)
		}
		assertion, err := tokensource.NewJWTAssertion(auth.ClientID, auth.Username, pemKey)
		if err != nil {
			return session.Options{}, err
		}
		opts.Assertion = assertion
	}

	return opts, nil
}

// Session creates an authenticated session from the configuration.
func (a *App) Session(ctx context.Context) (*session.Session, error) {
	opts, err := a.SessionOptions()
	if err != nil {
		return nil, err
	}

	s, err := session.New(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	slog.InfoContext(ctx, "session ready",
		"identity", s.Identity(),
		"flow", s.Flow().String(),
		"state", s.State().String(),
	)
	return s, nil
}

// Run creates a session, passes it to fn and then runs the shutdown hooks.
// Hook failures are joined with fn's error.
func (a *App) Run(ctx context.Context, fn func(context.Context, *session.Session) error) error {
	var runtimeErr error

	s, err := a.Session(ctx)
	if err != nil {
		runtimeErr = err
	} else {
		runtimeErr = fn(ctx, s)
	}

	return errors.Join(runtimeErr, a.Shutdown(ctx))
}

// Shutdown runs the registered hooks in reverse order, each at most once.
// It outlives ctx's cancellation so that logs still get flushed on interrupt.
func (a *App) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var errs []error
	for i := len(a.shutdownFuncs) - 1; i >= 0; i-- {
		if err := a.shutdownFuncs[i](shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "shutdown hook failed", "error", err)
			errs = append(errs, err)
		}
	}
	a.shutdownFuncs = nil

	return errors.Join(errs...)
}
