package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/florianilch/forcesession/internal/callback"
	"github.com/florianilch/forcesession/internal/tokensource"
	"github.com/florianilch/forcesession/internal/tokenstore"
)

// placeholderAccessToken stands in for the access token of a session hydrated
// from a cached refresh token until the first refresh replaces it.
const placeholderAccessToken = "pending-refresh"

// Exchanger is the token endpoint capability a Session needs.
// *tokensource.Authorizer implements it.
type Exchanger interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
	PasswordToken(ctx context.Context, username, password string) (*oauth2.Token, error)
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
	AssertionToken(ctx context.Context, assertion string) (*oauth2.Token, error)
	Revoke(ctx context.Context, token string) error
}

var _ Exchanger = (*tokensource.Authorizer)(nil)

// State is where a session is in its token lifecycle.
type State int

const (
	StateUninitialized State = iota
	// StatePendingAuth means an authorization URL was handed out and the
	// redirect has to be passed to Resume.
	StatePendingAuth
	StateAuthenticated
	// StateReauthRequired means the provider rejected the refresh token.
	StateReauthRequired
	StateLoggedOut
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StatePendingAuth:
		return "pending_auth"
	case StateAuthenticated:
		return "authenticated"
	case StateReauthRequired:
		return "reauth_required"
	case StateLoggedOut:
		return "logged_out"
	default:
		return "unknown"
	}
}

// Session is an authenticated session against the provider for one identity.
// Requests may be issued concurrently; only one flow or refresh runs at a time.
// Requests that need a new token wait for the one being obtained.
type Session struct {
	creds           Credentials
	callback        CallbackSettings
	callbackTimeout time.Duration
	flow            Flow
	endpoint        tokensource.Endpoint
	exchanger       Exchanger
	assertion       tokensource.Assertion
	store           tokenstore.Store
	client          *http.Client
	browser         BrowserOpener

	inFlow atomic.Bool

	// renewals coalesces the refreshes and logins triggered by requests.
	renewals singleflight.Group

	mu           sync.Mutex
	state        State
	token        *oauth2.Token
	instanceURL  string
	version      string
	pendingState string
	authURL      string
}

// New creates a session and authenticates it.
//
// With a cached refresh token for the username the session refreshes instead
// of running a flow. A rejected refresh token does not fail New: the flow is
// run again when that needs no human in the loop, otherwise the session is
// returned in StateReauthRequired. In external callback mode without a cached
// token the session is returned in StatePendingAuth.
func New(ctx context.Context, opts Options) (*Session, error) {
	if opts.Credentials.ClientID == "" {
		return nil, errors.New("client id is required")
	}

	opts.setDefaults()
	flow := SelectFlow(opts)

	if flow != FlowAssertion && opts.Credentials.Username == "" {
		return nil, errors.New("username is required")
	}

	endpoint := tokensource.NewEndpoint(opts.Domain, opts.Credentials.Sandbox, opts.Credentials.CustomDomain)

	exchanger := opts.Exchanger
	if exchanger == nil {
		exchanger = tokensource.NewAuthorizer(
			opts.Credentials.ClientID,
			opts.Credentials.ClientSecret,
			opts.Callback.URL(),
			endpoint,
			tokensource.WithHTTPClient(opts.HTTPClient),
		)
	}

	s := &Session{
		creds:           opts.Credentials,
		callback:        opts.Callback,
		callbackTimeout: opts.CallbackTimeout,
		flow:            flow,
		endpoint:        endpoint,
		exchanger:       exchanger,
		assertion:       opts.Assertion,
		store:           opts.Store,
		client:          opts.HTTPClient,
		browser:         opts.Browser,
		version:         opts.Version,
	}

	slog.DebugContext(ctx, "creating session",
		"flow", flow.String(),
		"identity", s.creds.Username,
		"authorize_url", endpoint.AuthURL,
	)

	err := s.exclusive(func() error {
		return s.start(ctx, opts.IgnoreCachedRefreshTokens)
	})
	if reauth, ok := IsReauthenticationRequired(err); ok {
		slog.WarnContext(ctx, "session requires reauthentication",
			"identity", s.creds.Username,
			"reason", reauth.Reason,
		)
		return s, nil
	}
	if err != nil {
		return nil, err
	}

	return s, nil
}

// start authenticates a freshly created session.
func (s *Session) start(ctx context.Context, ignoreCache bool) error {
	if s.flow == FlowAssertion {
		return s.assertionFlow(ctx)
	}

	var cached string
	if s.store != nil && !ignoreCache {
		refreshToken, err := tokenstore.Lookup(ctx, s.store, s.creds.Username)
		if err != nil {
			return err
		}
		cached = refreshToken
	}

	if cached == "" {
		if s.flow == FlowExternalCallback {
			s.mu.Lock()
			s.beginAuthorizationLocked()
			s.state = StatePendingAuth
			s.mu.Unlock()
			return nil
		}
		return s.runFlow(ctx)
	}

	slog.DebugContext(ctx, "using cached refresh token", "identity", s.creds.Username)

	s.mu.Lock()
	s.token = &oauth2.Token{
		TokenType:    "Bearer",
		AccessToken:  placeholderAccessToken,
		RefreshToken: cached,
	}
	s.state = StateAuthenticated
	s.mu.Unlock()

	return s.refresh(ctx)
}

// renew runs fn on behalf of every concurrent request that found the access
// token stale. Requests arriving after a renewal completed find a different
// token and return without running fn again.
func (s *Session) renew(ctx context.Context, stale string, fn func(context.Context) error) error {
	_, err, _ := s.renewals.Do("renew", func() (any, error) {
		s.mu.Lock()
		renewed := s.state == StateAuthenticated && s.token != nil &&
			s.token.AccessToken != "" && s.token.AccessToken != stale
		s.mu.Unlock()
		if renewed {
			return nil, nil
		}

		return nil, s.exclusive(func() error {
			return fn(ctx)
		})
	})
	return err
}

// exclusive runs fn unless another flow or refresh is in progress.
func (s *Session) exclusive(fn func() error) error {
	if !s.inFlow.CompareAndSwap(false, true) {
		return ErrFlowInProgress
	}
	defer s.inFlow.Store(false)
	return fn()
}

// Login runs the session's flow again. In external callback mode it returns a
// *ReauthenticationRequiredError carrying a new authorization URL.
func (s *Session) Login(ctx context.Context) error {
	return s.exclusive(func() error {
		return s.runFlow(ctx)
	})
}

// Refresh obtains a new access token. A rejected refresh token runs the flow
// again in local callback and password mode and returns a
// *ReauthenticationRequiredError otherwise. Assertion sessions mint a new
// assertion instead.
func (s *Session) Refresh(ctx context.Context) error {
	return s.exclusive(func() error {
		return s.refresh(ctx)
	})
}

// Resume completes an interactive login with the redirect URL captured by an
// external callback server.
func (s *Session) Resume(ctx context.Context, redirectURL string) error {
	return s.exclusive(func() error {
		return s.completeAuthorization(ctx, redirectURL)
	})
}

// Logout revokes the session's refresh token (or access token when there is
// none), clears the access token and removes the identity from the store.
// A non-success answer from the provider is returned as
// *tokensource.LogoutError and leaves the session untouched.
func (s *Session) Logout(ctx context.Context) error {
	return s.exclusive(func() error {
		s.mu.Lock()
		var revoke string
		if s.token != nil {
			revoke = s.token.RefreshToken
			if revoke == "" && s.token.AccessToken != placeholderAccessToken {
				revoke = s.token.AccessToken
			}
		}
		s.mu.Unlock()

		if revoke != "" {
			if err := s.exchanger.Revoke(ctx, revoke); err != nil {
				return err
			}
		}

		s.mu.Lock()
		s.token = nil
		s.state = StateLoggedOut
		s.mu.Unlock()

		slog.InfoContext(ctx, "logged out", "identity", s.creds.Username)

		if s.store == nil || s.flow == FlowAssertion {
			return nil
		}
		if err := tokenstore.Forget(ctx, s.store, s.creds.Username); err != nil {
			return fmt.Errorf("removing cached refresh token: %w", err)
		}
		return nil
	})
}

// AuthorizationURL returns the URL the user has to visit to log in. The same
// URL is returned until a login completes.
func (s *Session) AuthorizationURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.authURL == "" {
		s.beginAuthorizationLocked()
	}
	return s.authURL
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Flow returns the flow the session authenticates with.
func (s *Session) Flow() Flow {
	return s.flow
}

// Identity returns the username the session acts for.
func (s *Session) Identity() string {
	return s.creds.Username
}

// Endpoint returns the provider endpoints the session talks to.
func (s *Session) Endpoint() tokensource.Endpoint {
	return s.endpoint
}

// Token returns a copy of the current token, or nil.
func (s *Session) Token() *oauth2.Token {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token == nil {
		return nil
	}
	token := *s.token
	return &token
}

// InstanceURL returns the tenant base URL relative paths are resolved against.
func (s *Session) InstanceURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instanceURL
}

// runFlow runs the session's grant flow.
func (s *Session) runFlow(ctx context.Context) error {
	switch s.flow {
	case FlowAssertion:
		return s.assertionFlow(ctx)
	case FlowPassword:
		return s.passwordFlow(ctx)
	case FlowLocalCallback:
		return s.localFlow(ctx)
	default:
		s.mu.Lock()
		authURL := s.beginAuthorizationLocked()
		s.mu.Unlock()
		return &ReauthenticationRequiredError{AuthURL: authURL, Reason: ReasonPending}
	}
}

func (s *Session) refresh(ctx context.Context) error {
	if s.flow == FlowAssertion {
		return s.assertionFlow(ctx)
	}

	s.mu.Lock()
	var refreshToken string
	if s.token != nil {
		refreshToken = s.token.RefreshToken
	}
	s.mu.Unlock()

	if refreshToken == "" {
		return s.reauthenticate(ctx, ReasonNoRefreshToken, nil)
	}

	token, err := s.exchanger.Refresh(ctx, refreshToken)
	if tokensource.IsInvalidGrant(err) {
		slog.WarnContext(ctx, "refresh token rejected",
			"identity", s.creds.Username,
			"flow", s.flow.String(),
		)
		return s.reauthenticate(ctx, ReasonInvalidGrant, err)
	}
	if err != nil {
		return err
	}

	s.setToken(token)

	if token.RefreshToken != refreshToken {
		return s.persist(ctx, token.RefreshToken)
	}
	return nil
}

// reauthenticate drops the unusable token. Flows that need no human in the loop run
// again; the others leave the session in StateReauthRequired.
func (s *Session) reauthenticate(ctx context.Context, reason string, cause error) error {
	s.mu.Lock()
	if s.token != nil {
		token := *s.token
		token.AccessToken = ""
		s.token = &token
	}
	s.state = StateReauthRequired
	authURL := s.beginAuthorizationLocked()
	s.mu.Unlock()

	if s.flow.rerunsOnReauth() {
		slog.InfoContext(ctx, "running login flow again", "flow", s.flow.String())
		return s.runFlow(ctx)
	}

	return &ReauthenticationRequiredError{AuthURL: authURL, Reason: reason, Err: cause}
}

func (s *Session) assertionFlow(ctx context.Context) error {
	assertion, err := s.assertion.Assert(ctx, s.endpoint.Audience, tokensource.AssertionValidity)
	if err != nil {
		return fmt.Errorf("assertion flow: %w", err)
	}

	token, err := s.exchanger.AssertionToken(ctx, assertion)
	if err != nil {
		return fmt.Errorf("assertion flow: %w", err)
	}

	s.setToken(token)
	return nil
}

func (s *Session) passwordFlow(ctx context.Context) error {
	token, err := s.exchanger.PasswordToken(ctx, s.creds.Username, s.creds.Password)
	if err != nil {
		return fmt.Errorf("password flow: %w", err)
	}

	s.setToken(token)
	return s.persist(ctx, token.RefreshToken)
}

// localFlow opens the browser and waits for the redirect on the loopback
// listener. The listener is bound before the browser opens.
func (s *Session) localFlow(ctx context.Context) error {
	listener, err := callback.Listen(s.callback.Host, s.callback.Port)
	if err != nil {
		return fmt.Errorf("interactive flow: %w", err)
	}

	s.mu.Lock()
	authURL := s.beginAuthorizationLocked()
	s.mu.Unlock()

	slog.InfoContext(ctx, "opening browser for login",
		"identity", s.creds.Username,
		"callback_url", s.callback.URL(),
	)
	if err := s.browser.Open(ctx, authURL); err != nil {
		slog.WarnContext(ctx, "failed to open browser, visit the URL manually",
			"url", authURL,
			"error", err,
		)
	}

	redirect, err := listener.Serve(ctx, s.callbackTimeout)
	if err != nil {
		return fmt.Errorf("interactive flow: %w", err)
	}

	return s.completeAuthorization(ctx, redirect)
}

// completeAuthorization exchanges the code carried by a redirect URL.
func (s *Session) completeAuthorization(ctx context.Context, redirectURL string) error {
	u, err := url.Parse(redirectURL)
	if err != nil {
		return fmt.Errorf("parsing redirect URL: %w", err)
	}
	query := u.Query()

	if code := query.Get("error"); code != "" {
		return &AuthorizationError{Code: code, Description: query.Get("error_description")}
	}

	s.mu.Lock()
	expected := s.pendingState
	s.mu.Unlock()

	if expected == "" {
		return ErrNoPendingAuthorization
	}
	if query.Get("state") != expected {
		return ErrStateMismatch
	}

	token, err := s.exchanger.Exchange(ctx, query.Get("code"))
	if err != nil {
		return err
	}

	s.setToken(token)

	slog.InfoContext(ctx, "login complete", "identity", s.creds.Username)

	return s.persist(ctx, token.RefreshToken)
}

// beginAuthorizationLocked hands out a new authorization URL and remembers
// its state value. Caller must hold mu.
func (s *Session) beginAuthorizationLocked() string {
	s.pendingState = uuid.NewString()
	s.authURL = s.exchanger.AuthCodeURL(s.pendingState)
	return s.authURL
}

func (s *Session) setToken(token *oauth2.Token) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Refresh responses may omit instance_url; the previous one stays valid.
	if instanceURL := tokensource.InstanceURL(token); instanceURL != "" {
		s.instanceURL = instanceURL
	}
	s.token = token
	s.state = StateAuthenticated
	s.pendingState = ""
	s.authURL = ""
}

// persist caches refreshToken for the session's identity. Assertion sessions
// never cache.
func (s *Session) persist(ctx context.Context, refreshToken string) error {
	if s.store == nil || s.flow == FlowAssertion || refreshToken == "" {
		return nil
	}

	if err := tokenstore.Remember(ctx, s.store, s.creds.Username, refreshToken); err != nil {
		return fmt.Errorf("caching refresh token: %w", err)
	}

	slog.DebugContext(ctx, "cached refresh token", "identity", s.creds.Username)
	return nil
}
