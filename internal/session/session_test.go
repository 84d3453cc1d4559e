package session

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/florianilch/forcesession/internal/tokensource"
	"github.com/florianilch/forcesession/internal/tokenstore"
)

func newStore(t *testing.T) *tokenstore.FileStore {
	t.Helper()

	store, err := tokenstore.NewFileStore(filepath.Join(t.TempDir(), "tokens"))
	require.NoError(t, err)
	return store
}

func cachedToken(t *testing.T, store tokenstore.Store) string {
	t.Helper()

	token, err := tokenstore.Lookup(context.Background(), store, testUsername)
	require.NoError(t, err)
	return token
}

func TestNew_RequiresIdentity(t *testing.T) {
	_, err := New(context.Background(), Options{})
	assert.Error(t, err)

	_, err = New(context.Background(), Options{Credentials: Credentials{ClientID: testClientID}})
	assert.Error(t, err)
}

func TestNew_PasswordFlow(t *testing.T) {
	p := newFakeProvider(t)
	store := newStore(t)

	opts := baseOptions(t, p)
	opts.Credentials.Password = testPassword
	opts.Store = store

	s, err := New(context.Background(), opts)
	require.NoError(t, err)

	assert.Equal(t, FlowPassword, s.Flow())
	assert.Equal(t, StateAuthenticated, s.State())
	assert.Equal(t, []string{"password"}, p.seenGrants())
	assert.Equal(t, []string{"login.salesforce.com"}, p.seenTokenHosts())
	assert.Equal(t, p.server.URL, s.InstanceURL())
	assert.Equal(t, "refresh-1", cachedToken(t, store))
}

func TestNew_CachedRefreshTokenSkipsFlow(t *testing.T) {
	p := newFakeProvider(t)
	p.seedRefreshToken("cached-refresh")

	store := newStore(t)
	require.NoError(t, tokenstore.Remember(context.Background(), store, testUsername, "cached-refresh"))

	opts := baseOptions(t, p)
	opts.Callback = CallbackSettings{Host: "127.0.0.1", Port: freePort(t)}
	opts.Store = store

	s, err := New(context.Background(), opts)
	require.NoError(t, err)

	assert.Equal(t, FlowLocalCallback, s.Flow())
	assert.Equal(t, StateAuthenticated, s.State())
	assert.Equal(t, []string{"refresh_token"}, p.seenGrants())

	token := s.Token()
	require.NotNil(t, token)
	assert.Equal(t, "access-1", token.AccessToken)
	assert.Equal(t, "cached-refresh", token.RefreshToken)
}

func TestNew_IgnoreCachedRefreshTokens(t *testing.T) {
	p := newFakeProvider(t)
	p.seedRefreshToken("cached-refresh")

	store := newStore(t)
	require.NoError(t, tokenstore.Remember(context.Background(), store, testUsername, "cached-refresh"))

	opts := baseOptions(t, p)
	opts.Credentials.Password = testPassword
	opts.Store = store
	opts.IgnoreCachedRefreshTokens = true

	_, err := New(context.Background(), opts)
	require.NoError(t, err)

	assert.Equal(t, []string{"password"}, p.seenGrants())
	assert.Equal(t, "refresh-1", cachedToken(t, store))
}

func TestNew_LocalInteractiveFlow(t *testing.T) {
	p := newFakeProvider(t)
	store := newStore(t)

	var calls atomic.Int32
	opts := baseOptions(t, p)
	opts.Callback = CallbackSettings{Host: "127.0.0.1", Port: freePort(t)}
	opts.CallbackTimeout = 5 * time.Second
	opts.Browser = redirectingBrowser(testCode, &calls)
	opts.Store = store

	s, err := New(context.Background(), opts)
	require.NoError(t, err)

	assert.Equal(t, StateAuthenticated, s.State())
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, []string{"authorization_code"}, p.seenGrants())
	assert.Equal(t, "refresh-1", cachedToken(t, store))
}

func TestNew_LocalFlowTimesOut(t *testing.T) {
	p := newFakeProvider(t)

	opts := baseOptions(t, p)
	opts.Callback = CallbackSettings{Host: "127.0.0.1", Port: freePort(t)}
	opts.CallbackTimeout = 100 * time.Millisecond
	opts.Browser = BrowserFunc(func(context.Context, string) error { return nil })

	_, err := New(context.Background(), opts)
	assert.Error(t, err)
	assert.Empty(t, p.seenGrants())
}

func TestNew_RejectedCachedTokenRelaunchesLocalFlow(t *testing.T) {
	p := newFakeProvider(t)

	store := newStore(t)
	require.NoError(t, tokenstore.Remember(context.Background(), store, testUsername, "stale-refresh"))

	var calls atomic.Int32
	opts := baseOptions(t, p)
	opts.Callback = CallbackSettings{Host: "127.0.0.1", Port: freePort(t)}
	opts.CallbackTimeout = 5 * time.Second
	opts.Browser = redirectingBrowser(testCode, &calls)
	opts.Store = store

	s, err := New(context.Background(), opts)
	require.NoError(t, err)

	assert.Equal(t, StateAuthenticated, s.State())
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, []string{"refresh_token", "authorization_code"}, p.seenGrants())
	assert.Equal(t, "refresh-1", cachedToken(t, store))
}

func TestNew_RejectedCachedTokenRequiresReauth(t *testing.T) {
	tests := []struct {
		name         string
		sandbox      bool
		customDomain string
		wantHost     string
	}{
		{name: "production", wantHost: "login.salesforce.com"},
		{name: "sandbox", sandbox: true, wantHost: "test.salesforce.com"},
		{name: "custom domain", customDomain: "acme", wantHost: "acme.my.salesforce.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newFakeProvider(t)

			store := newStore(t)
			require.NoError(t, tokenstore.Remember(context.Background(), store, testUsername, "stale-refresh"))

			opts := baseOptions(t, p)
			opts.Credentials.Sandbox = tt.sandbox
			opts.Credentials.CustomDomain = tt.customDomain
			opts.Callback = CallbackSettings{Host: "auth.example.com", Port: 443}
			opts.Store = store

			s, err := New(context.Background(), opts)
			require.NoError(t, err)

			assert.Equal(t, FlowExternalCallback, s.Flow())
			assert.Equal(t, StateReauthRequired, s.State())
			assert.Equal(t, []string{tt.wantHost}, p.seenTokenHosts())

			_, err = s.Get(context.Background(), "/services/data/")
			reauth, ok := IsReauthenticationRequired(err)
			require.True(t, ok, "expected reauthentication error, got %v", err)

			authURL, err := url.Parse(reauth.AuthURL)
			require.NoError(t, err)
			assert.Equal(t, "https", authURL.Scheme)
			assert.Equal(t, tt.wantHost, authURL.Host)
			assert.Equal(t, "/services/oauth2/authorize", authURL.Path)
			assert.Equal(t, testClientID, authURL.Query().Get("client_id"))
			assert.Equal(t, "https://auth.example.com", authURL.Query().Get("redirect_uri"))
		})
	}
}

func TestNew_ExternalFlowPendingThenResume(t *testing.T) {
	p := newFakeProvider(t)
	store := newStore(t)

	opts := baseOptions(t, p)
	opts.Callback = CallbackSettings{Host: "auth.example.com", Port: 8443}
	opts.Store = store

	s, err := New(context.Background(), opts)
	require.NoError(t, err)

	assert.Equal(t, StatePendingAuth, s.State())
	assert.Empty(t, p.seenGrants())

	_, err = s.Get(context.Background(), "/services/data/")
	reauth, ok := IsReauthenticationRequired(err)
	require.True(t, ok)
	assert.Equal(t, ReasonEmptyToken, reauth.Reason)

	authURL, err := url.Parse(s.AuthorizationURL())
	require.NoError(t, err)
	assert.Equal(t, "https://auth.example.com:8443", authURL.Query().Get("redirect_uri"))
	assert.Equal(t, reauth.AuthURL, s.AuthorizationURL())

	state := authURL.Query().Get("state")
	require.NotEmpty(t, state)

	err = s.Resume(context.Background(), "https://auth.example.com:8443/?code="+testCode+"&state=forged")
	assert.ErrorIs(t, err, ErrStateMismatch)

	err = s.Resume(context.Background(), "https://auth.example.com:8443/?code="+testCode+"&state="+url.QueryEscape(state))
	require.NoError(t, err)

	assert.Equal(t, StateAuthenticated, s.State())
	assert.Equal(t, "refresh-1", cachedToken(t, store))

	resp, err := s.Get(context.Background(), "/services/data/")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// The authorization was consumed.
	err = s.Resume(context.Background(), "https://auth.example.com:8443/?code="+testCode+"&state="+url.QueryEscape(state))
	assert.ErrorIs(t, err, ErrNoPendingAuthorization)
}

func TestResume_ProviderError(t *testing.T) {
	p := newFakeProvider(t)

	opts := baseOptions(t, p)
	opts.Callback = CallbackSettings{Host: "auth.example.com"}

	s, err := New(context.Background(), opts)
	require.NoError(t, err)

	err = s.Resume(context.Background(), "https://auth.example.com/?error=access_denied&error_description=end-user+denied+authorization")

	var authErr *AuthorizationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "access_denied", authErr.Code)
	assert.Equal(t, "end-user denied authorization", authErr.Description)
}

func TestLogin_ExternalFlowHandsOutURL(t *testing.T) {
	p := newFakeProvider(t)

	opts := baseOptions(t, p)
	opts.Callback = CallbackSettings{Host: "localhost", Port: 60443}
	opts.ForceExternalFlow = true

	s, err := New(context.Background(), opts)
	require.NoError(t, err)
	require.Equal(t, FlowExternalCallback, s.Flow())

	err = s.Login(context.Background())
	reauth, ok := IsReauthenticationRequired(err)
	require.True(t, ok)
	assert.Equal(t, ReasonPending, reauth.Reason)
	assert.Equal(t, s.AuthorizationURL(), reauth.AuthURL)
}

func TestRefresh_RejectedTokenRequiresReauth(t *testing.T) {
	p := newFakeProvider(t)
	p.seedRefreshToken("cached-refresh")

	store := newStore(t)
	require.NoError(t, tokenstore.Remember(context.Background(), store, testUsername, "cached-refresh"))

	opts := baseOptions(t, p)
	opts.Callback = CallbackSettings{Host: "auth.example.com"}
	opts.Store = store

	s, err := New(context.Background(), opts)
	require.NoError(t, err)
	require.Equal(t, StateAuthenticated, s.State())

	p.invalidateRefreshTokens()

	err = s.Refresh(context.Background())
	reauth, ok := IsReauthenticationRequired(err)
	require.True(t, ok)
	assert.Equal(t, ReasonInvalidGrant, reauth.Reason)
	assert.True(t, tokensource.IsInvalidGrant(err))
	assert.Equal(t, StateReauthRequired, s.State())

	_, err = s.Get(context.Background(), "/services/data/")
	_, ok = IsReauthenticationRequired(err)
	assert.True(t, ok)
}

func TestRefresh_RejectedTokenRerunsPasswordFlow(t *testing.T) {
	p := newFakeProvider(t)

	opts := baseOptions(t, p)
	opts.Credentials.Password = testPassword

	s, err := New(context.Background(), opts)
	require.NoError(t, err)

	p.invalidateRefreshTokens()

	require.NoError(t, s.Refresh(context.Background()))
	assert.Equal(t, StateAuthenticated, s.State())
	assert.Equal(t, []string{"password", "refresh_token", "password"}, p.seenGrants())
}

func TestRefresh_PersistsRotatedToken(t *testing.T) {
	p := newFakeProvider(t)
	p.setRotate(true)
	store := newStore(t)

	opts := baseOptions(t, p)
	opts.Credentials.Password = testPassword
	opts.Store = store

	s, err := New(context.Background(), opts)
	require.NoError(t, err)
	require.Equal(t, "refresh-1", cachedToken(t, store))

	require.NoError(t, s.Refresh(context.Background()))
	assert.Equal(t, "refresh-2", cachedToken(t, store))
	assert.Equal(t, "access-2", s.Token().AccessToken)
}

func TestRefresh_FlowInProgress(t *testing.T) {
	p := newFakeProvider(t)

	opts := baseOptions(t, p)
	opts.Credentials.Password = testPassword

	s, err := New(context.Background(), opts)
	require.NoError(t, err)

	s.inFlow.Store(true)
	assert.ErrorIs(t, s.Refresh(context.Background()), ErrFlowInProgress)
	assert.ErrorIs(t, s.Login(context.Background()), ErrFlowInProgress)

	s.inFlow.Store(false)
	assert.NoError(t, s.Refresh(context.Background()))
}

func TestAssertionFlow(t *testing.T) {
	p := newFakeProvider(t)
	store := newStore(t)
	assertion := &recordingAssertion{}

	opts := baseOptions(t, p)
	opts.Credentials.Sandbox = true
	opts.Credentials.Password = testPassword
	opts.Assertion = assertion
	opts.Store = store

	s, err := New(context.Background(), opts)
	require.NoError(t, err)

	assert.Equal(t, FlowAssertion, s.Flow())
	assert.Equal(t, StateAuthenticated, s.State())
	assert.Equal(t, []string{"jwt-bearer"}, p.seenGrants())
	assert.Equal(t, "https://test.salesforce.com", assertion.audience)
	assert.Equal(t, 3*time.Minute, assertion.validity)

	// Refreshing mints a new assertion; nothing is ever cached.
	require.NoError(t, s.Refresh(context.Background()))
	assert.Equal(t, 2, assertion.calls)

	tokens, err := store.Retrieve(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tokens)
}

func TestLogout(t *testing.T) {
	p := newFakeProvider(t)
	store := newStore(t)
	require.NoError(t, tokenstore.Remember(context.Background(), store, "bob@example.com", "refresh-bob"))

	opts := baseOptions(t, p)
	opts.Credentials.Password = testPassword
	opts.Store = store

	s, err := New(context.Background(), opts)
	require.NoError(t, err)

	require.NoError(t, s.Logout(context.Background()))

	assert.Equal(t, []string{"refresh-1"}, p.revokedTokens())
	assert.Equal(t, StateLoggedOut, s.State())
	assert.Nil(t, s.Token())

	_, err = s.Get(context.Background(), "/services/data/")
	require.Error(t, err)
	assert.Equal(t, "user logged out", err.Error())

	var reauth *ReauthenticationRequiredError
	require.ErrorAs(t, err, &reauth)
	assert.NotEmpty(t, reauth.AuthURL)

	tokens, err := store.Retrieve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tokenstore.Map{"bob@example.com": "refresh-bob"}, tokens)

	// Logging in again brings the session back.
	require.NoError(t, s.Login(context.Background()))
	assert.Equal(t, StateAuthenticated, s.State())
}

func TestLogout_ProviderRejects(t *testing.T) {
	p := newFakeProvider(t)
	p.setRevokeStatus(http.StatusBadRequest)
	store := newStore(t)

	opts := baseOptions(t, p)
	opts.Credentials.Password = testPassword
	opts.Store = store

	s, err := New(context.Background(), opts)
	require.NoError(t, err)

	err = s.Logout(context.Background())

	var logoutErr *tokensource.LogoutError
	require.True(t, errors.As(err, &logoutErr))
	assert.Equal(t, http.StatusBadRequest, logoutErr.StatusCode)
	assert.Equal(t, "unsupported_token_type", logoutErr.Body)

	assert.Equal(t, StateAuthenticated, s.State())
	assert.Equal(t, "refresh-1", cachedToken(t, store))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "pending_auth", StatePendingAuth.String())
	assert.Equal(t, "reauth_required", StateReauthRequired.String())
	assert.Equal(t, "logged_out", StateLoggedOut.String())
	assert.Equal(t, "unknown", State(42).String())
}
