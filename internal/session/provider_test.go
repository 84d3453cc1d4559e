package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	testClientID = "client-id"
	testUsername = "alice@example.com"
	testPassword = "hunter2"
	testCode     = "good-code"
)

// fakeProvider serves the token, revoke and REST endpoints of the provider.
type fakeProvider struct {
	server *httptest.Server

	mu            sync.Mutex
	issued        int
	accessTokens  map[string]bool
	refreshTokens map[string]bool
	rotate        bool
	revokeStatus  int
	revoked       []string
	grants        []string
	tokenHosts    []string
	apiPaths      []string
	queries       []string
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()

	p := &fakeProvider{
		accessTokens:  make(map[string]bool),
		refreshTokens: make(map[string]bool),
		revokeStatus:  http.StatusOK,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /services/oauth2/token", p.handleToken)
	mux.HandleFunc("POST /services/oauth2/revoke", p.handleRevoke)
	mux.HandleFunc("/services/data/", p.handleAPI)

	p.server = httptest.NewServer(mux)
	t.Cleanup(p.server.Close)

	return p
}

// client returns an HTTP client that sends every request, including those
// for the real login hosts, to the fake provider.
func (p *fakeProvider) client() *http.Client {
	target, _ := url.Parse(p.server.URL)
	return &http.Client{
		Transport: &rewriteTransport{provider: p, target: target, base: p.server.Client().Transport},
		Timeout:   10 * time.Second,
	}
}

type rewriteTransport struct {
	provider *fakeProvider
	target   *url.URL
	base     http.RoundTripper
}

func (rt *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if strings.HasPrefix(req.URL.Path, "/services/oauth2/") {
		rt.provider.mu.Lock()
		rt.provider.tokenHosts = append(rt.provider.tokenHosts, req.URL.Host)
		rt.provider.mu.Unlock()
	}

	out := req.Clone(req.Context())
	out.URL.Scheme = rt.target.Scheme
	out.URL.Host = rt.target.Host
	out.Host = rt.target.Host
	return rt.base.RoundTrip(out)
}

func (p *fakeProvider) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	grant := strings.TrimPrefix(r.PostForm.Get("grant_type"), "urn:ietf:params:oauth:grant-type:")
	p.grants = append(p.grants, grant)

	switch grant {
	case "authorization_code":
		if r.PostForm.Get("code") != testCode {
			invalidGrant(w)
			return
		}
		p.issueLocked(w, true)
	case "password":
		if r.PostForm.Get("username") != testUsername || r.PostForm.Get("password") != testPassword {
			invalidGrant(w)
			return
		}
		p.issueLocked(w, true)
	case "refresh_token":
		refreshToken := r.PostForm.Get("refresh_token")
		if !p.refreshTokens[refreshToken] {
			invalidGrant(w)
			return
		}
		if p.rotate {
			delete(p.refreshTokens, refreshToken)
		}
		p.issueLocked(w, p.rotate)
	case "jwt-bearer":
		if r.PostForm.Get("assertion") == "" {
			invalidGrant(w)
			return
		}
		p.issueLocked(w, false)
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
	}
}

func (p *fakeProvider) issueLocked(w http.ResponseWriter, withRefresh bool) {
	p.issued++

	accessToken := fmt.Sprintf("access-%d", p.issued)
	p.accessTokens[accessToken] = true

	body := map[string]string{
		"access_token": accessToken,
		"token_type":   "Bearer",
		"instance_url": p.server.URL,
		"issued_at":    "1700000000000",
	}
	if withRefresh {
		refreshToken := fmt.Sprintf("refresh-%d", p.issued)
		p.refreshTokens[refreshToken] = true
		body["refresh_token"] = refreshToken
	}

	writeJSON(w, http.StatusOK, body)
}

func invalidGrant(w http.ResponseWriter) {
	writeJSON(w, http.StatusBadRequest, map[string]string{
		"error":             "invalid_grant",
		"error_description": "expired access/refresh token",
	})
}

func (p *fakeProvider) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	token := r.PostForm.Get("token")
	p.revoked = append(p.revoked, token)

	if p.revokeStatus != http.StatusOK {
		w.WriteHeader(p.revokeStatus)
		_, _ = io.WriteString(w, "unsupported_token_type")
		return
	}

	delete(p.refreshTokens, token)
	w.WriteHeader(http.StatusOK)
}

func (p *fakeProvider) handleAPI(w http.ResponseWriter, r *http.Request) {
	accessToken := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

	p.mu.Lock()
	valid := p.accessTokens[accessToken]
	p.apiPaths = append(p.apiPaths, r.URL.Path)
	if q := r.URL.Query().Get("q"); q != "" {
		p.queries = append(p.queries, q)
	}
	p.mu.Unlock()

	if !valid {
		writeJSON(w, http.StatusUnauthorized, []map[string]string{
			{"message": "Session expired or invalid", "errorCode": "INVALID_SESSION_ID"},
		})
		return
	}

	switch {
	case r.URL.Path == "/services/data/":
		writeJSON(w, http.StatusOK, []map[string]string{
			{"label": "Winter '21", "url": "/services/data/v50.0", "version": "50.0"},
			{"label": "Summer '21", "url": "/services/data/v52.0", "version": "52.0"},
		})
	case r.URL.Path == "/services/data/v52.0/query/":
		writeJSON(w, http.StatusOK, map[string]any{
			"totalSize":      3,
			"done":           false,
			"nextRecordsUrl": "/services/data/v52.0/query/01gNext-2000",
			"records":        []map[string]string{{"Id": "001A"}, {"Id": "001B"}},
		})
	case r.URL.Path == "/services/data/v52.0/query/01gNext-2000":
		writeJSON(w, http.StatusOK, map[string]any{
			"totalSize": 3,
			"done":      true,
			"records":   []map[string]string{{"Id": "001C"}},
		})
	case r.URL.Path == "/services/data/v52.0/query/missing":
		writeJSON(w, http.StatusNotFound, []map[string]string{
			{"message": "The requested resource does not exist", "errorCode": "NOT_FOUND"},
		})
	case r.Method == http.MethodPost:
		body, _ := io.ReadAll(r.Body)
		writeJSON(w, http.StatusCreated, map[string]string{"path": r.URL.Path, "received": string(body)})
	default:
		writeJSON(w, http.StatusOK, map[string]string{"path": r.URL.Path})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (p *fakeProvider) seedRefreshToken(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshTokens[token] = true
}

func (p *fakeProvider) expireAccessTokens() {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.accessTokens)
}

func (p *fakeProvider) invalidateRefreshTokens() {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.refreshTokens)
}

func (p *fakeProvider) setRotate(rotate bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rotate = rotate
}

func (p *fakeProvider) setRevokeStatus(status int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.revokeStatus = status
}

func (p *fakeProvider) seenGrants() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.grants)
}

func (p *fakeProvider) seenTokenHosts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.tokenHosts)
}

func (p *fakeProvider) seenAPIPaths() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.apiPaths)
}

func (p *fakeProvider) seenQueries() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.queries)
}

func (p *fakeProvider) revokedTokens() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.revoked)
}

// baseOptions returns options for testUsername that talk to p and fail the
// test if a browser is opened.
func baseOptions(t *testing.T, p *fakeProvider) Options {
	t.Helper()

	return Options{
		Credentials: Credentials{
			ClientID:     testClientID,
			ClientSecret: "client-secret",
			Username:     testUsername,
		},
		HTTPClient: p.client(),
		Browser: BrowserFunc(func(_ context.Context, authURL string) error {
			t.Errorf("unexpected browser launch: %s", authURL)
			return errors.New("no browser in tests")
		}),
	}
}

// redirectingBrowser plays the user: it follows the authorization URL's
// redirect_uri with code and the echoed state, over plain HTTP.
func redirectingBrowser(code string, calls *atomic.Int32) BrowserOpener {
	return BrowserFunc(func(_ context.Context, authURL string) error {
		calls.Add(1)

		u, err := url.Parse(authURL)
		if err != nil {
			return err
		}
		query := u.Query()

		redirect, err := url.Parse(query.Get("redirect_uri"))
		if err != nil {
			return err
		}

		target := fmt.Sprintf("http://%s/?code=%s&state=%s",
			redirect.Host, url.QueryEscape(code), url.QueryEscape(query.Get("state")))

		go func() {
			resp, err := http.Get(target)
			if err == nil {
				_ = resp.Body.Close()
			}
		}()
		return nil
	})
}

// freePort returns a loopback port that was free a moment ago.
func freePort(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

// recordingAssertion returns a fixed assertion and remembers what it was asked for.
type recordingAssertion struct {
	mu       sync.Mutex
	audience string
	validity time.Duration
	calls    int
}

func (a *recordingAssertion) Assert(_ context.Context, audience string, validity time.Duration) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.audience = audience
	a.validity = validity
	a.calls++
	return "signed-assertion", nil
}
