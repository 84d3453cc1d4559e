package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// versionPlaceholder is replaced with "v{version}" in request URLs.
	versionPlaceholder = "vXX.X"

	// versionsPath lists the API versions the instance supports, oldest first.
	versionsPath = "/services/data/"

	// invalidSessionCode is the error code of a 401 for an expired access token.
	invalidSessionCode = "INVALID_SESSION_ID"

	maxErrorBody = 64 << 10
)

// RequestOption configures a single request.
type RequestOption func(*requestOptions)

type requestOptions struct {
	versionSubstitution bool
}

// WithoutVersionSubstitution leaves the "vXX.X" placeholder in the URL untouched.
func WithoutVersionSubstitution() RequestOption {
	return func(o *requestOptions) {
		o.versionSubstitution = false
	}
}

// Get issues a GET request through the session.
func (s *Session) Get(ctx context.Context, rawURL string, opts ...RequestOption) (*http.Response, error) {
	return s.Request(ctx, http.MethodGet, rawURL, nil, opts...)
}

// Request builds and issues a request through the session.
func (s *Session) Request(ctx context.Context, method, rawURL string, body io.Reader, opts ...RequestOption) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return s.Do(req, opts...)
}

// Do issues req with the session's access token. The URL is rewritten with
// ResolveURL first. A 401 reporting an invalid session is retried once after
// a refresh when the request body can be replayed.
//
// A session without a usable token fails with *ReauthenticationRequiredError.
func (s *Session) Do(req *http.Request, opts ...RequestOption) (*http.Response, error) {
	ctx := req.Context()

	if err := s.ensureToken(ctx); err != nil {
		return nil, err
	}

	target, err := s.ResolveURL(ctx, req.URL.String(), opts...)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("parsing request URL: %w", err)
	}
	req.URL = u
	req.Host = u.Host

	accessToken := s.accessToken()
	resp, err := s.send(req, accessToken)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusUnauthorized || !replayable(req) {
		return resp, nil
	}

	invalid, err := invalidSession(resp)
	if err != nil {
		return nil, err
	}
	if !invalid {
		return resp, nil
	}
	_ = resp.Body.Close()

	slog.DebugContext(ctx, "access token rejected, refreshing", "path", u.Path)

	if err := s.renew(ctx, accessToken, s.refresh); err != nil {
		return nil, err
	}

	retry, err := rewind(req)
	if err != nil {
		return nil, err
	}
	return s.send(retry, s.accessToken())
}

// ResolveURL replaces the first "vXX.X" placeholder with the API version and
// prefixes paths starting with "/" with the instance URL. Absolute URLs are
// never prefixed, so resolving twice is a no-op.
func (s *Session) ResolveURL(ctx context.Context, rawURL string, opts ...RequestOption) (string, error) {
	o := requestOptions{versionSubstitution: true}
	for _, opt := range opts {
		opt(&o)
	}

	if o.versionSubstitution && strings.Contains(rawURL, versionPlaceholder) {
		version, err := s.Version(ctx)
		if err != nil {
			return "", fmt.Errorf("resolving API version: %w", err)
		}
		rawURL = strings.Replace(rawURL, versionPlaceholder, "v"+version, 1)
	}

	if strings.HasPrefix(rawURL, "/") {
		if instanceURL := s.InstanceURL(); instanceURL != "" {
			rawURL = instanceURL + rawURL
		}
	}

	return rawURL, nil
}

// Version returns the API version requests are made against, discovering the
// latest one on first use unless it was pinned.
func (s *Session) Version(ctx context.Context) (string, error) {
	s.mu.Lock()
	version := s.version
	s.mu.Unlock()

	if version != "" {
		return version, nil
	}
	return s.UseLatestVersion(ctx)
}

// UseLatestVersion asks the instance for its supported API versions and
// switches the session to the newest one.
func (s *Session) UseLatestVersion(ctx context.Context) (string, error) {
	resp, err := s.Get(ctx, versionsPath, WithoutVersionSubstitution())
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", newResponseError(resp)
	}

	var versions []struct {
		Label   string `json:"label"`
		URL     string `json:"url"`
		Version string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&versions); err != nil {
		return "", fmt.Errorf("decoding API versions: %w", err)
	}
	if len(versions) == 0 {
		return "", errors.New("instance lists no API versions")
	}

	latest := versions[len(versions)-1].Version

	s.mu.Lock()
	s.version = latest
	s.mu.Unlock()

	slog.DebugContext(ctx, "using latest API version", "version", latest)
	return latest, nil
}

// ensureToken rejects requests without a usable access token and refreshes
// an access token past its expiry.
func (s *Session) ensureToken(ctx context.Context) error {
	s.mu.Lock()
	state := s.state
	hasToken := s.token != nil
	var accessToken string
	var expiry time.Time
	if hasToken {
		accessToken = s.token.AccessToken
		expiry = s.token.Expiry
	}
	s.mu.Unlock()

	switch {
	case state == StateLoggedOut:
		return s.reauthRequired(ReasonLoggedOut)
	case state == StateReauthRequired && s.flow.rerunsOnReauth():
		slog.InfoContext(ctx, "session requires login, running login flow", "flow", s.flow.String())
		return s.renew(ctx, accessToken, s.runFlow)
	case state == StateReauthRequired:
		return s.reauthRequired(ReasonInvalidGrant)
	case !hasToken:
		return s.reauthRequired(ReasonEmptyToken)
	case accessToken == "":
		return s.reauthRequired(ReasonNoAccessToken)
	}

	if !expiry.IsZero() && time.Now().After(expiry) {
		slog.DebugContext(ctx, "access token expired, refreshing", "identity", s.creds.Username)
		return s.renew(ctx, accessToken, s.refresh)
	}
	return nil
}

func (s *Session) reauthRequired(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	authURL := s.authURL
	if authURL == "" {
		authURL = s.beginAuthorizationLocked()
	}
	return &ReauthenticationRequiredError{AuthURL: authURL, Reason: reason}
}

func (s *Session) accessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token == nil {
		return ""
	}
	return s.token.AccessToken
}

// send issues req with accessToken.
func (s *Session) send(req *http.Request, accessToken string) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.Header.Set("Authorization", "Bearer "+accessToken)
	if out.Header.Get("Accept") == "" {
		out.Header.Set("Accept", "application/json")
	}

	return s.client.Do(out)
}

func replayable(req *http.Request) bool {
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

// rewind returns a copy of req with a fresh body.
func rewind(req *http.Request) (*http.Request, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return req, nil
	}

	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("replaying request body: %w", err)
	}
	retry := req.Clone(req.Context())
	retry.Body = body
	return retry, nil
}

// invalidSession reports whether a 401 response carries INVALID_SESSION_ID.
// The body is restored so callers can still read it.
func invalidSession(resp *http.Response) (bool, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()
	if err != nil {
		return false, fmt.Errorf("reading response: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	return bytes.Contains(body, []byte(invalidSessionCode)), nil
}

func newResponseError(resp *http.Response) *ResponseError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &ResponseError{
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}
}
