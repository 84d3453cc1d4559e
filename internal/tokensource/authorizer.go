package tokensource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// jwtBearerGrantType is the grant type for RFC 7523 bearer assertions.
const jwtBearerGrantType = "urn:ietf:params:oauth:grant-type:jwt-bearer"

// Authorizer performs the OAuth2 token exchanges against the provider.
// Authorization code, password and refresh grants go through oauth2.Config;
// bearer assertions and revocation use manual form requests because
// oauth2.Config has no API for them.
type Authorizer struct {
	config   *oauth2.Config
	endpoint Endpoint
	client   *http.Client
}

// Option configures an Authorizer.
type Option func(*Authorizer)

// WithHTTPClient sets the HTTP client used for all token endpoint requests.
func WithHTTPClient(client *http.Client) Option {
	return func(a *Authorizer) {
		if client != nil {
			a.client = client
		}
	}
}

// NewAuthorizer creates an Authorizer for a connected app.
// clientSecret may be empty for assertion-only clients.
func NewAuthorizer(clientID, clientSecret, redirectURL string, endpoint Endpoint, opts ...Option) *Authorizer {
	a := &Authorizer{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Endpoint: oauth2.Endpoint{
				AuthURL:  endpoint.AuthURL,
				TokenURL: endpoint.TokenURL,
				// The provider accepts client credentials in the form body only.
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		endpoint: endpoint,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// Endpoint returns the endpoints this Authorizer talks to.
func (a *Authorizer) Endpoint() Endpoint {
	return a.endpoint
}

// AuthCodeURL returns the provider's authorization URL for the interactive flow.
// Caller must keep state and compare it with the value echoed on the redirect.
func (a *Authorizer) AuthCodeURL(state string) string {
	return a.config.AuthCodeURL(state)
}

// Exchange trades an authorization code for a token.
func (a *Authorizer) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if code == "" {
		return nil, errors.New("authorization code cannot be empty")
	}

	token, err := a.config.Exchange(a.withClient(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("exchanging authorization code: %w", err)
	}
	return token, nil
}

// PasswordToken performs the resource-owner password grant.
func (a *Authorizer) PasswordToken(ctx context.Context, username, password string) (*oauth2.Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	token, err := a.config.PasswordCredentialsToken(a.withClient(ctx), username, password)
	if err != nil {
		return nil, fmt.Errorf("password grant: %w", err)
	}
	return token, nil
}

// Refresh exchanges a refresh token for a new access token. When the provider
// does not rotate the refresh token, the returned token carries the old one.
func (a *Authorizer) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if refreshToken == "" {
		return nil, errors.New("refresh token cannot be empty")
	}

	// A token without access token is never valid, so the source always refreshes.
	source := a.config.TokenSource(a.withClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return nil, fmt.Errorf("refreshing token: %w", err)
	}
	return token, nil
}

// AssertionToken exchanges a signed bearer assertion for a token.
func (a *Authorizer) AssertionToken(ctx context.Context, assertion string) (*oauth2.Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	form := url.Values{
		"grant_type": {jwtBearerGrantType},
		"assertion":  {assertion},
	}

	now := time.Now()
	resp, body, err := a.postForm(ctx, a.endpoint.TokenURL, form)
	if err != nil {
		return nil, fmt.Errorf("assertion request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("assertion grant: %w", newRetrieveError(resp, body))
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decoding assertion response: %w", err)
	}

	var token oauth2.Token
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("decoding assertion response: %w", err)
	}
	if token.AccessToken == "" {
		return nil, errors.New("assertion response is missing access_token")
	}

	// Convert ExpiresIn to Expiry (see oauth2.Token.ExpiresIn field documentation)
	if token.ExpiresIn > 0 {
		token.Expiry = now.Add(time.Duration(token.ExpiresIn) * time.Second)
	}

	return token.WithExtra(raw), nil
}

// Revoke invalidates a refresh or access token at the provider.
func (a *Authorizer) Revoke(ctx context.Context, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	resp, body, err := a.postForm(ctx, a.endpoint.RevokeURL, url.Values{"token": {token}})
	if err != nil {
		return fmt.Errorf("revoke request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &LogoutError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return nil
}

// withClient makes oauth2.Config use the Authorizer's HTTP client.
func (a *Authorizer) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, a.client)
}

// postForm sends a form-encoded POST and returns the response with its body read.
func (a *Authorizer) postForm(ctx context.Context, endpoint string, form url.Values) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("reading response: %w", err)
	}

	return resp, body, nil
}

// newRetrieveError mirrors oauth2's own error type so callers can inspect
// assertion failures the same way as other grant failures.
func newRetrieveError(resp *http.Response, body []byte) *oauth2.RetrieveError {
	retrieveErr := &oauth2.RetrieveError{Response: resp, Body: body}

	var errResp struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if json.Unmarshal(body, &errResp) == nil {
		retrieveErr.ErrorCode = errResp.Error
		retrieveErr.ErrorDescription = errResp.ErrorDescription
	}

	return retrieveErr
}

// InstanceURL returns the tenant base URL the provider returned alongside a token.
func InstanceURL(token *oauth2.Token) string {
	if token == nil {
		return ""
	}
	instanceURL, _ := token.Extra("instance_url").(string)
	return strings.TrimSuffix(instanceURL, "/")
}
