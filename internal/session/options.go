package session

import (
	"net/http"
	"time"

	"github.com/florianilch/forcesession/internal/callback"
	"github.com/florianilch/forcesession/internal/tokensource"
	"github.com/florianilch/forcesession/internal/tokenstore"
)

const (
	// DefaultCallbackHost is the loopback host the interactive flow listens on.
	DefaultCallbackHost = "localhost"

	// DefaultCallbackPort is the port registered with the connected app by default.
	DefaultCallbackPort = 60443
)

// Credentials identify the connected app and the user a session acts for.
type Credentials struct {
	ClientID string
	// ClientSecret is empty for assertion-only connected apps.
	ClientSecret string
	Username     string
	// Password selects the resource-owner password flow when set.
	Password string
	// CustomDomain is the "my domain" prefix, e.g. "acme" for acme.my.salesforce.com.
	CustomDomain string
	Sandbox      bool
}

// CallbackSettings is where the provider redirects after interactive login.
type CallbackSettings struct {
	Host string
	Port int
}

// URL returns the redirect URL registered with the connected app.
func (c CallbackSettings) URL() string {
	return tokensource.CallbackURL(c.Host, c.Port)
}

// Options configures a Session.
type Options struct {
	Credentials Credentials
	Callback    CallbackSettings

	// CallbackTimeout bounds the wait for the interactive redirect.
	CallbackTimeout time.Duration

	// Domain is the provider domain. Defaults to tokensource.DefaultDomain.
	Domain string

	// Assertion selects the assertion flow when set.
	Assertion tokensource.Assertion

	// Store caches refresh tokens across processes. Nil disables caching.
	Store tokenstore.Store

	// IgnoreCachedRefreshTokens skips the cache lookup on construction. Tokens
	// obtained by the new flow are still written to Store.
	IgnoreCachedRefreshTokens bool

	// ForceExternalFlow treats a loopback callback host as external.
	ForceExternalFlow bool

	// Version pins the API version. When empty, the latest version is
	// discovered on first use.
	Version string

	// HTTPClient is used for token endpoint and API requests.
	HTTPClient *http.Client

	// Exchanger replaces the token endpoint client built from Credentials.
	Exchanger Exchanger

	// Browser opens the authorization URL in local mode. Defaults to the
	// system browser.
	Browser BrowserOpener
}

func (o *Options) setDefaults() {
	if o.Callback.Host == "" {
		o.Callback.Host = DefaultCallbackHost
	}
	if o.Callback.Port == 0 {
		o.Callback.Port = DefaultCallbackPort
	}
	if o.CallbackTimeout <= 0 {
		o.CallbackTimeout = callback.DefaultTimeout
	}
	if o.Domain == "" {
		o.Domain = tokensource.DefaultDomain
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if o.Browser == nil {
		o.Browser = BrowserFunc(OpenBrowser)
	}
}
