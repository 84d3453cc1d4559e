package tokensource

import (
	"fmt"
	"net"
	"strconv"
)

// DefaultDomain is the provider domain used when none is configured.
const DefaultDomain = "salesforce.com"

// Endpoint holds the provider's OAuth2 endpoints for one login host.
type Endpoint struct {
	AuthURL   string
	TokenURL  string
	RevokeURL string

	// Audience is the value expected in the "aud" claim of bearer assertions.
	Audience string
}

// NewEndpoint builds the endpoints for the given provider domain.
// The login host is "{customDomain}.my" when a custom domain is set, "test" for
// sandboxes and "login" otherwise.
func NewEndpoint(domain string, sandbox bool, customDomain string) Endpoint {
	if domain == "" {
		domain = DefaultDomain
	}

	loginHost := "login"
	if sandbox {
		loginHost = "test"
	}

	subdomain := loginHost
	if customDomain != "" {
		subdomain = customDomain + ".my"
	}

	base := fmt.Sprintf("https://%s.%s/services/oauth2/", subdomain, domain)

	return Endpoint{
		AuthURL:   base + "authorize",
		TokenURL:  base + "token",
		RevokeURL: base + "revoke",
		Audience:  fmt.Sprintf("https://%s.%s", loginHost, domain),
	}
}

// CallbackURL returns the redirect URL registered with the provider for a
// callback host and port. The port is left out when it is the HTTPS default.
//
// The scheme is always https, even though the local listener speaks plain HTTP:
// the provider redirects to whatever scheme the connected app declares.
func CallbackURL(host string, port int) string {
	if port == 0 || port == 443 {
		return "https://" + host
	}
	return "https://" + net.JoinHostPort(host, strconv.Itoa(port))
}
