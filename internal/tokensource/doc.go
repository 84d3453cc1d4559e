// Package tokensource performs the OAuth2 token exchanges with the provider.
//
// The provider's OAuth2 implementation differs from a plain oauth2.Config setup
// in a few ways:
//   - Client credentials must be sent in the form body, never as basic auth
//   - Token responses carry an "instance_url" that is the base URL for API calls
//   - Refresh responses usually omit the refresh token; the old one stays valid
//   - Server-to-server clients use RFC 7523 JWT bearer assertions
//
// # Endpoints
//
// The login host depends on the org type:
//
//	ep := tokensource.NewEndpoint("", false, "")     // https://login.salesforce.com/services/oauth2/...
//	ep := tokensource.NewEndpoint("", true, "")      // https://test.salesforce.com/services/oauth2/...
//	ep := tokensource.NewEndpoint("", false, "acme") // https://acme.my.salesforce.com/services/oauth2/...
//
// # Grants
//
// Authorizer wraps each supported grant:
//
//	auth := tokensource.NewAuthorizer(clientID, secret, tokensource.CallbackURL("localhost", 60443), ep)
//	url := auth.AuthCodeURL(state)             // interactive flow
//	token, err := auth.Exchange(ctx, code)     // code from the redirect
//	token, err := auth.PasswordToken(ctx, user, password)
//	token, err := auth.Refresh(ctx, refreshToken)
//	instanceURL := tokensource.InstanceURL(token)
//
// Bearer assertions are signed by JWTAssertion and exchanged with AssertionToken.
// Refresh failures caused by a revoked or expired refresh token can be detected
// with IsInvalidGrant.
package tokensource
