package session

import (
	"errors"
	"fmt"
)

// Reasons carried by ReauthenticationRequiredError.
const (
	ReasonLoggedOut      = "user logged out"
	ReasonNoAccessToken  = "no access token"
	ReasonEmptyToken     = "empty token record"
	ReasonInvalidGrant   = "refresh token rejected"
	ReasonNoRefreshToken = "no refresh token"
	ReasonPending        = "authorization pending"
)

var (
	// ErrFlowInProgress is returned when a flow or refresh is already running
	// on the session.
	ErrFlowInProgress = errors.New("authentication flow already in progress")

	// ErrNoPendingAuthorization is returned by Resume when no authorization
	// URL was handed out.
	ErrNoPendingAuthorization = errors.New("no authorization pending")

	// ErrStateMismatch is returned when a redirect's state does not match the
	// authorization URL that was handed out.
	ErrStateMismatch = errors.New("authorization state mismatch")
)

// ReauthenticationRequiredError means the session holds no usable token and a
// flow must run again. AuthURL is where the user has to log in.
type ReauthenticationRequiredError struct {
	AuthURL string
	Reason  string
	Err     error
}

// Error implements the error interface.
func (e *ReauthenticationRequiredError) Error() string {
	return e.Reason
}

// Unwrap returns the provider error that caused the condition, if any.
func (e *ReauthenticationRequiredError) Unwrap() error {
	return e.Err
}

// IsReauthenticationRequired reports whether err carries a
// *ReauthenticationRequiredError and returns it.
func IsReauthenticationRequired(err error) (*ReauthenticationRequiredError, bool) {
	var reauth *ReauthenticationRequiredError
	if errors.As(err, &reauth) {
		return reauth, true
	}
	return nil, false
}

// ResponseError is an unexpected status from an API call the session makes
// on its own behalf (version discovery, pagination).
type ResponseError struct {
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *ResponseError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// AuthorizationError is an error the provider reported on the redirect.
type AuthorizationError struct {
	Code        string
	Description string
}

// Error implements the error interface.
func (e *AuthorizationError) Error() string {
	if e.Description == "" {
		return "authorization failed: " + e.Code
	}
	return fmt.Sprintf("authorization failed: %s: %s", e.Code, e.Description)
}
