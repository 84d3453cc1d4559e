package tokensource

import (
	"errors"
	"fmt"

	"golang.org/x/oauth2"
)

// LogoutError is returned when the provider's revoke endpoint answers with a
// non-success status.
type LogoutError struct {
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *LogoutError) Error() string {
	return fmt.Sprintf("logout failed with status %d: %s", e.StatusCode, e.Body)
}

// IsInvalidGrant reports whether err is a token endpoint rejection with the
// OAuth2 "invalid_grant" error code, meaning the refresh token (or code) is
// no longer usable.
func IsInvalidGrant(err error) bool {
	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) {
		return false
	}
	return retrieveErr.ErrorCode == "invalid_grant"
}
