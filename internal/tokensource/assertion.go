package tokensource

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// AssertionValidity is how long a bearer assertion is accepted by the provider.
// Kept short so a leaked assertion cannot be replayed later.
const AssertionValidity = 3 * time.Minute

// Assertion produces signed bearer assertions for the server-to-server flow.
type Assertion interface {
	Assert(ctx context.Context, audience string, validity time.Duration) (string, error)
}

// JWTAssertion signs RS256 JWT bearer assertions with a connected app's
// certificate key. The issuer is the client id and the subject is the user
// the token is minted for.
type JWTAssertion struct {
	clientID string
	username string
	key      jwk.Key
}

// NewJWTAssertion parses a PEM encoded RSA private key and returns an
// assertion signer for clientID acting as username.
func NewJWTAssertion(clientID, username string, pemKey []byte) (*JWTAssertion, error) {
	if clientID == "" || username == "" {
		return nil, errors.New("client id and username are required for bearer assertions")
	}

	key, err := jwk.ParseKey(pemKey, jwk.WithPEM(true))
	if err != nil {
		return nil, fmt.Errorf("parsing assertion key: %w", err)
	}

	return &JWTAssertion{
		clientID: clientID,
		username: username,
		key:      key,
	}, nil
}

// Assert builds and signs an assertion for audience, valid for the given duration.
func (a *JWTAssertion) Assert(ctx context.Context, audience string, validity time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	now := time.Now()
	token, err := jwt.NewBuilder().
		Issuer(a.clientID).
		Subject(a.username).
		Audience([]string{audience}).
		IssuedAt(now).
		Expiration(now.Add(validity)).
		Build()
	if err != nil {
		return "", fmt.Errorf("building assertion: %w", err)
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256, a.key))
	if err != nil {
		return "", fmt.Errorf("signing assertion: %w", err)
	}

	return string(signed), nil
}
