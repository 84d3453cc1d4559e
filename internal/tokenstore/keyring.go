package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/zalando/go-keyring"
)

// DefaultKeyringService is the keychain service name used when none is configured.
const DefaultKeyringService = "forcesession"

// keyringUser is the account under which the token map is saved.
const keyringUser = "refresh_tokens"

// KeyringStore keeps the token map as one secret in the OS keychain.
type KeyringStore struct {
	service string
}

// NewKeyringStore creates a KeyringStore for service.
func NewKeyringStore(service string) *KeyringStore {
	if service == "" {
		service = DefaultKeyringService
	}
	return &KeyringStore{service: service}
}

// Store replaces the keychain secret with tokens.
func (s *KeyringStore) Store(ctx context.Context, tokens Map) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if tokens == nil {
		tokens = Map{}
	}

	data, err := json.Marshal(tokens)
	if err != nil {
		return fmt.Errorf("failed to marshal tokens: %w", err)
	}

	if err := keyring.Set(s.service, keyringUser, string(data)); err != nil {
		return fmt.Errorf("failed to write keyring secret: %w", err)
	}

	slog.DebugContext(ctx, "refresh tokens stored",
		"backend", "keyring",
		"service", s.service,
		"identities", len(tokens),
	)
	return nil
}

// Retrieve reads the keychain secret. A missing secret yields an empty map.
func (s *KeyringStore) Retrieve(ctx context.Context) (Map, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	secret, err := keyring.Get(s.service, keyringUser)
	if errors.Is(err, keyring.ErrNotFound) {
		return Map{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read keyring secret: %w", err)
	}

	tokens := Map{}
	if err := json.Unmarshal([]byte(secret), &tokens); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tokens: %w", err)
	}
	return tokens, nil
}
