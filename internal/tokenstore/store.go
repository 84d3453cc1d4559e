// Package tokenstore persists refresh tokens keyed by identity (username) so a
// session can be recovered across process restarts.
//
// Three backends are available:
//   - FileStore: a single blob in a private directory, optionally sealed with a passphrase
//   - SQLStore: one table in a dedicated namespace of a PostgreSQL or SQLite database
//   - KeyringStore: a single secret in the OS keychain
//
// Every backend stores the whole map at once. Writers in different processes
// are not coordinated; the last writer wins.
package tokenstore

import (
	"context"
	"fmt"
	"maps"
)

// Map associates an identity with its refresh token.
type Map map[string]string

// Store persists the complete identity → refresh token map.
type Store interface {
	// Store replaces the persisted map with tokens. Identities missing from
	// tokens are removed.
	Store(ctx context.Context, tokens Map) error

	// Retrieve returns the persisted map, or an empty map when nothing has been
	// stored yet.
	Retrieve(ctx context.Context) (Map, error)
}

// Lookup returns the refresh token stored for identity, or "" when none exists.
func Lookup(ctx context.Context, s Store, identity string) (string, error) {
	tokens, err := s.Retrieve(ctx)
	if err != nil {
		return "", fmt.Errorf("retrieving refresh tokens: %w", err)
	}
	return tokens[identity], nil
}

// Remember stores refreshToken for identity, keeping all other identities.
func Remember(ctx context.Context, s Store, identity, refreshToken string) error {
	tokens, err := s.Retrieve(ctx)
	if err != nil {
		return fmt.Errorf("retrieving refresh tokens: %w", err)
	}

	updated := maps.Clone(tokens)
	if updated == nil {
		updated = Map{}
	}
	updated[identity] = refreshToken

	if err := s.Store(ctx, updated); err != nil {
		return fmt.Errorf("storing refresh tokens: %w", err)
	}
	return nil
}

// Forget removes identity from the store. Missing identities are not an error.
func Forget(ctx context.Context, s Store, identity string) error {
	tokens, err := s.Retrieve(ctx)
	if err != nil {
		return fmt.Errorf("retrieving refresh tokens: %w", err)
	}

	if _, ok := tokens[identity]; !ok {
		return nil
	}

	updated := maps.Clone(tokens)
	delete(updated, identity)

	if err := s.Store(ctx, updated); err != nil {
		return fmt.Errorf("storing refresh tokens: %w", err)
	}
	return nil
}
