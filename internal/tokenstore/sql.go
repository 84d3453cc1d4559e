package tokenstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	// Database drivers
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// DatabaseURLEnv names the environment variable read when no connection
// string is given to NewSQLStore.
const DatabaseURLEnv = "FORCESESSION_DATABASE_URL"

// ErrInMemoryDatabase is returned for SQLite in-memory connection strings.
// Every call opens its own connection and would see an empty database.
var ErrInMemoryDatabase = errors.New("in-memory SQLite databases cannot hold refresh tokens, use a file path")

// Namespace is the schema (PostgreSQL) or table prefix (SQLite) owned by the store.
const Namespace = "forcesession"

// Driver is a database/sql driver name.
type Driver string

// Supported drivers.
const (
	PostgreSQL Driver = "postgres"
	SQLite     Driver = "sqlite3"
)

// DetectDriver determines the driver from the connection string.
func DetectDriver(dsn string) Driver {
	lower := strings.ToLower(dsn)

	switch {
	case strings.HasPrefix(lower, "postgres://"),
		strings.HasPrefix(lower, "postgresql://"),
		strings.Contains(lower, "host="):
		return PostgreSQL
	default:
		// Plain paths and file: URIs
		return SQLite
	}
}

// SQLStore keeps the token map in a single table keyed by identity.
// Each call opens its own connection; the process may sit idle for long
// periods between calls and pooled connections would go stale.
type SQLStore struct {
	driver Driver
	dsn    string
	table  string
}

// NewSQLStore connects to dsn (or $FORCESESSION_DATABASE_URL when empty) and
// provisions the namespace and table if they do not exist yet.
func NewSQLStore(ctx context.Context, dsn string) (*SQLStore, error) {
	if dsn == "" {
		dsn = os.Getenv(DatabaseURLEnv)
	}
	if dsn == "" {
		return nil, fmt.Errorf("no database connection string given and %s is not set", DatabaseURLEnv)
	}

	s := &SQLStore{
		driver: DetectDriver(dsn),
		dsn:    dsn,
	}
	if s.driver == SQLite && inMemory(dsn) {
		return nil, ErrInMemoryDatabase
	}

	switch s.driver {
	case PostgreSQL:
		s.table = Namespace + ".refresh_tokens"
	case SQLite:
		// SQLite has no schemas; the namespace becomes a table prefix.
		s.table = Namespace + "_refresh_tokens"
		if !strings.Contains(s.dsn, "?") {
			s.dsn += "?_busy_timeout=10000"
		}
	}

	db, err := s.open(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = db.Close() }()

	if err := s.provision(ctx, db); err != nil {
		return nil, err
	}

	slog.DebugContext(ctx, "sql token store ready",
		"driver", string(s.driver),
		"table", s.table,
	)
	return s, nil
}

func inMemory(dsn string) bool {
	lower := strings.ToLower(dsn)
	return strings.Contains(lower, ":memory:") || strings.Contains(lower, "mode=memory")
}

// Driver returns the detected database driver.
func (s *SQLStore) Driver() Driver {
	return s.driver
}

// Store upserts every row of tokens and deletes rows whose identity is not in
// tokens, in one transaction.
func (s *SQLStore) Store(ctx context.Context, tokens Map) (err error) {
	db, err := s.open(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	upsert := fmt.Sprintf(
		"INSERT INTO %s (identity, refresh_token) VALUES (%s, %s) "+
			"ON CONFLICT (identity) DO UPDATE SET refresh_token = excluded.refresh_token",
		s.table, s.placeholder(1), s.placeholder(2),
	)
	for identity, refreshToken := range tokens {
		if _, err = tx.ExecContext(ctx, upsert, identity, refreshToken); err != nil {
			return fmt.Errorf("failed to upsert refresh token for %s: %w", identity, err)
		}
	}

	existing, err := s.identities(ctx, tx)
	if err != nil {
		return err
	}

	remove := fmt.Sprintf("DELETE FROM %s WHERE identity = %s", s.table, s.placeholder(1))
	pruned := 0
	for _, identity := range existing {
		if _, ok := tokens[identity]; ok {
			continue
		}
		if _, err = tx.ExecContext(ctx, remove, identity); err != nil {
			return fmt.Errorf("failed to delete refresh token for %s: %w", identity, err)
		}
		pruned++
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	slog.DebugContext(ctx, "refresh tokens stored",
		"backend", "sql",
		"table", s.table,
		"identities", len(tokens),
		"pruned", pruned,
	)
	return nil
}

// Retrieve reads all rows. An empty table yields an empty map.
func (s *SQLStore) Retrieve(ctx context.Context) (Map, error) {
	db, err := s.open(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = db.Close() }()

	rows, err := db.QueryContext(ctx, fmt.Sprintf("SELECT identity, refresh_token FROM %s", s.table))
	if err != nil {
		return nil, fmt.Errorf("failed to query refresh tokens: %w", err)
	}
	defer func() { _ = rows.Close() }()

	tokens := Map{}
	for rows.Next() {
		var identity string
		var refreshToken sql.NullString
		if err := rows.Scan(&identity, &refreshToken); err != nil {
			return nil, fmt.Errorf("failed to scan refresh token: %w", err)
		}
		tokens[identity] = refreshToken.String
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read refresh tokens: %w", err)
	}

	return tokens, nil
}

// open returns a fresh single-connection handle.
func (s *SQLStore) open(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open(string(s.driver), s.dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// provision creates the namespace and table.
func (s *SQLStore) provision(ctx context.Context, db *sql.DB) error {
	var statements []string
	if s.driver == PostgreSQL {
		statements = append(statements, "CREATE SCHEMA IF NOT EXISTS "+Namespace)
	}
	statements = append(statements, fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (identity TEXT PRIMARY KEY, refresh_token TEXT)",
		s.table,
	))

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to provision token table: %w", err)
		}
	}
	return nil
}

// identities lists the stored identities inside tx.
func (s *SQLStore) identities(ctx context.Context, tx *sql.Tx) ([]string, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf("SELECT identity FROM %s", s.table))
	if err != nil {
		return nil, fmt.Errorf("failed to query identities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var identities []string
	for rows.Next() {
		var identity string
		if err := rows.Scan(&identity); err != nil {
			return nil, fmt.Errorf("failed to scan identity: %w", err)
		}
		identities = append(identities, identity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read identities: %w", err)
	}
	return identities, nil
}

// placeholder returns the bind parameter syntax for the driver.
func (s *SQLStore) placeholder(position int) string {
	if s.driver == PostgreSQL {
		return fmt.Sprintf("$%d", position)
	}
	return "?"
}
