package tokenstore

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"
)

// DefaultDirName is the hidden directory under the user's home used when no
// directory is configured.
const DefaultDirName = ".forcesession"

// DefaultFilename is the name of the token blob inside the store directory.
const DefaultFilename = "refresh_tokens"

// sealedMagic prefixes passphrase-sealed blobs.
var sealedMagic = []byte("fss1")

const (
	saltSize  = 16
	nonceSize = 24
	keySize   = 32
)

// ErrSealed is returned when a sealed blob is read without a passphrase.
var ErrSealed = errors.New("token file is sealed; a passphrase is required")

// FileStore keeps the token map in a single file that is overwritten on every
// Store. The directory is created with owner-only permissions.
type FileStore struct {
	dir        string
	path       string
	passphrase []byte
}

// FileOption configures a FileStore.
type FileOption func(*FileStore)

// WithPassphrase seals the blob with a key derived from passphrase.
func WithPassphrase(passphrase string) FileOption {
	return func(s *FileStore) {
		if passphrase != "" {
			s.passphrase = []byte(passphrase)
		}
	}
}

// DefaultDir returns ~/.forcesession.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, DefaultDirName), nil
}

// NewFileStore creates a FileStore in dir, creating the directory if needed.
// An empty dir selects DefaultDir.
func NewFileStore(dir string, opts ...FileOption) (*FileStore, error) {
	if dir == "" {
		var err error
		if dir, err = DefaultDir(); err != nil {
			return nil, err
		}
	}

	// MkdirAll tolerates the directory appearing concurrently from another process.
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create token storage directory: %w", err)
	}

	s := &FileStore{
		dir:  dir,
		path: filepath.Join(dir, DefaultFilename),
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Path returns the location of the token blob.
func (s *FileStore) Path() string {
	return s.path
}

// Store overwrites the blob with tokens. The file is replaced atomically so a
// concurrent reader in another process never sees a partial write.
func (s *FileStore) Store(ctx context.Context, tokens Map) error {
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

	if s.passphrase != nil {
		if data, err = seal(s.passphrase, data); err != nil {
			return err
		}
	}

	// CreateTemp opens the file with 0600.
	tmp, err := os.CreateTemp(s.dir, "."+DefaultFilename+"-*")
	if err != nil {
		return fmt.Errorf("failed to create token file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("failed to replace token file: %w", err)
	}

	slog.DebugContext(ctx, "refresh tokens stored",
		"backend", "file",
		"path", s.path,
		"identities", len(tokens),
	)
	return nil
}

// Retrieve reads the blob. A missing file yields an empty map.
func (s *FileStore) Retrieve(ctx context.Context) (Map, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// #nosec G304 -- path is built from the configured directory and a fixed filename
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Map{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}

	if bytes.HasPrefix(data, sealedMagic) {
		if s.passphrase == nil {
			return nil, ErrSealed
		}
		if data, err = unseal(s.passphrase, data); err != nil {
			return nil, err
		}
	}

	tokens := Map{}
	if err := json.Unmarshal(data, &tokens); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tokens: %w", err)
	}
	return tokens, nil
}

// seal encrypts plaintext as magic | salt | nonce | secretbox(plaintext).
func seal(passphrase, plaintext []byte) ([]byte, error) {
	var salt [saltSize]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	key := deriveKey(passphrase, salt[:])

	out := make([]byte, 0, len(sealedMagic)+saltSize+nonceSize+len(plaintext)+secretbox.Overhead)
	out = append(out, sealedMagic...)
	out = append(out, salt[:]...)
	out = append(out, nonce[:]...)
	return secretbox.Seal(out, plaintext, &nonce, key), nil
}

// unseal reverses seal.
func unseal(passphrase, sealed []byte) ([]byte, error) {
	body := sealed[len(sealedMagic):]
	if len(body) < saltSize+nonceSize+secretbox.Overhead {
		return nil, errors.New("token file is truncated")
	}

	salt := body[:saltSize]
	var nonce [nonceSize]byte
	copy(nonce[:], body[saltSize:saltSize+nonceSize])

	plaintext, ok := secretbox.Open(nil, body[saltSize+nonceSize:], &nonce, deriveKey(passphrase, salt))
	if !ok {
		return nil, errors.New("failed to decrypt token file: wrong passphrase or corrupted data")
	}
	return plaintext, nil
}

func deriveKey(passphrase, salt []byte) *[keySize]byte {
	var key [keySize]byte
	copy(key[:], argon2.IDKey(passphrase, salt, 1, 64*1024, 4, keySize))
	return &key
}
