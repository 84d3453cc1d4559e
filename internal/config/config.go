// Package config loads forcesession's configuration from defaults, an
// optional TOML file and FORCESESSION_* environment variables, in that order
// of precedence.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/florianilch/forcesession/internal/tokenstore"
)

// EnvPrefix prefixes every environment override. Nested keys are separated
// by a double underscore, e.g. FORCESESSION_AUTH__CLIENT_ID.
const EnvPrefix = "FORCESESSION_"

// Storage backends.
const (
	StorageFile    = "file"
	StorageSQL     = "sql"
	StorageKeyring = "keyring"
	StorageNone    = "none"
)

// Config is the complete configuration.
type Config struct {
	Auth     AuthConfig     `koanf:"auth"`
	Callback CallbackConfig `koanf:"callback"`
	Storage  StorageConfig  `koanf:"storage"`
	Log      LogConfig      `koanf:"log"`
}

// AuthConfig describes the connected app and the user to log in as.
type AuthConfig struct {
	ClientID     string `koanf:"client_id" validate:"required"`
	ClientSecret string `koanf:"client_secret" secret:"true"`
	Username     string `koanf:"username" validate:"required"`
	Password     string `koanf:"password" secret:"true"`

	Sandbox      bool   `koanf:"sandbox"`
	CustomDomain string `koanf:"custom_domain" validate:"omitempty,hostname_rfc1123"`
	Domain       string `koanf:"domain" validate:"required,fqdn"`

	// Version pins the API version, e.g. "52.0".
	Version string `koanf:"version" validate:"omitempty,numeric"`

	// AssertionKeyFile is a PEM encoded private key selecting the JWT bearer flow.
	AssertionKeyFile string `koanf:"assertion_key_file" validate:"omitempty,file"`

	IgnoreCachedRefreshTokens bool `koanf:"ignore_cached_refresh_tokens"`
	ForceExternalFlow         bool `koanf:"force_external_flow"`
}

// CallbackConfig is the redirect target of the interactive flow.
type CallbackConfig struct {
	Host    string        `koanf:"host" validate:"required,hostname_rfc1123|ip"`
	Port    int           `koanf:"port" validate:"gte=0,lte=65535"`
	Timeout time.Duration `koanf:"timeout" validate:"gt=0"`
}

// StorageConfig selects where refresh tokens are cached.
type StorageConfig struct {
	Type string `koanf:"type" validate:"oneof=file sql keyring none"`

	// Dir is the file backend's directory. Empty means ~/.forcesession.
	Dir        string `koanf:"dir"`
	Passphrase string `koanf:"passphrase" secret:"true"`

	// DatabaseURL is the sql backend's connection string. Empty falls back to
	// FORCESESSION_DATABASE_URL.
	DatabaseURL string `koanf:"database_url" secret:"true"`

	KeyringService string `koanf:"keyring_service" validate:"required_if=Type keyring"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level    string `koanf:"level" validate:"oneof=debug info warn error"`
	Format   string `koanf:"format" validate:"oneof=text json"`
	Exporter string `koanf:"exporter" validate:"oneof=none console otlp-http otlp-grpc"`
}

func defaults() map[string]any {
	return map[string]any{
		"auth.domain":             "salesforce.com",
		"callback.host":           "localhost",
		"callback.port":           60443,
		"callback.timeout":        "30s",
		"storage.type":            StorageFile,
		"storage.keyring_service": tokenstore.DefaultKeyringService,
		"log.level":               "info",
		"log.format":              "text",
		"log.exporter":            "none",
	}
}

// Load reads the configuration. path may be empty; a missing file at a
// non-empty path is an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(".", env.Opt{
		Prefix:        EnvPrefix,
		TransformFunc: transformEnv,
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// transformEnv maps FORCESESSION_AUTH__CLIENT_ID to auth.client_id.
func transformEnv(key, value string) (string, any) {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	if !strings.Contains(key, "__") || value == "" {
		return "", nil
	}
	return strings.ReplaceAll(key, "__", "."), value
}

// Validate checks the configuration's constraints.
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())

	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("invalid config: %w", err)
		}

		msgs := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
		}
		return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
	}

	return nil
}

// NewTokenStore builds the configured refresh token store. It returns nil for
// the "none" backend.
func (s StorageConfig) NewTokenStore(ctx context.Context) (tokenstore.Store, error) {
	switch s.Type {
	case StorageFile, "":
		dir := s.Dir
		if dir == "" {
			defaultDir, err := tokenstore.DefaultDir()
			if err != nil {
				return nil, err
			}
			dir = defaultDir
		}

		var opts []tokenstore.FileOption
		if s.Passphrase != "" {
			opts = append(opts, tokenstore.WithPassphrase(s.Passphrase))
		}
		store, err := tokenstore.NewFileStore(os.ExpandEnv(dir), opts...)
		if err != nil {
			return nil, err
		}
		return store, nil

	case StorageSQL:
		store, err := tokenstore.NewSQLStore(ctx, s.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return store, nil

	case StorageKeyring:
		return tokenstore.NewKeyringStore(s.KeyringService), nil

	case StorageNone:
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown storage type %q", s.Type)
	}
}

// String renders the configuration with secrets redacted.
func (c *Config) String() string {
	var sb strings.Builder
	writeRedacted(&sb, "", reflect.ValueOf(*c))
	return sb.String()
}

func writeRedacted(sb *strings.Builder, prefix string, v reflect.Value) {
	t := v.Type()
	for i := range t.NumField() {
		field := t.Field(i)
		name := field.Tag.Get("koanf")
		if prefix != "" {
			name = prefix + "." + name
		}

		value := v.Field(i)
		if value.Kind() == reflect.Struct {
			writeRedacted(sb, name, value)
			continue
		}

		rendered := fmt.Sprintf("%v", value.Interface())
		if field.Tag.Get("secret") == "true" && !value.IsZero() {
			rendered = "***REDACTED***"
		}
		fmt.Fprintf(sb, "%s = %s\n", name, rendered)
	}
}
