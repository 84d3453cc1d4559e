package app

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/florianilch/forcesession/internal/config"
	"github.com/florianilch/forcesession/internal/session"
	"github.com/florianilch/forcesession/internal/tokenstore"
)

// redirectTransport sends every request to target.
type redirectTransport struct {
	target *url.URL
}

func (rt redirectTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.URL.Scheme = rt.target.Scheme
	out.URL.Host = rt.target.Host
	out.Host = rt.target.Host
	return http.DefaultTransport.RoundTrip(out)
}

func newTokenServer(t *testing.T) *http.Client {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/services/oauth2/token" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"access_token":  "access-1",
			"refresh_token": "refresh-1",
			"token_type":    "Bearer",
			"instance_url":  "https://acme.my.salesforce.com",
		})
	}))
	t.Cleanup(server.Close)

	target, err := url.Parse(server.URL)
	require.NoError(t, err)
	return &http.Client{Transport: redirectTransport{target: target}, Timeout: 5 * time.Second}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	return &config.Config{
		Auth: config.AuthConfig{
			ClientID:     "client-id",
			ClientSecret: "client-secret",
			Username:     "alice@example.com",
			Password:     "hunter2",
			Sandbox:      true,
			Domain:       "salesforce.com",
			Version:      "52.0",
		},
		Callback: config.CallbackConfig{Host: "localhost", Port: 60443, Timeout: 10 * time.Second},
		Storage:  config.StorageConfig{Type: config.StorageFile, Dir: t.TempDir()},
	}
}

func TestSessionOptions(t *testing.T) {
	a, err := New(context.Background(), testConfig(t))
	require.NoError(t, err)

	opts, err := a.SessionOptions()
	require.NoError(t, err)

	assert.Equal(t, "client-id", opts.Credentials.ClientID)
	assert.True(t, opts.Credentials.Sandbox)
	assert.Equal(t, "https://localhost:60443", opts.Callback.URL())
	assert.Equal(t, 10*time.Second, opts.CallbackTimeout)
	assert.Equal(t, "52.0", opts.Version)
	assert.Nil(t, opts.Assertion)
	assert.Equal(t, session.FlowPassword, session.SelectFlow(opts))
	assert.IsType(t, &tokenstore.FileStore{}, opts.Store)
}

func TestSessionOptions_AssertionKey(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	keyFile := filepath.Join(t.TempDir(), "server.key")
	pemKey := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	require.NoError(t, os.WriteFile(keyFile, pemKey, 0o600))

	cfg := testConfig(t)
	cfg.Auth.AssertionKeyFile = keyFile

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)

	opts, err := a.SessionOptions()
	require.NoError(t, err)
	assert.NotNil(t, opts.Assertion)
	assert.Equal(t, session.FlowAssertion, session.SelectFlow(opts))

	require.NoError(t, os.WriteFile(keyFile, []byte("not a key"), 0o600))
	_, err = a.SessionOptions()
	assert.Error(t, err)
}

func TestRun(t *testing.T) {
	cfg := testConfig(t)

	a, err := New(context.Background(), cfg, WithHTTPClient(newTokenServer(t)))
	require.NoError(t, err)

	var order []string
	a.OnShutdown(func(context.Context) error {
		order = append(order, "first")
		return nil
	})
	a.OnShutdown(func(context.Context) error {
		order = append(order, "second")
		return errors.New("flush failed")
	})

	errCommand := errors.New("command failed")
	err = a.Run(context.Background(), func(_ context.Context, s *session.Session) error {
		assert.Equal(t, session.StateAuthenticated, s.State())
		assert.Equal(t, "https://acme.my.salesforce.com", s.InstanceURL())
		return errCommand
	})

	assert.ErrorIs(t, err, errCommand)
	assert.ErrorContains(t, err, "flush failed")
	assert.Equal(t, []string{"second", "first"}, order)

	cached, err := tokenstore.Lookup(context.Background(), a.Store(), "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "refresh-1", cached)
}

func TestNew_StorageNone(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Type = config.StorageNone

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	assert.Nil(t, a.Store())
}

func TestShutdown_RunsHooksOnce(t *testing.T) {
	a, err := New(context.Background(), testConfig(t))
	require.NoError(t, err)

	calls := 0
	a.OnShutdown(func(context.Context) error {
		calls++
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, a.Shutdown(ctx))
	require.NoError(t, a.Shutdown(ctx))
	assert.Equal(t, 1, calls)
}
