// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/authcore/pkg/authserver/server/keys"
	"github.com/stacklok/authcore/pkg/authserver/storage"
	"github.com/stacklok/authcore/pkg/authserver/token"
)

const (
	m2mClientID     = "m2m.client"
	m2mClientSecret = "511536EF-F270-4058-80CA-1C89C192F69A"
)

func newTestServer(t *testing.T, mutate func(*Config), opts ...Option) (*Server, *httptest.Server) {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	opts = append([]Option{WithKeyProvider(keys.NewGeneratingProvider(""))}, opts...)
	srv, err := New(t.Context(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func requestToken(t *testing.T, ts *httptest.Server, form url.Values) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/token", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(m2mClientID, m2mClientSecret)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func get(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := ts.Client().Get(ts.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestNew_ServesEndpoints(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, nil)

	resp := get(t, ts, "/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))

	resp = get(t, ts, "/.well-known/openid-configuration")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var doc struct {
		Issuer          string   `json:"issuer"`
		ScopesSupported []string `json:"scopes_supported"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	assert.Equal(t, DefaultIssuer, doc.Issuer)
	assert.Contains(t, doc.ScopesSupported, "agvamember")

	resp = requestToken(t, ts, url.Values{"grant_type": {"client_credentials"}, "scope": {"scope1"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tok token.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tok))
	assert.NotEmpty(t, tok.AccessToken)
	assert.Equal(t, "scope1", tok.Scope)

	resp = get(t, ts, "/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNew_DomainExpansion(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)

	expanded := srv.Registry().ExpandScopes([]string{DefaultDomainPrefix})
	assert.ElementsMatch(t, []string{"openid", "agvapark", "agvabonus", "agvamember"}, expanded)
}

func TestNew_RateLimit(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, func(c *Config) {
		c.RateLimit = RateLimitConfig{RequestsPerSecond: 0.001, Burst: 1}
	})

	form := url.Values{"grant_type": {"client_credentials"}, "scope": {"scope1"}}
	assert.Equal(t, http.StatusOK, requestToken(t, ts, form).StatusCode)
	assert.Equal(t, http.StatusTooManyRequests, requestToken(t, ts, form).StatusCode)

	// Discovery is not throttled.
	assert.Equal(t, http.StatusOK, get(t, ts, "/.well-known/openid-configuration").StatusCode)
}

func TestNew_ClientFile(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "clients.yaml", `
clients:
  - id: extra.client
    grant_types: [client_credentials]
    secrets:
      - value: extra-secret
        type: plain
    allowed_scopes: [scope2]
`)
	srv, _ := newTestServer(t, func(c *Config) { c.ClientFile = path })

	client, err := srv.Registry().FindClient("extra.client")
	require.NoError(t, err)
	assert.True(t, client.VerifySecret("extra-secret"))

	_, err = srv.Registry().FindClient(m2mClientID)
	assert.NoError(t, err, "file clients are appended to the configured ones")
}

func TestNew_SQLStorage(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, func(c *Config) {
		c.Storage = &storage.Config{Type: storage.TypeSQL, SQL: &storage.SQLConfig{
			Driver: "sqlite",
			DSN:    filepath.Join(t.TempDir(), "authcore.db"),
		}}
	})

	assert.Equal(t, http.StatusOK, get(t, ts, "/health").StatusCode)
	resp := requestToken(t, ts, url.Values{"grant_type": {"client_credentials"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNew_ProvidedStorageIsNotClosed(t *testing.T) {
	t.Parallel()
	stor := storage.NewMemoryStorage()
	t.Cleanup(func() { _ = stor.Close() })

	srv, err := New(t.Context(), DefaultConfig(), WithStorage(stor), WithKeyProvider(keys.NewGeneratingProvider("")))
	require.NoError(t, err)
	require.NoError(t, srv.Close())

	// The seeded accounts went to the provided store, which is still usable.
	user, err := stor.FindUserByUsername(t.Context(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "818727", user.Subject)
}

func TestNew_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "invalid issuer",
			mutate:  func(c *Config) { c.Issuer = "issuer" },
			wantErr: "invalid config",
		},
		{
			name: "duplicate client",
			mutate: func(c *Config) {
				c.Clients = append(c.Clients, c.Clients[0])
			},
			wantErr: "duplicate client id",
		},
		{
			name:    "missing session secret",
			mutate:  func(c *Config) { c.Session.SecretFiles = []string{"/nonexistent/secret"} },
			wantErr: "failed to load session secrets",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			tt.mutate(cfg)
			_, err := New(t.Context(), cfg, WithKeyProvider(keys.NewGeneratingProvider("")))
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestServer_RunStopsOnCancel(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
