// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package external

import (
	"context"
	"net/http"
	"net/url"
	"testing"

	"github.com/oauth2-proxy/mockoidc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/authcore/pkg/authserver/storage"
)

const testRedirectURI = "http://localhost:5000/external/callback"

func startUpstream(t *testing.T) (*mockoidc.MockOIDC, *Provider) {
	t.Helper()
	m, err := mockoidc.Run()
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown() })

	cfg := m.Config()
	p, err := NewProvider(context.Background(), Config{
		Name:         "corp",
		DisplayName:  "Corporate SSO",
		Issuer:       m.Issuer(),
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURI:  testRedirectURI,
	})
	require.NoError(t, err)
	return m, p
}

// followChallenge visits the upstream authorization URL and returns the
// state and code of its redirect back to us.
func followChallenge(t *testing.T, challengeURL string) (string, string) {
	t.Helper()
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Get(challengeURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "/external/callback", loc.Path)
	return loc.Query().Get("state"), loc.Query().Get("code")
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	valid := Config{Name: "corp", Issuer: "https://idp.example", ClientID: "c", RedirectURI: testRedirectURI}
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "no name", mutate: func(c *Config) { c.Name = "" }, wantErr: "name is required"},
		{name: "no issuer", mutate: func(c *Config) { c.Issuer = "" }, wantErr: "issuer is required"},
		{name: "no client", mutate: func(c *Config) { c.ClientID = "" }, wantErr: "client_id is required"},
		{name: "relative redirect", mutate: func(c *Config) { c.RedirectURI = "callback" }, wantErr: "invalid redirect_uri"},
		{name: "no openid", mutate: func(c *Config) { c.Scopes = []string{"email"} }, wantErr: "openid scope is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestFlow_Login(t *testing.T) {
	t.Parallel()
	_, p := startUpstream(t)
	store := storage.NewMemoryStorage()
	t.Cleanup(func() { _ = store.Close() })
	flow := NewFlow(store, p)
	ctx := context.Background()

	challenge, err := flow.Challenge(ctx, "corp", "/authorize/callback?authzId=abc")
	require.NoError(t, err)
	u, err := url.Parse(challenge)
	require.NoError(t, err)
	assert.Equal(t, "S256", u.Query().Get("code_challenge_method"))
	assert.NotEmpty(t, u.Query().Get("nonce"))

	state, code := followChallenge(t, challenge)
	result, err := flow.Callback(ctx, state, code)
	require.NoError(t, err)
	assert.Equal(t, "corp", result.Provider)
	assert.Equal(t, mockoidc.DefaultUser().Subject, result.Subject)
	assert.Equal(t, mockoidc.DefaultUser().Email, result.Claims["email"])
	assert.Equal(t, "/authorize/callback?authzId=abc", result.ReturnURL)

	_, err = flow.Callback(ctx, state, code)
	require.ErrorIs(t, err, ErrUnknownState, "state is single use")
}

func TestFlow_Errors(t *testing.T) {
	t.Parallel()
	_, p := startUpstream(t)
	store := storage.NewMemoryStorage()
	t.Cleanup(func() { _ = store.Close() })
	flow := NewFlow(store, p)
	ctx := context.Background()

	_, err := flow.Challenge(ctx, "other", "/authorize")
	require.ErrorIs(t, err, ErrUnknownProvider)

	_, err = flow.Callback(ctx, "", "code")
	require.ErrorIs(t, err, ErrUnknownState)
	_, err = flow.Callback(ctx, "never-issued", "code")
	require.ErrorIs(t, err, ErrUnknownState)

	challenge, err := flow.Challenge(ctx, "corp", "/authorize")
	require.NoError(t, err)
	state, _ := followChallenge(t, challenge)
	_, err = flow.Callback(ctx, state, "not-a-code")
	require.Error(t, err)

	got, ok := flow.Provider("corp")
	require.True(t, ok)
	assert.Equal(t, "Corporate SSO", got.DisplayName())
	assert.Len(t, flow.Providers(), 1)
}
