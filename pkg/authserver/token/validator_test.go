// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/authcore/pkg/authserver/registry/registrytest"
	"github.com/stacklok/authcore/pkg/authserver/server/keys"
	"github.com/stacklok/authcore/pkg/authserver/server/keys/mocks"
	"github.com/stacklok/authcore/pkg/authserver/storage"
	"github.com/stacklok/authcore/pkg/authserver/token"
)

func newSigningKey(t *testing.T, kid string) *keys.SigningKeyData {
	t.Helper()
	signer, err := keys.GeneratePrivateKey(keys.DefaultAlgorithm)
	require.NoError(t, err)
	return &keys.SigningKeyData{KeyID: kid, Algorithm: keys.DefaultAlgorithm, Key: signer, CreatedAt: time.Now()}
}

func publicOf(k *keys.SigningKeyData, notAfter time.Time) *keys.PublicKeyData {
	return &keys.PublicKeyData{
		KeyID:     k.KeyID,
		Algorithm: k.Algorithm,
		PublicKey: k.Key.Public(),
		CreatedAt: k.CreatedAt,
		NotAfter:  notAfter,
	}
}

func TestValidator_KeyRotation(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	ctx := context.Background()

	oldKey := newSigningKey(t, "old")
	newKey := newSigningKey(t, "new")

	provider := mocks.NewMockKeyProvider(ctrl)
	provider.EXPECT().SigningKey(gomock.Any()).Return(oldKey, nil).Times(1)

	store := storage.NewMemoryStorage()
	t.Cleanup(func() { _ = store.Close() })
	reg := registrytest.New(t)
	iss, err := token.NewIssuer(token.Config{Issuer: testIssuer, Keys: provider, Store: store, Registry: reg})
	require.NoError(t, err)

	m2m, err := reg.FindClient(registrytest.M2MClientID)
	require.NoError(t, err)
	resp, err := iss.ClientCredentials(ctx, m2m, "scope1", nil)
	require.NoError(t, err)

	now := time.Now()
	tests := []struct {
		name      string
		published []*keys.PublicKeyData
		wantErr   error
	}{
		{
			name:      "retired key within retention",
			published: []*keys.PublicKeyData{publicOf(newKey, time.Time{}), publicOf(oldKey, now.Add(time.Hour))},
		},
		{
			name:      "retired key past retention",
			published: []*keys.PublicKeyData{publicOf(newKey, time.Time{}), publicOf(oldKey, now.Add(-time.Second))},
			wantErr:   token.ErrUnknownKey,
		},
		{
			name:      "key no longer published",
			published: []*keys.PublicKeyData{publicOf(newKey, time.Time{})},
			wantErr:   token.ErrUnknownKey,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctrl := gomock.NewController(t)
			published := mocks.NewMockKeyProvider(ctrl)
			published.EXPECT().PublicKeys(gomock.Any()).Return(tt.published, nil).AnyTimes()

			claims, err := token.NewValidator(testIssuer, published).Validate(ctx, resp.AccessToken)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, registrytest.M2MClientID, claims.ClientID)
		})
	}
}

func TestValidator_Rejects(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.issuer.ClientCredentials(ctx, f.client(t, registrytest.M2MClientID), "scope1", nil)
	require.NoError(t, err)

	tests := []struct {
		name      string
		validator token.TokenValidator
		raw       string
		wantErr   error
	}{
		{
			name:      "empty token",
			validator: token.NewValidator(testIssuer, f.keys),
			wantErr:   token.ErrNoToken,
		},
		{
			name:      "garbage",
			validator: token.NewValidator(testIssuer, f.keys),
			raw:       "not.a.jwt",
			wantErr:   token.ErrInvalidToken,
		},
		{
			name:      "wrong issuer",
			validator: token.NewValidator("https://other.example.com", f.keys),
			raw:       resp.AccessToken,
			wantErr:   token.ErrInvalidIssuer,
		},
		{
			name:      "wrong audience",
			validator: token.NewValidator(testIssuer, f.keys, token.WithAudience("payments")),
			raw:       resp.AccessToken,
			wantErr:   token.ErrInvalidAudience,
		},
		{
			name: "expired",
			validator: token.NewValidator(testIssuer, f.keys,
				token.WithValidationClock(func() time.Time { return time.Now().Add(2 * time.Hour) })),
			raw:     resp.AccessToken,
			wantErr: token.ErrTokenExpired,
		},
		{
			name:      "access token where an identity token is expected",
			validator: token.NewValidator(testIssuer, f.keys, token.WithTokenTypes(token.TypeIdentityToken)),
			raw:       resp.AccessToken,
			wantErr:   token.ErrInvalidType,
		},
		{
			name:      "signed by another key",
			validator: token.NewValidator(testIssuer, keys.NewGeneratingProvider("")),
			raw:       resp.AccessToken,
			wantErr:   token.ErrInvalidToken,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := tt.validator.Validate(ctx, tt.raw)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func jwksHandler(t *testing.T, provider keys.KeyProvider) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		set, err := keys.JWKS(r.Context(), provider)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	}
}

func TestRemoteValidator(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	resp, err := f.issuer.ClientCredentials(ctx, f.client(t, registrytest.M2MClientID), "scope1", nil)
	require.NoError(t, err)

	srv := httptest.NewServer(jwksHandler(t, f.keys))
	t.Cleanup(srv.Close)

	v, err := token.NewRemoteValidator(ctx, token.RemoteConfig{
		Issuer:     testIssuer,
		JWKSURL:    srv.URL,
		HTTPClient: srv.Client(),
	})
	require.NoError(t, err)
	assert.Equal(t, srv.URL, v.JWKSURL())

	claims, err := v.Validate(ctx, resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, registrytest.M2MClientID, claims.ClientID)

	_, err = v.Validate(ctx, "garbage")
	require.ErrorIs(t, err, token.ErrInvalidToken)
}

func TestRemoteValidator_Discovery(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	kp := keys.NewGeneratingProvider("")

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                 srv.URL,
			"authorization_endpoint": srv.URL + "/connect/authorize",
			"token_endpoint":         srv.URL + "/connect/token",
			"jwks_uri":               srv.URL + "/.well-known/openid-configuration/jwks",
		})
	})
	mux.HandleFunc("/.well-known/openid-configuration/jwks", jwksHandler(t, kp))

	v, err := token.NewRemoteValidator(ctx, token.RemoteConfig{Issuer: srv.URL, HTTPClient: srv.Client()})
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/.well-known/openid-configuration/jwks", v.JWKSURL())

	_, err = token.NewRemoteValidator(ctx, token.RemoteConfig{})
	require.ErrorIs(t, err, token.ErrMissingIssuerAndJWKSURL)
}
