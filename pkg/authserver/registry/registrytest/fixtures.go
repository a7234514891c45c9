// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package registrytest provides a registry populated with sample clients and
// resources for tests of the packages built on top of the registry.
package registrytest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stacklok/authcore/pkg/authserver/registry"
)

// Sample client ids and secrets.
const (
	M2MClientID          = "m2m.client"
	M2MClientSecret      = "511536EF-F270-4058-80CA-1C89C192F69A"
	InteractiveClientID  = "interactive"
	InteractiveSecret    = "49C1A7E1-0C79-4A89-A3D6-A37998FB86B0"
	InteractiveRedirect  = "https://localhost:44300/signin-oidc"
	InteractiveLogoutURI = "https://localhost:44300/signout-oidc"
	ExchangeClientID     = "localhost-addoidc-client"
	ExchangeClientSecret = "localhost-addoidc-client-secret"
	ExchangeRedirect     = "https://localhost:5001/signin-oidc"
	PublicClientID       = "spa"
	PublicRedirect       = "http://localhost:3000/callback"
	DomainPrefix         = "agva"
)

// Resources returns the sample identity resources and API scopes.
func Resources() registry.Resources {
	return registry.Resources{
		IdentityResources: []registry.IdentityResource{
			{Name: registry.ScopeOpenID, DisplayName: "Your user identifier", Required: true, UserClaims: []string{"sub"}},
			{Name: registry.ScopeProfile, DisplayName: "User profile", Required: true, UserClaims: []string{"name", "website"}},
			{Name: registry.ScopeEmail, DisplayName: "Your email address", Required: true, UserClaims: []string{"email"}},
		},
		APIScopes: []registry.APIScope{
			{Name: "scope1", DisplayName: "Scope 1"},
			{Name: "scope2", DisplayName: "Scope 2"},
			{Name: "agvapark", DisplayName: "Parking"},
			{Name: "agvabonus", DisplayName: "Bonus"},
			{Name: "agvamember", DisplayName: "Membership", Emphasize: true},
			{Name: "transaction", DisplayName: "Transaction", Parameterized: true},
			{Name: "api", DisplayName: "API"},
		},
		APIResources: []registry.APIResource{
			{Name: "agva-api", Scopes: []string{"agvapark", "agvabonus", "agvamember"}},
			{Name: "payments", Scopes: []string{"transaction"}, RequireResourceIndicator: true},
		},
	}
}

// Clients returns the sample clients.
func Clients() []registry.Client {
	return []registry.Client{
		{
			ID:            M2MClientID,
			Name:          "Client Credentials Client",
			Secrets:       []registry.Secret{{Value: M2MClientSecret, Type: registry.SecretTypePlain}},
			GrantTypes:    []registry.GrantType{registry.GrantTypeClientCredentials},
			AllowedScopes: []string{"scope1"},
		},
		{
			ID:                     InteractiveClientID,
			Secrets:                []registry.Secret{{Value: InteractiveSecret, Type: registry.SecretTypePlain}},
			GrantTypes:             []registry.GrantType{registry.GrantTypeAuthorizationCode},
			RedirectURIs:           []string{InteractiveRedirect},
			FrontChannelLogoutURI:  InteractiveLogoutURI,
			PostLogoutRedirectURIs: []string{"https://localhost:44300/signout-callback-oidc"},
			AllowOfflineAccess:     true,
			AllowRememberConsent:   true,
			RequireConsent:         true,
			RequirePKCE:            true,
			AllowedScopes:          []string{registry.ScopeOpenID, registry.ScopeProfile, "scope2", "transaction"},
		},
		{
			ID:      ExchangeClientID,
			Secrets: []registry.Secret{{Value: ExchangeClientSecret, Type: registry.SecretTypePlain}},
			GrantTypes: []registry.GrantType{
				registry.GrantTypeAuthorizationCode,
				registry.GrantTypeClientCredentials,
				registry.GrantTypeTokenExchange,
			},
			RedirectURIs:           []string{ExchangeRedirect},
			AllowOfflineAccess:     true,
			AllowedScopes:          []string{registry.ScopeOpenID, registry.ScopeProfile, registry.ScopeEmail, "agvapark", "agvabonus", "agvamember", "api", "scope1"},
			AccessTokenLifetime:    time.Hour,
			RefreshTokenUsage:      registry.RefreshTokenOneTimeOnly,
			RefreshTokenExpiration: registry.RefreshTokenSliding,
		},
		{
			ID:            PublicClientID,
			GrantTypes:    []registry.GrantType{registry.GrantTypeAuthorizationCode},
			RedirectURIs:  []string{PublicRedirect},
			RequirePKCE:   true,
			AllowedScopes: []string{registry.ScopeOpenID, "scope2"},
		},
	}
}

// New returns a registry built from Clients and Resources.
func New(t testing.TB) *registry.Registry {
	t.Helper()
	r, err := registry.New(Clients(), Resources())
	require.NoError(t, err)
	return r
}

// NewDomain returns New wrapped with domain expansion for DomainPrefix.
func NewDomain(t testing.TB) *registry.DomainStore {
	t.Helper()
	return registry.NewDomainStore(New(t), DomainPrefix)
}
