// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"time"

	"github.com/stacklok/authcore/pkg/authserver/registry"
	"github.com/stacklok/authcore/pkg/authserver/server/keys"
	"github.com/stacklok/authcore/pkg/authserver/storage"
	"github.com/stacklok/authcore/pkg/authserver/users"
	"github.com/stacklok/authcore/pkg/telemetry"
)

// Development defaults.
const (
	DefaultIssuer       = "http://localhost:5000"
	DefaultListenAddr   = ":5000"
	DefaultDomainPrefix = "agva"
)

// DefaultConfig returns a development configuration: the sample resources,
// clients and accounts, in-memory storage and rotating keys held in memory.
func DefaultConfig() *Config {
	return &Config{
		Issuer:       DefaultIssuer,
		ListenAddr:   DefaultListenAddr,
		Keys:         keys.Config{Rotation: &keys.RotationConfig{}},
		Clients:      defaultClients(),
		Resources:    defaultResources(),
		DomainPrefix: DefaultDomainPrefix,
		Storage:      storage.DefaultConfig(),
		Accounts:     users.DefaultAccounts(),
		Telemetry:    telemetry.DefaultConfig(),
	}
}

func defaultResources() registry.Resources {
	return registry.Resources{
		IdentityResources: []registry.IdentityResource{
			{
				Name:        registry.ScopeOpenID,
				DisplayName: "Your user identifier",
				Required:    true,
				UserClaims:  []string{"sub"},
			},
			{
				Name:        registry.ScopeProfile,
				DisplayName: "User profile",
				Description: "Your user profile information (first name, last name, etc.)",
				Required:    true,
				Emphasize:   true,
				UserClaims:  []string{"name", "family_name", "given_name", "website"},
			},
			{
				Name:        registry.ScopeEmail,
				DisplayName: "Your email address",
				Required:    true,
				UserClaims:  []string{"email", "email_verified"},
			},
			{
				Name:        "phone",
				DisplayName: "Your phone number",
				Emphasize:   true,
				UserClaims:  []string{"phone_number", "phone_number_verified"},
			},
			{
				Name:        "employee_info",
				DisplayName: "Employee information",
				Description: "Employee information including seniority and status...",
				UserClaims:  []string{"employment_start", "seniority", "email", "contractor", "employee", "role"},
			},
			{
				Name:        DefaultDomainPrefix,
				DisplayName: DefaultDomainPrefix + " information",
				Description: DefaultDomainPrefix + " information...",
				Emphasize:   true,
				UserClaims:  []string{"seniority", "email", "employee"},
			},
		},
		APIScopes: []registry.APIScope{
			{Name: "scope1"},
			{Name: "scope2"},
			{Name: DefaultDomainPrefix + "park", Description: DefaultDomainPrefix + " parking"},
			{Name: DefaultDomainPrefix + "bonus", Description: DefaultDomainPrefix + " bonus"},
			{Name: DefaultDomainPrefix + "member", Description: DefaultDomainPrefix + " member", Emphasize: true},
			{Name: "api"},
		},
	}
}

func defaultClients() []registry.Client {
	return []registry.Client{
		{
			ID:   "m2m.client",
			Name: "Client Credentials Client",
			Secrets: []registry.Secret{
				{Value: "511536EF-F270-4058-80CA-1C89C192F69A", Type: registry.SecretTypePlain},
			},
			GrantTypes:    []registry.GrantType{registry.GrantTypeClientCredentials},
			AllowedScopes: []string{"scope1"},
		},
		{
			ID:             "interactive",
			RequireConsent: true,
			Secrets: []registry.Secret{
				{Value: "49C1A7E1-0C79-4A89-A3D6-A37998FB86B0", Type: registry.SecretTypePlain},
			},
			GrantTypes:             []registry.GrantType{registry.GrantTypeAuthorizationCode},
			RedirectURIs:           []string{"https://localhost:44300/signin-oidc"},
			FrontChannelLogoutURI:  "https://localhost:44300/signout-oidc",
			PostLogoutRedirectURIs: []string{"https://localhost:44300/signout-callback-oidc"},
			RequirePKCE:            true,
			AllowOfflineAccess:     true,
			AllowedScopes:          []string{registry.ScopeOpenID, registry.ScopeProfile, "scope2"},
		},
		{
			ID:   "localhost-addoidc-client",
			Name: "OIDC AddOpenIDConnect localtest.me demo client",
			RedirectURIs: []string{
				"https://localhost/signin-oidc",
				"https://localhost:5001/signin-oidc",
				"http://localhost/signin-oidc",
				"http://localhost:5000/signin-oidc",
			},
			PostLogoutRedirectURIs: []string{
				"https://localhost/signout-callback-oidc",
				"https://localhost:5001/signout-callback-oidc",
			},
			Secrets:              []registry.Secret{{Value: "mysecret", Type: registry.SecretTypePlain}},
			RequireConsent:       true,
			AllowRememberConsent: true,
			GrantTypes: []registry.GrantType{
				registry.GrantTypeAuthorizationCode,
				registry.GrantTypeClientCredentials,
				registry.GrantTypeTokenExchange,
			},
			AllowedScopes: []string{
				registry.ScopeOpenID,
				registry.ScopeEmail,
				registry.ScopeProfile,
				"phone",
				registry.ScopeOfflineAccess,
				"employee_info",
				DefaultDomainPrefix,
				DefaultDomainPrefix + "park",
				DefaultDomainPrefix + "member",
				DefaultDomainPrefix + "bonus",
				"api",
			},
			AllowOfflineAccess:     true,
			RefreshTokenUsage:      registry.RefreshTokenOneTimeOnly,
			RefreshTokenExpiration: registry.RefreshTokenSliding,
			AccessTokenLifetime:    time.Hour,
		},
	}
}
