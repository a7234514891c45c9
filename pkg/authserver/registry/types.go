// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"slices"
	"time"
)

// GrantType is an OAuth 2.0 grant type identifier.
type GrantType string

// Supported grant types.
const (
	GrantTypeAuthorizationCode GrantType = "authorization_code"
	GrantTypeClientCredentials GrantType = "client_credentials"
	GrantTypeRefreshToken      GrantType = "refresh_token"
	GrantTypeTokenExchange     GrantType = "urn:ietf:params:oauth:grant-type:token-exchange"
)

// Well-known scope names.
const (
	ScopeOpenID        = "openid"
	ScopeProfile       = "profile"
	ScopeEmail         = "email"
	ScopeOfflineAccess = "offline_access"
)

// RefreshTokenUsage controls whether a refresh token may be redeemed more than once.
type RefreshTokenUsage string

const (
	// RefreshTokenReuse keeps the same refresh token valid across redemptions.
	RefreshTokenReuse RefreshTokenUsage = "reuse"
	// RefreshTokenOneTimeOnly consumes the token on redemption and issues a new one.
	RefreshTokenOneTimeOnly RefreshTokenUsage = "one_time_only"
)

// RefreshTokenExpiration controls how a refresh token's lifetime is computed.
type RefreshTokenExpiration string

const (
	// RefreshTokenAbsolute expires the token family at a fixed point in time.
	RefreshTokenAbsolute RefreshTokenExpiration = "absolute"
	// RefreshTokenSliding extends the lifetime on every redemption, capped by the absolute lifetime.
	RefreshTokenSliding RefreshTokenExpiration = "sliding"
)

// SecretType describes how a client secret value is stored.
type SecretType string

const (
	// SecretTypeSHA256 is base64(sha256(secret)).
	SecretTypeSHA256 SecretType = "sha256"
	// SecretTypeBcrypt is a bcrypt hash.
	SecretTypeBcrypt SecretType = "bcrypt"
	// SecretTypePlain is only accepted at load time and hashed before registration.
	SecretTypePlain SecretType = "plain"
)

// Secret is a hashed client secret.
type Secret struct {
	Value string     `yaml:"value" json:"value"`
	Type  SecretType `yaml:"type,omitempty" json:"type,omitempty"`
}

// Client is a registered OAuth client. Clients are immutable once registered.
type Client struct {
	ID      string   `yaml:"id" json:"id"`
	Name    string   `yaml:"name,omitempty" json:"name,omitempty"`
	URI     string   `yaml:"uri,omitempty" json:"uri,omitempty"`
	LogoURI string   `yaml:"logo_uri,omitempty" json:"logo_uri,omitempty"`
	Secrets []Secret `yaml:"secrets,omitempty" json:"secrets,omitempty"`

	GrantTypes             []GrantType `yaml:"grant_types" json:"grant_types"`
	RedirectURIs           []string    `yaml:"redirect_uris,omitempty" json:"redirect_uris,omitempty"`
	PostLogoutRedirectURIs []string    `yaml:"post_logout_redirect_uris,omitempty" json:"post_logout_redirect_uris,omitempty"`
	FrontChannelLogoutURI  string      `yaml:"front_channel_logout_uri,omitempty" json:"front_channel_logout_uri,omitempty"`
	AllowedScopes          []string    `yaml:"allowed_scopes" json:"allowed_scopes"`

	RequireConsent       bool `yaml:"require_consent,omitempty" json:"require_consent,omitempty"`
	AllowRememberConsent bool `yaml:"allow_remember_consent,omitempty" json:"allow_remember_consent,omitempty"`
	AllowOfflineAccess   bool `yaml:"allow_offline_access,omitempty" json:"allow_offline_access,omitempty"`
	RequirePKCE          bool `yaml:"require_pkce,omitempty" json:"require_pkce,omitempty"`

	AccessTokenLifetime          time.Duration          `yaml:"access_token_lifetime,omitempty" json:"access_token_lifetime,omitempty"`
	IdentityTokenLifetime        time.Duration          `yaml:"identity_token_lifetime,omitempty" json:"identity_token_lifetime,omitempty"`
	AuthorizationCodeLifetime    time.Duration          `yaml:"authorization_code_lifetime,omitempty" json:"authorization_code_lifetime,omitempty"`
	AbsoluteRefreshTokenLifetime time.Duration          `yaml:"absolute_refresh_token_lifetime,omitempty" json:"absolute_refresh_token_lifetime,omitempty"`
	SlidingRefreshTokenLifetime  time.Duration          `yaml:"sliding_refresh_token_lifetime,omitempty" json:"sliding_refresh_token_lifetime,omitempty"`
	ConsentLifetime              time.Duration          `yaml:"consent_lifetime,omitempty" json:"consent_lifetime,omitempty"`
	RefreshTokenUsage            RefreshTokenUsage      `yaml:"refresh_token_usage,omitempty" json:"refresh_token_usage,omitempty"`
	RefreshTokenExpiration       RefreshTokenExpiration `yaml:"refresh_token_expiration,omitempty" json:"refresh_token_expiration,omitempty"`
}

// AllowsGrantType reports whether the client may use gt.
func (c *Client) AllowsGrantType(gt GrantType) bool {
	return slices.Contains(c.GrantTypes, gt)
}

// AllowsScope reports whether the client may request scope. offline_access is
// governed by AllowOfflineAccess rather than the allowed scope list.
func (c *Client) AllowsScope(scope string) bool {
	if scope == ScopeOfflineAccess {
		return c.AllowOfflineAccess
	}
	return slices.Contains(c.AllowedScopes, scope)
}

// IsPublic reports whether the client has no secret and therefore cannot authenticate.
func (c *Client) IsPublic() bool {
	return len(c.Secrets) == 0
}

// HasRedirectURI reports whether uri is one of the client's registered redirect URIs.
func (c *Client) HasRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// HasPostLogoutRedirectURI reports whether uri is a registered post-logout redirect URI.
func (c *Client) HasPostLogoutRedirectURI(uri string) bool {
	return slices.Contains(c.PostLogoutRedirectURIs, uri)
}

// IdentityResource is a scope exposing claims about the user.
type IdentityResource struct {
	Name        string   `yaml:"name" json:"name"`
	DisplayName string   `yaml:"display_name,omitempty" json:"display_name,omitempty"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Required    bool     `yaml:"required,omitempty" json:"required,omitempty"`
	Emphasize   bool     `yaml:"emphasize,omitempty" json:"emphasize,omitempty"`
	UserClaims  []string `yaml:"user_claims,omitempty" json:"user_claims,omitempty"`
}

// APIScope is a scope granting access to an API.
type APIScope struct {
	Name        string `yaml:"name" json:"name"`
	DisplayName string `yaml:"display_name,omitempty" json:"display_name,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Required    bool   `yaml:"required,omitempty" json:"required,omitempty"`
	Emphasize   bool   `yaml:"emphasize,omitempty" json:"emphasize,omitempty"`
	// Parameterized scopes accept a value suffix, e.g. "transaction:123".
	Parameterized bool     `yaml:"parameterized,omitempty" json:"parameterized,omitempty"`
	UserClaims    []string `yaml:"user_claims,omitempty" json:"user_claims,omitempty"`
}

// APIResource groups API scopes under a resource identifier used as token audience.
type APIResource struct {
	Name        string   `yaml:"name" json:"name"`
	DisplayName string   `yaml:"display_name,omitempty" json:"display_name,omitempty"`
	Scopes      []string `yaml:"scopes" json:"scopes"`
	// RequireResourceIndicator restricts the resource to requests naming it explicitly.
	RequireResourceIndicator bool `yaml:"require_resource_indicator,omitempty" json:"require_resource_indicator,omitempty"`
}

// Resources is a set of identity resources, API scopes and API resources.
type Resources struct {
	IdentityResources []IdentityResource `yaml:"identity_resources,omitempty" json:"identity_resources,omitempty"`
	APIScopes         []APIScope         `yaml:"api_scopes,omitempty" json:"api_scopes,omitempty"`
	APIResources      []APIResource      `yaml:"api_resources,omitempty" json:"api_resources,omitempty"`
}

// ScopeNames returns the names of all identity resources and API scopes in r.
func (r *Resources) ScopeNames() []string {
	names := make([]string, 0, len(r.IdentityResources)+len(r.APIScopes))
	for _, ir := range r.IdentityResources {
		names = append(names, ir.Name)
	}
	for _, s := range r.APIScopes {
		names = append(names, s.Name)
	}
	return names
}

// Store is the read-only lookup interface over registered clients and resources.
//
//go:generate mockgen -destination=mocks/mock_store.go -package=mocks -source=types.go Store
type Store interface {
	// FindClient returns the client with the given id or ErrClientNotFound.
	FindClient(id string) (*Client, error)

	// FindScopesByName returns the identity resources and API scopes matching names.
	// Unknown names are ignored.
	FindScopesByName(names []string) *Resources

	// FindResourcesByScopeNames returns the API resources exposing any of the named scopes.
	FindResourcesByScopeNames(names []string) []APIResource

	// FindResourcesByName returns the API resources with the given names.
	FindResourcesByName(names []string) []APIResource

	// ExpandScopes rewrites a requested scope list, e.g. expanding umbrella scopes.
	ExpandScopes(names []string) []string

	// AllResources returns every registered resource.
	AllResources() *Resources
}
