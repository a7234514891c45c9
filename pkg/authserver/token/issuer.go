// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package token mints, refreshes and validates the tokens of the
// authorization server. Access and identity tokens are signed JWTs; refresh
// tokens and authorization codes are opaque handles whose hashes are kept in
// storage.
package token

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/authcore/pkg/authserver/authorize"
	"github.com/stacklok/authcore/pkg/authserver/registry"
	"github.com/stacklok/authcore/pkg/authserver/server/keys"
	"github.com/stacklok/authcore/pkg/authserver/storage"
	oautherr "github.com/stacklok/authcore/pkg/errors"
	"github.com/stacklok/authcore/pkg/logger"
)

// Token type identifiers (RFC 8693 section 3).
const (
	TokenTypeAccessToken  = "urn:ietf:params:oauth:token-type:access_token"
	TokenTypeRefreshToken = "urn:ietf:params:oauth:token-type:refresh_token"
	TokenTypeIDToken      = "urn:ietf:params:oauth:token-type:id_token"
	TokenTypeJWT          = "urn:ietf:params:oauth:token-type:jwt"
)

// Token kinds used as metric attributes.
const (
	kindAccess   = "access_token"
	kindIdentity = "id_token"
	kindRefresh  = "refresh_token"
	kindCode     = "authorization_code"
)

// Store is the storage the issuer needs.
type Store interface {
	storage.RefreshTokenLedger
	storage.AuthorizationCodeStore
}

// Config configures an Issuer.
type Config struct {
	// Issuer is the "iss" claim of every token.
	Issuer   string
	Keys     keys.KeyProvider
	Store    Store
	Registry registry.Store

	// TracerProvider and MeterProvider default to the global providers.
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

// Issuer mints tokens for validated grants.
type Issuer struct {
	issuer   string
	keys     keys.KeyProvider
	store    Store
	registry registry.Store
	inst     *instruments
	now      func() time.Time
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithClock overrides the issuer's time source.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) {
		i.now = now
	}
}

// NewIssuer creates an Issuer.
func NewIssuer(cfg Config, opts ...Option) (*Issuer, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if cfg.Keys == nil {
		return nil, errors.New("key provider is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("token store is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("client registry is required")
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	mp := cfg.MeterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}

	i := &Issuer{
		issuer:   cfg.Issuer,
		keys:     cfg.Keys,
		store:    cfg.Store,
		registry: cfg.Registry,
		inst:     newInstruments(tp, mp),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// IssuerURL returns the "iss" value of minted tokens.
func (i *Issuer) IssuerURL() string {
	return i.issuer
}

// Grant is a validated grant to mint tokens for.
type Grant struct {
	GrantType registry.GrantType
	Client    *registry.Client
	// Subject is empty for client-only grants.
	Subject string
	Scopes  *authorize.Scopes

	SessionID string
	AuthTime  time.Time
	IdP       string
	Nonce     string

	// UserClaims are emitted in the identity token when an identity resource
	// granted by Scopes lists them.
	UserClaims map[string]string

	// Audiences overrides the audiences derived from Scopes.
	Audiences    []string
	Actor        *Actor
	Confirmation *Confirmation
	// Extra claims are added to the access token.
	Extra map[string]any
}

func (g *Grant) audiences() []string {
	if len(g.Audiences) > 0 {
		return g.Audiences
	}
	return g.Scopes.Audiences()
}

// Response is a token endpoint response (RFC 6749 section 5.1).
type Response struct {
	AccessToken     string `json:"access_token"`
	TokenType       string `json:"token_type"`
	ExpiresIn       int64  `json:"expires_in"`
	RefreshToken    string `json:"refresh_token,omitempty"`
	IDToken         string `json:"id_token,omitempty"`
	Scope           string `json:"scope,omitempty"`
	IssuedTokenType string `json:"issued_token_type,omitempty"`
}

// Issue mints the tokens for g: always an access token, an identity token
// for OpenID grants with a subject, and a refresh token when offline access
// was granted. Storage is written last, so a failed or cancelled call leaves
// nothing behind.
func (i *Issuer) Issue(ctx context.Context, g *Grant) (*Response, error) {
	gt := string(g.GrantType)
	ctx, span := i.inst.tracer.Start(ctx, "token.Issue", trace.WithAttributes(
		attribute.String("grant_type", gt),
		attribute.String("client_id", clientID(g.Client)),
	))
	defer span.End()

	resp, err := i.mint(ctx, g)
	if err != nil {
		return nil, i.inst.fail(ctx, span, gt, err)
	}

	if i.offersRefresh(g) {
		now := i.now()
		handle := newHandle()
		entry := i.newRefreshEntry(g, handle, g.Scopes.Values, newFamilyID(), now.Add(g.Client.AbsoluteRefreshTokenLifetime), now)
		if err := ctx.Err(); err != nil {
			return nil, i.inst.fail(ctx, span, gt, oautherr.NewServerError("request cancelled", err))
		}
		if err := i.store.StoreRefreshToken(ctx, entry); err != nil {
			return nil, i.inst.fail(ctx, span, gt, oautherr.NewServerError("failed to store refresh token", err))
		}
		resp.RefreshToken = handle
		i.inst.recordIssued(ctx, gt, kindRefresh)
	}

	i.inst.recordIssued(ctx, gt, kindAccess)
	if resp.IDToken != "" {
		i.inst.recordIssued(ctx, gt, kindIdentity)
	}
	return resp, nil
}

// ClientCredentials issues an access token for the client itself. An empty
// scope requests every API scope the client is allowed.
func (i *Issuer) ClientCredentials(ctx context.Context, client *registry.Client, scope string, resources []string) (*Response, error) {
	if !client.AllowsGrantType(registry.GrantTypeClientCredentials) {
		return nil, oautherr.NewInvalidClientError("client is not allowed to use the client_credentials grant", nil)
	}

	values := authorize.SplitScopes(scope)
	if len(values) == 0 {
		for _, sc := range i.registry.FindScopesByName(client.AllowedScopes).APIScopes {
			values = append(values, sc.Name)
		}
	}

	scopes, err := authorize.ResolveScopes(i.registry, client, values, resources)
	if err != nil {
		return nil, err
	}
	if len(scopes.IdentityResources) > 0 || scopes.OfflineAccess {
		return nil, oautherr.NewInvalidScopeError("identity scopes and offline access require a user", nil)
	}

	return i.Issue(ctx, &Grant{
		GrantType: registry.GrantTypeClientCredentials,
		Client:    client,
		Scopes:    scopes,
	})
}

// mint signs the access and identity tokens of g without touching storage.
func (i *Issuer) mint(ctx context.Context, g *Grant) (*Response, error) {
	if g.Client == nil || g.Scopes == nil {
		return nil, oautherr.NewServerError("grant is incomplete", nil)
	}
	if err := checkGrant(g); err != nil {
		return nil, err
	}

	key, err := i.keys.SigningKey(ctx)
	if err != nil {
		return nil, oautherr.NewServerError("no signing key available", err)
	}

	now := i.now()
	access := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   g.Subject,
			Audience:  g.audiences(),
			ExpiresAt: jwt.NewNumericDate(now.Add(g.Client.AccessTokenLifetime)),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
		ClientID:     g.Client.ID,
		Scope:        slices.Clone(g.Scopes.Values),
		SessionID:    g.SessionID,
		IdP:          g.IdP,
		GrantType:    string(g.GrantType),
		Confirmation: g.Confirmation,
		Actor:        g.Actor,
		Extra:        g.Extra,
	}
	if !g.AuthTime.IsZero() {
		access.AuthTime = jwt.NewNumericDate(g.AuthTime)
	}

	accessToken, err := sign(key, TypeAccessToken, access)
	if err != nil {
		return nil, oautherr.NewServerError("failed to sign access token", err)
	}

	resp := &Response{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(g.Client.AccessTokenLifetime.Seconds()),
		Scope:       authorize.JoinScopes(g.Scopes.Values),
	}

	if i.offersIdentityToken(g) {
		idToken, err := sign(key, TypeIdentityToken, i.identityClaims(g, now))
		if err != nil {
			return nil, oautherr.NewServerError("failed to sign identity token", err)
		}
		resp.IDToken = idToken
	}
	return resp, nil
}

func (i *Issuer) identityClaims(g *Grant, now time.Time) *Claims {
	c := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   g.Subject,
			Audience:  jwt.ClaimStrings{g.Client.ID},
			ExpiresAt: jwt.NewNumericDate(now.Add(g.Client.IdentityTokenLifetime)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		SessionID: g.SessionID,
		IdP:       g.IdP,
	}
	if g.GrantType == registry.GrantTypeAuthorizationCode {
		c.Nonce = g.Nonce
	}
	if !g.AuthTime.IsZero() {
		c.AuthTime = jwt.NewNumericDate(g.AuthTime)
	}

	for _, ir := range g.Scopes.IdentityResources {
		for _, name := range ir.UserClaims {
			v, ok := g.UserClaims[name]
			if !ok || slices.Contains(modeledClaims, name) {
				continue
			}
			if c.Extra == nil {
				c.Extra = map[string]any{}
			}
			c.Extra[name] = v
		}
	}
	return c
}

func (*Issuer) offersIdentityToken(g *Grant) bool {
	if g.Subject == "" || !g.Scopes.Has(registry.ScopeOpenID) {
		return false
	}
	return g.GrantType == registry.GrantTypeAuthorizationCode || g.GrantType == registry.GrantTypeRefreshToken
}

func (*Issuer) offersRefresh(g *Grant) bool {
	if g.Subject == "" || !g.Scopes.OfflineAccess || !g.Client.AllowOfflineAccess {
		return false
	}
	return g.GrantType != registry.GrantTypeClientCredentials
}

// newRefreshEntry builds the ledger entry for handle. values are the scopes
// the token may later be redeemed for.
func (*Issuer) newRefreshEntry(g *Grant, handle string, values []string, familyID string, absolute, now time.Time) *storage.RefreshToken {
	expires := absolute
	if g.Client.RefreshTokenExpiration == registry.RefreshTokenSliding {
		if sliding := now.Add(g.Client.SlidingRefreshTokenLifetime); sliding.Before(absolute) {
			expires = sliding
		}
	}
	return &storage.RefreshToken{
		ID:                HashHandle(handle),
		FamilyID:          familyID,
		ClientID:          g.Client.ID,
		Subject:           g.Subject,
		SessionID:         g.SessionID,
		Scopes:            slices.Clone(values),
		Audiences:         g.Audiences,
		Claims:            g.UserClaims,
		IdentityProvider:  g.IdP,
		AuthTime:          g.AuthTime,
		CreatedAt:         now,
		ExpiresAt:         expires,
		AbsoluteExpiresAt: absolute,
	}
}

// checkGrant enforces that the client may use the grant type and every scope.
func checkGrant(g *Grant) error {
	switch g.GrantType {
	case registry.GrantTypeRefreshToken:
		if !g.Client.AllowOfflineAccess {
			return oautherr.NewInvalidClientError("client is not allowed to use refresh tokens", nil)
		}
	default:
		if !g.Client.AllowsGrantType(g.GrantType) {
			return oautherr.NewInvalidClientError(
				fmt.Sprintf("client is not allowed to use the %s grant", g.GrantType), nil)
		}
	}
	for _, name := range authorize.Names(g.Scopes.Parsed) {
		if !g.Client.AllowsScope(name) {
			return oautherr.NewInvalidScopeError(fmt.Sprintf("scope %q is not allowed for this client", name), nil)
		}
	}
	if g.Subject == "" && len(g.Scopes.IdentityResources) > 0 {
		return oautherr.NewInvalidScopeError("identity scopes require a user", nil)
	}
	return nil
}

func sign(key *keys.SigningKeyData, typ string, claims *Claims) (string, error) {
	method := jwt.GetSigningMethod(key.Algorithm)
	if method == nil {
		return "", fmt.Errorf("unsupported signing algorithm %q", key.Algorithm)
	}
	t := jwt.NewWithClaims(method, claims)
	t.Header["kid"] = key.KeyID
	t.Header["typ"] = typ
	return t.SignedString(key.Key)
}

func clientID(c *registry.Client) string {
	if c == nil {
		return ""
	}
	return c.ID
}

// logReplay records a replayed refresh token.
func logReplay(entry *storage.RefreshToken) {
	logger.Warnw("refresh token replay detected, revoking token family",
		"family_id", entry.FamilyID,
		"client_id", entry.ClientID,
		"subject", entry.Subject,
	)
}
