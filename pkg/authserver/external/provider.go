// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package external signs users in through upstream OpenID Connect providers.
//
// A login starts with Flow.Challenge, which parks the pending login (return
// URL, nonce and PKCE verifier) in the message store under the OAuth state
// and returns the upstream authorization URL. Flow.Callback consumes that
// state, redeems the code and verifies the upstream ID token.
package external

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/stacklok/authcore/pkg/logger"
)

// Config describes an upstream OIDC provider.
type Config struct {
	// Name identifies the provider in challenge requests and idp: hints.
	Name         string   `json:"name" yaml:"name"`
	DisplayName  string   `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	Issuer       string   `json:"issuer" yaml:"issuer"`
	ClientID     string   `json:"client_id" yaml:"client_id"`
	ClientSecret string   `json:"client_secret,omitempty" yaml:"client_secret,omitempty"`
	RedirectURI  string   `json:"redirect_uri" yaml:"redirect_uri"`
	Scopes       []string `json:"scopes,omitempty" yaml:"scopes,omitempty"`
}

// Validate checks that the config has all required fields.
func (c *Config) Validate() error {
	if c.Name == "" {
		return errors.New("provider name is required")
	}
	if c.Issuer == "" {
		return fmt.Errorf("provider %q: issuer is required", c.Name)
	}
	if c.ClientID == "" {
		return fmt.Errorf("provider %q: client_id is required", c.Name)
	}
	if c.RedirectURI == "" {
		return fmt.Errorf("provider %q: redirect_uri is required", c.Name)
	}
	if _, err := url.ParseRequestURI(c.RedirectURI); err != nil {
		return fmt.Errorf("provider %q: invalid redirect_uri: %w", c.Name, err)
	}
	if len(c.Scopes) > 0 && !slices.Contains(c.Scopes, oidc.ScopeOpenID) {
		return fmt.Errorf("provider %q: openid scope is required", c.Name)
	}
	return nil
}

// ErrNonceMismatch is returned when the upstream ID token nonce differs from
// the one sent in the challenge.
var ErrNonceMismatch = errors.New("ID token nonce does not match expected value")

// Identity is the user identity asserted by an upstream provider.
type Identity struct {
	Provider string
	// Subject is the user's id at the provider.
	Subject string
	Claims  map[string]string
}

// Provider is a discovered upstream OIDC provider.
type Provider struct {
	cfg        Config
	oauth2     *oauth2.Config
	verifier   *oidc.IDTokenVerifier
	httpClient *http.Client
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithHTTPClient sets the HTTP client used for discovery, key fetches and code redemption.
func WithHTTPClient(client *http.Client) ProviderOption {
	return func(p *Provider) {
		p.httpClient = client
	}
}

// NewProvider discovers the provider at cfg.Issuer.
func NewProvider(ctx context.Context, cfg Config, opts ...ProviderOption) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Provider{cfg: cfg, httpClient: http.DefaultClient}
	for _, opt := range opts {
		opt(p)
	}

	logger.Debugw("discovering external provider", "provider", cfg.Name, "issuer", cfg.Issuer)
	discovered, err := oidc.NewProvider(oidc.ClientContext(ctx, p.httpClient), cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover provider %q: %w", cfg.Name, err)
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}
	endpoint := discovered.Endpoint()
	p.oauth2 = &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURI,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   endpoint.AuthURL,
			TokenURL:  endpoint.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	p.verifier = discovered.Verifier(&oidc.Config{ClientID: cfg.ClientID})
	return p, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return p.cfg.Name
}

// DisplayName returns the name shown on login pages.
func (p *Provider) DisplayName() string {
	if p.cfg.DisplayName != "" {
		return p.cfg.DisplayName
	}
	return p.cfg.Name
}

// AuthCodeURL builds the upstream authorization URL.
func (p *Provider) AuthCodeURL(state, nonce, verifier string) string {
	return p.oauth2.AuthCodeURL(state, oidc.Nonce(nonce), oauth2.S256ChallengeOption(verifier))
}

// Exchange redeems code and verifies the returned ID token against nonce.
func (p *Provider) Exchange(ctx context.Context, code, verifier, nonce string) (*Identity, error) {
	ctx = oidc.ClientContext(ctx, p.httpClient)
	tok, err := p.oauth2.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("failed to redeem code at %q: %w", p.cfg.Name, err)
	}
	raw, ok := tok.Extra("id_token").(string)
	if !ok || raw == "" {
		return nil, fmt.Errorf("provider %q returned no ID token", p.cfg.Name)
	}
	idToken, err := p.verifier.Verify(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to verify ID token from %q: %w", p.cfg.Name, err)
	}
	if idToken.Nonce != nonce {
		return nil, ErrNonceMismatch
	}

	var all map[string]any
	if err := idToken.Claims(&all); err != nil {
		return nil, fmt.Errorf("failed to decode ID token claims: %w", err)
	}
	return &Identity{Provider: p.cfg.Name, Subject: idToken.Subject, Claims: stringClaims(all)}, nil
}

// profileClaims are copied from the upstream ID token into the identity.
var profileClaims = []string{"name", "given_name", "family_name", "preferred_username", "email", "website", "phone_number"}

func stringClaims(all map[string]any) map[string]string {
	out := make(map[string]string)
	for _, name := range profileClaims {
		if v, ok := all[name].(string); ok && v != "" {
			out[name] = v
		}
	}
	return out
}
