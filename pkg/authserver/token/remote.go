// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

// ErrMissingIssuerAndJWKSURL is returned when a remote validator has nothing to fetch keys from.
var ErrMissingIssuerAndJWKSURL = errors.New("either issuer or JWKS URL must be provided")

// RemoteConfig configures a RemoteValidator.
type RemoteConfig struct {
	// Issuer is the expected "iss" claim. When JWKSURL is empty it is also
	// used for OpenID discovery.
	Issuer  string
	JWKSURL string
	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// RemoteValidator validates tokens against a remote JWKS that is cached and
// refreshed in the background.
type RemoteValidator struct {
	validation
	jwksURL    string
	jwksClient *jwk.Cache

	// Lazy JWKS registration
	jwksRegistered bool
	jwksMu         sync.Mutex
}

var _ TokenValidator = (*RemoteValidator)(nil)

// NewRemoteValidator creates a validator backed by a remote JWKS. The cache
// lives as long as ctx.
func NewRemoteValidator(ctx context.Context, cfg RemoteConfig, opts ...ValidatorOption) (*RemoteValidator, error) {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	jwksURL := cfg.JWKSURL
	if jwksURL == "" && cfg.Issuer != "" {
		discovered, err := discoverJWKSURL(oidc.ClientContext(ctx, httpClient), cfg.Issuer)
		if err != nil {
			return nil, err
		}
		jwksURL = discovered
	}
	if jwksURL == "" {
		return nil, ErrMissingIssuerAndJWKSURL
	}

	httprcClient := httprc.NewClient(httprc.WithHTTPClient(httpClient))
	cache, err := jwk.NewCache(ctx, httprcClient)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}

	return &RemoteValidator{
		validation: newValidation(cfg.Issuer, opts),
		jwksURL:    jwksURL,
		jwksClient: cache,
	}, nil
}

func discoverJWKSURL(ctx context.Context, issuer string) (string, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return "", fmt.Errorf("failed to discover OIDC configuration: %w", err)
	}
	var doc struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&doc); err != nil {
		return "", fmt.Errorf("failed to decode OIDC configuration: %w", err)
	}
	return doc.JWKSURI, nil
}

// JWKSURL returns the JWKS URL used by the validator.
func (v *RemoteValidator) JWKSURL() string {
	return v.jwksURL
}

// ensureJWKSRegistered registers the JWKS URL with the cache on first use.
// A failed registration is retried on the next call.
func (v *RemoteValidator) ensureJWKSRegistered(ctx context.Context) error {
	v.jwksMu.Lock()
	defer v.jwksMu.Unlock()

	if v.jwksRegistered {
		return nil
	}

	registrationCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := v.jwksClient.Register(registrationCtx, v.jwksURL); err != nil {
		return fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	v.jwksRegistered = true
	return nil
}

func (v *RemoteValidator) getKeyFromJWKS(ctx context.Context, t *jwt.Token) (any, error) {
	if err := v.ensureJWKSRegistered(ctx); err != nil {
		return nil, fmt.Errorf("JWKS registration failed: %w", err)
	}

	kid, ok := t.Header["kid"].(string)
	if !ok {
		return nil, fmt.Errorf("token header missing kid")
	}

	keySet, err := v.jwksClient.Lookup(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to lookup JWKS: %w", err)
	}

	key, found := keySet.LookupKeyID(kid)
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, kid)
	}

	var rawKey any
	if err := jwk.Export(key, &rawKey); err != nil {
		return nil, fmt.Errorf("failed to export raw key: %w", err)
	}
	return rawKey, nil
}

// Validate implements TokenValidator.
func (v *RemoteValidator) Validate(ctx context.Context, raw string) (*Claims, error) {
	return v.parse(ctx, raw, func(t *jwt.Token) (any, error) {
		return v.getKeyFromJWKS(ctx, t)
	})
}
