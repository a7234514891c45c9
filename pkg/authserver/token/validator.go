// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/stacklok/authcore/pkg/authserver/server/keys"
)

// Common errors
var (
	ErrNoToken         = errors.New("no token provided")
	ErrInvalidToken    = errors.New("invalid token")
	ErrTokenExpired    = errors.New("token expired")
	ErrInvalidIssuer   = errors.New("invalid issuer")
	ErrInvalidAudience = errors.New("invalid audience")
	ErrInvalidType     = errors.New("unexpected token type")
	ErrUnknownKey      = errors.New("unknown signing key")
)

// signingAlgorithms are the JWS algorithms accepted on incoming tokens.
var signingAlgorithms = []string{"ES256", "ES384", "ES512", "RS256", "RS384", "RS512", "PS256", "PS384", "PS512"}

// TokenValidator validates a serialized token and returns its claims.
//
//go:generate mockgen -destination=mocks/mock_validator.go -package=mocks -source=validator.go TokenValidator
type TokenValidator interface {
	Validate(ctx context.Context, raw string) (*Claims, error)
}

// ValidatorOption configures a Validator or RemoteValidator.
type ValidatorOption func(*validation)

// WithAudience requires the token to carry aud.
func WithAudience(aud string) ValidatorOption {
	return func(v *validation) {
		v.audience = aud
	}
}

// WithTokenTypes sets the accepted "typ" header values. The default accepts
// access tokens only.
func WithTokenTypes(types ...string) ValidatorOption {
	return func(v *validation) {
		v.types = types
	}
}

// WithValidationClock overrides the time source used for expiry checks.
func WithValidationClock(now func() time.Time) ValidatorOption {
	return func(v *validation) {
		v.now = now
	}
}

// validation holds the claim checks shared by the local and remote validators.
type validation struct {
	issuer    string
	audience  string
	types     []string
	now       func() time.Time
	validated metric.Int64Counter
}

func newValidation(issuer string, opts []ValidatorOption) validation {
	counter, _ := otel.GetMeterProvider().Meter(instrumentationName).Int64Counter(
		"authcore_token_validations",
		metric.WithDescription("Number of token validations by result"),
	)
	v := validation{
		issuer:    issuer,
		types:     []string{TypeAccessToken},
		now:       time.Now,
		validated: counter,
	}
	for _, opt := range opts {
		opt(&v)
	}
	return v
}

func (v *validation) parse(ctx context.Context, raw string, keyfunc jwt.Keyfunc) (*Claims, error) {
	claims, err := v.doParse(raw, keyfunc)
	result := "valid"
	if err != nil {
		result = "invalid"
	}
	v.validated.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	return claims, err
}

func (v *validation) doParse(raw string, keyfunc jwt.Keyfunc) (*Claims, error) {
	if raw == "" {
		return nil, ErrNoToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(signingAlgorithms),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	claims := &Claims{}
	parsed, err := jwt.NewParser(opts...).ParseWithClaims(raw, claims, keyfunc)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenInvalidIssuer):
			return nil, ErrInvalidIssuer
		case errors.Is(err, jwt.ErrTokenInvalidAudience):
			return nil, ErrInvalidAudience
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}

	typ, _ := parsed.Header["typ"].(string)
	if !slices.Contains(v.types, typ) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, typ)
	}
	return claims, nil
}

// Validator validates tokens minted by this server against the public keys
// of its key provider. Keys past their retention window are rejected.
type Validator struct {
	validation
	keys keys.KeyProvider
}

var _ TokenValidator = (*Validator)(nil)

// NewValidator creates a validator for tokens issued by issuer.
func NewValidator(issuer string, provider keys.KeyProvider, opts ...ValidatorOption) *Validator {
	return &Validator{
		validation: newValidation(issuer, opts),
		keys:       provider,
	}
}

// Validate implements TokenValidator.
func (v *Validator) Validate(ctx context.Context, raw string) (*Claims, error) {
	return v.parse(ctx, raw, func(t *jwt.Token) (any, error) {
		kid, ok := t.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("token header missing kid")
		}
		published, err := v.keys.PublicKeys(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load public keys: %w", err)
		}
		for _, k := range published {
			if k.KeyID != kid {
				continue
			}
			if !k.Valid(v.now()) {
				return nil, fmt.Errorf("%w: key %s is past its retention window", ErrUnknownKey, kid)
			}
			if k.Algorithm != t.Method.Alg() {
				return nil, fmt.Errorf("key %s does not sign with %s", kid, t.Method.Alg())
			}
			return k.PublicKey, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, kid)
	})
}
