// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"encoding/json"
	"fmt"
	"maps"

	"github.com/golang-jwt/jwt/v5"
)

// JWT "typ" header values.
const (
	TypeAccessToken   = "at+jwt"
	TypeIdentityToken = "JWT"
)

// Actor identifies the party acting on behalf of the subject (RFC 8693 "act").
type Actor struct {
	Subject  string `json:"sub,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	Actor    *Actor `json:"act,omitempty"`
}

// Confirmation binds a token to a key (RFC 7800 "cnf").
type Confirmation struct {
	// JWKThumbprint is the RFC 7638 thumbprint of the holder's public key.
	JWKThumbprint string `json:"jkt,omitempty"`
}

// Claims are the claims of tokens minted by the issuer. Claims not modeled by
// a field round-trip through Extra.
type Claims struct {
	jwt.RegisteredClaims

	ClientID     string           `json:"client_id,omitempty"`
	Scope        []string         `json:"scope,omitempty"`
	SessionID    string           `json:"sid,omitempty"`
	AuthTime     *jwt.NumericDate `json:"auth_time,omitempty"`
	IdP          string           `json:"idp,omitempty"`
	Nonce        string           `json:"nonce,omitempty"`
	GrantType    string           `json:"grant_type,omitempty"`
	Confirmation *Confirmation    `json:"cnf,omitempty"`
	Actor        *Actor           `json:"act,omitempty"`

	Extra map[string]any `json:"-"`
}

// claimsFields is Claims without its JSON methods.
type claimsFields Claims

var modeledClaims = []string{
	"iss", "sub", "aud", "exp", "nbf", "iat", "jti",
	"client_id", "scope", "sid", "auth_time", "idp", "nonce", "grant_type", "cnf", "act",
}

// MarshalJSON flattens Extra next to the modeled claims. Modeled claims win.
func (c Claims) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(claimsFields(c))
	if err != nil || len(c.Extra) == 0 {
		return base, err
	}
	merged := make(map[string]any, len(c.Extra)+8)
	maps.Copy(merged, c.Extra)
	var modeled map[string]any
	if err := json.Unmarshal(base, &modeled); err != nil {
		return nil, fmt.Errorf("failed to merge claims: %w", err)
	}
	maps.Copy(merged, modeled)
	return json.Marshal(merged)
}

// UnmarshalJSON collects unmodeled claims into Extra.
func (c *Claims) UnmarshalJSON(data []byte) error {
	var fields claimsFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, name := range modeledClaims {
		delete(raw, name)
	}
	*c = Claims(fields)
	if len(raw) > 0 {
		c.Extra = raw
	}
	return nil
}

// HasScope reports whether scope was granted.
func (c *Claims) HasScope(scope string) bool {
	for _, s := range c.Scope {
		if s == scope {
			return true
		}
	}
	return false
}
