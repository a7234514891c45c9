// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package rp

import (
	"context"
	"net/url"
)

// Properties understood by the built-in hooks.
const (
	PropertyIdentityProvider = "idp"
	PropertyClientID         = "client_id"
)

// RedirectContext is the mutable state of an authorization request before
// the browser is redirected.
type RedirectContext struct {
	// Properties are the per-request values passed to AuthCodeURL.
	Properties map[string]string

	ClientID  string
	Scopes    []string
	ACRValues []string
	// Params are extra query parameters added to the authorization URL.
	Params url.Values
}

// BeforeAuthorizeRedirect adjusts an authorization request.
type BeforeAuthorizeRedirect func(ctx context.Context, rc *RedirectContext) error

// IdentityProviderHook adds "idp:<name>" to acr_values when the "idp"
// property is set, so the server skips its own login page.
func IdentityProviderHook() BeforeAuthorizeRedirect {
	return func(_ context.Context, rc *RedirectContext) error {
		if idp := rc.Properties[PropertyIdentityProvider]; idp != "" {
			rc.ACRValues = append(rc.ACRValues, "idp:"+idp)
		}
		return nil
	}
}

// DynamicClientHook replaces the client id with the "client_id" property.
// The code is later redeemed for the same client.
func DynamicClientHook() BeforeAuthorizeRedirect {
	return func(_ context.Context, rc *RedirectContext) error {
		if id := rc.Properties[PropertyClientID]; id != "" {
			rc.ClientID = id
		}
		return nil
	}
}
