// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authorize

import (
	"net/url"

	"github.com/stacklok/authcore/pkg/authserver/registry"
	"github.com/stacklok/authcore/pkg/logger"
)

// RedirectURIPolicy decides whether a redirect URI is acceptable for a client.
type RedirectURIPolicy interface {
	// Allow reports whether uri may receive the authorization response for client.
	Allow(client *registry.Client, uri string) bool
	// Name identifies the policy in configuration and logs.
	Name() string
}

// Policy names accepted by PolicyByName.
const (
	PolicyStrict   = "strict"
	PolicyAllowAny = "allow_any"
)

// StrictRedirectURIPolicy accepts only exact matches of the client's registered redirect URIs.
type StrictRedirectURIPolicy struct{}

// Allow implements RedirectURIPolicy.
func (StrictRedirectURIPolicy) Allow(client *registry.Client, uri string) bool {
	return client.HasRedirectURI(uri)
}

// Name implements RedirectURIPolicy.
func (StrictRedirectURIPolicy) Name() string { return PolicyStrict }

// AllowAnyRedirectURIPolicy accepts any absolute http(s) URI. It exists for
// local development against clients with dynamic ports and must not be used
// in production.
type AllowAnyRedirectURIPolicy struct{}

// Allow implements RedirectURIPolicy.
func (AllowAnyRedirectURIPolicy) Allow(_ *registry.Client, uri string) bool {
	u, err := url.Parse(uri)
	if err != nil || u.Host == "" || u.Fragment != "" {
		return false
	}
	return u.Scheme == "https" || u.Scheme == "http"
}

// Name implements RedirectURIPolicy.
func (AllowAnyRedirectURIPolicy) Name() string { return PolicyAllowAny }

// PolicyByName returns the policy for name. An empty name selects the strict policy.
func PolicyByName(name string) (RedirectURIPolicy, bool) {
	switch name {
	case "", PolicyStrict:
		return StrictRedirectURIPolicy{}, true
	case PolicyAllowAny:
		logger.Warn("redirect URI policy allow_any is enabled; any redirect URI will be accepted")
		return AllowAnyRedirectURIPolicy{}, true
	default:
		return nil, false
	}
}
