// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package authorize validates authorization requests against the client
// registry and the current session.
package authorize

import (
	"net/url"
	"slices"

	"github.com/stacklok/authcore/pkg/authserver/registry"
)

// Authorization request parameter names.
const (
	ParamClientID            = "client_id"
	ParamResponseType        = "response_type"
	ParamRedirectURI         = "redirect_uri"
	ParamScope               = "scope"
	ParamState               = "state"
	ParamNonce               = "nonce"
	ParamResource            = "resource"
	ParamACRValues           = "acr_values"
	ParamPrompt              = "prompt"
	ParamLoginHint           = "login_hint"
	ParamCodeChallenge       = "code_challenge"
	ParamCodeChallengeMethod = "code_challenge_method"
	ParamResponseMode        = "response_mode"
)

// ResponseTypeCode is the only supported response type.
const ResponseTypeCode = "code"

// Prompt values.
const (
	PromptNone    = "none"
	PromptLogin   = "login"
	PromptConsent = "consent"
)

// IdPHintPrefix marks an acr_values entry naming the external identity provider to use.
const IdPHintPrefix = "idp:"

// Interaction is what the user agent has to do before the request can be granted.
type Interaction int

const (
	// InteractionNone means the request can be granted immediately.
	InteractionNone Interaction = iota
	// InteractionLogin means the user must authenticate first.
	InteractionLogin
	// InteractionConsent means the user must consent to the requested scopes.
	InteractionConsent
)

func (i Interaction) String() string {
	switch i {
	case InteractionLogin:
		return "login"
	case InteractionConsent:
		return "consent"
	default:
		return "none"
	}
}

// Scopes is a requested scope set resolved against the registry.
type Scopes struct {
	// Values are the requested values after domain expansion, including parameters.
	Values []string
	Parsed []ParsedScope

	IdentityResources []registry.IdentityResource
	APIScopes         []registry.APIScope
	// APIResources are the resources eligible for the request's audience.
	APIResources  []registry.APIResource
	OfflineAccess bool
	// Restricted is set when resource indicators narrowed APIResources.
	Restricted bool
}

// Has reports whether value was requested.
func (s *Scopes) Has(value string) bool {
	return s != nil && slices.Contains(s.Values, value)
}

// Audiences returns the token audiences: the eligible API resources plus any
// requested API scope not exposed by one of them. Resource indicators limit
// the audiences to the indicated resources.
func (s *Scopes) Audiences() []string {
	if s == nil {
		return nil
	}
	var out []string
	if s.Restricted {
		for _, res := range s.APIResources {
			out = append(out, res.Name)
		}
		return out
	}
	covered := map[string]bool{}
	for _, res := range s.APIResources {
		out = append(out, res.Name)
		for _, name := range res.Scopes {
			covered[name] = true
		}
	}
	for _, sc := range s.APIScopes {
		if !covered[sc.Name] && !slices.Contains(out, sc.Name) {
			out = append(out, sc.Name)
		}
	}
	return out
}

// Request is a validated authorization request.
type Request struct {
	ClientID     string           `json:"client_id"`
	Client       *registry.Client `json:"-"`
	ResponseType string           `json:"response_type"`
	RedirectURI  string           `json:"redirect_uri"`
	State        string           `json:"state,omitempty"`
	Nonce        string           `json:"nonce,omitempty"`
	Scopes       *Scopes          `json:"-"`

	ResourceIndicators []string `json:"resource,omitempty"`
	ACRValues          []string `json:"acr_values,omitempty"`
	// IdP is the external identity provider named by an "idp:" ACR value.
	IdP       string `json:"idp,omitempty"`
	Prompt    string `json:"prompt,omitempty"`
	LoginHint string `json:"login_hint,omitempty"`

	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`

	// Params is the raw parameter set the request was built from.
	Params url.Values `json:"-"`
}

// IsOpenID reports whether the request is an OpenID Connect request.
func (r *Request) IsOpenID() bool {
	return r.Scopes.Has(registry.ScopeOpenID)
}

// Result is the outcome of validating an authorization request.
type Result struct {
	Request     *Request
	Interaction Interaction
}

// Narrow returns a copy of s restricted to the granted scope values.
func (s *Scopes) Narrow(granted []string) *Scopes {
	out := *s
	out.Values = nil
	out.Parsed = nil
	for _, p := range s.Parsed {
		if slices.Contains(granted, p.Raw) {
			out.Values = append(out.Values, p.Raw)
			out.Parsed = append(out.Parsed, p)
		}
	}

	names := Names(out.Parsed)
	out.IdentityResources = slices.DeleteFunc(slices.Clone(s.IdentityResources), func(r registry.IdentityResource) bool {
		return !slices.Contains(names, r.Name)
	})
	out.APIScopes = slices.DeleteFunc(slices.Clone(s.APIScopes), func(sc registry.APIScope) bool {
		return !slices.Contains(names, sc.Name)
	})
	out.APIResources = slices.DeleteFunc(slices.Clone(s.APIResources), func(r registry.APIResource) bool {
		return !slices.ContainsFunc(r.Scopes, func(n string) bool { return slices.Contains(names, n) })
	})
	out.OfflineAccess = slices.Contains(names, registry.ScopeOfflineAccess)
	return &out
}
