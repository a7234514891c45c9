// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package registry provides the client and resource registry of the
// authorization server. The registry is built once at startup and is
// read-only afterwards, so lookups need no locking.
package registry

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/stacklok/authcore/pkg/logger"
)

// ErrClientNotFound is returned by FindClient for unknown client ids.
var ErrClientNotFound = errors.New("client not found")

// Default client lifetimes applied when a client leaves them unset.
const (
	DefaultAccessTokenLifetime          = time.Hour
	DefaultIdentityTokenLifetime        = 5 * time.Minute
	DefaultAuthorizationCodeLifetime    = 5 * time.Minute
	DefaultAbsoluteRefreshTokenLifetime = 30 * 24 * time.Hour
	DefaultSlidingRefreshTokenLifetime  = 15 * 24 * time.Hour
)

// Registry is an in-memory Store.
type Registry struct {
	clients   map[string]*Client
	resources Resources

	identityByName map[string]*IdentityResource
	scopeByName    map[string]*APIScope
}

var _ Store = (*Registry)(nil)

// New builds a registry. Client secrets given in plain form are hashed and
// unset lifetimes are defaulted. The inputs are copied.
func New(clients []Client, resources Resources) (*Registry, error) {
	r := &Registry{
		clients:        make(map[string]*Client, len(clients)),
		identityByName: make(map[string]*IdentityResource),
		scopeByName:    make(map[string]*APIScope),
	}

	r.resources.IdentityResources = slices.Clone(resources.IdentityResources)
	r.resources.APIScopes = slices.Clone(resources.APIScopes)
	r.resources.APIResources = slices.Clone(resources.APIResources)

	for i := range r.resources.IdentityResources {
		ir := &r.resources.IdentityResources[i]
		if ir.Name == "" {
			return nil, fmt.Errorf("identity resource %d has no name", i)
		}
		if _, dup := r.identityByName[ir.Name]; dup {
			return nil, fmt.Errorf("duplicate identity resource %q", ir.Name)
		}
		r.identityByName[ir.Name] = ir
	}
	for i := range r.resources.APIScopes {
		s := &r.resources.APIScopes[i]
		if s.Name == "" {
			return nil, fmt.Errorf("api scope %d has no name", i)
		}
		if _, dup := r.scopeByName[s.Name]; dup {
			return nil, fmt.Errorf("duplicate api scope %q", s.Name)
		}
		r.scopeByName[s.Name] = s
	}
	for _, res := range r.resources.APIResources {
		for _, name := range res.Scopes {
			if _, ok := r.scopeByName[name]; !ok {
				return nil, fmt.Errorf("api resource %q references unknown scope %q", res.Name, name)
			}
		}
	}

	for i := range clients {
		c, err := r.prepareClient(clients[i])
		if err != nil {
			return nil, err
		}
		if _, dup := r.clients[c.ID]; dup {
			return nil, fmt.Errorf("duplicate client id %q", c.ID)
		}
		r.clients[c.ID] = c
	}

	logger.Debugw("client registry built",
		"clients", len(r.clients),
		"identity_resources", len(r.identityByName),
		"api_scopes", len(r.scopeByName),
	)
	return r, nil
}

func (r *Registry) prepareClient(in Client) (*Client, error) {
	if in.ID == "" {
		return nil, fmt.Errorf("client id is required")
	}
	if len(in.GrantTypes) == 0 {
		return nil, fmt.Errorf("client %q has no grant types", in.ID)
	}

	c := in
	c.GrantTypes = slices.Clone(in.GrantTypes)
	c.RedirectURIs = slices.Clone(in.RedirectURIs)
	c.PostLogoutRedirectURIs = slices.Clone(in.PostLogoutRedirectURIs)
	c.AllowedScopes = slices.Clone(in.AllowedScopes)

	secrets, err := normalizeSecrets(in.Secrets)
	if err != nil {
		return nil, fmt.Errorf("client %q: %w", in.ID, err)
	}
	c.Secrets = secrets

	if c.AllowsGrantType(GrantTypeAuthorizationCode) && len(c.RedirectURIs) == 0 {
		return nil, fmt.Errorf("client %q uses authorization_code but has no redirect URIs", in.ID)
	}
	if c.AllowsGrantType(GrantTypeClientCredentials) && c.IsPublic() {
		return nil, fmt.Errorf("client %q uses client_credentials but has no secret", in.ID)
	}

	for _, s := range c.AllowedScopes {
		if s == ScopeOfflineAccess {
			c.AllowOfflineAccess = true
			continue
		}
		if _, ok := r.identityByName[s]; ok {
			continue
		}
		if _, ok := r.scopeByName[s]; ok {
			continue
		}
		logger.Warnw("client allows an unregistered scope", "client_id", c.ID, "scope", s)
	}

	if c.AccessTokenLifetime == 0 {
		c.AccessTokenLifetime = DefaultAccessTokenLifetime
	}
	if c.IdentityTokenLifetime == 0 {
		c.IdentityTokenLifetime = DefaultIdentityTokenLifetime
	}
	if c.AuthorizationCodeLifetime == 0 {
		c.AuthorizationCodeLifetime = DefaultAuthorizationCodeLifetime
	}
	if c.AbsoluteRefreshTokenLifetime == 0 {
		c.AbsoluteRefreshTokenLifetime = DefaultAbsoluteRefreshTokenLifetime
	}
	if c.SlidingRefreshTokenLifetime == 0 {
		c.SlidingRefreshTokenLifetime = DefaultSlidingRefreshTokenLifetime
	}
	if c.RefreshTokenUsage == "" {
		c.RefreshTokenUsage = RefreshTokenOneTimeOnly
	}
	if c.RefreshTokenExpiration == "" {
		c.RefreshTokenExpiration = RefreshTokenAbsolute
	}
	return &c, nil
}

// FindClient implements Store.
func (r *Registry) FindClient(id string) (*Client, error) {
	c, ok := r.clients[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrClientNotFound, id)
	}
	return c, nil
}

// Clients returns all registered clients in no particular order.
func (r *Registry) Clients() []*Client {
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

// FindScopesByName implements Store.
func (r *Registry) FindScopesByName(names []string) *Resources {
	out := &Resources{}
	for _, ir := range r.resources.IdentityResources {
		if slices.Contains(names, ir.Name) {
			out.IdentityResources = append(out.IdentityResources, ir)
		}
	}
	for _, s := range r.resources.APIScopes {
		if slices.Contains(names, s.Name) {
			out.APIScopes = append(out.APIScopes, s)
		}
	}
	return out
}

// FindResourcesByScopeNames implements Store.
func (r *Registry) FindResourcesByScopeNames(names []string) []APIResource {
	var out []APIResource
	for _, res := range r.resources.APIResources {
		for _, s := range res.Scopes {
			if slices.Contains(names, s) {
				out = append(out, res)
				break
			}
		}
	}
	return out
}

// FindResourcesByName implements Store.
func (r *Registry) FindResourcesByName(names []string) []APIResource {
	var out []APIResource
	for _, res := range r.resources.APIResources {
		if slices.Contains(names, res.Name) {
			out = append(out, res)
		}
	}
	return out
}

// ExpandScopes implements Store. The plain registry only removes duplicates.
func (*Registry) ExpandScopes(names []string) []string {
	return dedupe(names)
}

// AllResources implements Store.
func (r *Registry) AllResources() *Resources {
	return &Resources{
		IdentityResources: slices.Clone(r.resources.IdentityResources),
		APIScopes:         slices.Clone(r.resources.APIScopes),
		APIResources:      slices.Clone(r.resources.APIResources),
	}
}

// LookupIdentityResource returns the identity resource named name.
func (r *Registry) LookupIdentityResource(name string) (IdentityResource, bool) {
	ir, ok := r.identityByName[name]
	if !ok {
		return IdentityResource{}, false
	}
	return *ir, true
}

// LookupAPIScope returns the API scope named name.
func (r *Registry) LookupAPIScope(name string) (APIScope, bool) {
	s, ok := r.scopeByName[name]
	if !ok {
		return APIScope{}, false
	}
	return *s, true
}

func dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
