// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authorize

import (
	"fmt"
	"slices"

	"github.com/stacklok/authcore/pkg/authserver/registry"
	oautherr "github.com/stacklok/authcore/pkg/errors"
)

// ResolveScopes expands and checks requested scope values for client and
// narrows the eligible API resources to indicators when any are given.
// It is shared by the authorize, token and token exchange endpoints.
func ResolveScopes(store registry.Store, client *registry.Client, values, indicators []string) (*Scopes, error) {
	values = store.ExpandScopes(values)
	if len(values) == 0 {
		return nil, oautherr.NewInvalidScopeError("no scopes requested", nil)
	}

	parsed := ParseScopes(store, values)
	names := Names(parsed)

	for _, name := range names {
		if !client.AllowsScope(name) {
			return nil, oautherr.NewInvalidScopeError(
				fmt.Sprintf("scope %q is not allowed for this client", name), nil)
		}
	}

	found := store.FindScopesByName(names)
	s := &Scopes{
		Values:            values,
		Parsed:            parsed,
		IdentityResources: found.IdentityResources,
		APIScopes:         found.APIScopes,
		OfflineAccess:     slices.Contains(names, registry.ScopeOfflineAccess),
	}

	for _, name := range names {
		if name == registry.ScopeOfflineAccess || s.knows(name) {
			continue
		}
		return nil, oautherr.NewInvalidScopeError(fmt.Sprintf("scope %q is not registered", name), nil)
	}

	if len(s.IdentityResources) > 0 && !slices.Contains(names, registry.ScopeOpenID) {
		return nil, oautherr.NewInvalidScopeError("identity scopes require the openid scope", nil)
	}

	apiNames := make([]string, 0, len(s.APIScopes))
	for _, sc := range s.APIScopes {
		apiNames = append(apiNames, sc.Name)
	}
	resources, err := eligibleResources(store, apiNames, indicators)
	if err != nil {
		return nil, err
	}
	s.APIResources = resources
	s.Restricted = len(indicators) > 0
	return s, nil
}

func (s *Scopes) knows(name string) bool {
	for _, ir := range s.IdentityResources {
		if ir.Name == name {
			return true
		}
	}
	for _, sc := range s.APIScopes {
		if sc.Name == name {
			return true
		}
	}
	return false
}

func eligibleResources(store registry.Store, apiScopes, indicators []string) ([]registry.APIResource, error) {
	exposing := store.FindResourcesByScopeNames(apiScopes)
	if len(indicators) == 0 {
		out := make([]registry.APIResource, 0, len(exposing))
		for _, res := range exposing {
			if !res.RequireResourceIndicator {
				out = append(out, res)
			}
		}
		return out, nil
	}

	named := store.FindResourcesByName(indicators)
	for _, ind := range indicators {
		if !slices.ContainsFunc(named, func(r registry.APIResource) bool { return r.Name == ind }) {
			return nil, oautherr.NewInvalidTargetError(fmt.Sprintf("resource %q is not registered", ind), nil)
		}
	}

	out := make([]registry.APIResource, 0, len(named))
	for _, res := range named {
		if !slices.ContainsFunc(exposing, func(r registry.APIResource) bool { return r.Name == res.Name }) {
			return nil, oautherr.NewInvalidTargetError(
				fmt.Sprintf("resource %q exposes none of the requested scopes", res.Name), nil)
		}
		out = append(out, res)
	}
	return out, nil
}
