// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"slices"
	"strings"

	"github.com/stacklok/authcore/pkg/logger"
)

// DomainStore decorates a Store so that the bare domain prefix acts as an
// umbrella scope. Requesting exactly the prefix yields every registered API
// scope whose name starts with the prefix and is longer than it. Scopes that
// merely share the prefix never trigger the expansion.
type DomainStore struct {
	Store
	prefix string
	family []string
}

var _ Store = (*DomainStore)(nil)

// NewDomainStore wraps inner with domain-prefix expansion for prefix.
// The family is computed once since the inner store is immutable.
func NewDomainStore(inner Store, prefix string) *DomainStore {
	d := &DomainStore{Store: inner, prefix: prefix}
	for _, s := range inner.AllResources().APIScopes {
		if len(s.Name) > len(prefix) && strings.HasPrefix(s.Name, prefix) {
			d.family = append(d.family, s.Name)
		}
	}
	return d
}

// Prefix returns the domain sentinel.
func (d *DomainStore) Prefix() string {
	return d.prefix
}

// Family returns the scope names the sentinel expands to.
func (d *DomainStore) Family() []string {
	return slices.Clone(d.family)
}

// FindScopesByName resolves the sentinel to the scope family and delegates
// every other name to the wrapped store.
func (d *DomainStore) FindScopesByName(names []string) *Resources {
	if !slices.Contains(names, d.prefix) {
		return d.Store.FindScopesByName(names)
	}

	logger.Debugw("expanding domain scope", "prefix", d.prefix, "family", d.family)
	lookup := make([]string, 0, len(names)+len(d.family))
	lookup = append(lookup, names...)
	lookup = append(lookup, d.family...)
	return d.Store.FindScopesByName(dedupe(lookup))
}

// ExpandScopes replaces the sentinel with the scope family plus openid,
// keeping every other requested scope. Expanding an already expanded list
// returns it unchanged.
func (d *DomainStore) ExpandScopes(names []string) []string {
	names = d.Store.ExpandScopes(names)
	if !slices.Contains(names, d.prefix) {
		return names
	}

	out := make([]string, 0, len(names)+len(d.family)+1)
	for _, n := range names {
		if n != d.prefix {
			out = append(out, n)
		}
	}
	out = append(out, d.family...)
	out = append(out, ScopeOpenID)
	return dedupe(out)
}
