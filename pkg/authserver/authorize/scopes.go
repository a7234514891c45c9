// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authorize

import (
	"strings"

	"github.com/stacklok/authcore/pkg/authserver/registry"
)

// parameterSeparator separates a parameterized scope name from its value.
const parameterSeparator = ":"

// ParsedScope is a requested scope value split into the registered scope name
// and an optional parameter, e.g. "transaction:42" -> ("transaction", "42").
type ParsedScope struct {
	Raw       string `json:"raw"`
	Name      string `json:"name"`
	Parameter string `json:"parameter,omitempty"`
}

// SplitScopes splits a space separated scope parameter, dropping empty entries.
func SplitScopes(raw string) []string {
	return strings.Fields(raw)
}

// JoinScopes is the inverse of SplitScopes.
func JoinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

// ParseScopes parses scope values against the registry. A value is only split
// on its separator when the part before it names a parameterized API scope;
// every other value is taken as a plain scope name.
func ParseScopes(store registry.Store, values []string) []ParsedScope {
	var candidates []string
	for _, v := range values {
		if name, _, ok := strings.Cut(v, parameterSeparator); ok && name != "" {
			candidates = append(candidates, name)
		}
	}

	parameterized := map[string]bool{}
	if len(candidates) > 0 {
		for _, s := range store.FindScopesByName(candidates).APIScopes {
			if s.Parameterized {
				parameterized[s.Name] = true
			}
		}
	}

	out := make([]ParsedScope, 0, len(values))
	for _, v := range values {
		name, param, ok := strings.Cut(v, parameterSeparator)
		if ok && parameterized[name] && param != "" {
			out = append(out, ParsedScope{Raw: v, Name: name, Parameter: param})
			continue
		}
		out = append(out, ParsedScope{Raw: v, Name: v})
	}
	return out
}

// Names returns the scope names of parsed, without parameters and duplicates.
func Names(parsed []ParsedScope) []string {
	seen := make(map[string]struct{}, len(parsed))
	out := make([]string, 0, len(parsed))
	for _, p := range parsed {
		if _, ok := seen[p.Name]; ok {
			continue
		}
		seen[p.Name] = struct{}{}
		out = append(out, p.Name)
	}
	return out
}
