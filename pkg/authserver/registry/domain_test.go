// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainStore_Family(t *testing.T) {
	t.Parallel()
	d := NewDomainStore(newTestRegistry(t), "agva")

	assert.Equal(t, "agva", d.Prefix())
	assert.ElementsMatch(t, []string{"agvapark", "agvabonus", "agvamember"}, d.Family())
}

func TestDomainStore_ExpandScopes(t *testing.T) {
	t.Parallel()
	d := NewDomainStore(newTestRegistry(t), "agva")

	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{
			name: "sentinel expands to family plus openid",
			in:   []string{"agva"},
			want: []string{"agvapark", "agvabonus", "agvamember", ScopeOpenID},
		},
		{
			name: "other scopes are kept",
			in:   []string{"scope1", "agva", "profile"},
			want: []string{"scope1", "profile", "agvapark", "agvabonus", "agvamember", ScopeOpenID},
		},
		{
			name: "family member alone does not trigger expansion",
			in:   []string{"agvapark"},
			want: []string{"agvapark"},
		},
		{
			name: "duplicates removed",
			in:   []string{"scope1", "scope1", ""},
			want: []string{"scope1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.ElementsMatch(t, tt.want, d.ExpandScopes(tt.in))
		})
	}
}

func TestDomainStore_ExpandScopesIsIdempotent(t *testing.T) {
	t.Parallel()
	d := NewDomainStore(newTestRegistry(t), "agva")

	inputs := [][]string{
		{"agva"},
		{"agva", "scope1", "openid"},
		{"scope2"},
		{},
	}
	for _, in := range inputs {
		once := d.ExpandScopes(in)
		twice := d.ExpandScopes(once)
		assert.Equal(t, once, twice, "input %v", in)
	}
}

func TestDomainStore_FindScopesByName(t *testing.T) {
	t.Parallel()
	d := NewDomainStore(newTestRegistry(t), "agva")

	res := d.FindScopesByName([]string{"agva"})
	names := res.ScopeNames()
	assert.Contains(t, names, "agvapark")
	assert.Contains(t, names, "agvabonus")
	assert.Contains(t, names, "agvamember")
	assert.NotContains(t, names, "scope1")

	plain := d.FindScopesByName([]string{"scope1"})
	require.Len(t, plain.APIScopes, 1)
	assert.Equal(t, "scope1", plain.APIScopes[0].Name)
}

func TestDomainStore_DoesNotOverMatchUnregisteredNames(t *testing.T) {
	t.Parallel()
	res := testResources()
	res.APIScopes = append(res.APIScopes, APIScope{Name: "agv"})
	r, err := New(testClients(), res)
	require.NoError(t, err)

	d := NewDomainStore(r, "agva")
	assert.NotContains(t, d.Family(), "agv")
	assert.NotContains(t, d.Family(), "agva")
}
