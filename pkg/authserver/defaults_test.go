// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"
	"net/url"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/authcore/pkg/authserver/authorize"
	"github.com/stacklok/authcore/pkg/authserver/consent"
	"github.com/stacklok/authcore/pkg/authserver/server/crypto"
)

// The shipped configurations render the consent screen of the interactive
// client with openid and profile required and pre-checked.
func TestDefaults_InteractiveConsentView(t *testing.T) {
	t.Parallel()

	sample, err := LoadConfig(filepath.Join("..", "..", "examples", "authcore.yaml"), nil)
	require.NoError(t, err)

	tests := []struct {
		name     string
		cfg      *Config
		clientID string
		redirect string
		scope    string
	}{
		{
			name:     "default config",
			cfg:      DefaultConfig(),
			clientID: "interactive",
			redirect: "https://localhost:44300/signin-oidc",
			scope:    "openid profile scope2",
		},
		{
			name:     "sample file",
			cfg:      sample,
			clientID: "localhost-addoidc-client",
			redirect: "https://localhost:5001/signin-oidc",
			scope:    "openid profile agvapark",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			reg, err := buildRegistry(tt.cfg)
			require.NoError(t, err)

			result, err := authorize.NewValidator(reg).Validate(context.Background(), url.Values{
				authorize.ParamClientID:            {tt.clientID},
				authorize.ParamResponseType:        {"code"},
				authorize.ParamScope:               {tt.scope},
				authorize.ParamRedirectURI:         {tt.redirect},
				authorize.ParamCodeChallenge:       {crypto.ComputePKCEChallenge(crypto.GeneratePKCEVerifier())},
				authorize.ParamCodeChallengeMethod: {crypto.PKCEChallengeMethodS256},
			}, nil)
			require.NoError(t, err)
			assert.Equal(t, authorize.InteractionLogin, result.Interaction)

			view := consent.BuildView(result.Request, nil)
			byName := map[string]consent.ScopeView{}
			for _, s := range view.IdentityScopes {
				byName[s.Value] = s
			}
			for _, name := range []string{"openid", "profile"} {
				s, ok := byName[name]
				require.True(t, ok, "%s is listed", name)
				assert.True(t, s.Required, "%s is required", name)
				assert.True(t, s.Checked, "%s is pre-checked", name)
			}
		})
	}
}
