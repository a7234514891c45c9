// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/authcore/pkg/authserver/authorize"
	"github.com/stacklok/authcore/pkg/authserver/registry"
	"github.com/stacklok/authcore/pkg/authserver/registry/registrytest"
	"github.com/stacklok/authcore/pkg/authserver/server/keys"
	"github.com/stacklok/authcore/pkg/authserver/storage"
	"github.com/stacklok/authcore/pkg/authserver/token"
	"github.com/stacklok/authcore/pkg/authserver/token/mocks"
	oautherr "github.com/stacklok/authcore/pkg/errors"
)

const testIssuer = "https://idp.example.com"

type fixture struct {
	handler   *Handler
	issuer    *token.Issuer
	validator *token.Validator
	registry  registry.Store
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store := storage.NewMemoryStorage()
	t.Cleanup(func() { _ = store.Close() })

	reg := registrytest.NewDomain(t)
	kp := keys.NewGeneratingProvider("")
	iss, err := token.NewIssuer(token.Config{Issuer: testIssuer, Keys: kp, Store: store, Registry: reg})
	require.NoError(t, err)
	v := token.NewValidator(testIssuer, kp)

	return &fixture{
		handler:   NewHandler(v, iss, reg, opts...),
		issuer:    iss,
		validator: v,
		registry:  reg,
	}
}

func (f *fixture) client(t *testing.T, id string) *registry.Client {
	t.Helper()
	c, err := f.registry.FindClient(id)
	require.NoError(t, err)
	return c
}

// userToken mints an access token for alice through the code grant.
func (f *fixture) userToken(t *testing.T, extra map[string]any) string {
	t.Helper()
	client := f.client(t, registrytest.ExchangeClientID)
	scopes, err := authorize.ResolveScopes(f.registry, client, []string{"openid", "api", "agvapark"}, nil)
	require.NoError(t, err)
	resp, err := f.issuer.Issue(context.Background(), &token.Grant{
		GrantType: registry.GrantTypeAuthorizationCode,
		Client:    client,
		Subject:   "alice",
		Scopes:    scopes,
		SessionID: "sid-1",
		AuthTime:  time.Now().Add(-time.Minute),
		IdP:       "local",
		Extra:     extra,
	})
	require.NoError(t, err)
	return resp.AccessToken
}

func TestExchange_ClientCredentialsSubjectToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	client := f.client(t, registrytest.ExchangeClientID)

	original, err := f.issuer.ClientCredentials(ctx, client, "api", nil)
	require.NoError(t, err)
	originalClaims, err := f.validator.Validate(ctx, original.AccessToken)
	require.NoError(t, err)

	resp, err := f.handler.Exchange(ctx, &Request{
		Client:           client,
		SubjectToken:     original.AccessToken,
		SubjectTokenType: token.TokenTypeAccessToken,
	})
	require.NoError(t, err)
	assert.Equal(t, token.TokenTypeAccessToken, resp.IssuedTokenType)
	assert.NotEqual(t, original.AccessToken, resp.AccessToken)

	claims, err := f.validator.Validate(ctx, resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, originalClaims.Subject, claims.Subject)
	assert.Equal(t, registrytest.ExchangeClientID, claims.ClientID)
	assert.Equal(t, string(registry.GrantTypeTokenExchange), claims.GrantType)
	assert.Equal(t, []string{"api"}, claims.Scope)
}

func TestExchange_InheritsUserSubjectAndClaims(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	client := f.client(t, registrytest.ExchangeClientID)
	subjectToken := f.userToken(t, map[string]any{"tenant": "agva"})

	resp, err := f.handler.Exchange(ctx, &Request{
		Client:       client,
		SubjectToken: subjectToken,
		Scope:        "agvapark",
	})
	require.NoError(t, err)

	claims, err := f.validator.Validate(ctx, resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, "sid-1", claims.SessionID)
	assert.Equal(t, "local", claims.IdP)
	assert.NotNil(t, claims.AuthTime)
	assert.Equal(t, "agva", claims.Extra["tenant"])
	assert.Equal(t, []string{"agvapark"}, claims.Scope)
	assert.Equal(t, []string{"agva-api"}, []string(claims.Audience))
}

func TestExchange_ClaimFilterNarrowsInheritedClaims(t *testing.T) {
	t.Parallel()
	f := newFixture(t, WithClaimFilter(func(_ *registry.Client, inherited map[string]any) map[string]any {
		delete(inherited, "tenant")
		return inherited
	}))
	ctx := context.Background()

	resp, err := f.handler.Exchange(ctx, &Request{
		Client:       f.client(t, registrytest.ExchangeClientID),
		SubjectToken: f.userToken(t, map[string]any{"tenant": "agva", "region": "eu"}),
	})
	require.NoError(t, err)

	claims, err := f.validator.Validate(ctx, resp.AccessToken)
	require.NoError(t, err)
	assert.NotContains(t, claims.Extra, "tenant")
	assert.Equal(t, "eu", claims.Extra["region"])
}

func TestExchange_ActorToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	client := f.client(t, registrytest.ExchangeClientID)

	actor, err := f.issuer.ClientCredentials(ctx, client, "api", nil)
	require.NoError(t, err)

	resp, err := f.handler.Exchange(ctx, &Request{
		Client:       client,
		SubjectToken: f.userToken(t, nil),
		ActorToken:   actor.AccessToken,
		Scope:        "api",
	})
	require.NoError(t, err)

	claims, err := f.validator.Validate(ctx, resp.AccessToken)
	require.NoError(t, err)
	require.NotNil(t, claims.Actor)
	assert.Equal(t, registrytest.ExchangeClientID, claims.Actor.ClientID)
	assert.Empty(t, claims.Actor.Subject)
}

func TestExchange_Rejections(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	client := f.client(t, registrytest.ExchangeClientID)

	tests := []struct {
		name  string
		req   *Request
		check func(error) bool
	}{
		{
			name:  "missing subject token",
			req:   &Request{Client: client},
			check: oautherr.IsInvalidRequest,
		},
		{
			name:  "garbage subject token",
			req:   &Request{Client: client, SubjectToken: "garbage-subject-alice"},
			check: oautherr.IsInvalidGrant,
		},
		{
			name:  "unsupported subject token type",
			req:   &Request{Client: client, SubjectToken: "x", SubjectTokenType: token.TokenTypeRefreshToken},
			check: oautherr.IsInvalidRequest,
		},
		{
			name:  "unsupported requested token type",
			req:   &Request{Client: client, SubjectToken: "x", RequestedTokenType: token.TokenTypeIDToken},
			check: oautherr.IsInvalidRequest,
		},
		{
			name:  "actor token type without actor token",
			req:   &Request{Client: client, SubjectToken: "x", ActorTokenType: token.TokenTypeAccessToken},
			check: oautherr.IsInvalidRequest,
		},
		{
			name:  "client without the grant",
			req:   &Request{Client: f.client(t, registrytest.M2MClientID), SubjectToken: "x"},
			check: oautherr.IsInvalidClient,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			x := f.handler.Begin(tt.req)
			assert.Equal(t, StatePending, x.State())

			err := f.handler.Validate(ctx, x)
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected error %v", err)
			assert.Equal(t, StateRejected, x.State())
			assert.Nil(t, x.Subject())

			resp := oautherr.ToResponse(err)
			assert.NotContains(t, resp.ErrorDescription, "alice")
			assert.NotContains(t, err.Error(), "garbage")

			_, err = f.handler.Mint(ctx, x)
			assert.True(t, oautherr.IsInvalidRequest(err), "a rejected exchange cannot mint")
		})
	}
}

func TestExchange_ScopeChecks(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	client := f.client(t, registrytest.ExchangeClientID)

	_, err := f.handler.Exchange(ctx, &Request{Client: client, SubjectToken: f.userToken(t, nil), Scope: "scope2"})
	assert.True(t, oautherr.IsInvalidScope(err))

	_, err = f.handler.Exchange(ctx, &Request{
		Client:       client,
		SubjectToken: f.userToken(t, nil),
		Scope:        "agvapark",
		Audiences:    []string{"unknown-api"},
	})
	assert.True(t, oautherr.IsInvalidTarget(err))
}

func TestExchange_StateTransitions(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	client := f.client(t, registrytest.ExchangeClientID)

	x := f.handler.Begin(&Request{Client: client, SubjectToken: f.userToken(t, nil)})
	_, err := f.handler.Mint(ctx, x)
	require.True(t, oautherr.IsInvalidRequest(err), "a pending exchange cannot mint")

	require.NoError(t, f.handler.Validate(ctx, x))
	assert.Equal(t, StateValidated, x.State())
	assert.Equal(t, "alice", x.Subject().Subject)

	err = f.handler.Validate(ctx, x)
	assert.True(t, oautherr.IsInvalidRequest(err), "validation runs once")
	assert.Equal(t, "validated", x.State().String())
}

func TestExchange_ValidatorIsConsulted(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	f := newFixture(t)
	client := f.client(t, registrytest.ExchangeClientID)

	validator := mocks.NewMockTokenValidator(ctrl)
	validator.EXPECT().Validate(gomock.Any(), "remote-token").Return(nil, errors.New("jwks unreachable"))

	h := NewHandler(validator, f.issuer, f.registry)
	_, err := h.Exchange(context.Background(), &Request{Client: client, SubjectToken: "remote-token"})
	require.True(t, oautherr.IsInvalidGrant(err))
	assert.NotContains(t, err.Error(), "jwks unreachable")
}
