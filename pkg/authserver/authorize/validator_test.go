// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authorize

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/authcore/pkg/authserver/registry"
	regmocks "github.com/stacklok/authcore/pkg/authserver/registry/mocks"
	"github.com/stacklok/authcore/pkg/authserver/registry/registrytest"
	"github.com/stacklok/authcore/pkg/authserver/server/crypto"
	"github.com/stacklok/authcore/pkg/authserver/storage"
	"github.com/stacklok/authcore/pkg/authserver/storage/mocks"
	oautherr "github.com/stacklok/authcore/pkg/errors"
)

func interactiveParams(scope string) url.Values {
	return url.Values{
		ParamClientID:            {registrytest.InteractiveClientID},
		ParamResponseType:        {ResponseTypeCode},
		ParamRedirectURI:         {registrytest.InteractiveRedirect},
		ParamScope:               {scope},
		ParamState:               {"xyz"},
		ParamCodeChallenge:       {crypto.ComputePKCEChallenge(crypto.GeneratePKCEVerifier())},
		ParamCodeChallengeMethod: {crypto.PKCEChallengeMethodS256},
	}
}

func activeSession() *storage.Session {
	return &storage.Session{
		ID:        "sid",
		Subject:   "alice",
		AuthTime:  time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		mutate     func(url.Values)
		check      func(error) bool
		withResult bool
	}{
		{
			name:   "missing client id",
			mutate: func(v url.Values) { v.Del(ParamClientID) },
			check:  oautherr.IsInvalidRequest,
		},
		{
			name:   "unknown client",
			mutate: func(v url.Values) { v.Set(ParamClientID, "nobody") },
			check:  oautherr.IsInvalidClient,
		},
		{
			name: "client without code flow",
			mutate: func(v url.Values) {
				v.Set(ParamClientID, registrytest.M2MClientID)
			},
			check: oautherr.IsInvalidClient,
		},
		{
			name:   "unregistered redirect uri",
			mutate: func(v url.Values) { v.Set(ParamRedirectURI, "https://evil.example/cb") },
			check:  oautherr.IsInvalidRedirectURI,
		},
		{
			name:       "scope not allowed for client",
			mutate:     func(v url.Values) { v.Set(ParamScope, "openid scope1") },
			check:      oautherr.IsInvalidScope,
			withResult: true,
		},
		{
			name:       "identity scope without openid",
			mutate:     func(v url.Values) { v.Set(ParamScope, "profile scope2") },
			check:      oautherr.IsInvalidScope,
			withResult: true,
		},
		{
			name:       "empty scope",
			mutate:     func(v url.Values) { v.Set(ParamScope, "  ") },
			check:      oautherr.IsInvalidScope,
			withResult: true,
		},
		{
			name:       "unsupported response type",
			mutate:     func(v url.Values) { v.Set(ParamResponseType, "token") },
			check:      oautherr.IsInvalidRequest,
			withResult: true,
		},
		{
			name:       "missing pkce for client requiring it",
			mutate:     func(v url.Values) { v.Del(ParamCodeChallenge); v.Del(ParamCodeChallengeMethod) },
			check:      oautherr.IsInvalidRequest,
			withResult: true,
		},
		{
			name:       "plain pkce for client requiring S256",
			mutate:     func(v url.Values) { v.Set(ParamCodeChallengeMethod, crypto.PKCEChallengeMethodPlain) },
			check:      oautherr.IsInvalidRequest,
			withResult: true,
		},
		{
			name:       "unknown resource indicator",
			mutate:     func(v url.Values) { v.Set(ParamResource, "nowhere") },
			check:      oautherr.IsInvalidTarget,
			withResult: true,
		},
		{
			name:       "unsupported prompt",
			mutate:     func(v url.Values) { v.Set(ParamPrompt, "select_account") },
			check:      oautherr.IsInvalidRequest,
			withResult: true,
		},
	}

	v := NewValidator(registrytest.NewDomain(t))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			params := interactiveParams("openid profile scope2")
			tt.mutate(params)

			res, err := v.Validate(context.Background(), params, activeSession())
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected error type: %v", err)
			if tt.withResult {
				require.NotNil(t, res)
				assert.Equal(t, registrytest.InteractiveRedirect, res.Request.RedirectURI)
				assert.Equal(t, "xyz", res.Request.State)
			} else {
				assert.Nil(t, res)
			}
		})
	}
}

// Every scope a client is not allowed to request fails validation.
func TestValidate_DisallowedScopesAlwaysFail(t *testing.T) {
	t.Parallel()

	store := registrytest.New(t)
	v := NewValidator(store)
	client, err := store.FindClient(registrytest.InteractiveClientID)
	require.NoError(t, err)

	for _, scope := range store.AllResources().ScopeNames() {
		if client.AllowsScope(scope) {
			continue
		}
		_, err := v.Validate(context.Background(), interactiveParams("openid "+scope), activeSession())
		assert.True(t, oautherr.IsInvalidScope(err), "scope %s: %v", scope, err)
	}
}

func TestValidate_Interaction(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	consents := mocks.NewMockStorage(ctrl)
	consents.EXPECT().GetConsent(gomock.Any(), "alice", registrytest.InteractiveClientID).
		Return(nil, storage.ErrNotFound).AnyTimes()

	v := NewValidator(registrytest.New(t), WithConsentStore(consents))
	ctx := context.Background()

	t.Run("no session requires login", func(t *testing.T) {
		t.Parallel()
		res, err := v.Validate(ctx, interactiveParams("openid profile scope2"), nil)
		require.NoError(t, err)
		assert.Equal(t, InteractionLogin, res.Interaction)
	})

	t.Run("expired session requires login", func(t *testing.T) {
		t.Parallel()
		sess := activeSession()
		sess.ExpiresAt = time.Now().Add(-time.Minute)
		res, err := v.Validate(ctx, interactiveParams("openid profile scope2"), sess)
		require.NoError(t, err)
		assert.Equal(t, InteractionLogin, res.Interaction)
	})

	t.Run("prompt none without session", func(t *testing.T) {
		t.Parallel()
		params := interactiveParams("openid profile scope2")
		params.Set(ParamPrompt, PromptNone)
		_, err := v.Validate(ctx, params, nil)
		assert.Equal(t, oautherr.ErrLoginRequired, oautherr.TypeOf(err))
	})

	t.Run("prompt login forces login", func(t *testing.T) {
		t.Parallel()
		params := interactiveParams("openid profile scope2")
		params.Set(ParamPrompt, PromptLogin)
		res, err := v.Validate(ctx, params, activeSession())
		require.NoError(t, err)
		assert.Equal(t, InteractionLogin, res.Interaction)
	})

	t.Run("consent required without prior consent", func(t *testing.T) {
		t.Parallel()
		res, err := v.Validate(ctx, interactiveParams("openid profile scope2"), activeSession())
		require.NoError(t, err)
		assert.Equal(t, InteractionConsent, res.Interaction)
	})

	t.Run("client without consent requirement", func(t *testing.T) {
		t.Parallel()
		params := url.Values{
			ParamClientID:     {registrytest.ExchangeClientID},
			ParamResponseType: {ResponseTypeCode},
			ParamScope:        {"openid api"},
		}
		res, err := v.Validate(ctx, params, activeSession())
		require.NoError(t, err)
		assert.Equal(t, InteractionNone, res.Interaction)
		assert.Equal(t, registrytest.ExchangeRedirect, res.Request.RedirectURI, "single redirect uri is the default")
	})
}

func TestValidate_RememberedConsent(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	consents := mocks.NewMockStorage(ctrl)
	consents.EXPECT().GetConsent(gomock.Any(), "alice", registrytest.InteractiveClientID).
		Return(&storage.ConsentRecord{
			Subject:  "alice",
			ClientID: registrytest.InteractiveClientID,
			Scopes:   []string{"openid", "profile", "scope2"},
			Remember: true,
		}, nil).AnyTimes()

	v := NewValidator(registrytest.New(t), WithConsentStore(consents))
	ctx := context.Background()

	res, err := v.Validate(ctx, interactiveParams("openid profile scope2"), activeSession())
	require.NoError(t, err)
	assert.Equal(t, InteractionNone, res.Interaction)

	res, err = v.Validate(ctx, interactiveParams("openid profile scope2 offline_access"), activeSession())
	require.NoError(t, err)
	assert.Equal(t, InteractionConsent, res.Interaction, "a new scope needs consent again")

	params := interactiveParams("openid profile scope2")
	params.Set(ParamPrompt, PromptConsent)
	res, err = v.Validate(ctx, params, activeSession())
	require.NoError(t, err)
	assert.Equal(t, InteractionConsent, res.Interaction)
}

func TestValidate_ConsentLookupFailure(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	consents := mocks.NewMockStorage(ctrl)
	consents.EXPECT().GetConsent(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, errors.New("redis down"))

	v := NewValidator(registrytest.New(t), WithConsentStore(consents))
	_, err := v.Validate(context.Background(), interactiveParams("openid scope2"), activeSession())
	assert.Equal(t, oautherr.ErrServer, oautherr.TypeOf(err))
}

func TestValidate_RequestFields(t *testing.T) {
	t.Parallel()

	v := NewValidator(registrytest.NewDomain(t))
	params := url.Values{
		ParamClientID:     {registrytest.ExchangeClientID},
		ParamResponseType: {ResponseTypeCode},
		ParamScope:        {"agva api offline_access"},
		ParamACRValues:    {"tenant:1 idp:Google"},
		ParamNonce:        {"n-0S6"},
		ParamLoginHint:    {"bob"},
	}

	res, err := v.Validate(context.Background(), params, nil)
	require.NoError(t, err)
	req := res.Request

	assert.Equal(t, "Google", req.IdP)
	assert.Equal(t, []string{"tenant:1", "idp:Google"}, req.ACRValues)
	assert.Equal(t, "n-0S6", req.Nonce)
	assert.Equal(t, "bob", req.LoginHint)
	assert.True(t, req.IsOpenID(), "domain expansion adds openid")
	assert.True(t, req.Scopes.OfflineAccess)
	assert.ElementsMatch(t, []string{"api", "offline_access", "agvapark", "agvabonus", "agvamember", "openid"}, req.Scopes.Values)
	assert.ElementsMatch(t, []string{"agva-api", "api"}, req.Scopes.Audiences())

	again, err := v.Validate(context.Background(), params, nil)
	require.NoError(t, err)
	assert.Equal(t, req.Scopes.Values, again.Request.Scopes.Values, "validation is deterministic")
}

func TestValidate_ResourceIndicators(t *testing.T) {
	t.Parallel()

	v := NewValidator(registrytest.New(t))
	ctx := context.Background()

	params := interactiveParams("openid transaction:42")
	res, err := v.Validate(ctx, params, activeSession())
	require.NoError(t, err)
	assert.Empty(t, res.Request.Scopes.APIResources, "resources requiring an indicator are not eligible by default")
	assert.Equal(t, []ParsedScope{
		{Raw: "openid", Name: "openid"},
		{Raw: "transaction:42", Name: "transaction", Parameter: "42"},
	}, res.Request.Scopes.Parsed)

	params.Set(ParamResource, "payments")
	res, err = v.Validate(ctx, params, activeSession())
	require.NoError(t, err)
	assert.Equal(t, []string{"payments"}, res.Request.Scopes.Audiences())

	params = interactiveParams("openid scope2")
	params.Set(ParamResource, "payments")
	_, err = v.Validate(ctx, params, activeSession())
	assert.True(t, oautherr.IsInvalidTarget(err))
}

func TestValidate_AllowAnyRedirectPolicy(t *testing.T) {
	t.Parallel()

	v := NewValidator(registrytest.New(t), WithRedirectURIPolicy(AllowAnyRedirectURIPolicy{}))
	params := interactiveParams("openid scope2")
	params.Set(ParamRedirectURI, "http://localhost:61234/callback")

	res, err := v.Validate(context.Background(), params, nil)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:61234/callback", res.Request.RedirectURI)

	params.Set(ParamRedirectURI, "javascript:alert(1)")
	_, err = v.Validate(context.Background(), params, nil)
	assert.True(t, oautherr.IsInvalidRedirectURI(err))
}

func TestResolveScopes_OfflineAccess(t *testing.T) {
	t.Parallel()

	store := registrytest.New(t)
	m2m, err := store.FindClient(registrytest.M2MClientID)
	require.NoError(t, err)

	_, err = ResolveScopes(store, m2m, []string{"scope1", registry.ScopeOfflineAccess}, nil)
	assert.True(t, oautherr.IsInvalidScope(err))

	scopes, err := ResolveScopes(store, m2m, []string{"scope1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"scope1"}, scopes.Audiences())
}

func TestScopes_Narrow(t *testing.T) {
	t.Parallel()

	v := NewValidator(registrytest.New(t))
	res, err := v.Validate(context.Background(), interactiveParams("openid profile scope2 transaction:7 offline_access"), nil)
	require.NoError(t, err)

	narrowed := res.Request.Scopes.Narrow([]string{"openid", "transaction:7"})
	assert.Equal(t, []string{"openid", "transaction:7"}, narrowed.Values)
	require.Len(t, narrowed.IdentityResources, 1)
	assert.Equal(t, "openid", narrowed.IdentityResources[0].Name)
	require.Len(t, narrowed.APIScopes, 1)
	assert.Equal(t, "transaction", narrowed.APIScopes[0].Name)
	assert.False(t, narrowed.OfflineAccess)
	assert.Len(t, res.Request.Scopes.Values, 5, "the original set is untouched")
}

func TestValidator_ClientLookupFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		lookupErr  error
		wantStatus int
		wantCode   string
	}{
		{name: "unknown client", lookupErr: registry.ErrClientNotFound, wantStatus: http.StatusUnauthorized, wantCode: oautherr.ErrInvalidClient},
		{name: "registry failure", lookupErr: errors.New("client file unreadable"), wantStatus: http.StatusInternalServerError, wantCode: oautherr.ErrServer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctrl := gomock.NewController(t)
			store := regmocks.NewMockStore(ctrl)
			store.EXPECT().FindClient(registrytest.InteractiveClientID).Return(nil, tt.lookupErr)

			result, err := NewValidator(store).Validate(context.Background(), interactiveParams("openid"), activeSession())
			require.Error(t, err)
			assert.Nil(t, result)
			assert.Equal(t, tt.wantStatus, oautherr.HTTPStatus(err))
			assert.Equal(t, tt.wantCode, oautherr.ToResponse(err).Error)
		})
	}
}
