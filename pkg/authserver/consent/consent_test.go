// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package consent

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/authcore/pkg/authserver/authorize"
	"github.com/stacklok/authcore/pkg/authserver/registry/registrytest"
	"github.com/stacklok/authcore/pkg/authserver/server/crypto"
	"github.com/stacklok/authcore/pkg/authserver/storage"
	"github.com/stacklok/authcore/pkg/authserver/storage/mocks"
	oautherr "github.com/stacklok/authcore/pkg/errors"
)

func validatedRequest(t *testing.T, scope string, extra url.Values) *authorize.Request {
	t.Helper()
	params := url.Values{
		authorize.ParamClientID:            {registrytest.InteractiveClientID},
		authorize.ParamResponseType:        {authorize.ResponseTypeCode},
		authorize.ParamRedirectURI:         {registrytest.InteractiveRedirect},
		authorize.ParamScope:               {scope},
		authorize.ParamCodeChallenge:       {crypto.ComputePKCEChallenge("verifier-verifier-verifier-verifier-verifier")},
		authorize.ParamCodeChallengeMethod: {crypto.PKCEChallengeMethodS256},
	}
	for k, v := range extra {
		params[k] = v
	}
	res, err := authorize.NewValidator(registrytest.New(t)).Validate(context.Background(), params, nil)
	require.NoError(t, err)
	return res.Request
}

func TestBuildView_InteractiveClient(t *testing.T) {
	t.Parallel()

	req := validatedRequest(t, "openid profile scope2", nil)
	view := BuildView(req, nil)

	want := &View{
		ClientID:             registrytest.InteractiveClientID,
		ClientName:           registrytest.InteractiveClientID,
		AllowRememberConsent: true,
		RememberConsent:      true,
		IdentityScopes: []ScopeView{
			{Value: "openid", DisplayName: "Your user identifier", Required: true, Checked: true},
			{Value: "profile", DisplayName: "User profile", Required: true, Checked: true},
		},
		APIScopes: []ScopeView{
			{Value: "scope2", DisplayName: "Scope 2"},
		},
	}
	if diff := cmp.Diff(want, view); diff != "" {
		t.Errorf("BuildView() mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildView_PriorConsentAndOfflineAccess(t *testing.T) {
	t.Parallel()

	req := validatedRequest(t, "openid scope2 transaction:42 offline_access", url.Values{
		authorize.ParamResource: {"payments"},
	})
	prior := &storage.ConsentRecord{Scopes: []string{"scope2", "offline_access"}}
	view := BuildView(req, prior)

	require.Len(t, view.APIScopes, 3)
	assert.Equal(t, ScopeView{Value: "scope2", DisplayName: "Scope 2", Checked: true}, view.APIScopes[0])
	assert.Equal(t, "transaction:42", view.APIScopes[1].Value)
	assert.Equal(t, "Transaction: 42", view.APIScopes[1].DisplayName)
	assert.False(t, view.APIScopes[1].Checked)
	assert.Equal(t, []string{"payments"}, view.APIScopes[1].Resources)

	offline := view.APIScopes[2]
	assert.Equal(t, "offline_access", offline.Value)
	assert.Equal(t, OfflineAccessDisplayName, offline.DisplayName)
	assert.True(t, offline.Emphasize)
	assert.True(t, offline.Checked)

	assert.Equal(t, []ResourceView{{Name: "payments", DisplayName: "payments", Scopes: []string{"transaction:42"}}}, view.Resources)
}

func TestSubmit_Deny(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	// No storage calls are expected.
	store := mocks.NewMockStorage(ctrl)
	engine := NewEngine(store)

	for _, remember := range []bool{true, false} {
		_, err := engine.Submit(context.Background(), validatedRequest(t, "openid profile scope2", nil), "alice", Decision{
			Button:          ButtonNo,
			ScopesConsented: []string{"openid", "scope2"},
			RememberConsent: remember,
		})
		assert.True(t, oautherr.IsAccessDenied(err))
	}
}

func TestSubmit_InvalidSelection(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	store := mocks.NewMockStorage(ctrl)
	engine := NewEngine(store)
	req := validatedRequest(t, "openid profile scope2", nil)

	_, err := engine.Submit(context.Background(), req, "alice", Decision{Button: ButtonYes, RememberConsent: true})
	assert.True(t, oautherr.IsInvalidSelection(err))

	_, err = engine.Submit(context.Background(), req, "alice", Decision{
		Button:          ButtonYes,
		ScopesConsented: []string{"scope1"},
		RememberConsent: true,
	})
	assert.True(t, oautherr.IsInvalidSelection(err))

	_, err = engine.Submit(context.Background(), req, "alice", Decision{Button: "maybe", ScopesConsented: []string{"scope2"}})
	assert.True(t, oautherr.IsInvalidRequest(err))
}

func TestSubmit_AllowRemembered(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	store := mocks.NewMockStorage(ctrl)
	engine := NewEngine(store)
	req := validatedRequest(t, "openid profile scope2 offline_access", nil)

	store.EXPECT().StoreConsent(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, record *storage.ConsentRecord) error {
			assert.Equal(t, "alice", record.Subject)
			assert.Equal(t, registrytest.InteractiveClientID, record.ClientID)
			assert.True(t, record.Remember)
			assert.True(t, record.ExpiresAt.IsZero())
			assert.ElementsMatch(t, []string{"scope2", "openid", "profile"}, record.Scopes)
			return nil
		})

	// Required scopes are granted even when unchecked; unrequested values are ignored.
	grant, err := engine.Submit(context.Background(), req, "alice", Decision{
		Button:          ButtonYes,
		ScopesConsented: []string{"scope2", "scope1"},
		RememberConsent: true,
	})
	require.NoError(t, err)
	assert.True(t, grant.Remembered)
	assert.ElementsMatch(t, []string{"scope2", "openid", "profile"}, grant.Scopes)
	assert.NotContains(t, grant.Scopes, "offline_access")
}

func TestSubmit_AllowNotRemembered(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	store := mocks.NewMockStorage(ctrl)
	engine := NewEngine(store)
	req := validatedRequest(t, "openid profile scope2", nil)

	store.EXPECT().DeleteConsent(gomock.Any(), "alice", registrytest.InteractiveClientID).Return(nil)

	grant, err := engine.Submit(context.Background(), req, "alice", Decision{
		Button:          ButtonYes,
		ScopesConsented: []string{"openid", "profile", "scope2"},
	})
	require.NoError(t, err)
	assert.False(t, grant.Remembered)
	assert.Equal(t, []string{"openid", "profile", "scope2"}, grant.Scopes)
}

func TestSubmit_ConsentLifetime(t *testing.T) {
	t.Parallel()

	mem := storage.NewMemoryStorage()
	t.Cleanup(func() { _ = mem.Close() })

	engine := NewEngine(mem)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return now }

	req := validatedRequest(t, "openid scope2", nil)
	client := *req.Client
	client.ConsentLifetime = 24 * time.Hour
	req.Client = &client

	_, err := engine.Submit(context.Background(), req, "alice", Decision{
		Button:          ButtonYes,
		ScopesConsented: []string{"openid", "scope2"},
		RememberConsent: true,
	})
	require.NoError(t, err)

	record, err := mem.GetConsent(context.Background(), "alice", registrytest.InteractiveClientID)
	require.NoError(t, err)
	assert.Equal(t, now.Add(24*time.Hour), record.ExpiresAt)
}

func TestEngine_View(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	store := mocks.NewMockStorage(ctrl)
	engine := NewEngine(store)
	req := validatedRequest(t, "openid scope2", nil)

	store.EXPECT().GetConsent(gomock.Any(), "alice", registrytest.InteractiveClientID).Return(nil, storage.ErrNotFound)
	view, err := engine.View(context.Background(), req, "alice")
	require.NoError(t, err)
	assert.False(t, view.APIScopes[0].Checked)

	store.EXPECT().GetConsent(gomock.Any(), "alice", registrytest.InteractiveClientID).Return(nil, errors.New("boom"))
	_, err = engine.View(context.Background(), req, "alice")
	assert.Equal(t, oautherr.ErrServer, oautherr.TypeOf(err))
}
