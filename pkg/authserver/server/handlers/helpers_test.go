// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stacklok/authcore/pkg/authserver/authorize"
	"github.com/stacklok/authcore/pkg/authserver/consent"
	"github.com/stacklok/authcore/pkg/authserver/exchange"
	"github.com/stacklok/authcore/pkg/authserver/interaction"
	"github.com/stacklok/authcore/pkg/authserver/registry/registrytest"
	"github.com/stacklok/authcore/pkg/authserver/server/keys"
	"github.com/stacklok/authcore/pkg/authserver/session"
	"github.com/stacklok/authcore/pkg/authserver/storage"
	"github.com/stacklok/authcore/pkg/authserver/token"
	"github.com/stacklok/authcore/pkg/authserver/users"
)

const (
	testIssuer     = "https://idp.example.com"
	testLoginURL   = "/ui/login"
	testConsentURL = "/ui/consent"
	testLogoutURL  = "/ui/logout"
)

type fixture struct {
	srv       *httptest.Server
	client    *http.Client
	store     *storage.MemoryStorage
	validator *token.Validator
	keys      keys.KeyProvider
	handler   *Handler
}

func newFixture(t *testing.T, mutate ...func(*Config)) *fixture {
	t.Helper()

	store := storage.NewMemoryStorage()
	t.Cleanup(func() { _ = store.Close() })

	reg := registrytest.NewDomain(t)
	provider := keys.NewGeneratingProvider("")
	validator := authorize.NewValidator(reg, authorize.WithConsentStore(store))
	issuer, err := token.NewIssuer(token.Config{
		Issuer:   testIssuer,
		Keys:     provider,
		Store:    store,
		Registry: reg,
	})
	require.NoError(t, err)
	tokenValidator := token.NewValidator(testIssuer, provider)

	svc := users.NewService(store)
	require.NoError(t, svc.Seed(context.Background(), users.DefaultAccounts()))

	sessions, err := session.NewManager(store, session.Config{})
	require.NoError(t, err)

	cfg := Config{
		Issuer:     testIssuer,
		Registry:   reg,
		Validator:  validator,
		Consent:    consent.NewEngine(store),
		Tokens:     issuer,
		Exchange:   exchange.NewHandler(tokenValidator, issuer, reg),
		Resumer:    interaction.NewResumer(&interaction.ReturnURLPolicy{Origin: testIssuer, AllowOrigin: true}, store, validator),
		Sessions:   sessions,
		Users:      svc,
		Keys:       provider,
		Messages:   store,
		LoginURL:   testLoginURL,
		ConsentURL: testConsentURL,
		LogoutURL:  testLogoutURL,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	h, err := NewHandler(cfg)
	require.NoError(t, err)

	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &fixture{
		srv: srv,
		client: &http.Client{
			Jar: jar,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		store:     store,
		validator: tokenValidator,
		keys:      provider,
		handler:   h,
	}
}

func (f *fixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := f.client.Get(f.srv.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (f *fixture) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := f.client.Post(f.srv.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// postToken calls the token endpoint, authenticating with Basic credentials
// when clientID is set.
func (f *fixture) postToken(t *testing.T, clientID, secret string, form url.Values) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/token", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if clientID != "" {
		req.SetBasicAuth(url.QueryEscape(clientID), url.QueryEscape(secret))
	}
	resp, err := f.client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

// location parses the redirect target of resp.
func location(t *testing.T, resp *http.Response) *url.URL {
	t.Helper()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	u, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	return u
}

func scopeValues(views []consent.ScopeView) []string {
	out := make([]string, 0, len(views))
	for _, v := range views {
		out = append(out, v.Value)
	}
	return out
}
