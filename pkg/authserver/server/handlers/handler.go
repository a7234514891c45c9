// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stacklok/authcore/pkg/authserver/authorize"
	"github.com/stacklok/authcore/pkg/authserver/consent"
	"github.com/stacklok/authcore/pkg/authserver/exchange"
	"github.com/stacklok/authcore/pkg/authserver/external"
	"github.com/stacklok/authcore/pkg/authserver/interaction"
	"github.com/stacklok/authcore/pkg/authserver/registry"
	"github.com/stacklok/authcore/pkg/authserver/server/keys"
	"github.com/stacklok/authcore/pkg/authserver/session"
	"github.com/stacklok/authcore/pkg/authserver/storage"
	"github.com/stacklok/authcore/pkg/authserver/token"
	"github.com/stacklok/authcore/pkg/authserver/users"
)

// Default locations of the login, consent and logout pages.
const (
	DefaultLoginURL   = "/ui/login"
	DefaultConsentURL = "http://localhost:8001/consent"
	DefaultLogoutURL  = "/ui/logout"
)

// LocalIdentityProvider names sessions created with a local username and password.
const LocalIdentityProvider = "local"

// Config holds the dependencies of a Handler.
type Config struct {
	// Issuer is the public base URL of the server.
	Issuer string

	Registry  registry.Store
	Validator *authorize.Validator
	Consent   *consent.Engine
	Tokens    *token.Issuer
	Exchange  *exchange.Handler
	Resumer   *interaction.Resumer
	Sessions  *session.Manager
	Users     *users.Service
	Keys      keys.KeyProvider
	Messages  storage.MessageStore

	// External is optional. Without it the external login endpoints answer 404.
	External *external.Flow

	// LoginURL, ConsentURL and LogoutURL locate the interaction pages.
	// The return URL or logout id is appended as a query parameter.
	LoginURL   string
	ConsentURL string
	LogoutURL  string

	// Metrics is served at /metrics when set.
	Metrics http.Handler

	// Middleware wraps every route.
	Middleware []func(http.Handler) http.Handler
	// Throttle wraps the credential-checking routes (/token, /login).
	Throttle func(http.Handler) http.Handler
}

// Handler provides HTTP handlers for the authorization server endpoints.
type Handler struct {
	cfg Config
}

// NewHandler creates a new Handler with the given dependencies.
func NewHandler(cfg Config) (*Handler, error) {
	switch {
	case cfg.Issuer == "":
		return nil, errors.New("issuer is required")
	case cfg.Registry == nil, cfg.Validator == nil, cfg.Consent == nil, cfg.Tokens == nil:
		return nil, errors.New("registry, validator, consent engine and token issuer are required")
	case cfg.Exchange == nil, cfg.Resumer == nil, cfg.Sessions == nil:
		return nil, errors.New("token exchange handler, resumer and session manager are required")
	case cfg.Users == nil, cfg.Keys == nil, cfg.Messages == nil:
		return nil, errors.New("user service, key provider and message store are required")
	}
	if cfg.LoginURL == "" {
		cfg.LoginURL = DefaultLoginURL
	}
	if cfg.ConsentURL == "" {
		cfg.ConsentURL = DefaultConsentURL
	}
	if cfg.LogoutURL == "" {
		cfg.LogoutURL = DefaultLogoutURL
	}
	return &Handler{cfg: cfg}, nil
}

// Routes returns a router with all endpoints registered.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	for _, mw := range h.cfg.Middleware {
		r.Use(mw)
	}

	h.AuthorizeRoutes(r)
	h.InteractionRoutes(r)
	h.TokenRoutes(r)
	h.WellKnownRoutes(r)
	if h.cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.cfg.Metrics)
	}
	return r
}

// AuthorizeRoutes registers the authorization endpoint and its resumption callback.
func (h *Handler) AuthorizeRoutes(r chi.Router) {
	r.Get("/authorize", h.AuthorizeHandler)
	r.Get("/authorize/callback", h.AuthorizeCallbackHandler)
}

// InteractionRoutes registers the endpoints backing the login, consent and
// logout pages, plus external provider login.
func (h *Handler) InteractionRoutes(r chi.Router) {
	r.With(h.throttle).Post("/login", h.LoginHandler)
	r.Get("/login/context", h.LoginContextHandler)
	r.Get("/login/session", h.LoginSessionHandler)

	r.Post("/consent", h.ConsentViewHandler)
	r.Post("/consent/save", h.ConsentSaveHandler)

	r.Get("/endsession", h.EndSessionHandler)
	r.Post("/logout", h.CreateLogoutHandler)
	r.Get("/logout", h.LogoutHandler)

	r.Get("/external/challenge", h.ExternalChallengeHandler)
	r.Get("/external/callback", h.ExternalCallbackHandler)
}

// TokenRoutes registers the token and revocation endpoints.
func (h *Handler) TokenRoutes(r chi.Router) {
	r.With(h.throttle).Post("/token", h.TokenHandler)
	r.With(h.throttle).Post("/revoke", h.RevocationHandler)
}

// WellKnownRoutes registers the JWKS and OIDC discovery endpoints.
func (h *Handler) WellKnownRoutes(r chi.Router) {
	r.Get("/.well-known/jwks.json", h.JWKSHandler)
	r.Get("/.well-known/openid-configuration", h.OIDCDiscoveryHandler)
}

func (h *Handler) throttle(next http.Handler) http.Handler {
	if h.cfg.Throttle == nil {
		return next
	}
	return h.cfg.Throttle(next)
}
