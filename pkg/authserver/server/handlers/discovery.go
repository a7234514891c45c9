// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"

	"github.com/go-jose/go-jose/v4"

	"github.com/stacklok/authcore/pkg/authserver/registry"
	"github.com/stacklok/authcore/pkg/authserver/server/crypto"
	"github.com/stacklok/authcore/pkg/authserver/server/keys"
	"github.com/stacklok/authcore/pkg/logger"
)

// Cache-Control max-age values for discovery endpoints.
const (
	// DefaultJWKSCacheMaxAge is the Cache-Control max-age for the JWKS endpoint (1 hour).
	// Rotated keys are announced a propagation window ahead, which is far longer.
	DefaultJWKSCacheMaxAge = 3600

	// DefaultDiscoveryCacheMaxAge is the Cache-Control max-age for the discovery endpoint (1 hour).
	DefaultDiscoveryCacheMaxAge = 3600
)

// OIDCDiscoveryDocument is the OpenID Provider metadata served at
// /.well-known/openid-configuration.
type OIDCDiscoveryDocument struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	EndSessionEndpoint                string   `json:"end_session_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	ScopesSupported                   []string `json:"scopes_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	ResponseModesSupported            []string `json:"response_modes_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	FrontchannelLogoutSupported       bool     `json:"frontchannel_logout_supported"`
	FrontchannelLogoutSessionSupport  bool     `json:"frontchannel_logout_session_supported"`
	AuthorizationResponseIssParameter bool     `json:"authorization_response_iss_parameter_supported"`
}

// signingAlgorithms extracts the signing algorithms from the JWKS keys.
// If no keys are available, it falls back to RS256 per OIDC Core Section 15.1.
func signingAlgorithms(set *jose.JSONWebKeySet) []string {
	var algs []string
	if set != nil {
		for _, key := range set.Keys {
			if key.Algorithm != "" && !slices.Contains(algs, key.Algorithm) {
				algs = append(algs, key.Algorithm)
			}
		}
	}
	if len(algs) == 0 {
		return []string{"RS256"}
	}
	return algs
}

// JWKSHandler handles GET /.well-known/jwks.json requests.
// It returns the public keys used for verifying JWTs, including keys that are
// announced ahead of rotation and retired keys still inside their retention window.
func (h *Handler) JWKSHandler(w http.ResponseWriter, r *http.Request) {
	publicJWKS, err := keys.JWKS(r.Context(), h.cfg.Keys)
	if err != nil {
		logger.Errorw("failed to load public keys",
			"error", err.Error(),
		)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	data, err := json.Marshal(publicJWKS)
	if err != nil {
		logger.Errorw("failed to encode JWKS",
			"error", err.Error(),
		)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", DefaultJWKSCacheMaxAge))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_, _ = w.Write(data)
}

func (h *Handler) discoveryDocument(set *jose.JSONWebKeySet) OIDCDiscoveryDocument {
	issuer := h.cfg.Issuer
	scopes := h.cfg.Registry.AllResources().ScopeNames()
	scopes = append(scopes, registry.ScopeOfflineAccess)

	return OIDCDiscoveryDocument{
		Issuer:                 issuer,
		AuthorizationEndpoint:  issuer + "/authorize",
		TokenEndpoint:          issuer + "/token",
		JWKSURI:                issuer + "/.well-known/jwks.json",
		EndSessionEndpoint:     issuer + "/endsession",
		RevocationEndpoint:     issuer + "/revoke",
		ScopesSupported:        scopes,
		ResponseTypesSupported: []string{"code"},
		ResponseModesSupported: []string{"query"},
		GrantTypesSupported: []string{
			string(registry.GrantTypeAuthorizationCode),
			string(registry.GrantTypeClientCredentials),
			string(registry.GrantTypeRefreshToken),
			string(registry.GrantTypeTokenExchange),
		},
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: signingAlgorithms(set),
		CodeChallengeMethodsSupported:    []string{crypto.PKCEChallengeMethodS256, crypto.PKCEChallengeMethodPlain},
		TokenEndpointAuthMethodsSupported: []string{
			"client_secret_basic",
			"client_secret_post",
			"none",
		},
		FrontchannelLogoutSupported:       true,
		FrontchannelLogoutSessionSupport:  true,
		AuthorizationResponseIssParameter: true,
	}
}

// OIDCDiscoveryHandler handles GET /.well-known/openid-configuration requests.
// It returns the OIDC discovery document describing the authorization server capabilities.
func (h *Handler) OIDCDiscoveryHandler(w http.ResponseWriter, r *http.Request) {
	set, err := keys.JWKS(r.Context(), h.cfg.Keys)
	if err != nil {
		// The document is still useful without the algorithm list.
		logger.Warnw("failed to load public keys for discovery",
			"error", err.Error(),
		)
	}

	data, err := json.Marshal(h.discoveryDocument(set))
	if err != nil {
		logger.Errorw("failed to encode discovery document",
			"error", err.Error(),
		)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", DefaultDiscoveryCacheMaxAge))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_, _ = w.Write(data)
}
