// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/stacklok/authcore/pkg/authserver/exchange"
	"github.com/stacklok/authcore/pkg/authserver/registry"
	"github.com/stacklok/authcore/pkg/authserver/token"
	oautherr "github.com/stacklok/authcore/pkg/errors"
	"github.com/stacklok/authcore/pkg/logger"
)

// Token endpoint parameter names.
const (
	paramGrantType          = "grant_type"
	paramClientID           = "client_id"
	paramClientSecret       = "client_secret"
	paramCode               = "code"
	paramRedirectURI        = "redirect_uri"
	paramCodeVerifier       = "code_verifier"
	paramRefreshToken       = "refresh_token"
	paramScope              = "scope"
	paramResource           = "resource"
	paramAudience           = "audience"
	paramSubjectToken       = "subject_token"
	paramSubjectTokenType   = "subject_token_type"
	paramActorToken         = "actor_token"
	paramActorTokenType     = "actor_token_type"
	paramRequestedTokenType = "requested_token_type"
	paramToken              = "token"
)

// TokenHandler handles POST /token requests.
func (h *Handler) TokenHandler(w http.ResponseWriter, r *http.Request) {
	noStore(w)
	ctx := r.Context()

	if err := r.ParseForm(); err != nil {
		writeError(w, oautherr.NewInvalidRequestError("malformed form body", err))
		return
	}
	form := r.PostForm
	client, err := h.authenticateClient(r)
	if err != nil {
		h.writeClientError(w, r, err)
		return
	}

	grantType := registry.GrantType(form.Get(paramGrantType))
	var resp *token.Response
	switch grantType {
	case registry.GrantTypeAuthorizationCode:
		resp, err = h.cfg.Tokens.RedeemAuthorizationCode(ctx, client,
			form.Get(paramCode), form.Get(paramRedirectURI), form.Get(paramCodeVerifier))
	case registry.GrantTypeClientCredentials:
		if client.IsPublic() {
			err = oautherr.NewInvalidClientError("public clients cannot use the client_credentials grant", nil)
			break
		}
		resp, err = h.cfg.Tokens.ClientCredentials(ctx, client, form.Get(paramScope), form[paramResource])
	case registry.GrantTypeRefreshToken:
		resp, err = h.cfg.Tokens.Refresh(ctx, client, form.Get(paramRefreshToken), form.Get(paramScope))
	case registry.GrantTypeTokenExchange:
		resp, err = h.cfg.Exchange.Exchange(ctx, &exchange.Request{
			Client:             client,
			SubjectToken:       form.Get(paramSubjectToken),
			SubjectTokenType:   form.Get(paramSubjectTokenType),
			ActorToken:         form.Get(paramActorToken),
			ActorTokenType:     form.Get(paramActorTokenType),
			RequestedTokenType: form.Get(paramRequestedTokenType),
			Scope:              form.Get(paramScope),
			Resources:          form[paramResource],
			Audiences:          form[paramAudience],
		})
	case "":
		err = oautherr.NewInvalidRequestError("grant_type is required", nil)
	default:
		err = oautherr.NewUnsupportedGrantTypeError("unsupported grant_type", nil)
	}
	if err != nil {
		logger.Debugw("token request failed",
			"client_id", client.ID,
			"grant_type", string(grantType),
			"error", err,
		)
		h.writeClientError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// RevocationHandler handles POST /revoke requests (RFC 7009).
// Revoking a refresh token revokes its whole family; other tokens are
// self-contained and expire on their own.
func (h *Handler) RevocationHandler(w http.ResponseWriter, r *http.Request) {
	noStore(w)
	if err := r.ParseForm(); err != nil {
		writeError(w, oautherr.NewInvalidRequestError("malformed form body", err))
		return
	}
	client, err := h.authenticateClient(r)
	if err != nil {
		h.writeClientError(w, r, err)
		return
	}
	handle := r.PostForm.Get(paramToken)
	if handle == "" {
		writeError(w, oautherr.NewInvalidRequestError("token is required", nil))
		return
	}
	if err := h.cfg.Tokens.RevokeRefreshToken(r.Context(), client, handle); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// authenticateClient identifies the calling client from HTTP Basic
// credentials or the client_id/client_secret form parameters. Public
// clients authenticate with their id alone.
func (h *Handler) authenticateClient(r *http.Request) (*registry.Client, error) {
	id, secret, basic := r.BasicAuth()
	if basic {
		// Basic credentials are form-encoded (RFC 6749 section 2.3.1).
		var err error
		if id, err = url.QueryUnescape(id); err != nil {
			return nil, oautherr.NewInvalidClientError("malformed client credentials", nil)
		}
		if secret, err = url.QueryUnescape(secret); err != nil {
			return nil, oautherr.NewInvalidClientError("malformed client credentials", nil)
		}
		if r.PostForm.Get(paramClientSecret) != "" {
			return nil, oautherr.NewInvalidRequestError("more than one client authentication method", nil)
		}
	} else {
		id = r.PostForm.Get(paramClientID)
		secret = r.PostForm.Get(paramClientSecret)
	}
	if id == "" {
		return nil, oautherr.NewInvalidClientError("client authentication is required", nil)
	}

	client, err := h.cfg.Registry.FindClient(id)
	if err != nil {
		if errors.Is(err, registry.ErrClientNotFound) {
			logger.Debugw("token request for unknown client", "client_id", id)
			return nil, oautherr.NewInvalidClientError("client authentication failed", nil)
		}
		return nil, oautherr.NewServerError("client lookup failed", err)
	}
	if client.IsPublic() {
		if secret != "" {
			return nil, oautherr.NewInvalidClientError("client authentication failed", nil)
		}
		return client, nil
	}
	if secret == "" || !client.VerifySecret(secret) {
		logger.Warnw("client authentication failed", "client_id", id)
		return nil, oautherr.NewInvalidClientError("client authentication failed", nil)
	}
	return client, nil
}

// writeClientError writes err, adding the Basic challenge to client
// authentication failures of requests that used Basic credentials.
func (*Handler) writeClientError(w http.ResponseWriter, r *http.Request, err error) {
	if oautherr.IsInvalidClient(err) {
		if _, _, basic := r.BasicAuth(); basic {
			w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
		}
	}
	writeError(w, err)
}
