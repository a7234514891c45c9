// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"errors"
	"maps"
	"net/http"

	"github.com/stacklok/authcore/pkg/authserver/external"
	oautherr "github.com/stacklok/authcore/pkg/errors"
	"github.com/stacklok/authcore/pkg/logger"
)

const paramProvider = "provider"

// ExternalChallengeHandler handles GET /external/challenge requests.
// It sends the user agent to the named identity provider.
func (h *Handler) ExternalChallengeHandler(w http.ResponseWriter, r *http.Request) {
	if h.cfg.External == nil {
		http.NotFound(w, r)
		return
	}
	q := r.URL.Query()
	returnURL := q.Get(ParamReturnURL)
	if returnURL == "" || !h.cfg.Resumer.Policy().IsValidReturnURL(returnURL) {
		logger.Warnw("external login with invalid return URL", "return_url", returnURL)
		writeError(w, oautherr.NewInvalidRequestError("invalid return URL", nil))
		return
	}

	target, err := h.cfg.External.Challenge(r.Context(), q.Get(paramProvider), returnURL)
	if err != nil {
		if errors.Is(err, external.ErrUnknownProvider) {
			writeError(w, oautherr.NewInvalidRequestError("unknown identity provider", nil))
			return
		}
		writeError(w, oautherr.NewServerError("failed to start external login", err))
		return
	}
	noStore(w)
	http.Redirect(w, r, target, http.StatusFound)
}

// ExternalCallbackHandler handles GET /external/callback requests.
// The external user is looked up, or provisioned on first login, signed in,
// and sent back to the paused authorization request.
func (h *Handler) ExternalCallbackHandler(w http.ResponseWriter, r *http.Request) {
	if h.cfg.External == nil {
		http.NotFound(w, r)
		return
	}
	ctx := r.Context()
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		logger.Warnw("external provider returned an error", "error", e)
		writeError(w, oautherr.NewAccessDeniedError("the identity provider did not authenticate the user", nil))
		return
	}

	result, err := h.cfg.External.Callback(ctx, q.Get("state"), q.Get(paramCode))
	if err != nil {
		if errors.Is(err, external.ErrUnknownState) {
			writeError(w, oautherr.NewInvalidRequestError("unknown or expired login state", nil))
			return
		}
		writeError(w, oautherr.NewAccessDeniedError("external login failed", err))
		return
	}

	user, err := h.cfg.Users.FindByExternalProvider(ctx, result.Provider, result.Subject)
	if err != nil {
		writeError(w, oautherr.NewServerError("failed to look up external user", err))
		return
	}
	if user == nil {
		user, err = h.cfg.Users.AutoProvision(ctx, result.Provider, result.Subject, result.Claims)
		if err != nil {
			writeError(w, oautherr.NewServerError("failed to provision external user", err))
			return
		}
	}

	claims := maps.Clone(user.Claims)
	if claims == nil {
		claims = map[string]string{}
	}
	maps.Copy(claims, result.Claims)
	if _, err := h.cfg.Sessions.SignIn(ctx, w, user.Subject, result.Provider, claims); err != nil {
		writeError(w, oautherr.NewServerError("failed to sign in", err))
		return
	}
	logger.Infow("external login succeeded",
		"provider", result.Provider,
		"subject", user.Subject,
	)

	target := result.ReturnURL
	if target == "" {
		target = "/"
	}
	noStore(w)
	http.Redirect(w, r, target, http.StatusFound)
}
