// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/stacklok/authcore/pkg/authserver/authorize"
	"github.com/stacklok/authcore/pkg/authserver/interaction"
	"github.com/stacklok/authcore/pkg/authserver/storage"
	oautherr "github.com/stacklok/authcore/pkg/errors"
	"github.com/stacklok/authcore/pkg/logger"
)

// ParamReturnURL carries the return URL to the login and consent pages.
const ParamReturnURL = "returnUrl"

// AuthorizeHandler handles GET /authorize requests.
// It validates the request and either issues a code right away or sends the
// user agent to the login or consent page with a return URL that resumes it.
func (h *Handler) AuthorizeHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, err := h.currentUser(w, r)
	if err != nil {
		writeError(w, oautherr.NewServerError("failed to load session", err))
		return
	}

	result, err := h.cfg.Validator.Validate(ctx, r.URL.Query(), sess)
	if err != nil {
		h.authorizeError(w, r, result, err)
		return
	}
	h.proceed(w, r, &interaction.Context{Result: result}, sess)
}

// AuthorizeCallbackHandler handles GET /authorize/callback requests.
// It resumes a paused request after login or consent.
func (h *Handler) AuthorizeCallbackHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, err := h.currentUser(w, r)
	if err != nil {
		writeError(w, oautherr.NewServerError("failed to load session", err))
		return
	}

	ic, err := h.cfg.Resumer.Resume(ctx, r.URL.RequestURI(), sess)
	if err != nil {
		writeError(w, oautherr.NewServerError("failed to resume authorization request", err))
		return
	}
	if ic == nil {
		writeError(w, oautherr.NewInvalidRequestError("the authorization request is invalid or has expired", nil))
		return
	}
	if err := h.cfg.Resumer.Claim(ctx, ic); err != nil {
		if errors.Is(err, interaction.ErrAlreadyClaimed) {
			writeError(w, oautherr.NewInvalidRequestError("the authorization request is invalid or has expired", nil))
			return
		}
		writeError(w, oautherr.NewServerError("failed to resume authorization request", err))
		return
	}

	// A consent answer only counts for the user who gave it.
	if ic.Consent != nil && !ic.Consent.AnsweredBy(sess) {
		logger.Debugw("ignoring consent given by another user", "client_id", ic.Request.ClientID)
		ic.Consent = nil
	}
	if ic.Consent != nil && ic.Interaction != authorize.InteractionLogin {
		if !ic.Consent.Granted() {
			h.authorizeError(w, r, ic.Result, oautherr.NewAccessDeniedError("the user denied the request", nil))
			return
		}
		h.grant(w, r, ic, sess, ic.Request.Scopes.Narrow(ic.Consent.ScopesConsented))
		return
	}
	h.proceed(w, r, ic, sess)
}

// proceed acts on the interaction the validator asked for.
func (h *Handler) proceed(w http.ResponseWriter, r *http.Request, ic *interaction.Context, sess *storage.Session) {
	switch ic.Interaction {
	case authorize.InteractionLogin:
		params := ic.Request.Params
		// A forced login is satisfied by the login it triggers.
		if params.Get(authorize.ParamPrompt) == authorize.PromptLogin {
			params.Del(authorize.ParamPrompt)
		}
		h.pause(w, r, ic, params, h.cfg.LoginURL)
	case authorize.InteractionConsent:
		h.pause(w, r, ic, ic.Request.Params, h.cfg.ConsentURL)
	default:
		h.grant(w, r, ic, sess, ic.Request.Scopes)
	}
}

func (h *Handler) pause(w http.ResponseWriter, r *http.Request, ic *interaction.Context, params url.Values, page string) {
	ctx := r.Context()
	returnURL, err := h.cfg.Resumer.Pause(ctx, params)
	if err != nil {
		h.authorizeError(w, r, ic.Result, oautherr.NewServerError("failed to pause authorization request", err))
		return
	}

	logger.Debugw("authorization request needs interaction",
		"client_id", ic.Request.ClientID,
		"interaction", ic.Interaction.String(),
	)
	redirectWithParams(w, r, page, url.Values{ParamReturnURL: {returnURL}})
}

// grant issues an authorization code for scopes and sends it to the client.
func (h *Handler) grant(
	w http.ResponseWriter,
	r *http.Request,
	ic *interaction.Context,
	sess *storage.Session,
	scopes *authorize.Scopes,
) {
	ctx := r.Context()
	code, err := h.cfg.Tokens.IssueAuthorizationCode(ctx, ic.Request, scopes, sess)
	if err != nil {
		h.authorizeError(w, r, ic.Result, err)
		return
	}
	if err := h.cfg.Sessions.AddClient(ctx, sess, ic.Request.ClientID); err != nil {
		logger.Warnw("failed to record client in session",
			"client_id", ic.Request.ClientID,
			"error", err,
		)
	}

	logger.Debugw("authorization code issued",
		"client_id", ic.Request.ClientID,
		"subject", sess.Subject,
	)
	redirectWithParams(w, r, ic.Request.RedirectURI, url.Values{
		"code":  {code},
		"state": {ic.Request.State},
		"iss":   {h.cfg.Issuer},
	})
}

// authorizeError reports err to the client through its redirect URI when the
// request got far enough to trust one, and to the user agent otherwise.
func (h *Handler) authorizeError(w http.ResponseWriter, r *http.Request, result *authorize.Result, err error) {
	if result == nil || result.Request == nil || result.Request.RedirectURI == "" {
		writeError(w, err)
		return
	}
	if oautherr.HTTPStatus(err) >= http.StatusInternalServerError {
		logger.Errorw("authorization request failed",
			"client_id", result.Request.ClientID,
			"error", err,
		)
	}
	resp := oautherr.ToResponse(err)
	redirectWithParams(w, r, result.Request.RedirectURI, url.Values{
		"error":             {resp.Error},
		"error_description": {resp.ErrorDescription},
		"state":             {result.Request.State},
		"iss":               {h.cfg.Issuer},
	})
}
