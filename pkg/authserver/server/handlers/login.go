// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/stacklok/authcore/pkg/authserver/interaction"
	"github.com/stacklok/authcore/pkg/authserver/storage"
	"github.com/stacklok/authcore/pkg/authserver/users"
	oautherr "github.com/stacklok/authcore/pkg/errors"
	"github.com/stacklok/authcore/pkg/logger"
)

// errInvalidCredentials is the error code of a failed password login.
const errInvalidCredentials = "invalid_credentials"

type loginRequest struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	ReturnURL string `json:"returnUrl"`
}

type returnURLResponse struct {
	ReturnURL string `json:"returnUrl"`
}

type providerView struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
}

type loginContextResponse struct {
	RequiresExternalLogin bool           `json:"requiresExternalLogin"`
	ExternalProvider      string         `json:"externalProvider,omitempty"`
	ReturnURL             string         `json:"returnUrl"`
	ClientID              string         `json:"clientId"`
	LoginHint             string         `json:"loginHint,omitempty"`
	Providers             []providerView `json:"providers,omitempty"`
}

type loginSessionResponse struct {
	SessionID string `json:"sessionId"`
	SubjectID string `json:"subjectId"`
	// Clients is the comma separated list of clients that used the session.
	Clients string `json:"clients"`
}

// currentUser loads the caller's session and keeps its cookie alive.
func (h *Handler) currentUser(w http.ResponseWriter, r *http.Request) (*storage.Session, error) {
	sess, err := h.cfg.Sessions.CurrentUser(r.Context(), r)
	if err != nil {
		return nil, err
	}
	h.cfg.Sessions.Touch(w, sess)
	return sess, nil
}

// resumeForPage resolves the return URL handed to an interaction page.
// The paused request is validated as if no one were signed in, so it only
// has to be well formed and unexpired.
func (h *Handler) resumeForPage(ctx context.Context, returnURL string) (*interaction.Context, error) {
	if returnURL == "" {
		return nil, oautherr.NewInvalidRequestError("returnUrl is required", nil)
	}
	ic, err := h.cfg.Resumer.Resume(ctx, returnURL, nil)
	if err != nil {
		if errors.Is(err, interaction.ErrInvalidReturnURL) {
			return nil, oautherr.NewInvalidRequestError("invalid return URL", nil)
		}
		return nil, oautherr.NewServerError("failed to resume authorization request", err)
	}
	if ic == nil {
		logger.Warnw("invalid return URL", "return_url", returnURL)
		return nil, oautherr.NewInvalidRequestError("invalid return URL", nil)
	}
	return ic, nil
}

// LoginHandler handles POST /login requests from the login page.
// On success the session cookie is set and the return URL is echoed back.
func (h *Handler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	noStore(w)
	ctx := r.Context()

	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	logger.Debugw("login attempt", "username", req.Username)

	ic, err := h.resumeForPage(ctx, req.ReturnURL)
	if err != nil {
		writeError(w, err)
		return
	}

	user, err := h.cfg.Users.ValidateCredentials(ctx, req.Username, req.Password)
	if err != nil {
		if errors.Is(err, users.ErrInvalidCredentials) {
			logger.Warnw("invalid credentials", "client_id", ic.Request.ClientID)
			writeError(w, oautherr.NewError(errInvalidCredentials, "invalid credentials", nil))
			return
		}
		writeError(w, oautherr.NewServerError("failed to validate credentials", err))
		return
	}

	if _, err := h.cfg.Sessions.SignIn(ctx, w, user.Subject, LocalIdentityProvider, user.Claims); err != nil {
		writeError(w, oautherr.NewServerError("failed to sign in", err))
		return
	}
	logger.Infow("user login succeeded",
		"subject", user.Subject,
		"client_id", ic.Request.ClientID,
	)
	writeJSON(w, http.StatusOK, returnURLResponse{ReturnURL: req.ReturnURL})
}

// LoginContextHandler handles GET /login/context requests.
// It tells the login page whether the client asked for an external provider
// through an "idp:" ACR value.
func (h *Handler) LoginContextHandler(w http.ResponseWriter, r *http.Request) {
	noStore(w)
	returnURL := r.URL.Query().Get(ParamReturnURL)
	ic, err := h.resumeForPage(r.Context(), returnURL)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := loginContextResponse{
		ReturnURL: returnURL,
		ClientID:  ic.Request.ClientID,
		LoginHint: ic.Request.LoginHint,
	}
	if idp := ic.Request.IdP; idp != "" && !strings.EqualFold(idp, LocalIdentityProvider) {
		resp.RequiresExternalLogin = true
		resp.ExternalProvider = idp
	}
	if h.cfg.External != nil {
		for _, p := range h.cfg.External.Providers() {
			resp.Providers = append(resp.Providers, providerView{Name: p.Name(), DisplayName: p.DisplayName()})
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// LoginSessionHandler handles GET /login/session requests.
// It describes the caller's session.
func (h *Handler) LoginSessionHandler(w http.ResponseWriter, r *http.Request) {
	noStore(w)
	sess, err := h.currentUser(w, r)
	if err != nil {
		writeError(w, oautherr.NewServerError("failed to load session", err))
		return
	}
	if sess == nil {
		writeError(w, oautherr.NewLoginRequiredError("no active session", nil))
		return
	}
	writeJSON(w, http.StatusOK, loginSessionResponse{
		SessionID: sess.ID,
		SubjectID: sess.Subject,
		Clients:   strings.Join(sess.ClientIDs, ","),
	})
}
