// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/stacklok/authcore/pkg/authserver/interaction"
	"github.com/stacklok/authcore/pkg/authserver/registry"
	"github.com/stacklok/authcore/pkg/authserver/storage"
	oautherr "github.com/stacklok/authcore/pkg/errors"
	"github.com/stacklok/authcore/pkg/logger"
)

// ParamLogoutID carries the logout id to the logout page and back.
const ParamLogoutID = "logoutId"

const (
	paramPostLogoutRedirectURI = "post_logout_redirect_uri"
	paramState                 = "state"
)

type logoutRequest struct {
	ClientID              string `json:"clientId,omitempty"`
	PostLogoutRedirectURI string `json:"postLogoutRedirectUri,omitempty"`
	State                 string `json:"state,omitempty"`
}

type logoutResponse struct {
	LogoutID               string   `json:"logoutId"`
	PostLogoutRedirectURI  string   `json:"postLogoutRedirectUri,omitempty"`
	FrontChannelLogoutURIs []string `json:"frontChannelLogoutUris,omitempty"`
}

// EndSessionHandler handles GET /endsession requests from clients (OIDC
// RP-initiated logout). It records the logout and sends the user agent to the
// logout page.
func (h *Handler) EndSessionHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	sess, err := h.cfg.Sessions.CurrentUser(ctx, r)
	if err != nil {
		writeError(w, oautherr.NewServerError("failed to load session", err))
		return
	}

	lc, err := h.logoutContext(sess, logoutRequest{
		ClientID:              q.Get(paramClientID),
		PostLogoutRedirectURI: q.Get(paramPostLogoutRedirectURI),
		State:                 q.Get(paramState),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if sess == nil {
		// Nothing to sign out of.
		h.finishLogout(w, r, lc)
		return
	}

	id, err := interaction.WriteLogoutContext(ctx, h.cfg.Messages, lc)
	if err != nil {
		writeError(w, oautherr.NewServerError("failed to store logout", err))
		return
	}
	redirectWithParams(w, r, h.cfg.LogoutURL, url.Values{ParamLogoutID: {id}})
}

// CreateLogoutHandler handles POST /logout requests from the logout page.
// It returns a logout id and the front-channel logout URIs of every client
// that used the session.
func (h *Handler) CreateLogoutHandler(w http.ResponseWriter, r *http.Request) {
	noStore(w)
	ctx := r.Context()

	var req logoutRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	sess, err := h.cfg.Sessions.CurrentUser(ctx, r)
	if err != nil {
		writeError(w, oautherr.NewServerError("failed to load session", err))
		return
	}
	if sess == nil {
		writeError(w, oautherr.NewLoginRequiredError("no active session", nil))
		return
	}

	lc, err := h.logoutContext(sess, req)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := interaction.WriteLogoutContext(ctx, h.cfg.Messages, lc)
	if err != nil {
		writeError(w, oautherr.NewServerError("failed to store logout", err))
		return
	}
	writeJSON(w, http.StatusOK, logoutResponse{
		LogoutID:               id,
		PostLogoutRedirectURI:  lc.PostLogoutRedirectURI,
		FrontChannelLogoutURIs: lc.FrontChannelLogoutURIs,
	})
}

// LogoutHandler handles GET /logout?logoutId requests. It ends the session
// and redirects to the post-logout redirect URI recorded for the logout.
func (h *Handler) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	noStore(w)
	ctx := r.Context()

	id := r.URL.Query().Get(ParamLogoutID)
	if id == "" {
		writeError(w, oautherr.NewInvalidRequestError("logoutId is required", nil))
		return
	}
	lc, err := interaction.ConsumeLogoutContext(ctx, h.cfg.Messages, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			logger.Warnw("logout context is missing", "logout_id", id)
			writeError(w, oautherr.NewInvalidRequestError("unknown or expired logout id", nil))
			return
		}
		writeError(w, oautherr.NewServerError("failed to load logout", err))
		return
	}
	if lc.Subject == "" {
		logger.Warnw("logout context has no subject", "logout_id", id)
		writeError(w, oautherr.NewInvalidRequestError("unknown or expired logout id", nil))
		return
	}

	if _, err := h.cfg.Sessions.SignOut(ctx, w, r); err != nil {
		writeError(w, oautherr.NewServerError("failed to sign out", err))
		return
	}
	logger.Infow("user logged out", "subject", lc.Subject, "session_id", lc.SessionID)
	h.finishLogout(w, r, lc)
}

func (*Handler) finishLogout(w http.ResponseWriter, r *http.Request, lc *interaction.LogoutContext) {
	if lc.PostLogoutRedirectURI == "" {
		noStore(w)
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	redirectWithParams(w, r, lc.PostLogoutRedirectURI, url.Values{paramState: {lc.State}})
}

// logoutContext builds the logout of sess. A post-logout redirect URI must
// be registered for the named client.
func (h *Handler) logoutContext(sess *storage.Session, req logoutRequest) (*interaction.LogoutContext, error) {
	lc := &interaction.LogoutContext{ClientID: req.ClientID}
	if req.PostLogoutRedirectURI != "" {
		if req.ClientID == "" {
			return nil, oautherr.NewInvalidRequestError("client_id is required with post_logout_redirect_uri", nil)
		}
		client, err := h.cfg.Registry.FindClient(req.ClientID)
		if err != nil {
			if errors.Is(err, registry.ErrClientNotFound) {
				return nil, oautherr.NewInvalidClientError("unknown client", nil)
			}
			return nil, oautherr.NewServerError("client lookup failed", err)
		}
		if !client.HasPostLogoutRedirectURI(req.PostLogoutRedirectURI) {
			logger.Warnw("unregistered post-logout redirect URI", "client_id", req.ClientID)
			return nil, oautherr.NewInvalidRedirectURIError("post_logout_redirect_uri is not registered for this client", nil)
		}
		lc.PostLogoutRedirectURI = req.PostLogoutRedirectURI
		lc.State = req.State
	}
	if sess == nil {
		return lc, nil
	}

	lc.Subject = sess.Subject
	lc.SessionID = sess.ID
	lc.ClientIDs = append([]string(nil), sess.ClientIDs...)
	for _, id := range sess.ClientIDs {
		client, err := h.cfg.Registry.FindClient(id)
		if err != nil || client.FrontChannelLogoutURI == "" {
			continue
		}
		u, err := url.Parse(client.FrontChannelLogoutURI)
		if err != nil {
			continue
		}
		q := u.Query()
		q.Set("iss", h.cfg.Issuer)
		q.Set("sid", sess.ID)
		u.RawQuery = q.Encode()
		lc.FrontChannelLogoutURIs = append(lc.FrontChannelLogoutURIs, u.String())
	}
	return lc, nil
}
