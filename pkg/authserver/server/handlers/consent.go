// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"errors"
	"net/http"

	"github.com/stacklok/authcore/pkg/authserver/consent"
	"github.com/stacklok/authcore/pkg/authserver/interaction"
	oautherr "github.com/stacklok/authcore/pkg/errors"
	"github.com/stacklok/authcore/pkg/logger"
)

type consentViewRequest struct {
	ReturnURL string `json:"returnUrl"`
}

type consentSaveRequest struct {
	consent.Decision
	ReturnURL   string `json:"returnUrl"`
	Description string `json:"description,omitempty"`
}

// ConsentViewHandler handles POST /consent requests.
// It returns the consent screen for the paused request.
func (h *Handler) ConsentViewHandler(w http.ResponseWriter, r *http.Request) {
	noStore(w)
	ctx := r.Context()

	var req consentViewRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sess, err := h.currentUser(w, r)
	if err != nil {
		writeError(w, oautherr.NewServerError("failed to load session", err))
		return
	}
	if sess == nil {
		writeError(w, oautherr.NewLoginRequiredError("no active session", nil))
		return
	}
	ic, err := h.resumeForPage(ctx, req.ReturnURL)
	if err != nil {
		writeError(w, err)
		return
	}

	view, err := h.cfg.Consent.View(ctx, ic.Request, sess.Subject)
	if err != nil {
		writeError(w, err)
		return
	}
	view.ReturnURL = req.ReturnURL
	writeJSON(w, http.StatusOK, view)
}

// ConsentSaveHandler handles POST /consent/save requests.
// The decision is attached to the paused request and a fresh return URL is
// handed back; the one submitted stops working.
func (h *Handler) ConsentSaveHandler(w http.ResponseWriter, r *http.Request) {
	noStore(w)
	ctx := r.Context()

	var req consentSaveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sess, err := h.currentUser(w, r)
	if err != nil {
		writeError(w, oautherr.NewServerError("failed to load session", err))
		return
	}
	if sess == nil {
		writeError(w, oautherr.NewLoginRequiredError("no active session", nil))
		return
	}
	ic, err := h.resumeForPage(ctx, req.ReturnURL)
	if err != nil {
		writeError(w, err)
		return
	}

	var resp *interaction.ConsentResponse
	grant, err := h.cfg.Consent.Submit(ctx, ic.Request, sess.Subject, req.Decision)
	switch {
	case oautherr.IsAccessDenied(err):
		resp = &interaction.ConsentResponse{Error: oautherr.ErrAccessDenied}
	case err != nil:
		writeError(w, err)
		return
	default:
		resp = &interaction.ConsentResponse{
			ScopesConsented: grant.Scopes,
			RememberConsent: grant.Remembered,
		}
	}
	resp.Subject = sess.Subject

	if err := h.cfg.Resumer.Claim(ctx, ic); err != nil {
		if errors.Is(err, interaction.ErrAlreadyClaimed) {
			writeError(w, oautherr.NewInvalidRequestError("invalid return URL", nil))
			return
		}
		writeError(w, oautherr.NewServerError("failed to record consent", err))
		return
	}

	next, err := h.cfg.Resumer.RecordConsent(ctx, ic, resp)
	if err != nil {
		writeError(w, oautherr.NewServerError("failed to record consent", err))
		return
	}
	logger.Debugw("consent recorded",
		"client_id", ic.Request.ClientID,
		"subject", sess.Subject,
		"granted", resp.Granted(),
	)
	writeJSON(w, http.StatusOK, returnURLResponse{ReturnURL: next})
}
