// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package consent

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/stacklok/authcore/pkg/authserver/authorize"
	"github.com/stacklok/authcore/pkg/authserver/storage"
	oautherr "github.com/stacklok/authcore/pkg/errors"
	"github.com/stacklok/authcore/pkg/logger"
)

// Consent screen buttons.
const (
	ButtonYes = "yes"
	ButtonNo  = "no"
)

// Decision is the user's answer on the consent screen.
type Decision struct {
	Button          string   `json:"button"`
	ScopesConsented []string `json:"scopesConsented"`
	RememberConsent bool     `json:"rememberConsent"`
}

// Grant is an accepted consent.
type Grant struct {
	// Scopes are exactly the consented scope values, required scopes included.
	Scopes     []string
	Remembered bool
}

// Engine builds consent views and applies decisions.
type Engine struct {
	store storage.ConsentStore
	now   func() time.Time
}

// NewEngine creates an Engine persisting remembered consent in store.
func NewEngine(store storage.ConsentStore) *Engine {
	return &Engine{store: store, now: time.Now}
}

// PriorConsent returns the remembered consent of subject for clientID, or nil.
func (e *Engine) PriorConsent(ctx context.Context, subject, clientID string) (*storage.ConsentRecord, error) {
	record, err := e.store.GetConsent(ctx, subject, clientID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

// View loads the prior consent of subject and builds the consent screen for req.
func (e *Engine) View(ctx context.Context, req *authorize.Request, subject string) (*View, error) {
	prior, err := e.PriorConsent(ctx, subject, req.ClientID)
	if err != nil {
		return nil, oautherr.NewServerError("failed to load consent", err)
	}
	return BuildView(req, prior), nil
}

// Submit applies decision to req for subject. A denial returns AccessDenied
// and an empty selection returns InvalidSelection; neither writes anything.
// An accepted decision is persisted only when it is to be remembered.
func (e *Engine) Submit(ctx context.Context, req *authorize.Request, subject string, decision Decision) (*Grant, error) {
	switch decision.Button {
	case ButtonNo:
		logger.Debugw("consent denied", "client_id", req.ClientID, "subject", subject)
		return nil, oautherr.NewAccessDeniedError("the user denied the request", nil)
	case ButtonYes:
	default:
		return nil, oautherr.NewInvalidRequestError("unknown consent button", nil)
	}

	if len(decision.ScopesConsented) == 0 {
		return nil, oautherr.NewInvalidSelectionError("you must pick at least one permission", nil)
	}

	var scopes []string
	for _, value := range req.Scopes.Values {
		if slices.Contains(decision.ScopesConsented, value) {
			scopes = append(scopes, value)
		}
	}
	if len(scopes) == 0 {
		return nil, oautherr.NewInvalidSelectionError("none of the selected permissions were requested", nil)
	}
	for _, value := range requiredValues(req) {
		if !slices.Contains(scopes, value) {
			scopes = append(scopes, value)
		}
	}

	remember := decision.RememberConsent && req.Client.AllowRememberConsent
	if remember {
		record := &storage.ConsentRecord{
			Subject:   subject,
			ClientID:  req.ClientID,
			Scopes:    scopes,
			Remember:  true,
			CreatedAt: e.now(),
		}
		if lifetime := req.Client.ConsentLifetime; lifetime > 0 {
			record.ExpiresAt = record.CreatedAt.Add(lifetime)
		}
		if err := e.store.StoreConsent(ctx, record); err != nil {
			return nil, oautherr.NewServerError("failed to store consent", err)
		}
	} else if err := e.store.DeleteConsent(ctx, subject, req.ClientID); err != nil {
		return nil, oautherr.NewServerError("failed to clear consent", err)
	}

	logger.Debugw("consent granted",
		"client_id", req.ClientID,
		"subject", subject,
		"scopes", scopes,
		"remembered", remember,
	)
	return &Grant{Scopes: scopes, Remembered: remember}, nil
}
