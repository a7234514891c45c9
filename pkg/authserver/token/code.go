// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/authcore/pkg/authserver/authorize"
	"github.com/stacklok/authcore/pkg/authserver/registry"
	"github.com/stacklok/authcore/pkg/authserver/server/crypto"
	"github.com/stacklok/authcore/pkg/authserver/storage"
	oautherr "github.com/stacklok/authcore/pkg/errors"
)

// IssueAuthorizationCode stores a single-use code for a granted authorization
// request and returns the handle to send to the client. scopes are the
// scopes the user granted.
func (i *Issuer) IssueAuthorizationCode(
	ctx context.Context,
	req *authorize.Request,
	scopes *authorize.Scopes,
	sess *storage.Session,
) (string, error) {
	gt := string(registry.GrantTypeAuthorizationCode)
	ctx, span := i.inst.tracer.Start(ctx, "token.IssueAuthorizationCode", trace.WithAttributes(
		attribute.String("client_id", req.ClientID),
	))
	defer span.End()

	if sess == nil || sess.Subject == "" {
		return "", i.inst.fail(ctx, span, gt, oautherr.NewLoginRequiredError("an authenticated session is required", nil))
	}

	now := i.now()
	handle := newHandle()
	code := &storage.AuthorizationCode{
		Code:                HashHandle(handle),
		ClientID:            req.ClientID,
		Subject:             sess.Subject,
		SessionID:           sess.ID,
		Scopes:              scopes.Values,
		Resources:           req.ResourceIndicators,
		Nonce:               req.Nonce,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Claims:              sess.Claims,
		IdentityProvider:    sess.IdentityProvider,
		AuthTime:            sess.AuthTime,
		CreatedAt:           now,
		ExpiresAt:           now.Add(req.Client.AuthorizationCodeLifetime),
	}
	// The token request must repeat redirect_uri only when the
	// authorization request carried it (RFC 6749 section 4.1.3).
	if req.Params.Get(authorize.ParamRedirectURI) != "" {
		code.RedirectURI = req.RedirectURI
	}

	if err := i.store.StoreAuthorizationCode(ctx, code); err != nil {
		return "", i.inst.fail(ctx, span, gt, oautherr.NewServerError("failed to store authorization code", err))
	}
	i.inst.recordIssued(ctx, gt, kindCode)
	return handle, nil
}

// RedeemAuthorizationCode exchanges a code for tokens. The code is consumed
// whether or not the exchange succeeds.
func (i *Issuer) RedeemAuthorizationCode(
	ctx context.Context,
	client *registry.Client,
	handle, redirectURI, verifier string,
) (*Response, error) {
	gt := string(registry.GrantTypeAuthorizationCode)
	ctx, span := i.inst.tracer.Start(ctx, "token.RedeemAuthorizationCode", trace.WithAttributes(
		attribute.String("client_id", clientID(client)),
	))
	defer span.End()

	if handle == "" {
		return nil, i.inst.fail(ctx, span, gt, oautherr.NewInvalidRequestError("code is required", nil))
	}

	code, err := i.store.ConsumeAuthorizationCode(ctx, HashHandle(handle))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, i.inst.fail(ctx, span, gt,
				oautherr.NewInvalidGrantError("authorization code is invalid, expired or already used", nil))
		}
		return nil, i.inst.fail(ctx, span, gt, oautherr.NewServerError("failed to redeem authorization code", err))
	}
	if code.ExpiresAt.Before(i.now()) {
		return nil, i.inst.fail(ctx, span, gt,
			oautherr.NewInvalidGrantError("authorization code is invalid, expired or already used", nil))
	}
	if code.ClientID != client.ID {
		return nil, i.inst.fail(ctx, span, gt, oautherr.NewInvalidGrantError("authorization code was not issued to this client", nil))
	}
	if code.RedirectURI != "" && code.RedirectURI != redirectURI {
		return nil, i.inst.fail(ctx, span, gt, oautherr.NewInvalidGrantError("redirect_uri does not match the authorization request", nil))
	}
	if err := checkVerifier(client, code, verifier); err != nil {
		return nil, i.inst.fail(ctx, span, gt, err)
	}

	scopes, err := authorize.ResolveScopes(i.registry, client, code.Scopes, code.Resources)
	if err != nil {
		return nil, i.inst.fail(ctx, span, gt, err)
	}

	return i.Issue(ctx, &Grant{
		GrantType:  registry.GrantTypeAuthorizationCode,
		Client:     client,
		Subject:    code.Subject,
		Scopes:     scopes,
		SessionID:  code.SessionID,
		AuthTime:   code.AuthTime,
		IdP:        code.IdentityProvider,
		Nonce:      code.Nonce,
		UserClaims: code.Claims,
	})
}

func checkVerifier(client *registry.Client, code *storage.AuthorizationCode, verifier string) error {
	switch {
	case code.CodeChallenge != "":
		if verifier == "" {
			return oautherr.NewInvalidGrantError("code_verifier is required", nil)
		}
		if !crypto.VerifyPKCE(code.CodeChallenge, code.CodeChallengeMethod, verifier) {
			return oautherr.NewInvalidGrantError("code_verifier does not match the code challenge", nil)
		}
	case verifier != "":
		return oautherr.NewInvalidGrantError("code_verifier was sent but no code challenge was registered", nil)
	case client.RequirePKCE:
		return oautherr.NewInvalidGrantError("client requires PKCE", nil)
	}
	return nil
}
