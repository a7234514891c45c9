// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/authcore/pkg/authserver/authorize"
	"github.com/stacklok/authcore/pkg/authserver/registry"
	"github.com/stacklok/authcore/pkg/authserver/storage"
	oautherr "github.com/stacklok/authcore/pkg/errors"
	"github.com/stacklok/authcore/pkg/logger"
)

// Refresh redeems a refresh token handle for client. A non-empty scope
// narrows the issued access token and must be a subset of the original grant.
//
// For one-time-only clients the handle is consumed and a successor in the
// same family is returned; of concurrent redemptions exactly one succeeds.
// Presenting a consumed handle revokes the whole family.
func (i *Issuer) Refresh(ctx context.Context, client *registry.Client, handle, scope string) (*Response, error) {
	gt := string(registry.GrantTypeRefreshToken)
	ctx, span := i.inst.tracer.Start(ctx, "token.Refresh", trace.WithAttributes(
		attribute.String("client_id", clientID(client)),
	))
	defer span.End()

	if handle == "" {
		return nil, i.inst.fail(ctx, span, gt, oautherr.NewInvalidRequestError("refresh_token is required", nil))
	}

	id := HashHandle(handle)
	current, err := i.store.GetRefreshToken(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, i.inst.fail(ctx, span, gt, oautherr.NewInvalidGrantError("refresh token is invalid or expired", nil))
		}
		return nil, i.inst.fail(ctx, span, gt, oautherr.NewServerError("failed to load refresh token", err))
	}
	if current.ClientID != client.ID {
		logger.Warnw("refresh token presented by another client",
			"client_id", client.ID,
			"owner", current.ClientID,
		)
		return nil, i.inst.fail(ctx, span, gt, oautherr.NewInvalidGrantError("refresh token was not issued to this client", nil))
	}
	if current.IsConsumed() {
		return nil, i.inst.fail(ctx, span, gt, i.replayed(ctx, current))
	}

	now := i.now()
	if current.IsExpired(now) {
		return nil, i.inst.fail(ctx, span, gt, oautherr.NewInvalidGrantError("refresh token is invalid or expired", nil))
	}

	values := current.Scopes
	if requested := authorize.SplitScopes(scope); len(requested) > 0 {
		for _, v := range requested {
			if !slices.Contains(current.Scopes, v) {
				return nil, i.inst.fail(ctx, span, gt, oautherr.NewInvalidScopeError(
					fmt.Sprintf("scope %q was not part of the original grant", v), nil))
			}
		}
		values = requested
	}

	scopes, err := authorize.ResolveScopes(i.registry, client, values, nil)
	if err != nil {
		return nil, i.inst.fail(ctx, span, gt, err)
	}

	g := &Grant{
		GrantType:  registry.GrantTypeRefreshToken,
		Client:     client,
		Subject:    current.Subject,
		Scopes:     scopes,
		SessionID:  current.SessionID,
		AuthTime:   current.AuthTime,
		IdP:        current.IdentityProvider,
		UserClaims: current.Claims,
		Audiences:  current.Audiences,
	}
	resp, err := i.mint(ctx, g)
	if err != nil {
		return nil, i.inst.fail(ctx, span, gt, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, i.inst.fail(ctx, span, gt, oautherr.NewServerError("request cancelled", err))
	}

	switch client.RefreshTokenUsage {
	case registry.RefreshTokenOneTimeOnly:
		next := newHandle()
		entry := i.newRefreshEntry(g, next, current.Scopes, current.FamilyID, current.AbsoluteExpiresAt, now)
		if _, err := i.store.RotateRefreshToken(ctx, id, entry); err != nil {
			switch {
			case errors.Is(err, storage.ErrConsumed):
				return nil, i.inst.fail(ctx, span, gt, i.replayed(ctx, current))
			case errors.Is(err, storage.ErrNotFound):
				return nil, i.inst.fail(ctx, span, gt, oautherr.NewInvalidGrantError("refresh token is invalid or expired", nil))
			default:
				return nil, i.inst.fail(ctx, span, gt, oautherr.NewServerError("failed to rotate refresh token", err))
			}
		}
		resp.RefreshToken = next
		i.inst.recordIssued(ctx, gt, kindRefresh)
	default:
		if client.RefreshTokenExpiration == registry.RefreshTokenSliding {
			expires := now.Add(client.SlidingRefreshTokenLifetime)
			if !current.AbsoluteExpiresAt.IsZero() && expires.After(current.AbsoluteExpiresAt) {
				expires = current.AbsoluteExpiresAt
			}
			if err := i.store.ExtendRefreshToken(ctx, id, expires); err != nil {
				return nil, i.inst.fail(ctx, span, gt, oautherr.NewServerError("failed to extend refresh token", err))
			}
		}
		resp.RefreshToken = handle
	}

	span.SetAttributes(attribute.String("family_id", current.FamilyID))
	i.inst.recordIssued(ctx, gt, kindAccess)
	if resp.IDToken != "" {
		i.inst.recordIssued(ctx, gt, kindIdentity)
	}
	return resp, nil
}

// replayed revokes the family of a reused token and returns the client error.
func (i *Issuer) replayed(ctx context.Context, entry *storage.RefreshToken) error {
	logReplay(entry)
	i.inst.replays.Add(ctx, 1)
	if err := i.store.RevokeRefreshTokenFamily(context.WithoutCancel(ctx), entry.FamilyID); err != nil {
		logger.Errorw("failed to revoke refresh token family",
			"family_id", entry.FamilyID,
			"error", err,
		)
	}
	return oautherr.NewInvalidGrantError("refresh token has already been used", nil)
}

// RevokeRefreshToken revokes the family of the given handle. Unknown handles
// and handles of other clients are ignored (RFC 7009 section 2.2).
func (i *Issuer) RevokeRefreshToken(ctx context.Context, client *registry.Client, handle string) error {
	entry, err := i.store.GetRefreshToken(ctx, HashHandle(handle))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return oautherr.NewServerError("failed to load refresh token", err)
	}
	if entry.ClientID != client.ID {
		return nil
	}
	if err := i.store.RevokeRefreshTokenFamily(ctx, entry.FamilyID); err != nil {
		return oautherr.NewServerError("failed to revoke refresh token", err)
	}
	return nil
}
