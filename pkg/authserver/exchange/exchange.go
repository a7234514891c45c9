// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package exchange implements the OAuth 2.0 token exchange grant (RFC 8693).
//
// An exchange starts Pending. Validating the subject token moves it to
// Validated or Rejected; only a Validated exchange can mint a token.
package exchange

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/stacklok/authcore/pkg/authserver/authorize"
	"github.com/stacklok/authcore/pkg/authserver/registry"
	"github.com/stacklok/authcore/pkg/authserver/token"
	oautherr "github.com/stacklok/authcore/pkg/errors"
	"github.com/stacklok/authcore/pkg/logger"
)

// Token exchange request parameter names.
const (
	ParamSubjectToken       = "subject_token"
	ParamSubjectTokenType   = "subject_token_type"
	ParamActorToken         = "actor_token"
	ParamActorTokenType     = "actor_token_type"
	ParamRequestedTokenType = "requested_token_type"
	ParamAudience           = "audience"
	ParamResource           = "resource"
	ParamScope              = "scope"
)

// State is the state of an exchange.
type State int

const (
	// StatePending is the state before the subject token was checked.
	StatePending State = iota
	// StateValidated means the subject token was accepted.
	StateValidated
	// StateRejected means the request or its subject token was refused.
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateValidated:
		return "validated"
	case StateRejected:
		return "rejected"
	default:
		return "pending"
	}
}

// Request is a token exchange request of an authenticated client.
type Request struct {
	Client             *registry.Client
	SubjectToken       string
	SubjectTokenType   string
	ActorToken         string
	ActorTokenType     string
	RequestedTokenType string
	Scope              string
	Resources          []string
	// Audiences are logical names of the target services. They must name
	// registered API resources.
	Audiences []string
}

// Exchange is a single token exchange moving through its states.
type Exchange struct {
	state   State
	req     *Request
	subject *token.Claims
	actor   *token.Claims
}

// State returns the current state.
func (x *Exchange) State() State {
	return x.state
}

// Subject returns the validated subject token claims, or nil before validation.
func (x *Exchange) Subject() *token.Claims {
	if x.state != StateValidated {
		return nil
	}
	return x.subject
}

func (x *Exchange) reject(err error) error {
	x.state = StateRejected
	return err
}

// ClaimFilter narrows the claims inherited from the subject token.
type ClaimFilter func(client *registry.Client, inherited map[string]any) map[string]any

// Handler validates exchanges and mints the exchanged tokens.
type Handler struct {
	validator token.TokenValidator
	issuer    *token.Issuer
	registry  registry.Store
	filter    ClaimFilter
}

// Option configures a Handler.
type Option func(*Handler)

// WithClaimFilter sets a policy narrowing the inherited claims.
func WithClaimFilter(f ClaimFilter) Option {
	return func(h *Handler) {
		h.filter = f
	}
}

// NewHandler creates a Handler. Subject and actor tokens are checked with validator.
func NewHandler(validator token.TokenValidator, issuer *token.Issuer, store registry.Store, opts ...Option) *Handler {
	h := &Handler{
		validator: validator,
		issuer:    issuer,
		registry:  store,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Begin starts an exchange for req.
func (*Handler) Begin(req *Request) *Exchange {
	return &Exchange{state: StatePending, req: req}
}

// Exchange runs a complete exchange and returns the token response.
func (h *Handler) Exchange(ctx context.Context, req *Request) (*token.Response, error) {
	x := h.Begin(req)
	if err := h.Validate(ctx, x); err != nil {
		return nil, err
	}
	return h.Mint(ctx, x)
}

// Validate checks the request and its subject token. Token contents are never
// echoed in the returned error.
func (h *Handler) Validate(ctx context.Context, x *Exchange) error {
	if x.state != StatePending {
		return oautherr.NewInvalidRequestError(fmt.Sprintf("exchange is already %s", x.state), nil)
	}
	req := x.req

	if req.Client == nil || !req.Client.AllowsGrantType(registry.GrantTypeTokenExchange) {
		return x.reject(oautherr.NewInvalidClientError("client is not allowed to use the token exchange grant", nil))
	}
	if req.SubjectToken == "" {
		return x.reject(oautherr.NewInvalidRequestError("subject_token is required", nil))
	}
	if !acceptedTokenType(req.SubjectTokenType) {
		return x.reject(oautherr.NewInvalidRequestError("unsupported subject_token_type", nil))
	}
	if req.RequestedTokenType != "" && req.RequestedTokenType != token.TokenTypeAccessToken {
		return x.reject(oautherr.NewInvalidRequestError("unsupported requested_token_type", nil))
	}
	if req.ActorToken == "" && req.ActorTokenType != "" {
		return x.reject(oautherr.NewInvalidRequestError("actor_token_type given without actor_token", nil))
	}

	subject, err := h.validator.Validate(ctx, req.SubjectToken)
	if err != nil {
		logger.Warnw("subject token validation failed",
			"client_id", req.Client.ID,
			"error", err,
		)
		return x.reject(oautherr.NewInvalidGrantError("subject_token is invalid", nil))
	}

	if req.ActorToken != "" {
		if !acceptedTokenType(req.ActorTokenType) {
			return x.reject(oautherr.NewInvalidRequestError("unsupported actor_token_type", nil))
		}
		actor, err := h.validator.Validate(ctx, req.ActorToken)
		if err != nil {
			logger.Warnw("actor token validation failed",
				"client_id", req.Client.ID,
				"error", err,
			)
			return x.reject(oautherr.NewInvalidGrantError("actor_token is invalid", nil))
		}
		x.actor = actor
	}

	x.subject = subject
	x.state = StateValidated
	logger.Debugw("subject token validated",
		"client_id", req.Client.ID,
		"subject_client_id", subject.ClientID,
		"subject", subject.Subject,
	)
	return nil
}

// Mint issues the exchanged token for a validated exchange. The token is bound
// to the exchanging client and inherits the subject and claims of the subject
// token.
func (h *Handler) Mint(ctx context.Context, x *Exchange) (*token.Response, error) {
	if x.state != StateValidated {
		return nil, oautherr.NewInvalidRequestError(fmt.Sprintf("cannot mint a token for a %s exchange", x.state), nil)
	}
	req := x.req
	subject := x.subject

	values := authorize.SplitScopes(req.Scope)
	if len(values) == 0 {
		for _, s := range subject.Scope {
			if req.Client.AllowsScope(s) {
				values = append(values, s)
			}
		}
	}

	indicators := slices.Concat(req.Resources, req.Audiences)
	scopes, err := authorize.ResolveScopes(h.registry, req.Client, values, indicators)
	if err != nil {
		return nil, err
	}

	inherited := maps.Clone(subject.Extra)
	if h.filter != nil && inherited != nil {
		inherited = h.filter(req.Client, inherited)
	}

	grant := &token.Grant{
		GrantType:    registry.GrantTypeTokenExchange,
		Client:       req.Client,
		Subject:      subject.Subject,
		Scopes:       scopes,
		SessionID:    subject.SessionID,
		IdP:          subject.IdP,
		Confirmation: subject.Confirmation,
		Actor:        actorClaim(subject, x.actor),
		Extra:        inherited,
	}
	if subject.AuthTime != nil {
		grant.AuthTime = subject.AuthTime.Time
	}

	resp, err := h.issuer.Issue(ctx, grant)
	if err != nil {
		return nil, err
	}
	resp.IssuedTokenType = token.TokenTypeAccessToken
	return resp, nil
}

// actorClaim returns the "act" claim of the exchanged token: the actor
// token's party wrapping any prior delegation chain of the subject token.
func actorClaim(subject, actor *token.Claims) *token.Actor {
	if actor == nil {
		return subject.Actor
	}
	return &token.Actor{
		Subject:  actor.Subject,
		ClientID: actor.ClientID,
		Actor:    subject.Actor,
	}
}

func acceptedTokenType(t string) bool {
	switch t {
	case "", token.TokenTypeAccessToken, token.TokenTypeJWT:
		return true
	default:
		return false
	}
}
