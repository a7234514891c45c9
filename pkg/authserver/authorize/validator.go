// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authorize

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/stacklok/authcore/pkg/authserver/registry"
	"github.com/stacklok/authcore/pkg/authserver/server/crypto"
	"github.com/stacklok/authcore/pkg/authserver/storage"
	oautherr "github.com/stacklok/authcore/pkg/errors"
	"github.com/stacklok/authcore/pkg/logger"
)

// Validator validates authorization requests. It never writes state, so
// validating the same parameters against the same session always yields the
// same result.
type Validator struct {
	store    registry.Store
	consents storage.ConsentStore
	policy   RedirectURIPolicy
	now      func() time.Time
}

// Option configures a Validator.
type Option func(*Validator)

// WithRedirectURIPolicy replaces the default strict redirect URI policy.
func WithRedirectURIPolicy(p RedirectURIPolicy) Option {
	return func(v *Validator) {
		if p != nil {
			v.policy = p
		}
	}
}

// WithConsentStore lets the validator skip the consent step when a remembered
// consent covers the request.
func WithConsentStore(cs storage.ConsentStore) Option {
	return func(v *Validator) {
		v.consents = cs
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) {
		v.now = now
	}
}

// NewValidator creates a Validator over store.
func NewValidator(store registry.Store, opts ...Option) *Validator {
	v := &Validator{
		store:  store,
		policy: StrictRedirectURIPolicy{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Store returns the registry the validator resolves clients and scopes against.
func (v *Validator) Store() registry.Store {
	return v.store
}

// Validate checks params against the registry and decides which interaction,
// if any, is needed given sess. sess may be nil.
//
// Once the redirect URI is known to be acceptable, a failed validation still
// returns a Result carrying the redirect URI and state, so that the error can
// be delivered to the client. Before that point the Result is nil and the
// error must be shown to the user agent instead.
func (v *Validator) Validate(ctx context.Context, params url.Values, sess *storage.Session) (*Result, error) {
	clientID := params.Get(ParamClientID)
	if clientID == "" {
		return nil, oautherr.NewInvalidRequestError("client_id is required", nil)
	}
	client, err := v.store.FindClient(clientID)
	if err != nil {
		if errors.Is(err, registry.ErrClientNotFound) {
			logger.Debugw("authorize request for unknown client", "client_id", clientID)
			return nil, oautherr.NewInvalidClientError("unknown client", err)
		}
		return nil, oautherr.NewServerError("client lookup failed", err)
	}
	if !client.AllowsGrantType(registry.GrantTypeAuthorizationCode) {
		return nil, oautherr.NewInvalidClientError("client is not allowed to use the authorization code flow", nil)
	}

	redirectURI := params.Get(ParamRedirectURI)
	if redirectURI == "" && len(client.RedirectURIs) == 1 {
		redirectURI = client.RedirectURIs[0]
	}
	if redirectURI == "" || !v.policy.Allow(client, redirectURI) {
		logger.Warnw("authorize request with unacceptable redirect URI",
			"client_id", clientID,
			"policy", v.policy.Name(),
		)
		return nil, oautherr.NewInvalidRedirectURIError("redirect_uri is not registered for this client", nil)
	}

	req := &Request{
		ClientID:            clientID,
		Client:              client,
		ResponseType:        params.Get(ParamResponseType),
		RedirectURI:         redirectURI,
		State:               params.Get(ParamState),
		Nonce:               params.Get(ParamNonce),
		ResourceIndicators:  params[ParamResource],
		ACRValues:           strings.Fields(params.Get(ParamACRValues)),
		Prompt:              params.Get(ParamPrompt),
		LoginHint:           params.Get(ParamLoginHint),
		CodeChallenge:       params.Get(ParamCodeChallenge),
		CodeChallengeMethod: params.Get(ParamCodeChallengeMethod),
		Params:              cloneValues(params),
	}
	result := &Result{Request: req}

	if err := v.checkProtocol(req); err != nil {
		return result, err
	}

	scopes, err := ResolveScopes(v.store, client, SplitScopes(params.Get(ParamScope)), req.ResourceIndicators)
	if err != nil {
		logger.Debugw("authorize request rejected", "client_id", clientID, "error", err)
		return result, err
	}
	req.Scopes = scopes
	if scopes.OfflineAccess && !client.AllowOfflineAccess {
		return result, oautherr.NewInvalidScopeError("offline access is not allowed for this client", nil)
	}

	for _, acr := range req.ACRValues {
		if idp, ok := strings.CutPrefix(acr, IdPHintPrefix); ok && idp != "" {
			req.IdP = idp
		}
	}

	interaction, err := v.interaction(ctx, req, sess)
	if err != nil {
		return result, err
	}
	result.Interaction = interaction
	return result, nil
}

func (*Validator) checkProtocol(req *Request) error {
	if req.ResponseType != ResponseTypeCode {
		return oautherr.NewInvalidRequestError("unsupported response_type", nil)
	}
	if mode := req.Params.Get(ParamResponseMode); mode != "" && mode != "query" {
		return oautherr.NewInvalidRequestError("unsupported response_mode", nil)
	}

	switch req.Prompt {
	case "", PromptNone, PromptLogin, PromptConsent:
	default:
		return oautherr.NewInvalidRequestError("unsupported prompt value", nil)
	}

	if req.CodeChallenge == "" {
		if req.CodeChallengeMethod != "" {
			return oautherr.NewInvalidRequestError("code_challenge_method without code_challenge", nil)
		}
		if req.Client.RequirePKCE {
			return oautherr.NewInvalidRequestError("code_challenge is required", nil)
		}
		return nil
	}
	if req.CodeChallengeMethod == "" {
		req.CodeChallengeMethod = crypto.PKCEChallengeMethodPlain
	}
	if req.CodeChallengeMethod != crypto.PKCEChallengeMethodS256 && req.CodeChallengeMethod != crypto.PKCEChallengeMethodPlain {
		return oautherr.NewInvalidRequestError("unsupported code_challenge_method", nil)
	}
	if req.Client.RequirePKCE && req.CodeChallengeMethod != crypto.PKCEChallengeMethodS256 {
		return oautherr.NewInvalidRequestError("this client requires the S256 code_challenge_method", nil)
	}
	return nil
}

func (v *Validator) interaction(ctx context.Context, req *Request, sess *storage.Session) (Interaction, error) {
	if sess == nil || sess.IsExpired(v.now()) {
		if req.Prompt == PromptNone {
			return InteractionNone, oautherr.NewLoginRequiredError("no active session", nil)
		}
		return InteractionLogin, nil
	}
	if req.Prompt == PromptLogin {
		return InteractionLogin, nil
	}
	if req.IdP != "" && sess.IdentityProvider != "" && sess.IdentityProvider != req.IdP {
		if req.Prompt == PromptNone {
			return InteractionNone, oautherr.NewLoginRequiredError("session belongs to another identity provider", nil)
		}
		return InteractionLogin, nil
	}

	if !req.Client.RequireConsent {
		return InteractionNone, nil
	}
	if req.Prompt != PromptConsent && v.consents != nil {
		record, err := v.consents.GetConsent(ctx, sess.Subject, req.ClientID)
		switch {
		case err == nil && record.Covers(req.Scopes.Values):
			return InteractionNone, nil
		case err != nil && !errors.Is(err, storage.ErrNotFound):
			return InteractionNone, oautherr.NewServerError("consent lookup failed", err)
		}
	}
	if req.Prompt == PromptNone {
		return InteractionNone, oautherr.NewConsentRequiredError("consent is required", nil)
	}
	return InteractionConsent, nil
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}
