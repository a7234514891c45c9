// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package interaction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/stacklok/authcore/pkg/authserver/authorize"
	"github.com/stacklok/authcore/pkg/authserver/storage"
	"github.com/stacklok/authcore/pkg/logger"
)

// ParamAuthzID carries the id of a paused request in a return URL.
const ParamAuthzID = "authzId"

// DefaultRequestLifetime bounds how long a paused request can be resumed.
const DefaultRequestLifetime = 15 * time.Minute

// ErrInvalidReturnURL is returned by Resume when the policy reports
// open-redirect attempts instead of ignoring them.
var ErrInvalidReturnURL = errors.New("return URL is not a valid authorization request URL")

// ErrAlreadyClaimed is returned by Claim when the paused request was already
// taken by another request or has expired.
var ErrAlreadyClaimed = errors.New("paused request was already used or has expired")

// ConsentResponse is the user's answer recorded for a paused request.
type ConsentResponse struct {
	// Subject is the user who answered.
	Subject         string   `json:"subject"`
	ScopesConsented []string `json:"scopes_consented,omitempty"`
	RememberConsent bool     `json:"remember_consent,omitempty"`
	// Error is set when the user denied the request.
	Error string `json:"error,omitempty"`
}

// Granted reports whether the user granted the request.
func (c *ConsentResponse) Granted() bool {
	return c != nil && c.Error == ""
}

// AnsweredBy reports whether the response was given by the user of sess.
func (c *ConsentResponse) AnsweredBy(sess *storage.Session) bool {
	return c != nil && sess != nil && c.Subject != "" && c.Subject == sess.Subject
}

type message struct {
	Params  url.Values       `json:"params"`
	Consent *ConsentResponse `json:"consent,omitempty"`
}

// Context is a resumed authorization request.
type Context struct {
	// ID is the paused request id, empty when the parameters came from the URL itself.
	ID string
	*authorize.Result
	// Consent is the answer recorded by the consent page, if any.
	Consent *ConsentResponse
}

// Resumer pauses and resumes authorization requests.
type Resumer struct {
	policy    *ReturnURLPolicy
	messages  storage.MessageStore
	validator *authorize.Validator
	lifetime  time.Duration
	strict    bool
}

// Option configures a Resumer.
type Option func(*Resumer)

// WithRequestLifetime sets how long paused requests are kept.
func WithRequestLifetime(d time.Duration) Option {
	return func(r *Resumer) {
		if d > 0 {
			r.lifetime = d
		}
	}
}

// WithReportInvalidReturnURLs makes Resume return ErrInvalidReturnURL for
// return URLs failing the policy instead of treating them as absent.
func WithReportInvalidReturnURLs() Option {
	return func(r *Resumer) {
		r.strict = true
	}
}

// NewResumer creates a Resumer.
func NewResumer(policy *ReturnURLPolicy, messages storage.MessageStore, validator *authorize.Validator, opts ...Option) *Resumer {
	r := &Resumer{
		policy:    policy,
		messages:  messages,
		validator: validator,
		lifetime:  DefaultRequestLifetime,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the return URL policy.
func (r *Resumer) Policy() *ReturnURLPolicy {
	return r.policy
}

// Pause stores params and returns the local return URL that resumes them.
func (r *Resumer) Pause(ctx context.Context, params url.Values) (string, error) {
	return r.write(ctx, &message{Params: params})
}

func (r *Resumer) write(ctx context.Context, m *message) (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode paused request: %w", err)
	}
	id, err := r.messages.WriteMessage(ctx, data, r.lifetime)
	if err != nil {
		return "", fmt.Errorf("failed to store paused request: %w", err)
	}
	_, callback := r.policy.paths()
	return callback + "?" + url.Values{ParamAuthzID: {id}}.Encode(), nil
}

// Resume rebuilds the request named by returnURL and validates it again for
// sess. It returns nil when the URL is invalid, the paused request expired or
// the request no longer validates.
func (r *Resumer) Resume(ctx context.Context, returnURL string, sess *storage.Session) (*Context, error) {
	if !r.policy.IsValidReturnURL(returnURL) {
		if r.strict {
			logger.Warnw("rejected return URL", "return_url", returnURL)
			return nil, ErrInvalidReturnURL
		}
		return nil, nil
	}

	u, err := url.Parse(returnURL)
	if err != nil {
		return nil, nil
	}
	params := u.Query()
	id := params.Get(ParamAuthzID)

	var m message
	if id != "" {
		data, err := r.messages.ReadMessage(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				logger.Debugw("paused request expired or unknown", "authz_id", id)
				return nil, nil
			}
			return nil, fmt.Errorf("failed to read paused request: %w", err)
		}
		if err := json.Unmarshal(data, &m); err != nil {
			logger.Warnw("discarding undecodable paused request", "authz_id", id, "error", err)
			return nil, nil
		}
	} else {
		m.Params = params
	}

	result, err := r.validator.Validate(ctx, m.Params, sess)
	if err != nil {
		logger.Debugw("resumed request no longer validates", "authz_id", id, "error", err)
		return nil, nil
	}
	return &Context{ID: id, Result: result, Consent: m.Consent}, nil
}

// RecordConsent attaches the user's consent answer to the paused request and
// returns the return URL that continues it. The previous URL stops working.
func (r *Resumer) RecordConsent(ctx context.Context, ic *Context, resp *ConsentResponse) (string, error) {
	returnURL, err := r.write(ctx, &message{Params: ic.Request.Params, Consent: resp})
	if err != nil {
		return "", err
	}
	r.Complete(ctx, ic)
	return returnURL, nil
}

// Claim takes the paused request behind ic for the caller. Only one caller
// can claim a given request; the others get ErrAlreadyClaimed. Requests whose
// parameters came from the URL itself have nothing to claim.
func (r *Resumer) Claim(ctx context.Context, ic *Context) error {
	if ic == nil || ic.ID == "" {
		return nil
	}
	if _, err := r.messages.ConsumeMessage(ctx, ic.ID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			logger.Debugw("paused request already claimed", "authz_id", ic.ID)
			return ErrAlreadyClaimed
		}
		return fmt.Errorf("failed to claim paused request: %w", err)
	}
	return nil
}

// Complete discards the paused request behind ic.
func (r *Resumer) Complete(ctx context.Context, ic *Context) {
	if ic == nil || ic.ID == "" {
		return
	}
	if _, err := r.messages.ConsumeMessage(ctx, ic.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		logger.Warnw("failed to discard paused request", "authz_id", ic.ID, "error", err)
	}
}
