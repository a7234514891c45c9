// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package external

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/authcore/pkg/authserver/server/crypto"
	"github.com/stacklok/authcore/pkg/authserver/storage"
	"github.com/stacklok/authcore/pkg/logger"
)

// DefaultChallengeLifetime bounds how long an upstream login may take.
const DefaultChallengeLifetime = 10 * time.Minute

var (
	// ErrUnknownProvider is returned for provider names that are not configured.
	ErrUnknownProvider = errors.New("unknown external provider")
	// ErrUnknownState is returned when a callback carries an unknown, expired or reused state.
	ErrUnknownState = errors.New("external login state is unknown or expired")
)

type pending struct {
	Provider  string `json:"provider"`
	ReturnURL string `json:"return_url"`
	Nonce     string `json:"nonce"`
	Verifier  string `json:"verifier"`
}

// Result is a completed upstream login.
type Result struct {
	*Identity
	ReturnURL string
}

// Flow runs upstream logins for a set of providers.
type Flow struct {
	providers map[string]*Provider
	messages  storage.MessageStore
}

// NewFlow creates a Flow over providers.
func NewFlow(messages storage.MessageStore, providers ...*Provider) *Flow {
	f := &Flow{providers: make(map[string]*Provider, len(providers)), messages: messages}
	for _, p := range providers {
		f.providers[p.Name()] = p
	}
	return f
}

// Provider returns the named provider.
func (f *Flow) Provider(name string) (*Provider, bool) {
	p, ok := f.providers[name]
	return p, ok
}

// Providers returns the configured providers sorted by name.
func (f *Flow) Providers() []*Provider {
	out := make([]*Provider, 0, len(f.providers))
	for _, p := range f.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Challenge starts a login at the named provider and returns the URL to send
// the user agent to. returnURL is kept for the callback as is; callers validate it.
func (f *Flow) Challenge(ctx context.Context, provider, returnURL string) (string, error) {
	p, ok := f.providers[provider]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
	state := pending{
		Provider:  provider,
		ReturnURL: returnURL,
		Nonce:     uuid.NewString(),
		Verifier:  crypto.GeneratePKCEVerifier(),
	}
	data, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("failed to encode external login state: %w", err)
	}
	id, err := f.messages.WriteMessage(ctx, data, DefaultChallengeLifetime)
	if err != nil {
		return "", fmt.Errorf("failed to store external login state: %w", err)
	}
	logger.Debugw("starting external login", "provider", provider)
	return p.AuthCodeURL(id, state.Nonce, state.Verifier), nil
}

// Callback completes the login identified by state.
func (f *Flow) Callback(ctx context.Context, state, code string) (*Result, error) {
	if state == "" || code == "" {
		return nil, ErrUnknownState
	}
	data, err := f.messages.ConsumeMessage(ctx, state)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrUnknownState
		}
		return nil, fmt.Errorf("failed to load external login state: %w", err)
	}
	var st pending
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, ErrUnknownState
	}
	p, ok := f.providers[st.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, st.Provider)
	}

	identity, err := p.Exchange(ctx, code, st.Verifier, st.Nonce)
	if err != nil {
		logger.Warnw("external login failed", "provider", st.Provider, "error", err)
		return nil, err
	}
	return &Result{Identity: identity, ReturnURL: st.ReturnURL}, nil
}
