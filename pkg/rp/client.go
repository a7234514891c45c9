// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package rp is a relying-party client of the authorization server: it builds
// PKCE authorization requests, redeems codes, obtains client credentials
// tokens and exchanges tokens (RFC 8693).
package rp

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"github.com/stacklok/authcore/pkg/logger"
)

// Default endpoint paths below the authority.
const (
	AuthorizePath  = "/authorize"
	TokenPath      = "/token"
	EndSessionPath = "/endsession"
)

// Config configures a Client.
type Config struct {
	// Authority is the base URL of the authorization server.
	Authority string

	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	// AuthURL, TokenURL and EndSessionURL default to the paths below Authority.
	AuthURL       string
	TokenURL      string
	EndSessionURL string

	// HTTPClient is used for every back-channel request. Defaults to a client
	// with a 30s timeout.
	HTTPClient *http.Client

	// Hooks run in order before every authorization redirect.
	Hooks []BeforeAuthorizeRedirect
}

// Validate checks if the Config contains all required fields.
func (c *Config) Validate() error {
	if c.Authority == "" && (c.AuthURL == "" || c.TokenURL == "") {
		return errors.New("authority or both AuthURL and TokenURL are required")
	}
	if c.ClientID == "" {
		return errors.New("ClientID is required")
	}
	for _, raw := range []string{c.Authority, c.AuthURL, c.TokenURL, c.EndSessionURL} {
		if raw == "" {
			continue
		}
		if _, err := url.Parse(raw); err != nil {
			return fmt.Errorf("%q is not a valid URL: %w", raw, err)
		}
	}
	return nil
}

// Client is a relying party of one authorization server.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	authority := strings.TrimSuffix(cfg.Authority, "/")
	if cfg.AuthURL == "" {
		cfg.AuthURL = authority + AuthorizePath
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = authority + TokenPath
	}
	if cfg.EndSessionURL == "" && authority != "" {
		cfg.EndSessionURL = authority + EndSessionPath
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = defaultHTTPClient
	}
	return &Client{cfg: cfg, httpClient: httpClient}, nil
}

// Authorization is the state of one authorization request. It must be kept,
// e.g. in an encrypted cookie, until the callback is handled.
type Authorization struct {
	URL      string
	State    string
	Nonce    string
	Verifier string
	// ClientID is the client the request was made for, possibly changed by a hook.
	ClientID string
}

// AuthCodeURL builds an authorization request with PKCE (S256), state and
// nonce. props are handed to the hooks, e.g. "idp" or "client_id".
func (c *Client) AuthCodeURL(ctx context.Context, props map[string]string) (*Authorization, error) {
	state, err := randomString()
	if err != nil {
		return nil, err
	}
	nonce, err := randomString()
	if err != nil {
		return nil, err
	}

	rc := &RedirectContext{
		Properties: props,
		ClientID:   c.cfg.ClientID,
		Scopes:     append([]string(nil), c.cfg.Scopes...),
		Params:     url.Values{},
	}
	for _, hook := range c.cfg.Hooks {
		if err := hook(ctx, rc); err != nil {
			return nil, fmt.Errorf("authorize redirect hook failed: %w", err)
		}
	}

	verifier := oauth2.GenerateVerifier()
	opts := []oauth2.AuthCodeOption{
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("nonce", nonce),
	}
	if len(rc.ACRValues) > 0 {
		opts = append(opts, oauth2.SetAuthURLParam("acr_values", strings.Join(rc.ACRValues, " ")))
	}
	for key, values := range rc.Params {
		if len(values) > 0 {
			opts = append(opts, oauth2.SetAuthURLParam(key, values[0]))
		}
	}

	conf := c.oauth2Config(rc.ClientID, rc.Scopes)
	logger.Debugw("built authorization request", "client_id", rc.ClientID, "acr_values", rc.ACRValues)
	return &Authorization{
		URL:      conf.AuthCodeURL(state, opts...),
		State:    state,
		Nonce:    nonce,
		Verifier: verifier,
		ClientID: rc.ClientID,
	}, nil
}

// Exchange redeems the authorization code returned to the redirect URL.
// state is the value received on the callback and must match auth.State.
func (c *Client) Exchange(ctx context.Context, auth *Authorization, state, code string) (*oauth2.Token, error) {
	if auth == nil || state == "" || state != auth.State {
		return nil, errors.New("state mismatch")
	}
	if code == "" {
		return nil, errors.New("authorization code is missing")
	}
	conf := c.oauth2Config(auth.ClientID, nil)
	tok, err := conf.Exchange(c.contextWithClient(ctx), code, oauth2.VerifierOption(auth.Verifier))
	if err != nil {
		return nil, fmt.Errorf("code exchange failed: %w", err)
	}
	return tok, nil
}

// Refresh redeems a refresh token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	conf := c.oauth2Config(c.cfg.ClientID, nil)
	tok, err := conf.TokenSource(c.contextWithClient(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("refresh failed: %w", err)
	}
	return tok, nil
}

// EndSessionURL returns the RP-initiated logout URL.
func (c *Client) EndSessionURL(postLogoutRedirectURI, state string) (string, error) {
	if c.cfg.EndSessionURL == "" {
		return "", errors.New("end session endpoint is not configured")
	}
	u, err := url.Parse(c.cfg.EndSessionURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("client_id", c.cfg.ClientID)
	if postLogoutRedirectURI != "" {
		q.Set("post_logout_redirect_uri", postLogoutRedirectURI)
	}
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) oauth2Config(clientID string, scopes []string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: c.cfg.ClientSecret,
		RedirectURL:  c.cfg.RedirectURL,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.cfg.AuthURL,
			TokenURL:  c.cfg.TokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
}

func (c *Client) contextWithClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

func randomString() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random value: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
