// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package rp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/stacklok/authcore/pkg/logger"
)

const (
	//nolint:gosec // G101: OAuth2 URN identifiers, not credentials
	grantTypeTokenExchange = "urn:ietf:params:oauth:grant-type:token-exchange"

	// TokenTypeAccessToken identifies an OAuth 2.0 access token.
	//nolint:gosec // G101: OAuth2 URN identifiers, not credentials
	TokenTypeAccessToken = "urn:ietf:params:oauth:token-type:access_token"

	// TokenTypeJWT identifies a JWT.
	//nolint:gosec // G101: OAuth2 URN identifiers, not credentials
	TokenTypeJWT = "urn:ietf:params:oauth:token-type:jwt"

	defaultHTTPTimeout = 30 * time.Second

	// maxResponseBodySize is the maximum size for reading response bodies (1 MB)
	maxResponseBodySize = 1 << 20

	defaultMaxTries = 3

	redactedPlaceholder = "[REDACTED]"
	emptyPlaceholder    = "<empty>"
)

var defaultHTTPClient = &http.Client{
	Timeout: defaultHTTPTimeout,
}

// TokenError is an OAuth 2.0 error response (RFC 6749 Section 5.2).
type TokenError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	URI         string `json:"error_uri,omitempty"`
	StatusCode  int    `json:"-"`
}

func (e *TokenError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("OAuth error %q (status %d): %s", e.Code, e.StatusCode, e.Description)
	}
	return fmt.Sprintf("OAuth error %q (status %d)", e.Code, e.StatusCode)
}

func parseTokenError(statusCode int, body []byte) *TokenError {
	var tokenErr TokenError
	if err := json.Unmarshal(body, &tokenErr); err != nil || tokenErr.Code == "" {
		return nil
	}
	tokenErr.StatusCode = statusCode
	return &tokenErr
}

// ExchangeRequest is an RFC 8693 token exchange request.
type ExchangeRequest struct {
	SubjectToken string
	// SubjectTokenType defaults to TokenTypeAccessToken.
	SubjectTokenType string
	// RequestedTokenType defaults to TokenTypeAccessToken.
	RequestedTokenType string

	ActorToken     string
	ActorTokenType string

	Audience  string
	Resources []string
	Scopes    []string
}

// String redacts the tokens.
func (r ExchangeRequest) String() string {
	subjectToken := redactedPlaceholder
	if r.SubjectToken == "" {
		subjectToken = emptyPlaceholder
	}
	actorToken := "<none>"
	if r.ActorToken != "" {
		actorToken = redactedPlaceholder
	}
	return fmt.Sprintf("ExchangeRequest{Audience: %s, Resources: %v, Scopes: %v, SubjectToken: %s, ActorToken: %s}",
		r.Audience, r.Resources, r.Scopes, subjectToken, actorToken)
}

// ExchangeResponse is the body of a successful token exchange.
type ExchangeResponse struct {
	AccessToken     string `json:"access_token"`
	IssuedTokenType string `json:"issued_token_type"`
	TokenType       string `json:"token_type"`
	ExpiresIn       int    `json:"expires_in"`
	Scope           string `json:"scope"`
	RefreshToken    string `json:"refresh_token,omitempty"`
}

// String redacts the tokens.
func (r ExchangeResponse) String() string {
	accessToken := redactedPlaceholder
	if r.AccessToken == "" {
		accessToken = emptyPlaceholder
	}
	refreshToken := redactedPlaceholder
	if r.RefreshToken == "" {
		refreshToken = emptyPlaceholder
	}
	return fmt.Sprintf("ExchangeResponse{AccessToken: %s, TokenType: %s, ExpiresIn: %d, Scope: %s, RefreshToken: %s}",
		accessToken, r.TokenType, r.ExpiresIn, r.Scope, refreshToken)
}

// Token converts the response to an oauth2.Token.
func (r *ExchangeResponse) Token() *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  r.AccessToken,
		TokenType:    r.TokenType,
		RefreshToken: r.RefreshToken,
	}
	if r.ExpiresIn > 0 {
		tok.Expiry = time.Now().Add(time.Duration(r.ExpiresIn) * time.Second)
	}
	return tok.WithExtra(map[string]any{
		"scope":             r.Scope,
		"issued_token_type": r.IssuedTokenType,
	})
}

type clientAuthentication struct {
	ClientID     string
	ClientSecret string
}

// String redacts the client secret.
func (c clientAuthentication) String() string {
	clientSecret := redactedPlaceholder
	if c.ClientSecret == "" {
		clientSecret = emptyPlaceholder
	}
	return fmt.Sprintf("clientAuthentication{ClientID: %s, ClientSecret: %s}", c.ClientID, clientSecret)
}

// ClientCredentials obtains a token for the client itself. resources are sent
// as resource indicators.
func (c *Client) ClientCredentials(ctx context.Context, scopes []string, resources ...string) (*oauth2.Token, error) {
	conf := &clientcredentials.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		TokenURL:     c.cfg.TokenURL,
		Scopes:       scopes,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	if len(resources) > 0 {
		conf.EndpointParams = url.Values{"resource": resources}
	}

	tok, err := backoff.Retry(ctx, func() (*oauth2.Token, error) {
		tok, err := conf.Token(c.contextWithClient(ctx))
		if err != nil {
			return nil, classify(err)
		}
		return tok, nil
	}, c.retryOptions("client credentials")...)
	if err != nil {
		return nil, fmt.Errorf("client credentials request failed: %w", err)
	}
	return tok, nil
}

// ExchangeToken performs an RFC 8693 token exchange authenticated as the
// configured client.
func (c *Client) ExchangeToken(ctx context.Context, request ExchangeRequest) (*ExchangeResponse, error) {
	data, err := buildExchangeForm(request)
	if err != nil {
		return nil, err
	}
	auth := clientAuthentication{ClientID: c.cfg.ClientID, ClientSecret: c.cfg.ClientSecret}
	logger.Debugw("exchanging token", "request", request.String(), "client", auth.String())

	resp, err := backoff.Retry(ctx, func() (*ExchangeResponse, error) {
		req, err := newTokenRequest(ctx, c.cfg.TokenURL, data, auth)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		body, err := c.doTokenRequest(req)
		if err != nil {
			return nil, classify(err)
		}
		var out ExchangeResponse
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, backoff.Permanent(errors.New("failed to parse token exchange response"))
		}
		return &out, nil
	}, c.retryOptions("token exchange")...)
	if err != nil {
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}

	if resp.AccessToken == "" {
		return nil, errors.New("token exchange: server returned empty access_token")
	}
	if resp.TokenType == "" {
		return nil, errors.New("token exchange: server returned empty token_type")
	}
	if resp.IssuedTokenType == "" {
		return nil, errors.New("token exchange: server returned empty issued_token_type")
	}
	logger.Debugw("token exchanged", "response", resp.String())
	return resp, nil
}

// DelegatedToken obtains a client credentials token with clientScopes and
// exchanges it for one narrowed to exchangeScopes.
func (c *Client) DelegatedToken(ctx context.Context, clientScopes, exchangeScopes []string) (*oauth2.Token, error) {
	subject, err := c.ClientCredentials(ctx, clientScopes)
	if err != nil {
		return nil, err
	}
	resp, err := c.ExchangeToken(ctx, ExchangeRequest{
		SubjectToken:     subject.AccessToken,
		SubjectTokenType: TokenTypeAccessToken,
		Scopes:           exchangeScopes,
	})
	if err != nil {
		return nil, err
	}
	return resp.Token(), nil
}

// TokenSource returns an oauth2.TokenSource that exchanges the token returned
// by subject on every call. Wrap it in oauth2.ReuseTokenSource to cache.
func (c *Client) TokenSource(ctx context.Context, subject func() (string, error), scopes ...string) oauth2.TokenSource {
	return &exchangeTokenSource{ctx: ctx, client: c, subject: subject, scopes: scopes}
}

type exchangeTokenSource struct {
	ctx     context.Context
	client  *Client
	subject func() (string, error)
	scopes  []string
}

// Token implements oauth2.TokenSource.
func (ts *exchangeTokenSource) Token() (*oauth2.Token, error) {
	if ts.subject == nil {
		return nil, errors.New("subject token provider is required")
	}
	subjectToken, err := ts.subject()
	if err != nil {
		return nil, fmt.Errorf("failed to get subject token: %w", err)
	}
	resp, err := ts.client.ExchangeToken(ts.ctx, ExchangeRequest{
		SubjectToken: subjectToken,
		Scopes:       ts.scopes,
	})
	if err != nil {
		return nil, err
	}
	return resp.Token(), nil
}

func buildExchangeForm(request ExchangeRequest) (url.Values, error) {
	if request.SubjectToken == "" {
		return nil, errors.New("subject_token is required")
	}
	data := url.Values{}
	data.Set("grant_type", grantTypeTokenExchange)
	data.Set("subject_token", request.SubjectToken)

	subjectType := request.SubjectTokenType
	if subjectType == "" {
		subjectType = TokenTypeAccessToken
	}
	data.Set("subject_token_type", subjectType)

	requestedType := request.RequestedTokenType
	if requestedType == "" {
		requestedType = TokenTypeAccessToken
	}
	data.Set("requested_token_type", requestedType)

	if request.Audience != "" {
		data.Set("audience", request.Audience)
	}
	if len(request.Scopes) > 0 {
		data.Set("scope", strings.Join(request.Scopes, " "))
	}
	for _, resource := range request.Resources {
		data.Add("resource", resource)
	}
	if request.ActorToken != "" {
		data.Set("actor_token", request.ActorToken)
		actorType := request.ActorTokenType
		if actorType == "" {
			actorType = TokenTypeAccessToken
		}
		data.Set("actor_token_type", actorType)
	}
	return data, nil
}

// newTokenRequest creates a form POST authenticated with HTTP Basic. The
// credentials are form-encoded first as RFC 6749 Section 2.3.1 requires.
func newTokenRequest(ctx context.Context, endpoint string, data url.Values, auth clientAuthentication) (*http.Request, error) {
	encoded := data.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Content-Length", strconv.Itoa(len(encoded)))
	if auth.ClientID != "" && auth.ClientSecret != "" {
		req.SetBasicAuth(url.QueryEscape(auth.ClientID), url.QueryEscape(auth.ClientSecret))
	}
	return req, nil
}

func (c *Client) doTokenRequest(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return body, nil
	}
	if tokenErr := parseTokenError(resp.StatusCode, body); tokenErr != nil {
		logger.Debugf("Token endpoint returned OAuth error: %s (description: %s)", tokenErr.Code, tokenErr.Description)
		return nil, tokenErr
	}
	return nil, &TokenError{Code: "server_error", StatusCode: resp.StatusCode}
}

// classify marks errors that a retry cannot fix as permanent. Transport
// failures and 5xx responses stay retryable.
func classify(err error) error {
	var tokenErr *TokenError
	if errors.As(err, &tokenErr) {
		if tokenErr.StatusCode >= http.StatusInternalServerError {
			return err
		}
		return backoff.Permanent(err)
	}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.Response != nil && retrieveErr.Response.StatusCode >= http.StatusInternalServerError {
			return err
		}
		return backoff.Permanent(err)
	}
	return err
}

func (c *Client) retryOptions(operation string) []backoff.RetryOption {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	return []backoff.RetryOption{
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(defaultMaxTries),
		backoff.WithNotify(func(err error, d time.Duration) {
			logger.Warnf("%s failed, retrying in %s: %v", operation, d, err)
		}),
	}
}
