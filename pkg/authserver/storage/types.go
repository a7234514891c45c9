// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage provides storage interfaces and implementations for the
// mutable state of the authorization server: sessions, consent records, the
// refresh token ledger, authorization codes, interaction messages and users.
package storage

//go:generate mockgen -destination=mocks/mock_storage.go -package=mocks -source=types.go Storage

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/stacklok/toolhive-core/httperr"
)

var (
	// ErrNotFound is returned when a requested record does not exist or has expired.
	ErrNotFound = httperr.WithCode(errors.New("record not found"), http.StatusNotFound)

	// ErrAlreadyExists is returned when creating a record whose key is taken.
	ErrAlreadyExists = httperr.WithCode(errors.New("record already exists"), http.StatusConflict)

	// ErrConsumed is returned when a single-use record has already been redeemed.
	ErrConsumed = httperr.WithCode(errors.New("record already consumed"), http.StatusBadRequest)
)

// Session is an authenticated browser session.
type Session struct {
	ID               string            `json:"id"`
	Subject          string            `json:"subject"`
	AuthTime         time.Time         `json:"auth_time"`
	IdentityProvider string            `json:"idp,omitempty"`
	Claims           map[string]string `json:"claims,omitempty"`
	// ClientIDs lists every client that obtained a grant through this session.
	// It only grows until the session ends.
	ClientIDs  []string  `json:"client_ids,omitempty"`
	LastSeenAt time.Time `json:"last_seen_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// AddClient records clientID in the session. It reports whether the set changed.
func (s *Session) AddClient(clientID string) bool {
	if clientID == "" || slices.Contains(s.ClientIDs, clientID) {
		return false
	}
	s.ClientIDs = append(s.ClientIDs, clientID)
	return true
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	c := *s
	c.ClientIDs = slices.Clone(s.ClientIDs)
	if s.Claims != nil {
		c.Claims = make(map[string]string, len(s.Claims))
		for k, v := range s.Claims {
			c.Claims[k] = v
		}
	}
	return &c
}

// IsExpired reports whether the session has expired at now.
func (s *Session) IsExpired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// ConsentRecord is a remembered consent decision of a subject for a client.
type ConsentRecord struct {
	Subject   string    `json:"subject"`
	ClientID  string    `json:"client_id"`
	Scopes    []string  `json:"scopes"`
	Remember  bool      `json:"remember"`
	CreatedAt time.Time `json:"created_at"`
	// ExpiresAt is zero when the consent does not expire.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Grants reports whether the record covers scope.
func (c *ConsentRecord) Grants(scope string) bool {
	return c != nil && slices.Contains(c.Scopes, scope)
}

// Covers reports whether the record covers every scope in scopes.
func (c *ConsentRecord) Covers(scopes []string) bool {
	if c == nil {
		return false
	}
	for _, s := range scopes {
		if !slices.Contains(c.Scopes, s) {
			return false
		}
	}
	return true
}

// IsExpired reports whether the record has expired at now.
func (c *ConsentRecord) IsExpired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// RefreshToken is a ledger entry for an issued refresh token. ID is the hash of
// the handle given to the client; the handle itself is never stored.
type RefreshToken struct {
	ID        string            `json:"id"`
	FamilyID  string            `json:"family_id"`
	ClientID  string            `json:"client_id"`
	Subject   string            `json:"subject"`
	SessionID string            `json:"session_id,omitempty"`
	Scopes    []string          `json:"scopes"`
	Audiences []string          `json:"audiences,omitempty"`
	Claims    map[string]string `json:"claims,omitempty"`
	// IdentityProvider is the external provider the subject signed in with.
	IdentityProvider string    `json:"idp,omitempty"`
	AuthTime         time.Time `json:"auth_time"`
	CreatedAt        time.Time `json:"created_at"`
	ExpiresAt        time.Time `json:"expires_at"`
	// AbsoluteExpiresAt caps sliding renewals for the whole family.
	AbsoluteExpiresAt time.Time `json:"absolute_expires_at"`
	// ConsumedAt is set when a one-time-only token has been redeemed.
	ConsumedAt time.Time `json:"consumed_at,omitempty"`
}

// IsConsumed reports whether the token has been redeemed.
func (t *RefreshToken) IsConsumed() bool {
	return !t.ConsumedAt.IsZero()
}

// IsExpired reports whether the token has expired at now.
func (t *RefreshToken) IsExpired(now time.Time) bool {
	return now.After(t.ExpiresAt) || (!t.AbsoluteExpiresAt.IsZero() && now.After(t.AbsoluteExpiresAt))
}

// AuthorizationCode is an issued, not yet redeemed, authorization code.
type AuthorizationCode struct {
	// Code is the hash of the code handed to the client.
	Code                string            `json:"code"`
	ClientID            string            `json:"client_id"`
	Subject             string            `json:"subject"`
	SessionID           string            `json:"session_id,omitempty"`
	RedirectURI         string            `json:"redirect_uri"`
	Scopes              []string          `json:"scopes"`
	Resources           []string          `json:"resources,omitempty"`
	Nonce               string            `json:"nonce,omitempty"`
	CodeChallenge       string            `json:"code_challenge,omitempty"`
	CodeChallengeMethod string            `json:"code_challenge_method,omitempty"`
	Claims              map[string]string `json:"claims,omitempty"`
	IdentityProvider    string            `json:"idp,omitempty"`
	AuthTime            time.Time         `json:"auth_time"`
	CreatedAt           time.Time         `json:"created_at"`
	ExpiresAt           time.Time         `json:"expires_at"`
}

// User is a local or externally provisioned user account.
type User struct {
	Subject      string `json:"subject"`
	Username     string `json:"username,omitempty"`
	PasswordHash string `json:"password_hash,omitempty"`
	// ProviderName and ProviderSubject link the account to an external identity provider.
	ProviderName    string            `json:"provider_name,omitempty"`
	ProviderSubject string            `json:"provider_subject,omitempty"`
	Claims          map[string]string `json:"claims,omitempty"`
	Active          bool              `json:"active"`
	CreatedAt       time.Time         `json:"created_at"`
}

// SessionStore persists browser sessions.
type SessionStore interface {
	// CreateSession stores a new session. Returns ErrAlreadyExists on id collision.
	CreateSession(ctx context.Context, session *Session) error

	// GetSession returns the session or ErrNotFound if it is absent or expired.
	GetSession(ctx context.Context, id string) (*Session, error)

	// UpdateSession atomically applies fn to the stored session and persists the
	// result. Concurrent updates of the same session never lose writes.
	UpdateSession(ctx context.Context, id string, fn func(*Session) error) (*Session, error)

	// DeleteSession removes the session. Deleting an absent session is not an error.
	DeleteSession(ctx context.Context, id string) error
}

// ConsentStore persists remembered consent decisions keyed by subject and client.
type ConsentStore interface {
	// GetConsent returns the record or ErrNotFound if it is absent or expired.
	GetConsent(ctx context.Context, subject, clientID string) (*ConsentRecord, error)

	// StoreConsent atomically replaces the record for the subject and client.
	StoreConsent(ctx context.Context, record *ConsentRecord) error

	// DeleteConsent removes the record for the subject and client.
	DeleteConsent(ctx context.Context, subject, clientID string) error
}

// RefreshTokenLedger tracks refresh tokens and their one-time-use state.
type RefreshTokenLedger interface {
	// StoreRefreshToken records a newly issued refresh token.
	StoreRefreshToken(ctx context.Context, token *RefreshToken) error

	// GetRefreshToken returns the token or ErrNotFound if it is absent or expired.
	GetRefreshToken(ctx context.Context, id string) (*RefreshToken, error)

	// RotateRefreshToken atomically marks id consumed and records next in the
	// same family. It returns the consumed entry. When the entry was already
	// consumed it returns the entry together with ErrConsumed and records nothing.
	RotateRefreshToken(ctx context.Context, id string, next *RefreshToken) (*RefreshToken, error)

	// ExtendRefreshToken moves the expiry of a reusable token.
	ExtendRefreshToken(ctx context.Context, id string, expiresAt time.Time) error

	// RevokeRefreshTokenFamily removes every token of the family.
	RevokeRefreshTokenFamily(ctx context.Context, familyID string) error
}

// AuthorizationCodeStore persists single-use authorization codes.
type AuthorizationCodeStore interface {
	// StoreAuthorizationCode records a newly issued code.
	StoreAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// ConsumeAuthorizationCode atomically removes and returns the code.
	// Returns ErrNotFound if it is absent, expired or already redeemed.
	ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)
}

// MessageStore persists opaque interaction messages such as paused
// authorization requests and logout contexts.
type MessageStore interface {
	// WriteMessage stores data and returns an unguessable id.
	WriteMessage(ctx context.Context, data []byte, ttl time.Duration) (string, error)

	// ReadMessage returns the data or ErrNotFound if it is absent or expired.
	ReadMessage(ctx context.Context, id string) ([]byte, error)

	// ConsumeMessage atomically removes and returns the data.
	ConsumeMessage(ctx context.Context, id string) ([]byte, error)
}

// UserStore persists user accounts.
type UserStore interface {
	// CreateUser stores a new user. Returns ErrAlreadyExists when the subject,
	// username or external provider link is already taken.
	CreateUser(ctx context.Context, user *User) error

	// GetUser returns the user with the given subject.
	GetUser(ctx context.Context, subject string) (*User, error)

	// FindUserByUsername returns the user with the given username.
	FindUserByUsername(ctx context.Context, username string) (*User, error)

	// FindUserByExternalProvider returns the user linked to the external identity.
	FindUserByExternalProvider(ctx context.Context, provider, externalID string) (*User, error)
}

// Storage combines every store used by the authorization server.
type Storage interface {
	SessionStore
	ConsentStore
	RefreshTokenLedger
	AuthorizationCodeStore
	MessageStore
	UserStore

	// Health reports whether the backend is reachable.
	Health(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
