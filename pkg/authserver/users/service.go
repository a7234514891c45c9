// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package users manages the local user accounts: password logins, external
// provider links and automatic provisioning of externally authenticated users.
package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/stacklok/authcore/pkg/authserver/storage"
	"github.com/stacklok/authcore/pkg/logger"
)

// ErrInvalidCredentials indicates the supplied username/password combination is invalid.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Account describes a user to seed at startup.
type Account struct {
	Subject  string            `json:"subject" yaml:"subject"`
	Username string            `json:"username" yaml:"username"`
	Password string            `json:"password" yaml:"password"`
	Claims   map[string]string `json:"claims,omitempty" yaml:"claims,omitempty"`
}

// DefaultAccounts returns the development accounts alice and bob.
func DefaultAccounts() []Account {
	return []Account{
		{
			Subject:  "818727",
			Username: "alice",
			Password: "alice",
			Claims: map[string]string{
				"name":        "Alice Smith",
				"given_name":  "Alice",
				"family_name": "Smith",
				"email":       "AliceSmith@email.com",
				"website":     "http://alice.com",
			},
		},
		{
			Subject:  "88421113",
			Username: "bob",
			Password: "bob",
			Claims: map[string]string{
				"name":        "Bob Smith",
				"given_name":  "Bob",
				"family_name": "Smith",
				"email":       "BobSmith@email.com",
				"website":     "http://bob.com",
			},
		},
	}
}

// Service implements the user store operations of the server.
type Service struct {
	store storage.UserStore
	cost  int
	now   func() time.Time
	// dummy is compared against when the username is unknown so both paths cost the same.
	dummy []byte
}

// NewService creates a Service over store.
func NewService(store storage.UserStore) *Service {
	dummy, _ := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), bcrypt.MinCost)
	return &Service{store: store, cost: bcrypt.DefaultCost, now: time.Now, dummy: dummy}
}

// ValidateCredentials returns the active user with the given username and password.
func (s *Service) ValidateCredentials(ctx context.Context, username, password string) (*storage.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, ErrInvalidCredentials
	}
	user, err := s.store.FindUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			_ = bcrypt.CompareHashAndPassword(s.dummy, []byte(password))
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}
	if user.PasswordHash == "" || !user.Active {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// FindByExternalProvider returns the user linked to the external identity, or
// nil when there is none.
func (s *Service) FindByExternalProvider(ctx context.Context, provider, externalID string) (*storage.User, error) {
	user, err := s.store.FindUserByExternalProvider(ctx, provider, externalID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up external user: %w", err)
	}
	return user, nil
}

// AutoProvision creates a user linked to the external identity.
func (s *Service) AutoProvision(
	ctx context.Context,
	provider, externalID string,
	claims map[string]string,
) (*storage.User, error) {
	if provider == "" || externalID == "" {
		return nil, errors.New("provider and external id are required")
	}
	subject := uuid.NewString()
	user := &storage.User{
		Subject:         subject,
		Username:        displayName(claims, subject),
		ProviderName:    provider,
		ProviderSubject: externalID,
		Claims:          claims,
		Active:          true,
		CreatedAt:       s.now(),
	}
	err := s.store.CreateUser(ctx, user)
	if errors.Is(err, storage.ErrAlreadyExists) {
		// Either a concurrent callback linked the identity first or the username is taken.
		if existing, findErr := s.FindByExternalProvider(ctx, provider, externalID); findErr == nil && existing != nil {
			return existing, nil
		}
		user.Username = subject
		err = s.store.CreateUser(ctx, user)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to provision user: %w", err)
	}
	logger.Infow("provisioned external user", "subject", subject, "provider", provider)
	return user, nil
}

// Seed creates the accounts that do not exist yet.
func (s *Service) Seed(ctx context.Context, accounts []Account) error {
	for _, a := range accounts {
		if a.Subject == "" || a.Username == "" || a.Password == "" {
			return fmt.Errorf("account %q: subject, username and password are required", a.Username)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(a.Password), s.cost)
		if err != nil {
			return fmt.Errorf("failed to hash password of %q: %w", a.Username, err)
		}
		err = s.store.CreateUser(ctx, &storage.User{
			Subject:      a.Subject,
			Username:     a.Username,
			PasswordHash: string(hash),
			Claims:       a.Claims,
			Active:       true,
			CreatedAt:    s.now(),
		})
		switch {
		case errors.Is(err, storage.ErrAlreadyExists):
			logger.Debugw("account already exists", "username", a.Username)
		case err != nil:
			return fmt.Errorf("failed to seed %q: %w", a.Username, err)
		}
	}
	return nil
}

func displayName(claims map[string]string, fallback string) string {
	for _, name := range []string{"preferred_username", "name", "email"} {
		if v := claims[name]; v != "" {
			return v
		}
	}
	return fallback
}
